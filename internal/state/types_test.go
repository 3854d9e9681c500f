package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskNew, TaskInProgress, true},
		{TaskInProgress, TaskQAPending, true},
		{TaskQAPending, TaskCompleted, true},
		{TaskQAPending, TaskNeedsFixes, true},
		{TaskNeedsFixes, TaskInProgress, true},
		{TaskCompleted, TaskNeedsFixes, true},
		{TaskNew, TaskCompleted, false},
		{TaskCompleted, TaskInProgress, false},
		{TaskQAPending, TaskQAPending, true}, // self-transition allowed
	}

	for _, c := range cases {
		task := &TaskState{ID: "t", Status: c.from}
		err := task.Transition(c.to, time.Now())
		if c.ok {
			assert.NoError(t, err, "%s -> %s", c.from, c.to)
		} else {
			assert.Error(t, err, "%s -> %s", c.from, c.to)
		}
	}
}

func TestRecordErrorNeverTruncates(t *testing.T) {
	task := &TaskState{ID: "t", Status: TaskInProgress}
	for i := 0; i < 5; i++ {
		task.RecordError(TaskError{Phase: "coding", Kind: "syntax", Timestamp: time.Now()})
	}
	// Reactivation must not drop accumulated errors.
	require.NoError(t, task.Transition(TaskNeedsFixes, time.Now()))
	require.NoError(t, task.Transition(TaskInProgress, time.Now()))
	assert.Len(t, task.Errors, 5)
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
}

func TestDimensionalProfileClamp(t *testing.T) {
	p := DimensionalProfile{Temporal: -0.5, Functional: 1.7, Data: 0.3}
	p.Clamp()
	assert.Equal(t, 0.0, p.Temporal)
	assert.Equal(t, 1.0, p.Functional)
	assert.Equal(t, 0.3, p.Data)
}

func TestObjectiveAddTaskIdempotent(t *testing.T) {
	obj := &ObjectiveRecord{ID: "primary_001"}
	obj.AddTask("t1")
	obj.AddTask("t1")
	obj.AddTask("t2")
	assert.Equal(t, []string{"t1", "t2"}, obj.Tasks)

	obj.RemoveTask("t1")
	assert.Equal(t, []string{"t2"}, obj.Tasks)
}

func TestValidateInvariants(t *testing.T) {
	st := NewPipelineState(time.Now())
	st.Objectives.Primary = []ObjectiveRecord{{ID: "primary_001", Tasks: []string{"t1"}}}
	st.Tasks["t1"] = &TaskState{ID: "t1", Files: []string{"a.go"}, ObjectiveID: "primary_001"}

	// Missing FileState for a.go.
	err := st.Validate()
	require.Error(t, err)

	st.File("a.go")
	require.NoError(t, st.Validate())

	// Duplicate task link in an objective.
	st.Objectives.Primary[0].Tasks = []string{"t1", "t1"}
	assert.Error(t, st.Validate())
}

func TestAllSatisfied(t *testing.T) {
	var o Objectives
	assert.False(t, o.AllSatisfied(), "no objectives means not satisfied")

	o.Primary = []ObjectiveRecord{{ID: "primary_001", Status: ObjectiveCompleted}}
	o.Secondary = []ObjectiveRecord{{ID: "secondary_001", Status: ObjectiveDeferred}}
	assert.True(t, o.AllSatisfied())

	o.Secondary[0].Status = ObjectiveActive
	assert.False(t, o.AllSatisfied())
}
