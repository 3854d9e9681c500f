package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"forgeloop/internal/phase"
	"forgeloop/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	ran     []string
	outcome phase.Outcome
	err     error
	hashes  []string
}

func (f *fakeRunner) Run(ctx context.Context, spec phase.Spec) (phase.Outcome, error) {
	f.ran = append(f.ran, spec.Name)
	return f.outcome, f.err
}

func (f *fakeRunner) NoteStateHash(h string) { f.hashes = append(f.hashes, h) }

func testCoordinator(t *testing.T, runner PhaseRunner) (*Coordinator, *state.Store) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, runner, nil, Config{}), store
}

func seedTask(t *testing.T, store *state.Store, id string, status state.TaskStatus) {
	t.Helper()
	require.NoError(t, store.PutTask(&state.TaskState{
		ID: id, Description: "work on " + id, Status: status,
		Priority: state.PriorityNormal,
	}))
}

func TestSelectPlanningWhenNoTasks(t *testing.T) {
	runner := &fakeRunner{outcome: phase.Outcome{Result: state.ResultNoOp}}
	c, _ := testCoordinator(t, runner)

	res, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "planning", res.Phase)
}

func TestSelectionRuleOrder(t *testing.T) {
	runner := &fakeRunner{outcome: phase.Outcome{Result: state.ResultSuccess, Changed: true}}
	c, store := testCoordinator(t, runner)

	// Coding work alone selects coding.
	seedTask(t, store, "task_code", state.TaskNew)
	res, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "coding", res.Phase)

	// QA pending outranks coding.
	seedTask(t, store, "task_qa", state.TaskQAPending)
	res, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "qa", res.Phase)

	// Fix work outranks everything.
	seedTask(t, store, "task_fix", state.TaskNeedsFixes)
	res, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "debugging", res.Phase)
}

func TestSelectProjectPlanningWhenTasksDone(t *testing.T) {
	runner := &fakeRunner{outcome: phase.Outcome{Result: state.ResultSuccess, Changed: true}}
	c, store := testCoordinator(t, runner)

	seedTask(t, store, "task_1", state.TaskCompleted)
	require.NoError(t, store.Update(func(st *state.PipelineState) error {
		st.Objectives.Primary = []state.ObjectiveRecord{{
			ID: "primary_001", Title: "goal", Status: state.ObjectiveActive,
		}}
		return nil
	}))

	res, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "project_planning", res.Phase)
}

func TestDocumentationRunsOnceThenComplete(t *testing.T) {
	runner := &fakeRunner{outcome: phase.Outcome{Result: state.ResultSuccess, Changed: true}}
	c, store := testCoordinator(t, runner)

	seedTask(t, store, "task_1", state.TaskCompleted)
	require.NoError(t, store.Update(func(st *state.PipelineState) error {
		st.Objectives.Primary = []state.ObjectiveRecord{{
			ID: "primary_001", Title: "goal", Status: state.ObjectiveCompleted,
		}}
		return nil
	}))

	res, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "documentation", res.Phase)
	assert.False(t, res.Done)

	res, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, TermComplete, res.Reason)
}

func TestStagnationForcesRotation(t *testing.T) {
	runner := &fakeRunner{outcome: phase.Outcome{Result: state.ResultSuccess, Changed: true}}
	c, store := testCoordinator(t, runner)

	seedTask(t, store, "task_code", state.TaskNew)
	require.NoError(t, store.Update(func(st *state.PipelineState) error {
		st.Phase("coding").NoUpdateCount = 3
		return nil
	}))

	res, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Forced)
	// coding rotates to the next ring entry.
	assert.Equal(t, "qa", res.Phase)

	snap, err := store.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, snap.Phases["coding"].NoUpdateCount)
}

func TestQuiescenceTerminatesRun(t *testing.T) {
	runner := &fakeRunner{outcome: phase.Outcome{Result: state.ResultNoOp}}
	c, _ := testCoordinator(t, runner)

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TermQuiescent, report.Termination)
	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, []string{"planning", "planning", "planning"}, runner.ran)
}

func TestNoOpStreakResetsOnProgress(t *testing.T) {
	runner := &fakeRunner{outcome: phase.Outcome{Result: state.ResultNoOp}}
	c, _ := testCoordinator(t, runner)

	_, err := c.Step(context.Background())
	require.NoError(t, err)
	_, err = c.Step(context.Background())
	require.NoError(t, err)

	runner.outcome = phase.Outcome{Result: state.ResultSuccess, Changed: true}
	res, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Zero(t, c.noOpStreak)
}

func TestOutcomeRecording(t *testing.T) {
	runner := &fakeRunner{outcome: phase.Outcome{Result: state.ResultNoOp}}
	c, store := testCoordinator(t, runner)

	_, err := c.Step(context.Background())
	require.NoError(t, err)

	snap, err := store.Snapshot()
	require.NoError(t, err)
	ps := snap.Phases["planning"]
	require.NotNil(t, ps)
	assert.Equal(t, 1, ps.Iterations)
	assert.Equal(t, state.ResultNoOp, ps.LastResult)
	assert.Equal(t, 1, ps.NoUpdateCount)
	assert.Equal(t, 1, snap.Iteration)
	// The end-of-iteration digest reached the detector.
	assert.Len(t, runner.hashes, 1)
}

func TestPhaseFailureDoesNotAbortLoop(t *testing.T) {
	runner := &fakeRunner{
		outcome: phase.Outcome{Result: state.ResultFailure, Summary: "model unavailable"},
	}
	c, store := testCoordinator(t, runner)

	res, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Done)

	snap, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, state.ResultFailure, snap.Phases["planning"].LastResult)
	assert.Equal(t, 1, snap.Phases["planning"].NoUpdateCount)
}

func TestCancelStopsRun(t *testing.T) {
	runner := &fakeRunner{outcome: phase.Outcome{Result: state.ResultSuccess, Changed: true}}
	c, store := testCoordinator(t, runner)
	seedTask(t, store, "task_code", state.TaskNew)

	c.Cancel()
	c.Cancel() // idempotent

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TermCancelled, report.Termination)
	assert.Empty(t, runner.ran)
}

func TestContextCancellationStopsRun(t *testing.T) {
	runner := &fakeRunner{outcome: phase.Outcome{Result: state.ResultSuccess, Changed: true}}
	c, store := testCoordinator(t, runner)
	seedTask(t, store, "task_code", state.TaskNew)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, TermCancelled, report.Termination)
}

func TestMaxIterationsBound(t *testing.T) {
	runner := &fakeRunner{outcome: phase.Outcome{Result: state.ResultSuccess, Changed: true}}
	store, err := state.Open(filepath.Join(t.TempDir(), "state"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	seedTask(t, store, "task_code", state.TaskNew)

	c := New(store, runner, nil, Config{MaxIterations: 2})
	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Iterations)
}

func TestStateDigestStableAcrossTimestamps(t *testing.T) {
	snap := state.NewPipelineState(time.Now())
	snap.Tasks["t1"] = &state.TaskState{ID: "t1", Status: state.TaskNew}
	a := stateDigest(snap)

	snap.StartedAt = snap.StartedAt.Add(time.Hour)
	snap.Iteration = 42
	snap.Tasks["t1"].UpdatedAt = time.Now().Add(time.Hour)
	assert.Equal(t, a, stateDigest(snap))

	snap.Tasks["t1"].Status = state.TaskCompleted
	assert.NotEqual(t, a, stateDigest(snap))
}

func TestClassifyTasks(t *testing.T) {
	snap := state.NewPipelineState(time.Now())
	snap.Tasks["a"] = &state.TaskState{ID: "a", Status: state.TaskNew}
	snap.Tasks["b"] = &state.TaskState{ID: "b", Status: state.TaskQAPending}
	snap.Tasks["c"] = &state.TaskState{ID: "c", Status: state.TaskNeedsFixes}
	snap.Tasks["d"] = &state.TaskState{ID: "d", Status: state.TaskCompleted}

	counts := ClassifyTasks(snap)
	assert.Equal(t, 1, counts["pending"])
	assert.Equal(t, 1, counts["qa_pending"])
	assert.Equal(t, 1, counts["needs_fixes"])
	assert.Equal(t, 1, counts["completed"])
}
