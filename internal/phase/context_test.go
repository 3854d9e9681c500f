package phase

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeloop/internal/ipc"
	"forgeloop/internal/pattern"
	"forgeloop/internal/state"
)

func testGatherer(t *testing.T) (*Gatherer, *ipc.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	ps, err := pattern.OpenStore(filepath.Join(dir, "patterns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })

	m := ipc.NewManager(dir, "ipc")
	return NewGatherer(m, ps), m, dir
}

func TestGatherRendersTasksWithErrorHistory(t *testing.T) {
	g, _, _ := testGatherer(t)

	snap := state.NewPipelineState(time.Now())
	snap.Tasks["task_1"] = &state.TaskState{
		ID: "task_1", Description: "fix the importer",
		Files: []string{"src/import.go"}, Status: state.TaskNeedsFixes,
		Priority: state.PriorityHigh, Attempts: 2,
		Errors: []state.TaskError{{
			Phase: "qa", Kind: "logic", Message: "imports resolved in wrong order",
			File: "src/import.go", Line: 12,
		}},
	}

	spec := Specs()["debugging"]
	out := g.Gather(spec, snap, 8192)

	assert.Contains(t, out, "task_1")
	assert.Contains(t, out, "attempts: 2")
	// Error history is always shown, regardless of the attempt count.
	assert.Contains(t, out, "imports resolved in wrong order")
	assert.Contains(t, out, "src/import.go:12")
}

func TestGatherErrorHistoryShownOnFirstAttempt(t *testing.T) {
	g, _, _ := testGatherer(t)

	snap := state.NewPipelineState(time.Now())
	snap.Tasks["task_1"] = &state.TaskState{
		ID: "task_1", Description: "fix it",
		Status: state.TaskNeedsFixes, Priority: state.PriorityNormal,
		Attempts: 0,
		Errors:   []state.TaskError{{Phase: "qa", Kind: "syntax", Message: "missing brace"}},
	}

	out := g.Gather(Specs()["debugging"], snap, 8192)
	assert.Contains(t, out, "missing brace")
}

func TestGatherIncludesInboxAndStrategicDocs(t *testing.T) {
	g, m, _ := testGatherer(t)

	require.NoError(t, m.EnsureStrategic(ipc.MasterPlanFile, ipc.MasterPlanTemplate("demo", time.Now())))
	_, err := m.UpdateStrategicSection(ipc.MasterPlanFile, "Current Focus", "ship the parser")
	require.NoError(t, err)
	_, err = m.AppendPhaseSection("planning", ipc.DocRead, "Directives", "focus on error recovery")
	require.NoError(t, err)

	out := g.Gather(Specs()["planning"], state.NewPipelineState(time.Now()), 8192)
	assert.Contains(t, out, "ship the parser")
	assert.Contains(t, out, "focus on error recovery")
}

func TestGatherTruncatesToBudget(t *testing.T) {
	g, _, _ := testGatherer(t)

	snap := state.NewPipelineState(time.Now())
	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 200)
	for i := 0; i < 20; i++ {
		id := string(rune('a'+i)) + "_task"
		snap.Tasks[id] = &state.TaskState{
			ID: id, Description: long, Status: state.TaskNew, Priority: state.PriorityNormal,
		}
	}

	out := g.Gather(Specs()["planning"], snap, 100)
	assert.LessOrEqual(t, len(out), 100*4)
	assert.True(t, strings.HasSuffix(out, truncationMark))
}

func TestGatherObjectiveSummary(t *testing.T) {
	g, _, _ := testGatherer(t)

	snap := state.NewPipelineState(time.Now())
	snap.Objectives.Primary = []state.ObjectiveRecord{{
		ID: "primary_001", Title: "Working parser", Status: state.ObjectiveActive,
		SuccessCriteria: []state.Criterion{{Text: "parses valid input", Done: true}, {Text: "rejects bad input"}},
	}}

	out := g.Gather(Specs()["planning"], snap, 8192)
	assert.Contains(t, out, "primary_001")
	assert.Contains(t, out, "(1/2 criteria)")
}
