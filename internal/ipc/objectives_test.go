package ipc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeloop/internal/state"
)

func sampleObjectives() []state.ObjectiveRecord {
	return []state.ObjectiveRecord{
		{
			ID:          "primary_001",
			Title:       "Build the CLI entry point",
			Description: "A cobra based binary with run and step commands.",
			Status:      state.ObjectiveActive,
			Priority:    state.PriorityHigh,
			SuccessCriteria: []state.Criterion{
				{Text: "binary builds", Done: true},
				{Text: "run command drives the loop", Done: false},
			},
			Dependencies: []string{"primary_000"},
			Profile: state.DimensionalProfile{
				Temporal: 0.2, Functional: 0.9, Data: 0.1, State: 0.5,
				Error: 0.3, Context: 0.4, Integration: 0.7,
			},
			Tasks: []string{"task_003", "task_001", "task_002"},
		},
		{
			ID:       "primary_002",
			Title:    "Persist pipeline state",
			Status:   state.ObjectivePending,
			Priority: state.PriorityNormal,
		},
	}
}

func TestObjectivesRoundTrip(t *testing.T) {
	records := sampleObjectives()
	rendered := RenderObjectives("primary", records)

	parsed, err := ParseObjectives(rendered)
	require.NoError(t, err)

	if diff := cmp.Diff(records, parsed); diff != "" {
		t.Errorf("objective round-trip mismatch (-want +got):\n%s", diff)
	}

	// Second pass must be stable too.
	again, err := ParseObjectives(RenderObjectives("primary", parsed))
	require.NoError(t, err)
	if diff := cmp.Diff(parsed, again); diff != "" {
		t.Errorf("second round-trip mismatch:\n%s", diff)
	}
}

func TestObjectivesTaskOrderPreserved(t *testing.T) {
	records := sampleObjectives()
	parsed, err := ParseObjectives(RenderObjectives("primary", records))
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, []string{"task_003", "task_001", "task_002"}, parsed[0].Tasks)
}

func TestParseObjectivesToleratesCommentary(t *testing.T) {
	content := `# Primary Objectives

Some preamble the model added.

## primary_001 — Do the thing
status: ACTIVE
priority: HIGH
a stray line that is not metadata

### Description
Body text.

### Success Criteria
- [x] done item
not a checkbox
- [ ] open item

### Dimensional Profile
temporal: 0.5
bogus line
functional: 2.5

### Tasks
- task_001
`
	parsed, err := ParseObjectives(content)
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	o := parsed[0]
	assert.Equal(t, "primary_001", o.ID)
	assert.Equal(t, "Do the thing", o.Title)
	assert.Equal(t, state.ObjectiveActive, o.Status)
	require.Len(t, o.SuccessCriteria, 2)
	assert.True(t, o.SuccessCriteria[0].Done)
	// Out of range values are clamped on parse.
	assert.Equal(t, 1.0, o.Profile.Functional)
	assert.Equal(t, []string{"task_001"}, o.Tasks)
}

func TestParseObjectivesPlainHyphenHeading(t *testing.T) {
	parsed, err := ParseObjectives("## secondary_001 - Hand edited title\nstatus: PENDING\n")
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "secondary_001", parsed[0].ID)
	assert.Equal(t, "Hand edited title", parsed[0].Title)
}

func TestParseObjectivesBadHeading(t *testing.T) {
	_, err := ParseObjectives("## no separator here\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no id separator")
}
