package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, args map[string]any) (string, error) { return "", nil }

func testTool(name string, cat Category, safety SafetyClass) *Tool {
	return &Tool{Name: name, Description: name, Category: cat, Safety: safety, Execute: noop}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testTool("read_file", CategoryAnalysis, Guarded)))

	assert.True(t, r.Has("read_file"))
	assert.NotNil(t, r.Get("read_file"))
	assert.Nil(t, r.Get("missing"))

	err := r.Register(testTool("read_file", CategoryAnalysis, Guarded))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolAlreadyRegistered)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Register(&Tool{Execute: noop}), ErrToolNameEmpty)
	assert.ErrorIs(t, r.Register(&Tool{Name: "x"}), ErrToolExecuteNil)
}

func TestToolsForCategoriesAndDenyList(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(testTool("write_file", CategoryCoding, Guarded))
	r.MustRegister(testTool("read_file", CategoryAnalysis, Guarded))
	r.MustRegister(testTool("forbidden", CategoryCoding, Denied))
	r.MustRegister(testTool("run_command", CategoryShell, Guarded))

	visible := r.ToolsFor("coding", []Category{CategoryCoding, CategoryAnalysis})
	names := toolNames(visible)
	assert.Equal(t, []string{"read_file", "write_file"}, names)

	// Per-phase deny list.
	r.Disable("qa", "write_file")
	names = toolNames(r.ToolsFor("qa", []Category{CategoryCoding, CategoryAnalysis}))
	assert.Equal(t, []string{"read_file"}, names)
	// Other phases unaffected.
	names = toolNames(r.ToolsFor("coding", []Category{CategoryCoding}))
	assert.Contains(t, names, "write_file")
}

func TestDefinitionsShape(t *testing.T) {
	tool := testTool("read_file", CategoryAnalysis, Guarded)
	tool.Schema = Schema{
		Required: []string{"path"},
		Properties: map[string]Property{
			"path": {Type: "string", Description: "file path"},
		},
	}

	defs := Definitions([]*Tool{tool})
	require.Len(t, defs, 1)
	assert.Equal(t, "read_file", defs[0].Name)
	assert.Equal(t, "object", defs[0].InputSchema["type"])
	props := defs[0].InputSchema["properties"].(map[string]interface{})
	assert.Contains(t, props, "path")
}

func toolNames(ts []*Tool) []string {
	out := make([]string, len(ts))
	for i, tl := range ts {
		out[i] = tl.Name
	}
	return out
}
