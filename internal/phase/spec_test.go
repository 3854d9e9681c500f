package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecsCoverEveryPhase(t *testing.T) {
	specs := Specs()
	names := Names()
	require.Len(t, specs, len(names))

	for _, name := range names {
		spec, ok := specs[name]
		require.True(t, ok, name)
		assert.Equal(t, name, spec.Name)
		assert.NotEmpty(t, spec.ContextSources, name)
		assert.NotEmpty(t, spec.ToolCategories, name)
		assert.NotEmpty(t, spec.ModelRole, name)
		assert.NotEmpty(t, spec.LearningCategories, name)
		assert.NotEmpty(t, SystemPrompt(spec.PromptTemplate), name)
	}
}

func TestSystemPromptFallback(t *testing.T) {
	assert.Equal(t, systemPrompts["planning"], SystemPrompt("nonexistent"))
}
