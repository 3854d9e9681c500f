package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"forgeloop/internal/llm"
)

func TestCoerceQACallKeepsNamedCalls(t *testing.T) {
	call := llm.ToolCall{Name: "report_issue", Args: map[string]interface{}{"filepath": "a.go"}}
	assert.Equal(t, "report_issue", CoerceQACall(call).Name)
}

func TestCoerceQACallIssueShape(t *testing.T) {
	for _, args := range []map[string]interface{}{
		{"filepath": "a.go", "issue_type": "logic", "description": "wrong bound"},
		{"filepath": "a.go", "description": "something is off"},
		{"filepath": "a.go", "line_number": 3.0},
	} {
		got := CoerceQACall(llm.ToolCall{Args: args})
		assert.Equal(t, "report_issue", got.Name)
	}
}

func TestCoerceQACallApprovalShape(t *testing.T) {
	got := CoerceQACall(llm.ToolCall{Args: map[string]interface{}{"filepath": "a.go", "notes": "fine"}})
	assert.Equal(t, "approve_code", got.Name)

	// Unrecognizable arguments default to approval.
	got = CoerceQACall(llm.ToolCall{Args: map[string]interface{}{"something": true}})
	assert.Equal(t, "approve_code", got.Name)
}
