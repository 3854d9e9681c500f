package phase

import "forgeloop/internal/llm"

// CoerceQACall resolves a tool call whose name the model omitted, by
// inspecting the arguments. Issue-shaped arguments mean report_issue;
// an argument set of only filepath and notes means approve_code; and
// anything else defaults to approve_code.
func CoerceQACall(call llm.ToolCall) llm.ToolCall {
	if call.Name != "" {
		return call
	}
	if hasAny(call.Args, "issue_type", "description", "line_number") {
		call.Name = "report_issue"
		return call
	}
	call.Name = "approve_code"
	return call
}

func hasAny(args map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if _, ok := args[k]; ok {
			return true
		}
	}
	return false
}
