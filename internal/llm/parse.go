package llm

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ParseToolCalls extracts tool invocations from free-text model output.
// It is the fallback chain behind native tool_calls: fenced code blocks
// first, then a textual function-call form, then bare JSON objects found
// anywhere in the content. The first stage that yields calls wins.
// Calls with a blank name are carried through; coercion happens in the
// phase layer.
func ParseToolCalls(content string) []ToolCall {
	if calls := callsFromFencedBlocks(content); len(calls) > 0 {
		return calls
	}
	if calls := callsFromFunctionText(content); len(calls) > 0 {
		return calls
	}
	return callsFromJSONCandidates(content)
}

var fenceTags = []string{"```json", "```tool_call", "```tool", "```"}

// callsFromFencedBlocks scans fenced code blocks in several dialects.
func callsFromFencedBlocks(content string) []ToolCall {
	var out []ToolCall
	rest := content
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		block := rest[start:]
		var inner string
		for _, tag := range fenceTags {
			if strings.HasPrefix(block, tag) {
				inner = block[len(tag):]
				break
			}
		}
		end := strings.Index(inner, "```")
		if end < 0 {
			break
		}
		body := strings.TrimSpace(inner[:end])
		out = append(out, callsFromJSONCandidates(body)...)
		rest = inner[end+3:]
	}
	return out
}

// callsFromFunctionText parses the textual form name(key=value, ...).
func callsFromFunctionText(content string) []ToolCall {
	var out []ToolCall
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		open := strings.Index(line, "(")
		if open <= 0 || !strings.HasSuffix(line, ")") {
			continue
		}
		name := strings.TrimSpace(line[:open])
		if !isIdentifier(name) {
			continue
		}
		argsText := line[open+1 : len(line)-1]
		args, ok := parseKVArgs(argsText)
		if !ok {
			continue
		}
		out = append(out, ToolCall{Name: name, Args: args})
	}
	return out
}

func parseKVArgs(s string) (map[string]interface{}, bool) {
	args := make(map[string]interface{})
	if strings.TrimSpace(s) == "" {
		return args, true
	}
	for _, part := range splitTopLevel(s, ',') {
		eq := strings.Index(part, "=")
		if eq <= 0 {
			return nil, false
		}
		key := strings.TrimSpace(part[:eq])
		if !isIdentifier(key) {
			return nil, false
		}
		args[key] = parseScalar(strings.TrimSpace(part[eq+1:]))
	}
	return args, true
}

// splitTopLevel splits on sep outside of quotes.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	var inQuote byte
	last := 0
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case inQuote != 0:
			if b == inQuote && (i == 0 || s[i-1] != '\\') {
				inQuote = 0
			}
		case b == '"' || b == '\'':
			inQuote = b
		case b == sep:
			parts = append(parts, s[last:i])
			last = i + 1
		}
	}
	parts = append(parts, s[last:])
	return parts
}

func parseScalar(s string) interface{} {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// callsFromJSONCandidates extracts every top-level JSON object in the
// text and keeps the ones shaped like a tool call.
func callsFromJSONCandidates(content string) []ToolCall {
	var out []ToolCall
	for _, candidate := range findJSONCandidates(content) {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			continue
		}
		if call, ok := callFromObject(obj); ok {
			out = append(out, call)
		}
	}
	return out
}

var nameKeys = []string{"name", "tool", "tool_name", "function"}
var argKeys = []string{"args", "arguments", "parameters", "input"}

// callFromObject interprets one decoded JSON object as a tool call.
// An object qualifies when it carries an argument container, or a name
// key, or both. A missing or empty name stays empty.
func callFromObject(obj map[string]interface{}) (ToolCall, bool) {
	call := ToolCall{Args: map[string]interface{}{}}
	found := false

	for _, k := range nameKeys {
		if v, ok := obj[k].(string); ok {
			call.Name = v
			found = true
			break
		}
		// {"function": {"name": ..., "arguments": ...}} nesting.
		if nested, ok := obj[k].(map[string]interface{}); ok && k == "function" {
			if inner, ok := callFromObject(nested); ok {
				return inner, true
			}
		}
	}
	for _, k := range argKeys {
		switch v := obj[k].(type) {
		case map[string]interface{}:
			call.Args = v
			found = true
		case string:
			// Arguments sometimes arrive as a JSON-encoded string.
			var m map[string]interface{}
			if err := json.Unmarshal([]byte(v), &m); err == nil {
				call.Args = m
				found = true
			}
		}
		if found && len(call.Args) > 0 {
			break
		}
	}
	return call, found
}

// findJSONCandidates scans for balanced top-level JSON objects using a
// byte state machine that honors strings and escapes. ASCII delimiters
// are safe to match bytewise under UTF-8.
func findJSONCandidates(s string) []string {
	var candidates []string
	depth := 0
	start := -1
	inString := false
	escape := false

	for i := 0; i < len(s); i++ {
		b := s[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					candidates = append(candidates, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return candidates
}
