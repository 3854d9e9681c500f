// Package llm talks to OpenAI-compatible chat-completion servers. It
// resolves phase roles to concrete (server, model) targets, discovers
// which models each endpoint serves, and normalizes the many shapes in
// which models emit tool calls.
package llm

import (
	"fmt"
	"time"
)

// Message is one chat message on the wire.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a normalized tool invocation extracted from a response.
// Name may be blank when the model omitted it; callers decide how to
// coerce such calls.
type ToolCall struct {
	ID   string                 `json:"id,omitempty"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ChatResponse is the normalized result of one completion request.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Model     string
	Usage     Usage
}

// Usage mirrors the server-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Target is a resolved (server, model) pair for one request.
type Target struct {
	ServerURL string
	Model     string
}

// TransportError reports that a request could not be completed after
// the full retry schedule.
type TransportError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure against %s after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Wire types for the OpenAI-compatible chat completions API.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type wireMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage      `json:"usage"`
	Error *wireError `json:"error,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Clock abstraction used by the discovery cache in tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
