package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"forgeloop/internal/logging"
)

// Client is the chat-completion contract the phases depend on.
type Client interface {
	Chat(ctx context.Context, target Target, messages []Message, tools []ToolDefinition) (*ChatResponse, error)
}

const (
	maxRetries      = 3
	retryBase       = time.Second
	minRequestGap   = 100 * time.Millisecond
	defaultMaxToken = 4096
)

// HTTPClient sends chat-completion requests to OpenAI-compatible
// servers with retry, backoff and a small request-rate floor.
type HTTPClient struct {
	apiKey     string
	httpClient *http.Client
	sleep      func(time.Duration)
	backoff    time.Duration

	mu          sync.Mutex
	lastRequest time.Time
}

// NewHTTPClient creates a client. timeout bounds a single HTTP attempt.
func NewHTTPClient(apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		sleep:      time.Sleep,
		backoff:    retryBase,
	}
}

// Chat sends one completion request. Transport-level failures and 429s
// are retried with exponential backoff (1s, 2s, 4s); when the schedule
// is exhausted a TransportError wrapping the last failure is returned.
// Non-retryable HTTP statuses fail immediately.
func (c *HTTPClient) Chat(ctx context.Context, target Target, messages []Message, tools []ToolDefinition) (*ChatResponse, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	c.throttle()

	body := chatRequest{
		Model:       target.Model,
		Messages:    toWireMessages(messages),
		Tools:       toWireTools(tools),
		MaxTokens:   defaultMaxToken,
		Temperature: 0.1,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	logging.LLMDebug("chat request: server=%s model=%s messages=%d tools=%d",
		target.ServerURL, target.Model, len(messages), len(tools))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<uint(attempt-1))
			logging.LLMDebug("retrying in %s (attempt %d/%d): %v", backoff, attempt, maxRetries, lastErr)
			select {
			case <-ctx.Done():
				return nil, &TransportError{Endpoint: target.ServerURL, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		resp, retryable, err := c.doRequest(ctx, target, jsonData)
		if err != nil {
			if !retryable {
				return nil, err
			}
			lastErr = err
			continue
		}

		logging.LLM("chat completed: model=%s tokens=%d duration=%s",
			resp.Model, resp.Usage.TotalTokens, time.Since(start).Round(time.Millisecond))
		return resp, nil
	}

	return nil, &TransportError{Endpoint: target.ServerURL, Attempts: maxRetries + 1, Err: lastErr}
}

func (c *HTTPClient) doRequest(ctx context.Context, target Target, jsonData []byte) (*ChatResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(target.ServerURL, "/")+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return nil, true, fmt.Errorf("server status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}

	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if wire.Error != nil {
		return nil, false, fmt.Errorf("server error: %s", wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, false, fmt.Errorf("response contained no choices")
	}

	choice := wire.Choices[0]
	out := &ChatResponse{
		Content: choice.Message.Content,
		Model:   wire.Model,
		Usage:   wire.Usage,
	}
	out.ToolCalls = normalizeWireCalls(choice.Message.ToolCalls)
	if len(out.ToolCalls) == 0 && out.Content != "" {
		out.ToolCalls = ParseToolCalls(out.Content)
	}
	return out, false, nil
}

// normalizeWireCalls converts native tool_calls entries. Calls with a
// blank name are carried through unchanged.
func normalizeWireCalls(calls []wireToolCall) []ToolCall {
	var out []ToolCall
	for _, c := range calls {
		if c.Type != "" && c.Type != "function" {
			continue
		}
		args := make(map[string]interface{})
		if c.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err != nil {
				logging.LLMWarn("unparseable arguments for tool %q, passing raw", c.Function.Name)
				args = map[string]interface{}{"raw": c.Function.Arguments}
			}
		}
		out = append(out, ToolCall{ID: c.ID, Name: c.Function.Name, Args: args})
	}
	return out
}

func (c *HTTPClient) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gap := time.Since(c.lastRequest); gap < minRequestGap {
		c.sleep(minRequestGap - gap)
	}
	c.lastRequest = time.Now()
}

func toWireMessages(messages []Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		out[i] = wireMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
	}
	return out
}

func toWireTools(tools []ToolDefinition) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, len(tools))
	for i, t := range tools {
		out[i] = wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	return out
}
