// Package conversation maintains the bounded chat history one phase
// instance carries between model calls.
package conversation

import (
	"fmt"
	"strings"
	"time"

	"forgeloop/internal/llm"
	"forgeloop/internal/logging"
)

// Tags with special pruning semantics.
const (
	TagError    = "error"
	TagDecision = "decision"
)

// Message is one history entry with pruning metadata.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Name       string    `json:"name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Tags       []string  `json:"tags,omitempty"`
	Summary    bool      `json:"summary,omitempty"`
}

// Tagged reports whether the message carries a tag.
func (m *Message) Tagged(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Policy bounds the thread.
type Policy struct {
	TokenBudget   int
	KeepFirst     int
	KeepLast      int
	SummaryTokens int
	MinAge        time.Duration
}

// DefaultPolicy matches the standard pipeline limits.
func DefaultPolicy() Policy {
	return Policy{
		TokenBudget:   8192,
		KeepFirst:     5,
		KeepLast:      20,
		SummaryTokens: 512,
		MinAge:        30 * time.Minute,
	}
}

// Thread is the chat history of one phase instance.
type Thread struct {
	phase    string
	model    string
	policy   Policy
	messages []Message
	now      func() time.Time
}

// New creates an empty thread for a phase.
func New(phase, model string, policy Policy) *Thread {
	if policy.TokenBudget <= 0 {
		policy = DefaultPolicy()
	}
	return &Thread{phase: phase, model: model, policy: policy, now: time.Now}
}

// Phase returns the owning phase name.
func (t *Thread) Phase() string { return t.phase }

// Model returns the model identifier the thread was opened for.
func (t *Thread) Model() string { return t.model }

// Len returns the current message count.
func (t *Thread) Len() int { return len(t.messages) }

// Append adds a message with optional tags.
func (t *Thread) Append(role, content string, tags ...string) {
	t.messages = append(t.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: t.now(),
		Tags:      tags,
	})
}

// AppendToolResult adds a tool-role message bound to a call id.
func (t *Thread) AppendToolResult(callID, name, content string, tags ...string) {
	t.messages = append(t.messages, Message{
		Role:       "tool",
		Content:    content,
		Name:       name,
		ToolCallID: callID,
		Timestamp:  t.now(),
		Tags:       tags,
	})
}

// Tokens estimates the total token weight of the thread using the
// chars/4 approximation.
func (t *Thread) Tokens() int {
	total := 0
	for i := range t.messages {
		total += estimateTokens(t.messages[i].Content) + 10
	}
	return total
}

func estimateTokens(content string) int {
	return len(content) / 4
}

// Wire renders the thread as request messages.
func (t *Thread) Wire() []llm.Message {
	out := make([]llm.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = llm.Message{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
	}
	return out
}

// Prune enforces the token budget. The first KeepFirst and last
// KeepLast messages survive, as does anything tagged error or decision.
// Remaining middle messages older than MinAge collapse into one
// synthetic assistant summary bounded by SummaryTokens. Returns the
// number of messages pruned.
func (t *Thread) Prune() int {
	if t.Tokens() <= t.policy.TokenBudget {
		return 0
	}

	first := t.policy.KeepFirst
	lastStart := len(t.messages) - t.policy.KeepLast
	if lastStart <= first {
		return 0
	}

	cutoff := t.now().Add(-t.policy.MinAge)
	var kept []Message
	var pruned []Message

	kept = append(kept, t.messages[:first]...)
	for _, m := range t.messages[first:lastStart] {
		switch {
		case m.Tagged(TagError) || m.Tagged(TagDecision):
			kept = append(kept, m)
		case m.Summary:
			// Old summaries fold into the new one.
			pruned = append(pruned, m)
		case m.Timestamp.After(cutoff):
			kept = append(kept, m)
		default:
			pruned = append(pruned, m)
		}
	}

	if len(pruned) == 0 {
		return 0
	}

	summary := Message{
		Role:      "assistant",
		Content:   summarize(pruned, t.policy.SummaryTokens),
		Timestamp: t.now(),
		Summary:   true,
	}
	kept = append(kept, summary)
	kept = append(kept, t.messages[lastStart:]...)
	t.messages = kept

	logging.Conversation("pruned %d messages from %s thread, %d remain (%d tokens)",
		len(pruned), t.phase, len(t.messages), t.Tokens())
	return len(pruned)
}

// summarize renders pruned messages as a bounded digest.
func summarize(pruned []Message, budget int) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[summary of %d earlier messages]\n", len(pruned)))
	for _, m := range pruned {
		line := firstLine(m.Content)
		if len(line) > 120 {
			line = line[:120]
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", m.Role, line))
		if estimateTokens(b.String()) >= budget {
			break
		}
	}
	out := b.String()
	if max := budget * 4; len(out) > max {
		out = out[:max]
	}
	return out
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
