package conversation

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{
		TokenBudget:   200,
		KeepFirst:     2,
		KeepLast:      3,
		SummaryTokens: 64,
		MinAge:        30 * time.Minute,
	}
}

// agedThread builds a thread of n messages whose timestamps start two
// hours in the past, one minute apart.
func agedThread(t *testing.T, n int) *Thread {
	t.Helper()
	base := time.Now().Add(-2 * time.Hour)
	th := New("coding", "test-model", testPolicy())
	i := 0
	th.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
	for ; i < n; i++ {
		th.Append("user", strings.Repeat("message content ", 5))
	}
	th.now = time.Now
	return th
}

func TestPruneUnderBudgetIsNoOp(t *testing.T) {
	th := New("qa", "m", testPolicy())
	th.Append("system", "short")
	th.Append("user", "also short")
	assert.Zero(t, th.Prune())
	assert.Equal(t, 2, th.Len())
}

func TestPrunePreservesEdgesAndSummarizesMiddle(t *testing.T) {
	th := agedThread(t, 20)
	require.Greater(t, th.Tokens(), testPolicy().TokenBudget)

	pruned := th.Prune()
	assert.Equal(t, 15, pruned)

	// 2 kept first + 1 summary + 3 kept last.
	require.Equal(t, 6, th.Len())
	assert.True(t, th.messages[2].Summary)
	assert.Equal(t, "assistant", th.messages[2].Role)
	assert.Contains(t, th.messages[2].Content, "summary of 15 earlier messages")
}

func TestPrunePreservesTaggedMessages(t *testing.T) {
	th := agedThread(t, 10)
	th.messages[4].Tags = []string{TagError}
	th.messages[5].Tags = []string{TagDecision}

	th.Prune()

	var tagged int
	for _, m := range th.messages {
		if m.Tagged(TagError) || m.Tagged(TagDecision) {
			tagged++
		}
	}
	assert.Equal(t, 2, tagged)
}

func TestPruneSkipsRecentMessages(t *testing.T) {
	th := agedThread(t, 10)
	// A middle message newer than the age floor must survive.
	th.messages[4].Timestamp = time.Now().Add(-time.Minute)
	th.messages[4].Content = "too fresh to prune"

	th.Prune()
	for _, m := range th.messages {
		if m.Content == "too fresh to prune" {
			return
		}
	}
	t.Fatal("recent middle message was pruned")
}

func TestSummaryBounded(t *testing.T) {
	th := agedThread(t, 60)
	th.Prune()

	for _, m := range th.messages {
		if m.Summary {
			assert.LessOrEqual(t, len(m.Content), testPolicy().SummaryTokens*4)
			return
		}
	}
	t.Fatal("no summary message found")
}

func TestRepeatedPruneFoldsSummaries(t *testing.T) {
	th := agedThread(t, 20)
	th.Prune()

	// Age everything again and refill past the budget.
	for i := range th.messages {
		th.messages[i].Timestamp = time.Now().Add(-2 * time.Hour)
	}
	base := time.Now().Add(-90 * time.Minute)
	n := 0
	th.now = func() time.Time { return base.Add(time.Duration(n) * time.Minute) }
	for ; n < 15; n++ {
		th.Append("user", strings.Repeat("more content ", 6))
	}
	th.now = time.Now
	th.Prune()

	var summaries int
	for _, m := range th.messages {
		if m.Summary {
			summaries++
		}
	}
	assert.Equal(t, 1, summaries)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	th := New("debugging", "m", testPolicy())
	th.Append("system", "you are the debugger")
	th.Append("user", "fix the panic", TagError)
	th.AppendToolResult("call_1", "read_file", "file contents")
	require.NoError(t, th.Save(dir))

	loaded := Load(dir, "debugging", "m", testPolicy())
	require.Equal(t, 3, loaded.Len())
	assert.True(t, loaded.messages[1].Tagged(TagError))
	assert.Equal(t, "call_1", loaded.messages[2].ToolCallID)

	wire := loaded.Wire()
	assert.Equal(t, "tool", wire[2].Role)
}

func TestLoadMissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()
	fresh := Load(dir, "qa", "m", testPolicy())
	assert.Zero(t, fresh.Len())

	th := New("qa", "m", testPolicy())
	require.NoError(t, th.Save(dir))
	// Corrupt the file; load must fall back to a fresh thread.
	path := threadPath(dir, "qa")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))
	assert.Zero(t, Load(dir, "qa", "m", testPolicy()).Len())
}
