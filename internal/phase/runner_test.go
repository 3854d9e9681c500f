package phase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeloop/internal/conversation"
	"forgeloop/internal/ipc"
	"forgeloop/internal/llm"
	"forgeloop/internal/pattern"
	"forgeloop/internal/state"
	"forgeloop/internal/tools"
	"forgeloop/internal/tools/pipeline"
)

type scriptedClient struct {
	responses []*llm.ChatResponse
	err       error
	calls     int
}

func (c *scriptedClient) Chat(ctx context.Context, target llm.Target, messages []llm.Message, defs []llm.ToolDefinition) (*llm.ChatResponse, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return &llm.ChatResponse{Content: "nothing to do"}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

type staticResolver struct{}

func (staticResolver) ModelFor(ctx context.Context, role string) (llm.Target, error) {
	return llm.Target{ServerURL: "http://test", Model: "test-model"}, nil
}

func testRunner(t *testing.T, client llm.Client) (*Runner, *state.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := state.Open(filepath.Join(dir, "state"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ps, err := pattern.OpenStore(filepath.Join(dir, "patterns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })

	reg := tools.NewRegistry()
	r := NewRunner(RunnerConfig{
		ProjectDir:    dir,
		Store:         store,
		IPC:           ipc.NewManager(dir, "ipc"),
		Registry:      reg,
		Router:        staticResolver{},
		Client:        client,
		Patterns:      ps,
		ContextTokens: 8192,
		Policy:        conversation.DefaultPolicy(),
	})

	reg.MustRegister(pipeline.CreateTaskTool(r.Bridge()))
	reg.MustRegister(pipeline.ReportIssueTool(r.Bridge()))
	reg.MustRegister(pipeline.ApproveCodeTool(r.Bridge()))
	reg.MustRegister(pipeline.SendMessageTool(r.Bridge()))
	return r, store, dir
}

func TestRunPlanningCreatesTask(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{{
		Content: "Planning the parser work.",
		ToolCalls: []llm.ToolCall{{
			ID:   "c1",
			Name: "create_task",
			Args: map[string]interface{}{
				"description": "implement the tokenizer",
				"files":       []interface{}{"src/token.go"},
				"priority":    "HIGH",
			},
		}},
	}}}
	r, store, dir := testRunner(t, client)

	out, err := r.Run(context.Background(), Specs()["planning"])
	require.NoError(t, err)
	assert.Equal(t, state.ResultSuccess, out.Result)
	assert.True(t, out.Changed)

	snap, err := store.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Tasks, 1)

	// The report handler wrote the outbox.
	doc, err := ipc.NewManager(dir, "ipc").ReadPhaseDoc("planning", ipc.DocWrite)
	require.NoError(t, err)
	section := doc.Section("Findings")
	require.NotNil(t, section)
	assert.Contains(t, section.Body, "Planning the parser work.")

	// History survives the invocation.
	_, err = os.Stat(filepath.Join(dir, "state", "conversations", "planning.json"))
	assert.NoError(t, err)
}

func TestRunWithoutEffectIsNoOp(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{{Content: "all caught up"}}}
	r, _, _ := testRunner(t, client)

	out, err := r.Run(context.Background(), Specs()["planning"])
	require.NoError(t, err)
	assert.Equal(t, state.ResultNoOp, out.Result)
	assert.False(t, out.Changed)
}

func TestRunModelFailure(t *testing.T) {
	client := &scriptedClient{err: fmt.Errorf("connection refused")}
	r, _, _ := testRunner(t, client)

	out, err := r.Run(context.Background(), Specs()["planning"])
	require.NoError(t, err)
	assert.Equal(t, state.ResultFailure, out.Result)
	assert.Contains(t, out.Summary, "connection refused")
}

func TestRunQACoercesBlankCalls(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{{
		ToolCalls: []llm.ToolCall{{
			// No name: the argument shape identifies a finding.
			Args: map[string]interface{}{
				"filepath":    "src/main.go",
				"issue_type":  "logic",
				"description": "loop bound excludes the final element",
			},
		}},
	}}}
	r, store, _ := testRunner(t, client)

	require.NoError(t, store.PutTask(&state.TaskState{
		ID: "task_1", Description: "build main", Files: []string{"src/main.go"},
		Status: state.TaskQAPending, Priority: state.PriorityNormal,
	}))

	out, err := r.Run(context.Background(), Specs()["qa"])
	require.NoError(t, err)
	assert.Equal(t, state.ResultSuccess, out.Result)

	snap, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, state.TaskNeedsFixes, snap.Tasks["task_1"].Status)
}

func TestRunQAApprovalCompletesTask(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{{
		ToolCalls: []llm.ToolCall{{
			Args: map[string]interface{}{"filepath": "src/main.go", "notes": "looks correct"},
		}},
	}}}
	r, store, _ := testRunner(t, client)

	require.NoError(t, store.PutTask(&state.TaskState{
		ID: "task_1", Description: "build main", Files: []string{"src/main.go"},
		Status: state.TaskQAPending, Priority: state.PriorityNormal,
	}))

	_, err := r.Run(context.Background(), Specs()["qa"])
	require.NoError(t, err)

	snap, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, state.TaskCompleted, snap.Tasks["task_1"].Status)
	assert.Equal(t, state.FileVerified, snap.Files["src/main.go"].Status)
}

func TestRunQAPassWithoutToolCallsCompletesTask(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{{Content: "APPROVED"}}}
	r, store, _ := testRunner(t, client)

	require.NoError(t, store.PutTask(&state.TaskState{
		ID: "task_1", Description: "build main", Files: []string{"src/main.go"},
		Status: state.TaskQAPending, Priority: state.PriorityNormal,
	}))

	out, err := r.Run(context.Background(), Specs()["qa"])
	require.NoError(t, err)
	assert.Equal(t, state.ResultSuccess, out.Result)
	assert.True(t, out.Changed)

	snap, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, state.TaskCompleted, snap.Tasks["task_1"].Status)
	assert.Equal(t, state.FileVerified, snap.Files["src/main.go"].Status)
}

func TestRunStopsOnLoopIntervention(t *testing.T) {
	same := llm.ToolCall{
		Name: "send_message",
		Args: map[string]interface{}{"phase": "coding", "body": "same message"},
	}
	client := &scriptedClient{responses: []*llm.ChatResponse{{
		ToolCalls: []llm.ToolCall{same, same, same},
	}}}
	r, _, _ := testRunner(t, client)

	out, err := r.Run(context.Background(), Specs()["investigation"])
	require.NoError(t, err)
	assert.Equal(t, state.ResultFailure, out.Result)
	require.NotNil(t, out.LoopVerdict)
	assert.Equal(t, pattern.LoopActionRepeat, out.LoopVerdict.Kind)
	assert.True(t, out.LoopVerdict.MustIntervene)
	require.NotNil(t, out.AskUser)
	assert.Equal(t, "investigation", out.AskUser.Phase)
}

func TestRunPersistsConversationAcrossInvocations(t *testing.T) {
	client := &scriptedClient{}
	r, _, _ := testRunner(t, client)

	_, err := r.Run(context.Background(), Specs()["planning"])
	require.NoError(t, err)
	_, err = r.Run(context.Background(), Specs()["planning"])
	require.NoError(t, err)

	thread := r.threads["planning"]
	require.NotNil(t, thread)
	// system + 2x(user, assistant)
	assert.Equal(t, 5, thread.Len())
	assert.Equal(t, 2, client.calls)
}
