package phase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"forgeloop/internal/conversation"
	"forgeloop/internal/ipc"
	"forgeloop/internal/llm"
	"forgeloop/internal/logging"
	"forgeloop/internal/pattern"
	"forgeloop/internal/state"
	"forgeloop/internal/tools"
)

// Outcome summarizes one phase invocation for the coordinator.
type Outcome struct {
	Result  state.PhaseResult
	Summary string
	// Changed reports whether any observable pipeline state moved.
	Changed bool
	// LoopVerdict is set when the loop detector forced an early stop.
	LoopVerdict *pattern.Verdict
	// AskUser is set when the phase needs human input to continue.
	AskUser *AskUserError
}

// AskUserError is the escalation attached to an outcome when automated
// progress has stopped and a human needs to intervene. It rides on the
// Outcome rather than the error return so the coordinator keeps
// looping.
type AskUserError struct {
	Phase      string
	Suggestion string
}

func (e *AskUserError) Error() string {
	return fmt.Sprintf("phase %s requires human input: %s", e.Phase, e.Suggestion)
}

// ModelResolver resolves a phase role to a request target. Satisfied by
// llm.Router.
type ModelResolver interface {
	ModelFor(ctx context.Context, role string) (llm.Target, error)
}

// Runner executes phase specs against the shared infrastructure.
type Runner struct {
	projectDir string
	store      *state.Store
	ipc        *ipc.Manager
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	router     ModelResolver
	client     llm.Client
	patterns   *pattern.Store
	actions    *pattern.ActionLog
	detector   *pattern.Detector
	bridge     *Bridge
	gatherer   *Gatherer

	contextTokens int
	policy        conversation.Policy
	threads       map[string]*conversation.Thread

	// touched accumulates files modified during the current invocation,
	// fed by the dispatcher's modification callback.
	touched []string

	// stateHashes is the rolling window of end-of-iteration pipeline
	// digests the coordinator feeds in; replayed into the detector at
	// the start of each invocation so recurring states are visible.
	stateHashes []string
}

const stateHashWindow = 16

// RunnerConfig carries the shared infrastructure into a Runner.
type RunnerConfig struct {
	ProjectDir    string
	Store         *state.Store
	IPC           *ipc.Manager
	Registry      *tools.Registry
	Router        ModelResolver
	Client        llm.Client
	Patterns      *pattern.Store
	ContextTokens int
	Policy        conversation.Policy
	// Supervisor hooks are wired by the caller; the runner only needs
	// the dispatcher it builds here.
	ToolDeadline time.Duration
}

// NewRunner wires a runner and its dispatcher. The dispatcher's
// modification callback feeds both FileState tracking and the
// per-invocation touched set.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		projectDir:    cfg.ProjectDir,
		store:         cfg.Store,
		ipc:           cfg.IPC,
		registry:      cfg.Registry,
		router:        cfg.Router,
		client:        cfg.Client,
		patterns:      cfg.Patterns,
		actions:       pattern.NewActionLog(),
		detector:      pattern.NewDetector(),
		bridge:        NewBridge(cfg.Store, cfg.IPC),
		gatherer:      NewGatherer(cfg.IPC, cfg.Patterns),
		contextTokens: cfg.ContextTokens,
		policy:        cfg.Policy,
		threads:       make(map[string]*conversation.Thread),
	}
	dispatcher := tools.NewDispatcher(cfg.Registry, cfg.ProjectDir, cfg.Patterns, r.onModified)
	if cfg.ToolDeadline > 0 {
		dispatcher.SetDeadline(cfg.ToolDeadline)
	}
	r.dispatcher = dispatcher
	return r
}

// Bridge exposes the pipeline tool backend for tool registration.
func (r *Runner) Bridge() *Bridge { return r.bridge }

// NoteStateHash records an end-of-iteration pipeline digest.
func (r *Runner) NoteStateHash(hash string) {
	r.stateHashes = append(r.stateHashes, hash)
	if len(r.stateHashes) > stateHashWindow {
		r.stateHashes = r.stateHashes[len(r.stateHashes)-stateHashWindow:]
	}
}

func (r *Runner) onModified(path, phaseName string) {
	r.touched = append(r.touched, path)
	content := readProjectFile(r.projectDir, path)
	if err := r.store.FileModified(path, phaseName, content); err != nil {
		logging.PhaseWarn("failed to track modification of %s: %v", path, err)
	}
}

// Run executes one invocation of the spec. The error return is reserved
// for fatal state failures; ordinary phase trouble lands in the Outcome.
func (r *Runner) Run(ctx context.Context, spec Spec) (Outcome, error) {
	logging.Phase("running %s", spec.Name)
	r.detector.ResetInvocation()
	for _, h := range r.stateHashes {
		r.detector.NoteStateHash(h)
	}
	r.bridge.BeginInvocation(spec.Name)
	r.touched = nil

	snap, err := r.store.Snapshot()
	if err != nil {
		return Outcome{Result: state.ResultFailure}, err
	}

	target, err := r.router.ModelFor(ctx, spec.ModelRole)
	if err != nil {
		logging.PhaseError("%s: no model available: %v", spec.Name, err)
		return Outcome{Result: state.ResultFailure, Summary: err.Error()}, nil
	}

	thread := r.thread(spec, target.Model)
	contextBlock := r.gatherer.Gather(spec, snap, r.contextTokens)
	thread.Append("user", buildUserMessage(spec, contextBlock))
	thread.Prune()

	visible := r.registry.ToolsFor(spec.Name, spec.ToolCategories)
	defs := tools.Definitions(visible)

	resp, err := r.client.Chat(ctx, target, thread.Wire(), defs)
	if err != nil {
		logging.PhaseError("%s: model call failed: %v", spec.Name, err)
		thread.Append("assistant", "request failed: "+err.Error(), conversation.TagError)
		r.saveThread(thread)
		r.recordEvent(spec, pattern.EventFailure, "model call failed: "+firstLine(err.Error()))
		return Outcome{Result: state.ResultFailure, Summary: err.Error()}, nil
	}
	if resp.Content != "" {
		thread.Append("assistant", resp.Content)
	}

	verdict := r.dispatchCalls(ctx, spec, thread, resp.ToolCalls)
	if verdict != nil {
		r.attachLoopDiagnostic(spec, snap, *verdict)
		r.actions.ArchiveSession()
		r.saveThread(thread)
		r.recordEvent(spec, pattern.EventFailure, fmt.Sprintf("loop detected (%s): %s", verdict.Kind, verdict.Suggestion))
		return Outcome{
			Result:      state.ResultFailure,
			Summary:     "stopped by loop detector: " + verdict.Suggestion,
			Changed:     r.bridge.Changed() || len(r.touched) > 0,
			LoopVerdict: verdict,
			AskUser:     &AskUserError{Phase: spec.Name, Suggestion: verdict.Suggestion},
		}, nil
	}

	if err := r.handleResults(spec, resp); err != nil {
		logging.PhaseError("%s: result handling failed: %v", spec.Name, err)
		r.actions.ArchiveSession()
		r.saveThread(thread)
		return Outcome{Result: state.ResultFailure, Summary: err.Error()}, nil
	}

	r.actions.ArchiveSession()
	r.saveThread(thread)

	changed := r.bridge.Changed() || len(r.touched) > 0
	out := Outcome{Changed: changed}
	if changed {
		out.Result = state.ResultSuccess
		out.Summary = summarizeWork(resp, r.touched, r.bridge.CreatedTasks())
		r.recordEvent(spec, pattern.EventSuccess, out.Summary)
	} else {
		out.Result = state.ResultNoOp
		out.Summary = "no state change"
	}
	logging.Phase("%s finished: %s (%s)", spec.Name, out.Result, out.Summary)
	return out, nil
}

// dispatchCalls runs the model's tool calls in submission order. A
// must_intervene loop verdict aborts the remainder.
func (r *Runner) dispatchCalls(ctx context.Context, spec Spec, thread *conversation.Thread, calls []llm.ToolCall) *pattern.Verdict {
	for _, call := range calls {
		if spec.Name == "qa" {
			call = CoerceQACall(call)
		}

		res := r.dispatcher.Dispatch(ctx, spec.Name, call)

		tags := []string(nil)
		if !res.Success {
			tags = []string{conversation.TagError}
		}
		thread.AppendToolResult(call.ID, res.Tool, res.Message(), tags...)

		r.actions.Record(pattern.Action{
			Phase:        spec.Name,
			Tool:         res.Tool,
			ArgSignature: pattern.ArgSignature(call.Args),
			Path:         firstTouched(res.Touched),
			Success:      res.Success,
		})

		if v := r.detector.Check(r.actions, spec.Name); v.Detected && v.MustIntervene {
			return &v
		}
	}
	return nil
}

// attachLoopDiagnostic records the loop break on the task being worked,
// when one is identifiable from the spec's task filter.
func (r *Runner) attachLoopDiagnostic(spec Spec, snap *state.PipelineState, v pattern.Verdict) {
	tasks := snap.TasksByStatus(spec.TaskFilter...)
	if len(tasks) == 0 {
		return
	}
	sortTasks(tasks)
	id := tasks[0].ID
	err := r.store.Update(func(st *state.PipelineState) error {
		if t, ok := st.Tasks[id]; ok {
			t.RecordError(state.TaskError{
				Phase:     spec.Name,
				Kind:      string(v.Kind),
				Message:   "loop break: " + v.Suggestion,
				Timestamp: time.Now().UTC(),
			})
		}
		return nil
	})
	if err != nil {
		logging.PhaseWarn("failed to attach loop diagnostic to %s: %v", id, err)
	}
}

// handleResults applies the spec's result handlers in order.
func (r *Runner) handleResults(spec Spec, resp *llm.ChatResponse) error {
	for _, handler := range spec.ResultHandlers {
		switch handler {
		case HandlerAdvanceTasks:
			if err := r.bridge.AdvanceTasks(normalizeFileSet(r.touched)); err != nil {
				return fmt.Errorf("advance_tasks: %w", err)
			}
		case HandlerQAReview:
			if err := r.bridge.FinishQAReview(); err != nil {
				return fmt.Errorf("qa_review: %w", err)
			}
		case HandlerWriteReport:
			body := reportBody(resp, r.touched, r.bridge.CreatedTasks())
			if body == "" {
				continue
			}
			if _, err := r.ipc.AppendPhaseSection(spec.Name, ipc.DocWrite, "Findings", body); err != nil {
				return fmt.Errorf("write_report: %w", err)
			}
		default:
			logging.PhaseWarn("unknown result handler %q in phase %s", handler, spec.Name)
		}
	}
	return nil
}

// recordEvent persists learning events to the pattern database. That
// database is its own file, so events land before the coordinator's
// pipeline-state flush without ordering concerns between the two.
func (r *Runner) recordEvent(spec Spec, kind pattern.EventKind, description string) {
	if r.patterns == nil {
		return
	}
	for _, category := range spec.LearningCategories {
		err := r.patterns.Record(pattern.Event{
			Kind:        kind,
			Phase:       spec.Name,
			Context:     category,
			Description: description,
		})
		if err != nil {
			logging.PatternsWarn("failed to record %s event for %s: %v", kind, spec.Name, err)
		}
	}
	if err := r.patterns.NoteExecution(); err != nil {
		logging.PatternsWarn("compaction check failed: %v", err)
	}
}

// thread returns the phase's conversation, restoring persisted history
// on first use. The system prompt is pinned as the first message.
func (r *Runner) thread(spec Spec, model string) *conversation.Thread {
	if t, ok := r.threads[spec.Name]; ok {
		return t
	}
	t := conversation.Load(r.projectDir, spec.Name, model, r.policy)
	if t.Len() == 0 {
		t.Append("system", SystemPrompt(spec.PromptTemplate))
	}
	r.threads[spec.Name] = t
	return t
}

func (r *Runner) saveThread(t *conversation.Thread) {
	if err := t.Save(r.projectDir); err != nil {
		logging.ConversationWarn("failed to persist %s thread: %v", t.Phase(), err)
	}
}

func buildUserMessage(spec Spec, contextBlock string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Begin a %s turn.\n", spec.Name)
	if contextBlock != "" {
		b.WriteString("\nCurrent pipeline context:\n\n")
		b.WriteString(contextBlock)
		b.WriteString("\n")
	}
	b.WriteString("\nUse the available tools to make progress, then summarize what you did.")
	return b.String()
}

func summarizeWork(resp *llm.ChatResponse, touched, created []string) string {
	var parts []string
	if n := len(normalizeFileSet(touched)); n > 0 {
		parts = append(parts, fmt.Sprintf("%d files modified", n))
	}
	if len(created) > 0 {
		parts = append(parts, fmt.Sprintf("%d tasks created", len(created)))
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%d tool calls", len(resp.ToolCalls)))
	}
	return strings.Join(parts, ", ")
}

func reportBody(resp *llm.ChatResponse, touched, created []string) string {
	var b strings.Builder
	if line := firstLine(strings.TrimSpace(resp.Content)); line != "" {
		b.WriteString(line)
	}
	if files := normalizeFileSet(touched); len(files) > 0 {
		fmt.Fprintf(&b, "\nmodified: %s", strings.Join(files, ", "))
	}
	if len(created) > 0 {
		fmt.Fprintf(&b, "\ncreated: %s", strings.Join(created, ", "))
	}
	return strings.TrimSpace(b.String())
}

func firstTouched(touched []string) string {
	if len(touched) > 0 {
		return touched[0]
	}
	return ""
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func readProjectFile(root, rel string) []byte {
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		return nil
	}
	return data
}
