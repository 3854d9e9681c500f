// Package coordinator runs the pipeline loop: classify the work, pick
// the next phase, execute it, and persist the outcome. It terminates on
// quiescence, on completion of all objectives, on cancellation, or on a
// fatal state failure.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"forgeloop/internal/logging"
	"forgeloop/internal/pattern"
	"forgeloop/internal/phase"
	"forgeloop/internal/state"
)

// Termination reasons reported by Run.
const (
	TermQuiescent = "quiescent"
	TermComplete  = "complete"
	TermCancelled = "cancelled"
)

// fallbackOrder is the rotation ring used when the selected phase has
// stagnated.
var fallbackOrder = []string{
	"planning", "coding", "qa", "debugging", "refactoring", "project_planning",
}

// PhaseRunner executes one phase invocation. Satisfied by phase.Runner.
type PhaseRunner interface {
	Run(ctx context.Context, spec phase.Spec) (phase.Outcome, error)
	NoteStateHash(hash string)
}

// Config bounds the coordinator loop.
type Config struct {
	StagnationThreshold int
	QuiescentIterations int
	MaxIterations       int // 0 means unbounded
}

// Report summarizes a completed run.
type Report struct {
	Iterations  int
	Termination string
}

// StepResult is the outcome of one Step, exposed for testing and for
// the step CLI command.
type StepResult struct {
	Phase   string
	Outcome phase.Outcome
	// Forced is set when stagnation rotated away from the selected phase.
	Forced bool
	// Done is set when the pipeline should stop, with the reason.
	Done   bool
	Reason string
}

// Coordinator drives the pipeline.
type Coordinator struct {
	store    *state.Store
	runner   PhaseRunner
	patterns *pattern.Store
	specs    map[string]phase.Spec
	cfg      Config

	cancelOnce sync.Once
	cancelled  chan struct{}

	noOpStreak int
}

// New creates a coordinator. patterns may be nil.
func New(store *state.Store, runner PhaseRunner, patterns *pattern.Store, cfg Config) *Coordinator {
	if cfg.StagnationThreshold <= 0 {
		cfg.StagnationThreshold = 3
	}
	if cfg.QuiescentIterations <= 0 {
		cfg.QuiescentIterations = 3
	}
	return &Coordinator{
		store:     store,
		runner:    runner,
		patterns:  patterns,
		specs:     phase.Specs(),
		cfg:       cfg,
		cancelled: make(chan struct{}),
	}
}

// Cancel requests a cooperative stop; the in-flight phase finishes
// first. Idempotent.
func (c *Coordinator) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancelled) })
}

func (c *Coordinator) isCancelled(ctx context.Context) bool {
	select {
	case <-c.cancelled:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run loops Step until the pipeline terminates. The error return is
// reserved for fatal state failures.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	var report Report
	for {
		if c.isCancelled(ctx) {
			report.Termination = TermCancelled
			logging.Coordinator("run cancelled after %d iterations", report.Iterations)
			return report, c.store.Flush()
		}
		if c.cfg.MaxIterations > 0 && report.Iterations >= c.cfg.MaxIterations {
			report.Termination = TermCancelled
			return report, c.store.Flush()
		}

		step, err := c.Step(ctx)
		if err != nil {
			if state.IsFatal(err) {
				logging.CoordinatorError("fatal state failure: %v", err)
				return report, err
			}
			// Non-fatal step trouble is already reflected in PhaseState.
			logging.CoordinatorWarn("step failed: %v", err)
		}
		report.Iterations++
		if step.Done {
			report.Termination = step.Reason
			logging.Coordinator("run finished (%s) after %d iterations", step.Reason, report.Iterations)
			return report, c.store.Flush()
		}
	}
}

// Step performs one iteration: select, execute, record, persist.
func (c *Coordinator) Step(ctx context.Context) (StepResult, error) {
	snap, err := c.store.Snapshot()
	if err != nil {
		return StepResult{}, err
	}

	selected, done := c.selectPhase(snap)
	if done {
		return StepResult{Done: true, Reason: TermComplete}, nil
	}

	c.adviseFromPatterns(selected, snap)

	selected, forced := c.applyStagnation(snap, selected)
	spec, ok := c.specs[selected]
	if !ok {
		return StepResult{}, fmt.Errorf("no spec for phase %q", selected)
	}

	outcome, runErr := c.runner.Run(ctx, spec)
	if runErr != nil && state.IsFatal(runErr) {
		return StepResult{}, runErr
	}
	if runErr != nil {
		outcome = phase.Outcome{Result: state.ResultFailure, Summary: runErr.Error()}
	}

	if outcome.AskUser != nil {
		logging.CoordinatorWarn("%v", outcome.AskUser)
	}

	if err := c.recordOutcome(selected, outcome); err != nil {
		return StepResult{}, err
	}
	if err := c.store.Flush(); err != nil {
		return StepResult{}, err
	}
	c.feedStateHash()

	res := StepResult{Phase: selected, Outcome: outcome, Forced: forced}
	if outcome.Result == state.ResultNoOp {
		c.noOpStreak++
	} else {
		c.noOpStreak = 0
	}
	if c.noOpStreak >= c.cfg.QuiescentIterations && !c.hasPendingWork() {
		res.Done = true
		res.Reason = TermQuiescent
	}
	return res, nil
}

// selectPhase applies the ordered selection rules. The second return is
// true when the pipeline is finished.
func (c *Coordinator) selectPhase(snap *state.PipelineState) (string, bool) {
	if len(snap.TasksByStatus(state.TaskNeedsFixes, state.TaskQAFailed)) > 0 {
		return "debugging", false
	}
	if len(snap.TasksByStatus(state.TaskQAPending)) > 0 {
		return "qa", false
	}
	if len(snap.TasksByStatus(state.TaskNew, state.TaskInProgress)) > 0 {
		return "coding", false
	}
	if len(snap.Tasks) == 0 {
		return "planning", false
	}
	// Every task is terminal.
	if !snap.Objectives.AllSatisfied() {
		return "project_planning", false
	}
	// All objectives satisfied: one documentation pass, then stop.
	if ps, ok := snap.Phases["documentation"]; !ok || ps.Iterations == 0 {
		return "documentation", false
	}
	return "", true
}

// applyStagnation rotates away from a phase that has stopped making
// progress, resetting its counter so it gets a fresh run later.
func (c *Coordinator) applyStagnation(snap *state.PipelineState, selected string) (string, bool) {
	ps, ok := snap.Phases[selected]
	if !ok {
		return selected, false
	}
	threshold := c.cfg.StagnationThreshold
	if spec, ok := c.specs[selected]; ok && spec.MaxIterationsWithoutProgress > 0 {
		threshold = spec.MaxIterationsWithoutProgress
	}
	if ps.NoUpdateCount < threshold {
		return selected, false
	}

	next := rotateFrom(selected)
	logging.CoordinatorWarn("%s stagnated (%d no-update iterations), rotating to %s",
		selected, ps.NoUpdateCount, next)
	if err := c.store.ResetNoUpdateCount(selected); err != nil {
		logging.CoordinatorWarn("failed to reset stagnation counter for %s: %v", selected, err)
	}
	return next, true
}

// rotateFrom returns the phase after the given one in the fallback
// ring; a phase outside the ring rotates to the ring's head.
func rotateFrom(name string) string {
	for i, p := range fallbackOrder {
		if p == name {
			return fallbackOrder[(i+1)%len(fallbackOrder)]
		}
	}
	return fallbackOrder[0]
}

// adviseFromPatterns surfaces stored recommendations for the selected
// phase. They are advisory: logged, never overriding the rules.
func (c *Coordinator) adviseFromPatterns(selected string, snap *state.PipelineState) {
	if c.patterns == nil {
		return
	}
	recs, err := c.patterns.RecommendationsFor(selected)
	if err != nil || len(recs) == 0 {
		return
	}
	for _, r := range recs {
		logging.CoordinatorDebug("advice for %s [%s %.2f]: %s", selected, r.Kind, r.Confidence, r.Suggestion)
	}
}

func (c *Coordinator) recordOutcome(name string, outcome phase.Outcome) error {
	return c.store.Update(func(st *state.PipelineState) error {
		ps := st.Phase(name)
		ps.Iterations++
		ps.LastRun = time.Now().UTC()
		ps.LastResult = outcome.Result
		if outcome.Changed {
			ps.NoUpdateCount = 0
		} else {
			ps.NoUpdateCount++
		}
		st.Iteration++
		return nil
	})
}

// feedStateHash digests the observable pipeline state and pushes it to
// the runner so the loop detector can spot recurring states.
func (c *Coordinator) feedStateHash() {
	snap, err := c.store.Snapshot()
	if err != nil {
		return
	}
	c.runner.NoteStateHash(stateDigest(snap))
}

// stateDigest summarizes the task and file surface; timestamps and
// iteration counters are deliberately excluded so identical work states
// hash identically.
func stateDigest(snap *state.PipelineState) string {
	var b []byte
	appendf := func(format string, args ...interface{}) {
		b = append(b, fmt.Sprintf(format, args...)...)
	}
	for _, id := range sortedTaskIDs(snap) {
		t := snap.Tasks[id]
		appendf("t:%s:%s:%d;", id, t.Status, len(t.Errors))
	}
	for _, path := range sortedFilePaths(snap) {
		f := snap.Files[path]
		appendf("f:%s:%s:%s;", path, f.Status, f.Hash)
	}
	return state.HashContent(b)
}

func sortedTaskIDs(snap *state.PipelineState) []string {
	ids := make([]string, 0, len(snap.Tasks))
	for id := range snap.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedFilePaths(snap *state.PipelineState) []string {
	paths := make([]string, 0, len(snap.Files))
	for p := range snap.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (c *Coordinator) hasPendingWork() bool {
	snap, err := c.store.Snapshot()
	if err != nil {
		return false
	}
	pending := snap.TasksByStatus(state.TaskNew, state.TaskInProgress,
		state.TaskQAPending, state.TaskNeedsFixes, state.TaskQAFailed)
	return len(pending) > 0
}

// ClassifyTasks returns the per-bucket task counts used by the status
// command.
func ClassifyTasks(snap *state.PipelineState) map[string]int {
	counts := map[string]int{
		"needs_fixes": len(snap.TasksByStatus(state.TaskNeedsFixes, state.TaskQAFailed)),
		"qa_pending":  len(snap.TasksByStatus(state.TaskQAPending)),
		"pending":     len(snap.TasksByStatus(state.TaskNew, state.TaskInProgress)),
		"completed":   len(snap.TasksByStatus(state.TaskCompleted)),
	}
	return counts
}

// ErrNotRunnable reports a project directory without usable state.
var ErrNotRunnable = errors.New("project has no pipeline state; run forge init first")

var _ PhaseRunner = (*phase.Runner)(nil)
