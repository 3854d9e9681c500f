package phase

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"forgeloop/internal/ipc"
	"forgeloop/internal/logging"
	"forgeloop/internal/state"
)

// duplicateSimilarity is the Jaccard threshold above which a proposed
// task description counts as a duplicate of a live task with the same
// file set.
const duplicateSimilarity = 0.8

// Issue is one QA finding recorded during the current invocation.
type Issue struct {
	File        string
	Type        string
	Description string
	Line        int
}

// Bridge implements the pipeline tool interfaces against the StateStore
// and IPC documents, and keeps per-invocation review bookkeeping.
type Bridge struct {
	store *state.Store
	ipc   *ipc.Manager
	now   func() time.Time

	mu       sync.Mutex
	phase    string
	issues   map[string][]Issue // file -> findings this invocation
	approved map[string]string  // file -> notes
	created  []string           // task ids created this invocation
	changed  bool
}

// NewBridge creates a bridge over the project state and IPC documents.
func NewBridge(store *state.Store, m *ipc.Manager) *Bridge {
	return &Bridge{store: store, ipc: m, now: time.Now}
}

// BeginInvocation resets the per-invocation bookkeeping.
func (b *Bridge) BeginInvocation(phase string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = phase
	b.issues = make(map[string][]Issue)
	b.approved = make(map[string]string)
	b.created = nil
	b.changed = false
}

// Changed reports whether this invocation produced any observable
// pipeline state change through the bridge.
func (b *Bridge) Changed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

// CreatedTasks returns the ids created during this invocation.
func (b *Bridge) CreatedTasks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.created...)
}

// CreateTask inserts a new task unless a live task already covers the
// same normalized file set with a near-identical description.
func (b *Bridge) CreateTask(description string, files []string, priority, objectiveID string) (string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", fmt.Errorf("task description is empty")
	}
	files = normalizeFileSet(files)

	if dup, err := b.findDuplicate(description, files); err != nil {
		return "", err
	} else if dup != "" {
		return "", fmt.Errorf("duplicate of live task %s", dup)
	}

	task := &state.TaskState{
		ID:          newTaskID(),
		Description: description,
		Files:       files,
		Status:      state.TaskNew,
		Priority:    parsePriority(priority),
		ObjectiveID: objectiveID,
	}
	if err := b.store.PutTask(task); err != nil {
		return "", err
	}

	b.mu.Lock()
	b.created = append(b.created, task.ID)
	b.changed = true
	b.mu.Unlock()
	logging.Phase("created task %s (%d files, priority %s)", task.ID, len(files), task.Priority)
	return task.ID, nil
}

// CreateRefactoringTask creates a NEW task carrying an effort estimate
// in minutes.
func (b *Bridge) CreateRefactoringTask(description string, files []string, estimatedEffort int) (string, error) {
	id, err := b.CreateTask(description, files, string(state.PriorityNormal), "")
	if err != nil {
		return "", err
	}
	err = b.store.Update(func(st *state.PipelineState) error {
		if t, ok := st.Tasks[id]; ok {
			t.EstimatedEffort = estimatedEffort
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// findDuplicate scans live tasks for one with the same file set and a
// token-normalized description at or above the similarity threshold.
func (b *Bridge) findDuplicate(description string, files []string) (string, error) {
	snap, err := b.store.Snapshot()
	if err != nil {
		return "", err
	}
	want := strings.Join(files, "\x00")
	for id, t := range snap.Tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if strings.Join(normalizeFileSet(t.Files), "\x00") != want {
			continue
		}
		if descriptionSimilarity(description, t.Description) >= duplicateSimilarity {
			return id, nil
		}
	}
	return "", nil
}

// ReportIssue records a QA finding: the file is marked BROKEN, every
// QA_PENDING task touching it moves to NEEDS_FIXES with the finding
// appended to its error history.
func (b *Bridge) ReportIssue(filepath, issueType, description string, line int) error {
	filepath = strings.TrimSpace(filepath)
	if filepath == "" {
		return fmt.Errorf("issue filepath is empty")
	}
	now := b.now().UTC()

	err := b.store.Update(func(st *state.PipelineState) error {
		fs := st.File(filepath)
		fs.Status = state.FileBroken
		for _, t := range st.Tasks {
			if t.Status != state.TaskQAPending || !t.HasFile(filepath) {
				continue
			}
			if err := t.Transition(state.TaskNeedsFixes, now); err != nil {
				return err
			}
			t.RecordError(state.TaskError{
				Phase:     b.phase,
				Kind:      issueType,
				Message:   description,
				File:      filepath,
				Line:      line,
				Timestamp: now,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.issues[filepath] = append(b.issues[filepath], Issue{
		File: filepath, Type: issueType, Description: description, Line: line,
	})
	b.changed = true
	b.mu.Unlock()
	return nil
}

// ApproveFile marks a reviewed file VERIFIED unless an issue was also
// reported against it this invocation.
func (b *Bridge) ApproveFile(filepath, notes string) error {
	filepath = strings.TrimSpace(filepath)
	if filepath == "" {
		return fmt.Errorf("approval filepath is empty")
	}

	b.mu.Lock()
	hasIssues := len(b.issues[filepath]) > 0
	if !hasIssues {
		b.approved[filepath] = notes
		b.changed = true
	}
	b.mu.Unlock()
	if hasIssues {
		return fmt.Errorf("%s has reported issues and cannot be approved", filepath)
	}

	return b.store.Update(func(st *state.PipelineState) error {
		st.File(filepath).Status = state.FileVerified
		return nil
	})
}

// SendMessage appends to the target phase's inbox document.
func (b *Bridge) SendMessage(targetPhase, heading, body string) error {
	changed, err := b.ipc.AppendPhaseSection(targetPhase, ipc.DocRead, heading, body)
	if err != nil {
		return err
	}
	if changed {
		b.mu.Lock()
		b.changed = true
		b.mu.Unlock()
	}
	return nil
}

// FinishQAReview completes the review pass: every QA_PENDING task whose
// files collected zero issues during this review is COMPLETED and its
// files are marked VERIFIED. A review that reports nothing wrong is a
// pass; explicit approvals are an additional signal, not a
// prerequisite.
func (b *Bridge) FinishQAReview() error {
	b.mu.Lock()
	issues := make(map[string]bool, len(b.issues))
	for f := range b.issues {
		issues[f] = true
	}
	b.mu.Unlock()

	now := b.now().UTC()
	var completed []string
	err := b.store.Update(func(st *state.PipelineState) error {
		for id, t := range st.Tasks {
			if t.Status != state.TaskQAPending {
				continue
			}
			clean := true
			for _, f := range t.Files {
				if issues[f] {
					clean = false
					break
				}
			}
			if !clean {
				continue
			}
			if err := t.Transition(state.TaskCompleted, now); err != nil {
				return err
			}
			for _, f := range t.Files {
				st.File(f).Status = state.FileVerified
			}
			completed = append(completed, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(completed) > 0 {
		b.mu.Lock()
		b.changed = true
		b.mu.Unlock()
		logging.Phase("qa review completed tasks: %s", strings.Join(completed, ", "))
	}
	return nil
}

// AdvanceTasks moves worked-on tasks forward after a coding or
// debugging turn: a task whose files intersect the touched set goes to
// QA_PENDING with its attempt counter bumped.
func (b *Bridge) AdvanceTasks(touched []string) error {
	if len(touched) == 0 {
		return nil
	}
	touchedSet := make(map[string]bool, len(touched))
	for _, f := range touched {
		touchedSet[f] = true
	}

	now := b.now().UTC()
	advanced := false
	err := b.store.Update(func(st *state.PipelineState) error {
		for _, t := range st.Tasks {
			if t.Status != state.TaskNew && t.Status != state.TaskInProgress &&
				t.Status != state.TaskNeedsFixes && t.Status != state.TaskQAFailed {
				continue
			}
			hit := false
			for _, f := range t.Files {
				if touchedSet[f] {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
			if t.Status == state.TaskNew || t.Status == state.TaskQAFailed {
				if err := t.Transition(state.TaskInProgress, now); err != nil {
					return err
				}
			}
			if err := t.Transition(state.TaskQAPending, now); err != nil {
				return err
			}
			t.Attempts++
			advanced = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if advanced {
		b.mu.Lock()
		b.changed = true
		b.mu.Unlock()
	}
	return nil
}

func newTaskID() string {
	return "task_" + strings.Split(uuid.NewString(), "-")[0]
}

func parsePriority(s string) state.TaskPriority {
	switch state.TaskPriority(strings.ToUpper(strings.TrimSpace(s))) {
	case state.PriorityCritical:
		return state.PriorityCritical
	case state.PriorityHigh:
		return state.PriorityHigh
	case state.PriorityLow:
		return state.PriorityLow
	default:
		return state.PriorityNormal
	}
}

// normalizeFileSet dedupes, cleans separators, and sorts.
func normalizeFileSet(files []string) []string {
	seen := make(map[string]bool, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		f = strings.TrimSpace(strings.ReplaceAll(f, "\\", "/"))
		f = strings.TrimPrefix(f, "./")
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// descriptionSimilarity is the Jaccard index over lowercased word sets.
func descriptionSimilarity(a, b string) float64 {
	as := wordSet(a)
	bs := wordSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for w := range as {
		if bs[w] {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		out[w] = true
	}
	return out
}
