// Package state defines the durable pipeline data model and the StateStore
// that owns it on disk. All entities are value records serialized to
// <project>/state/state.json; collections keyed by unique ids are plain
// maps with string keys so the file round-trips losslessly.
package state

import (
	"fmt"
	"time"
)

// TaskStatus enumerates the task lifecycle states.
type TaskStatus string

const (
	TaskNew        TaskStatus = "NEW"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskQAPending  TaskStatus = "QA_PENDING"
	TaskNeedsFixes TaskStatus = "NEEDS_FIXES"
	TaskQAFailed   TaskStatus = "QA_FAILED"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskSkipped    TaskStatus = "SKIPPED"
	TaskFailed     TaskStatus = "FAILED"
)

// taskTransitions encodes the legal status transition diagram.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskNew:        {TaskInProgress, TaskSkipped, TaskFailed},
	TaskInProgress: {TaskQAPending, TaskNeedsFixes, TaskCompleted, TaskSkipped, TaskFailed},
	TaskQAPending:  {TaskCompleted, TaskNeedsFixes, TaskQAFailed, TaskSkipped},
	TaskNeedsFixes: {TaskInProgress, TaskQAPending, TaskSkipped, TaskFailed},
	TaskQAFailed:   {TaskInProgress, TaskNeedsFixes, TaskSkipped, TaskFailed},
	TaskCompleted:  {TaskNeedsFixes}, // reopened by a later QA or debugging pass
	TaskSkipped:    {TaskNew},
	TaskFailed:     {TaskNew},
}

// CanTransition reports whether moving from to next is legal.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further work is expected.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskSkipped || s == TaskFailed
}

// TaskPriority orders tasks for selection.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "CRITICAL"
	PriorityHigh     TaskPriority = "HIGH"
	PriorityNormal   TaskPriority = "NORMAL"
	PriorityLow      TaskPriority = "LOW"
)

// Rank maps priority to a sortable integer (higher is more urgent).
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// TaskError is one failure observation attached to a task.
type TaskError struct {
	Phase     string    `json:"phase"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	File      string    `json:"file,omitempty"`
	Line      int       `json:"line,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Snapshot holds the full file content at failure time, used to seed
	// the next retry.
	Snapshot string `json:"snapshot,omitempty"`
}

// TaskState is a unit of planned work.
type TaskState struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Files       []string     `json:"files"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	Attempts    int          `json:"attempts"`
	Errors      []TaskError  `json:"errors,omitempty"`
	ObjectiveID string       `json:"objective_id,omitempty"`
	// EstimatedEffort is minutes, set on refactoring tasks.
	EstimatedEffort int       `json:"estimated_effort,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Transition moves the task to next, enforcing the transition diagram.
// Attempts never decreases and Errors are never truncated here.
func (t *TaskState) Transition(next TaskStatus, now time.Time) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = now
	return nil
}

// RecordError appends a failure observation and bumps UpdatedAt.
func (t *TaskState) RecordError(e TaskError) {
	t.Errors = append(t.Errors, e)
	t.UpdatedAt = e.Timestamp
}

// HasFile reports whether the task tracks the given relative path.
func (t *TaskState) HasFile(path string) bool {
	for _, f := range t.Files {
		if f == path {
			return true
		}
	}
	return false
}

// FileStatus enumerates per-file tracking states.
type FileStatus string

const (
	FileUnknown  FileStatus = "UNKNOWN"
	FileCreated  FileStatus = "CREATED"
	FileModified FileStatus = "MODIFIED"
	FileVerified FileStatus = "VERIFIED"
	FileBroken   FileStatus = "BROKEN"
)

// FileState tracks one file under the project root.
type FileState struct {
	Path                string     `json:"path"`
	Status              FileStatus `json:"status"`
	Hash                string     `json:"hash,omitempty"` // digest at last known-good version
	LastModifiedByPhase string     `json:"last_modified_by_phase,omitempty"`
	Tasks               []string   `json:"tasks,omitempty"` // task ids that touched it
}

// AddTask records a task id, keeping the list unique.
func (f *FileState) AddTask(taskID string) {
	for _, id := range f.Tasks {
		if id == taskID {
			return
		}
	}
	f.Tasks = append(f.Tasks, taskID)
}

// PhaseResult is the summary outcome of one phase invocation.
type PhaseResult string

const (
	ResultSuccess PhaseResult = "SUCCESS"
	ResultNoOp    PhaseResult = "NO_OP"
	ResultFailure PhaseResult = "FAILURE"
)

// PhaseState is the per-phase runtime record.
type PhaseState struct {
	Name          string      `json:"name"`
	Iterations    int         `json:"iterations"`
	LastRun       time.Time   `json:"last_run,omitempty"`
	LastResult    PhaseResult `json:"last_result,omitempty"`
	NoUpdateCount int         `json:"no_update_count"`
}

// ObjectiveStatus enumerates objective lifecycle states.
type ObjectiveStatus string

const (
	ObjectivePending   ObjectiveStatus = "PENDING"
	ObjectiveActive    ObjectiveStatus = "ACTIVE"
	ObjectiveCompleted ObjectiveStatus = "COMPLETED"
	ObjectiveBlocked   ObjectiveStatus = "BLOCKED"
	ObjectiveDeferred  ObjectiveStatus = "DEFERRED"
)

// DimensionalProfile holds the seven analysis floats, each in [0,1].
type DimensionalProfile struct {
	Temporal    float64 `json:"temporal"`
	Functional  float64 `json:"functional"`
	Data        float64 `json:"data"`
	State       float64 `json:"state"`
	Error       float64 `json:"error"`
	Context     float64 `json:"context"`
	Integration float64 `json:"integration"`
}

// Clamp forces every dimension into [0,1].
func (d *DimensionalProfile) Clamp() {
	for _, f := range []*float64{&d.Temporal, &d.Functional, &d.Data, &d.State, &d.Error, &d.Context, &d.Integration} {
		if *f < 0 {
			*f = 0
		}
		if *f > 1 {
			*f = 1
		}
	}
}

// ObjectiveRecord is a declared goal at one of the three levels.
type ObjectiveRecord struct {
	ID              string             `json:"id"` // e.g. primary_002
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	Status          ObjectiveStatus    `json:"status"`
	Priority        TaskPriority       `json:"priority"`
	SuccessCriteria []Criterion        `json:"success_criteria,omitempty"`
	Dependencies    []string           `json:"dependencies,omitempty"`
	Profile         DimensionalProfile `json:"dimensional_profile"`
	// Tasks is the authoritative, ordered link to task ids.
	Tasks []string `json:"tasks,omitempty"`
}

// Criterion is one success-criteria checkbox item.
type Criterion struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// AddTask appends a task id if not already linked.
func (o *ObjectiveRecord) AddTask(taskID string) {
	for _, id := range o.Tasks {
		if id == taskID {
			return
		}
	}
	o.Tasks = append(o.Tasks, taskID)
}

// RemoveTask unlinks a task id, preserving order of the rest.
func (o *ObjectiveRecord) RemoveTask(taskID string) {
	out := o.Tasks[:0]
	for _, id := range o.Tasks {
		if id != taskID {
			out = append(out, id)
		}
	}
	o.Tasks = out
}

// ObjectiveLevel names one of the three objective tiers.
type ObjectiveLevel string

const (
	LevelPrimary   ObjectiveLevel = "primary"
	LevelSecondary ObjectiveLevel = "secondary"
	LevelTertiary  ObjectiveLevel = "tertiary"
)

// Levels returns the tiers in priority order.
func Levels() []ObjectiveLevel {
	return []ObjectiveLevel{LevelPrimary, LevelSecondary, LevelTertiary}
}

// Objectives holds the three ordered objective lists.
type Objectives struct {
	Primary   []ObjectiveRecord `json:"primary,omitempty"`
	Secondary []ObjectiveRecord `json:"secondary,omitempty"`
	Tertiary  []ObjectiveRecord `json:"tertiary,omitempty"`
}

// Level returns the list for a tier.
func (o *Objectives) Level(level ObjectiveLevel) []ObjectiveRecord {
	switch level {
	case LevelPrimary:
		return o.Primary
	case LevelSecondary:
		return o.Secondary
	case LevelTertiary:
		return o.Tertiary
	}
	return nil
}

// SetLevel replaces the list for a tier.
func (o *Objectives) SetLevel(level ObjectiveLevel, records []ObjectiveRecord) {
	switch level {
	case LevelPrimary:
		o.Primary = records
	case LevelSecondary:
		o.Secondary = records
	case LevelTertiary:
		o.Tertiary = records
	}
}

// Find returns the objective with the given id across all tiers.
func (o *Objectives) Find(id string) *ObjectiveRecord {
	for _, level := range Levels() {
		records := o.Level(level)
		for i := range records {
			if records[i].ID == id {
				return &records[i]
			}
		}
	}
	return nil
}

// AllSatisfied reports whether every objective is completed or deferred.
func (o *Objectives) AllSatisfied() bool {
	any := false
	for _, level := range Levels() {
		for _, rec := range o.Level(level) {
			any = true
			if rec.Status != ObjectiveCompleted && rec.Status != ObjectiveDeferred {
				return false
			}
		}
	}
	return any
}

// CorrelationRecord is additive evidence recorded by add_correlation.
// Nothing in the core consumes these; a future correlation engine may.
type CorrelationRecord struct {
	Component string    `json:"component"`
	Kind      string    `json:"kind"`
	Evidence  string    `json:"evidence"`
	Timestamp time.Time `json:"timestamp"`
}

// PipelineState is the aggregate persisted to state.json.
type PipelineState struct {
	Tasks        map[string]*TaskState  `json:"tasks"`
	Files        map[string]*FileState  `json:"files"`
	Phases       map[string]*PhaseState `json:"phases"`
	Objectives   Objectives             `json:"objectives"`
	Correlations []CorrelationRecord    `json:"correlations,omitempty"`
	// Patterns is an opaque blob owned by the PatternStore.
	Patterns  map[string]interface{} `json:"patterns,omitempty"`
	Iteration int                    `json:"iteration"`
	StartedAt time.Time              `json:"started_at"`
}

// NewPipelineState returns an empty state with initialized maps.
func NewPipelineState(now time.Time) *PipelineState {
	return &PipelineState{
		Tasks:     make(map[string]*TaskState),
		Files:     make(map[string]*FileState),
		Phases:    make(map[string]*PhaseState),
		StartedAt: now,
	}
}

// EnsureMaps repairs nil maps after deserialization of older files.
func (p *PipelineState) EnsureMaps() {
	if p.Tasks == nil {
		p.Tasks = make(map[string]*TaskState)
	}
	if p.Files == nil {
		p.Files = make(map[string]*FileState)
	}
	if p.Phases == nil {
		p.Phases = make(map[string]*PhaseState)
	}
}

// Phase returns (creating if needed) the record for a phase name.
func (p *PipelineState) Phase(name string) *PhaseState {
	ps, ok := p.Phases[name]
	if !ok {
		ps = &PhaseState{Name: name}
		p.Phases[name] = ps
	}
	return ps
}

// File returns (creating if needed) the record for a relative path.
func (p *PipelineState) File(path string) *FileState {
	fs, ok := p.Files[path]
	if !ok {
		fs = &FileState{Path: path, Status: FileUnknown}
		p.Files[path] = fs
	}
	return fs
}

// TasksByStatus returns tasks in any of the given statuses.
func (p *PipelineState) TasksByStatus(statuses ...TaskStatus) []*TaskState {
	var out []*TaskState
	for _, t := range p.Tasks {
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// Validate checks the cross-entity invariants:
//   - every task file has a FileState entry
//   - a task with an objective id appears exactly once in that
//     objective's task list
func (p *PipelineState) Validate() error {
	for id, task := range p.Tasks {
		for _, f := range task.Files {
			if _, ok := p.Files[f]; !ok {
				return fmt.Errorf("task %s references file %s with no FileState", id, f)
			}
		}
		if task.ObjectiveID == "" {
			continue
		}
		obj := p.Objectives.Find(task.ObjectiveID)
		if obj == nil {
			return fmt.Errorf("task %s references missing objective %s", id, task.ObjectiveID)
		}
		count := 0
		for _, tid := range obj.Tasks {
			if tid == id {
				count++
			}
		}
		if count != 1 {
			return fmt.Errorf("task %s appears %d times in objective %s task list", id, count, task.ObjectiveID)
		}
	}
	return nil
}
