package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"forgeloop/internal/logging"
)

// FatalStateError signals an unrecoverable state store failure. It aborts
// the coordinator loop; everything else is retried or surfaced locally.
type FatalStateError struct {
	Op  string
	Err error
}

func (e *FatalStateError) Error() string {
	return fmt.Sprintf("fatal state error during %s: %v", e.Op, e.Err)
}

func (e *FatalStateError) Unwrap() error { return e.Err }

// IsFatal reports whether err is (or wraps) a FatalStateError.
func IsFatal(err error) bool {
	var fe *FatalStateError
	return errors.As(err, &fe)
}

const (
	stateFileName = "state.json"
	opQueueSize   = 64
)

// Store owns state.json and serializes all mutation through a single
// writer goroutine. Readers get consistent snapshots by deep clone.
type Store struct {
	dir       string // state directory (<project>/state)
	retention int    // backups to keep

	ops       chan storeOp
	closed    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	// Owned by the writer loop after Open returns.
	state     *PipelineState
	lastSaved uint64 // xxhash of last serialized form; 0 = never saved
}

type storeOp struct {
	mutate   func(*PipelineState) error
	snapshot chan *PipelineState
	reply    chan error
	persist  bool
}

// Open loads (or initializes) the state under dir and starts the writer
// loop. retention bounds the number of rolling backups.
func Open(dir string, retention int) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &FatalStateError{Op: "open", Err: err}
	}

	s := &Store{
		dir:       dir,
		retention: retention,
		ops:       make(chan storeOp, opQueueSize),
		closed:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	st, err := s.loadFromDisk()
	if err != nil {
		return nil, err
	}
	s.state = st

	go s.writerLoop()
	return s, nil
}

// Path returns the state.json location.
func (s *Store) Path() string { return filepath.Join(s.dir, stateFileName) }

// loadFromDisk reads state.json, falling back to the newest backup on
// parse failure. A missing file yields a fresh state.
func (s *Store) loadFromDisk() (*PipelineState, error) {
	path := s.Path()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.State("No existing state at %s, starting fresh", path)
			return NewPipelineState(time.Now().UTC()), nil
		}
		return nil, &FatalStateError{Op: "load", Err: err}
	}

	st, err := decodeState(data)
	if err == nil {
		s.lastSaved = xxhash.Sum64(data)
		return st, nil
	}
	logging.StateWarn("state.json corrupt (%v), trying backups", err)

	backups, berr := s.listBackups()
	if berr != nil {
		return nil, &FatalStateError{Op: "load", Err: berr}
	}
	// Newest first.
	for i := len(backups) - 1; i >= 0; i-- {
		data, rerr := os.ReadFile(backups[i])
		if rerr != nil {
			continue
		}
		st, derr := decodeState(data)
		if derr == nil {
			logging.StateWarn("Recovered state from backup %s", filepath.Base(backups[i]))
			return st, nil
		}
	}
	return nil, &FatalStateError{Op: "load", Err: fmt.Errorf("state.json and all backups unreadable: %w", err)}
}

func decodeState(data []byte) (*PipelineState, error) {
	var st PipelineState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	st.EnsureMaps()
	return &st, nil
}

// writerLoop applies mutations and persists; it is the only goroutine
// touching s.state and the file after Open.
func (s *Store) writerLoop() {
	defer close(s.loopDone)
	for {
		select {
		case op := <-s.ops:
			s.handle(op)
		case <-s.closed:
			// Drain pending ops, then final save.
			for {
				select {
				case op := <-s.ops:
					s.handle(op)
				default:
					if err := s.save(); err != nil {
						logging.StateError("final save failed: %v", err)
					}
					return
				}
			}
		}
	}
}

func (s *Store) handle(op storeOp) {
	if op.snapshot != nil {
		clone, err := cloneState(s.state)
		if err != nil {
			logging.StateError("snapshot clone failed: %v", err)
			op.snapshot <- nil
			return
		}
		op.snapshot <- clone
		return
	}

	var err error
	if op.mutate != nil {
		err = op.mutate(s.state)
	}
	if err == nil && op.persist {
		err = s.save()
	}
	if op.reply != nil {
		op.reply <- err
	}
}

// save writes the state atomically: tmp + fsync + rename. When the
// serialized form is unchanged since the last save, the whole operation
// is a no-op, so the backup rotation does not advance.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return &FatalStateError{Op: "save", Err: err}
	}
	sum := xxhash.Sum64(data)
	if sum == s.lastSaved {
		logging.StateDebug("state unchanged, skipping save")
		return nil
	}

	path := s.Path()

	// Rotate the previous good file into a backup before replacing it.
	if prev, rerr := os.ReadFile(path); rerr == nil {
		bak := fmt.Sprintf("%s.bak.%d", path, time.Now().UnixNano())
		if werr := os.WriteFile(bak, prev, 0644); werr != nil {
			logging.StateWarn("backup write failed: %v", werr)
		} else {
			s.pruneBackups()
		}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return &FatalStateError{Op: "save", Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &FatalStateError{Op: "save", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &FatalStateError{Op: "save", Err: err}
	}
	if err := f.Close(); err != nil {
		return &FatalStateError{Op: "save", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &FatalStateError{Op: "save", Err: err}
	}

	s.lastSaved = sum
	logging.StateDebug("state saved (%d bytes, iteration %d)", len(data), s.state.Iteration)
	return nil
}

func (s *Store) listBackups() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var backups []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stateFileName+".bak.") {
			backups = append(backups, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(backups) // timestamps sort lexically at fixed width
	return backups, nil
}

func (s *Store) pruneBackups() {
	backups, err := s.listBackups()
	if err != nil || len(backups) <= s.retention {
		return
	}
	for _, old := range backups[:len(backups)-s.retention] {
		if err := os.Remove(old); err != nil {
			logging.StateWarn("failed to prune backup %s: %v", old, err)
		}
	}
}

// cloneState deep-copies via the JSON codec so snapshots match what a
// load from disk would produce.
func cloneState(st *PipelineState) (*PipelineState, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

// Update applies fn inside the writer loop and persists the result.
// It blocks until applied (back-pressure when the queue is full).
func (s *Store) Update(fn func(*PipelineState) error) error {
	reply := make(chan error, 1)
	select {
	case s.ops <- storeOp{mutate: fn, reply: reply, persist: true}:
	case <-s.closed:
		return &FatalStateError{Op: "update", Err: errors.New("store closed")}
	}
	return <-reply
}

// Mutate applies fn without forcing a save; used for bookkeeping that
// the coordinator persists at the end of the iteration.
func (s *Store) Mutate(fn func(*PipelineState) error) error {
	reply := make(chan error, 1)
	select {
	case s.ops <- storeOp{mutate: fn, reply: reply, persist: false}:
	case <-s.closed:
		return &FatalStateError{Op: "mutate", Err: errors.New("store closed")}
	}
	return <-reply
}

// Flush persists the current state if dirty.
func (s *Store) Flush() error {
	reply := make(chan error, 1)
	select {
	case s.ops <- storeOp{reply: reply, persist: true}:
	case <-s.closed:
		return &FatalStateError{Op: "flush", Err: errors.New("store closed")}
	}
	return <-reply
}

// Snapshot returns a deep clone of the current state.
func (s *Store) Snapshot() (*PipelineState, error) {
	snap := make(chan *PipelineState, 1)
	select {
	case s.ops <- storeOp{snapshot: snap}:
	case <-s.closed:
		return nil, &FatalStateError{Op: "snapshot", Err: errors.New("store closed")}
	}
	st := <-snap
	if st == nil {
		return nil, &FatalStateError{Op: "snapshot", Err: errors.New("clone failed")}
	}
	return st, nil
}

// Close drains the queue, performs a best-effort final save, and stops
// the writer loop. Idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	<-s.loopDone
	return nil
}

// =============================================================================
// Operational API
// =============================================================================

// GetTask returns a copy of the task, or nil if absent.
func (s *Store) GetTask(id string) (*TaskState, error) {
	var out *TaskState
	err := s.Mutate(func(st *PipelineState) error {
		if t, ok := st.Tasks[id]; ok {
			clone := *t
			clone.Files = append([]string(nil), t.Files...)
			clone.Errors = append([]TaskError(nil), t.Errors...)
			out = &clone
		}
		return nil
	})
	return out, err
}

// PutTask inserts or replaces a task, maintaining the objective link
// and the FileState entries for its files.
func (s *Store) PutTask(task *TaskState) error {
	return s.Update(func(st *PipelineState) error {
		now := time.Now().UTC()
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		task.UpdatedAt = now
		st.Tasks[task.ID] = task
		for _, f := range task.Files {
			fs := st.File(f)
			fs.AddTask(task.ID)
			if fs.Status == "" {
				fs.Status = FileUnknown
			}
		}
		if task.ObjectiveID != "" {
			obj := st.Objectives.Find(task.ObjectiveID)
			if obj == nil {
				return fmt.Errorf("objective %s not found for task %s", task.ObjectiveID, task.ID)
			}
			obj.AddTask(task.ID)
		}
		return nil
	})
}

// TasksByStatus returns snapshot copies of tasks in the given statuses.
func (s *Store) TasksByStatus(statuses ...TaskStatus) ([]*TaskState, error) {
	var out []*TaskState
	err := s.Mutate(func(st *PipelineState) error {
		for _, t := range st.TasksByStatus(statuses...) {
			clone := *t
			clone.Files = append([]string(nil), t.Files...)
			clone.Errors = append([]TaskError(nil), t.Errors...)
			out = append(out, &clone)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

// FileModified records that a phase touched path, computing the digest of
// content. A digest mismatch against an unchanged record means the file
// was edited outside the dispatcher; this is surfaced as a warning.
func (s *Store) FileModified(path, byPhase string, content []byte) error {
	return s.Update(func(st *PipelineState) error {
		fs := st.File(path)
		newHash := HashContent(content)
		if fs.Hash != "" && fs.Hash != newHash && fs.LastModifiedByPhase == byPhase && fs.Status == FileVerified {
			logging.StateWarn("file %s changed outside the dispatcher (hash mismatch)", path)
		}
		if fs.Status == FileUnknown || fs.Status == "" {
			fs.Status = FileCreated
		} else if fs.Status != FileBroken {
			fs.Status = FileModified
		}
		fs.Hash = newHash
		fs.LastModifiedByPhase = byPhase
		return nil
	})
}

// IncrementNoUpdateCount bumps the stagnation counter for a phase.
func (s *Store) IncrementNoUpdateCount(phase string) error {
	return s.Update(func(st *PipelineState) error {
		st.Phase(phase).NoUpdateCount++
		return nil
	})
}

// ResetNoUpdateCount clears the stagnation counter for a phase.
func (s *Store) ResetNoUpdateCount(phase string) error {
	return s.Update(func(st *PipelineState) error {
		st.Phase(phase).NoUpdateCount = 0
		return nil
	})
}

// AddCorrelation records additive evidence for a future correlation
// engine; nothing in the core reads it back.
func (s *Store) AddCorrelation(component, kind, evidence string) error {
	return s.Update(func(st *PipelineState) error {
		st.Correlations = append(st.Correlations, CorrelationRecord{
			Component: component,
			Kind:      kind,
			Evidence:  evidence,
			Timestamp: time.Now().UTC(),
		})
		return nil
	})
}

// HashContent returns the hex xxhash digest used for FileState tracking.
func HashContent(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}
