package pattern

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Action is one tool invocation observed by the loop detector. Path is
// the file target when the tool has one; repeated writes to the same
// file differ in ArgSignature (content changes) but share the Path.
type Action struct {
	Phase        string
	Tool         string
	ArgSignature string
	Path         string
	Timestamp    time.Time
	Success      bool
}

// ArgSignature digests a tool argument map into a stable string so
// identical invocations compare equal regardless of map order.
func ArgSignature(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, args[k])
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}

// ActionLog is the append-only record of the current phase session.
// Archived sessions are kept out of loop analysis so one session's
// churn cannot trip the detector in the next.
type ActionLog struct {
	mu       sync.Mutex
	current  []Action
	archived []Action
}

// NewActionLog creates an empty log.
func NewActionLog() *ActionLog {
	return &ActionLog{}
}

// Record appends an action to the current session.
func (l *ActionLog) Record(a Action) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	l.mu.Lock()
	l.current = append(l.current, a)
	l.mu.Unlock()
}

// Session returns a copy of the current session's actions.
func (l *ActionLog) Session() []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Action, len(l.current))
	copy(out, l.current)
	return out
}

// ArchiveSession moves the current session out of analysis scope.
func (l *ActionLog) ArchiveSession() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.archived = append(l.archived, l.current...)
	l.current = nil
}

// ArchivedLen reports how many actions have been archived.
func (l *ActionLog) ArchivedLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.archived)
}
