// Package pattern persists learned success and failure patterns and
// watches the action stream for repetition loops.
package pattern

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"forgeloop/internal/logging"
)

const (
	confidenceCap   = 0.95
	confidenceStep  = 0.1
	failureFloor    = 0.7
	successFloor    = 0.8
	maxSuggestions  = 5
	compactInterval = 50
	dropBelow       = 0.3
	archiveAfter    = 90 * 24 * time.Hour
	mergeSimilarity = 0.85
)

// EventKind classifies a recorded pattern.
type EventKind string

const (
	EventSuccess EventKind = "success"
	EventFailure EventKind = "failure"
)

// Event is one observation fed to the store.
type Event struct {
	Kind        EventKind
	Phase       string
	Context     string
	Description string
}

// Pattern is a stored, deduplicated observation.
type Pattern struct {
	ID          int64
	Signature   string
	Kind        EventKind
	Phase       string
	Context     string
	Description string
	Occurrences int
	Confidence  float64
	LastSeen    time.Time
	Archived    bool
}

// Recommendation is one suggestion surfaced to a phase.
type Recommendation struct {
	Kind       EventKind
	Suggestion string
	Confidence float64
}

// Store keeps patterns in a SQLite database.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string

	executions int
}

// OpenStore initializes the pattern database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern database: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signature TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		phase TEXT NOT NULL,
		context TEXT NOT NULL,
		description TEXT NOT NULL,
		occurrences INTEGER NOT NULL DEFAULT 1,
		confidence REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		archived INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_context ON patterns(context);
	CREATE INDEX IF NOT EXISTS idx_patterns_kind ON patterns(kind);

	CREATE TABLE IF NOT EXISTS tool_usage (
		tool TEXT NOT NULL,
		phase TEXT NOT NULL,
		calls INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		elapsed_ms_total INTEGER NOT NULL DEFAULT 0,
		last_used_at DATETIME,
		PRIMARY KEY (tool, phase)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize pattern schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats summarizes the stored learning material.
type Stats struct {
	Patterns  int
	Successes int
	Failures  int
	Archived  int
}

// Stats counts the live and archived patterns by kind.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	rows, err := s.db.Query(`SELECT kind, archived, COUNT(*) FROM patterns GROUP BY kind, archived`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read pattern stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var archived bool
		var n int
		if err := rows.Scan(&kind, &archived, &n); err != nil {
			return Stats{}, err
		}
		if archived {
			st.Archived += n
			continue
		}
		st.Patterns += n
		switch EventKind(kind) {
		case EventSuccess:
			st.Successes += n
		case EventFailure:
			st.Failures += n
		}
	}
	return st, rows.Err()
}

// Signature computes the canonical dedupe key of an event.
func Signature(e Event) string {
	fields := []string{string(e.Kind), e.Phase, e.Context, e.Description}
	for i, f := range fields {
		fields[i] = strings.Join(strings.Fields(strings.ToLower(f)), " ")
	}
	return strings.Join(fields, "|")
}

// Record stores an event, deduplicating by signature. A repeat bumps
// the occurrence count and confidence toward the cap.
func (s *Store) Record(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig := Signature(e)
	now := time.Now().UTC()

	var prev float64
	err := s.db.QueryRow(`SELECT confidence FROM patterns WHERE signature = ?`, sig).Scan(&prev)
	switch err {
	case sql.ErrNoRows:
		next := bumpConfidence(0)
		_, err = s.db.Exec(`
			INSERT INTO patterns (signature, kind, phase, context, description, occurrences, confidence, created_at, last_seen)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			sig, string(e.Kind), e.Phase, e.Context, e.Description, next, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert pattern: %w", err)
		}
		logging.PatternsDebug("new %s pattern in %s: %s", e.Kind, e.Phase, e.Description)
	case nil:
		next := bumpConfidence(prev)
		_, err = s.db.Exec(`
			UPDATE patterns SET occurrences = occurrences + 1, confidence = ?, last_seen = ?, archived = 0
			WHERE signature = ?`, next, now, sig)
		if err != nil {
			return fmt.Errorf("failed to update pattern: %w", err)
		}
	default:
		return fmt.Errorf("failed to look up pattern: %w", err)
	}
	return nil
}

func bumpConfidence(prev float64) float64 {
	return math.Min(confidenceCap, prev+confidenceStep/(prev+1))
}

// RecommendationsFor returns at most five suggestions relevant to the
// context, highest confidence first. Failure patterns need confidence
// of at least 0.7, success patterns 0.8.
func (s *Store) RecommendationsFor(context string) ([]Recommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT kind, description, confidence, context FROM patterns
		WHERE archived = 0
		ORDER BY confidence DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	want := strings.ToLower(context)
	var out []Recommendation
	for rows.Next() {
		var kind, desc, patCtx string
		var conf float64
		if err := rows.Scan(&kind, &desc, &conf, &patCtx); err != nil {
			return nil, err
		}
		if !contextMatches(want, strings.ToLower(patCtx)) {
			continue
		}
		k := EventKind(kind)
		if k == EventFailure && conf < failureFloor {
			continue
		}
		if k == EventSuccess && conf < successFloor {
			continue
		}
		out = append(out, Recommendation{Kind: k, Suggestion: desc, Confidence: conf})
		if len(out) == maxSuggestions {
			break
		}
	}
	return out, rows.Err()
}

func contextMatches(want, have string) bool {
	if want == "" || have == "" {
		return want == have
	}
	return strings.Contains(have, want) || strings.Contains(want, have)
}

// NoteExecution counts one phase execution and compacts the store every
// fiftieth call.
func (s *Store) NoteExecution() error {
	s.mu.Lock()
	s.executions++
	due := s.executions%compactInterval == 0
	s.mu.Unlock()
	if !due {
		return nil
	}
	return s.Compact()
}

// Compact drops weak patterns, archives stale ones and merges near
// duplicates.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM patterns WHERE confidence < ?`, dropBelow)
	if err != nil {
		return fmt.Errorf("failed to drop weak patterns: %w", err)
	}
	dropped, _ := res.RowsAffected()

	stale := time.Now().UTC().Add(-archiveAfter)
	res, err = s.db.Exec(`UPDATE patterns SET archived = 1 WHERE archived = 0 AND last_seen < ?`, stale)
	if err != nil {
		return fmt.Errorf("failed to archive stale patterns: %w", err)
	}
	archived, _ := res.RowsAffected()

	merged, err := s.mergeSimilar()
	if err != nil {
		return err
	}

	logging.Patterns("compaction: dropped=%d archived=%d merged=%d", dropped, archived, merged)
	return nil
}

// mergeSimilar folds pattern pairs whose signatures overlap strongly.
func (s *Store) mergeSimilar() (int, error) {
	rows, err := s.db.Query(`SELECT id, signature, occurrences, confidence FROM patterns WHERE archived = 0`)
	if err != nil {
		return 0, err
	}
	type rec struct {
		id          int64
		sig         string
		occurrences int
		confidence  float64
	}
	var all []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.id, &r.sig, &r.occurrences, &r.confidence); err != nil {
			rows.Close()
			return 0, err
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].occurrences > all[j].occurrences })

	merged := 0
	absorbed := make(map[int64]bool)
	for i := 0; i < len(all); i++ {
		if absorbed[all[i].id] {
			continue
		}
		for j := i + 1; j < len(all); j++ {
			if absorbed[all[j].id] {
				continue
			}
			if jaccard(all[i].sig, all[j].sig) < mergeSimilarity {
				continue
			}
			conf := math.Max(all[i].confidence, all[j].confidence)
			_, err := s.db.Exec(`UPDATE patterns SET occurrences = occurrences + ?, confidence = ? WHERE id = ?`,
				all[j].occurrences, conf, all[i].id)
			if err != nil {
				return merged, err
			}
			if _, err := s.db.Exec(`DELETE FROM patterns WHERE id = ?`, all[j].id); err != nil {
				return merged, err
			}
			absorbed[all[j].id] = true
			merged++
		}
	}
	return merged, nil
}

// jaccard measures token-set overlap between two signatures.
func jaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '|' || r == '_' || r == '.' || r == '/'
	}) {
		out[tok] = true
	}
	return out
}

// ToolUsageStat is the persisted counter set of one tool in one phase.
type ToolUsageStat struct {
	Calls        int
	Failures     int
	AvgElapsedMs int64
	LastUsedAt   time.Time
}

// RecordToolUsage bumps the persisted per-phase tool counters.
func (s *Store) RecordToolUsage(tool, phase string, success bool, elapsed time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	failure := 0
	if !success {
		failure = 1
	}
	ms := elapsed.Milliseconds()
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO tool_usage (tool, phase, calls, failures, elapsed_ms_total, last_used_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(tool, phase) DO UPDATE SET
			calls = calls + 1,
			failures = failures + ?,
			elapsed_ms_total = elapsed_ms_total + ?,
			last_used_at = ?`,
		tool, phase, failure, ms, now, failure, ms, now)
	if err != nil {
		return fmt.Errorf("failed to record tool usage: %w", err)
	}
	return nil
}

// ToolUsage returns the recorded counters for a tool in a phase.
func (s *Store) ToolUsage(tool, phase string) (ToolUsageStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stat ToolUsageStat
	var totalMs int64
	var lastUsed sql.NullTime
	err := s.db.QueryRow(`
		SELECT calls, failures, elapsed_ms_total, last_used_at
		FROM tool_usage WHERE tool = ? AND phase = ?`,
		tool, phase).Scan(&stat.Calls, &stat.Failures, &totalMs, &lastUsed)
	if err == sql.ErrNoRows {
		return ToolUsageStat{}, nil
	}
	if err != nil {
		return ToolUsageStat{}, err
	}
	if stat.Calls > 0 {
		stat.AvgElapsedMs = totalMs / int64(stat.Calls)
	}
	if lastUsed.Valid {
		stat.LastUsedAt = lastUsed.Time
	}
	return stat, nil
}

// PatternBySignature fetches one pattern for inspection.
func (s *Store) PatternBySignature(sig string) (*Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p Pattern
	var kind string
	var archived int
	err := s.db.QueryRow(`
		SELECT id, signature, kind, phase, context, description, occurrences, confidence, last_seen, archived
		FROM patterns WHERE signature = ?`, sig).
		Scan(&p.ID, &p.Signature, &kind, &p.Phase, &p.Context, &p.Description, &p.Occurrences, &p.Confidence, &p.LastSeen, &archived)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Kind = EventKind(kind)
	p.Archived = archived == 1
	return &p, nil
}
