package pattern

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "patterns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordDeduplicatesAndBumpsConfidence(t *testing.T) {
	s := openTestStore(t)
	e := Event{Kind: EventFailure, Phase: "coding", Context: "write_file", Description: "wrote file without reading it first"}

	require.NoError(t, s.Record(e))
	p, err := s.PatternBySignature(Signature(e))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.Occurrences)
	assert.InDelta(t, 0.1, p.Confidence, 1e-9)

	require.NoError(t, s.Record(e))
	p, err = s.PatternBySignature(Signature(e))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Occurrences)
	// min(0.95, 0.1 + 0.1/1.1)
	assert.InDelta(t, 0.1+0.1/1.1, p.Confidence, 1e-9)
}

func TestConfidenceCapped(t *testing.T) {
	s := openTestStore(t)
	e := Event{Kind: EventSuccess, Phase: "qa", Context: "approve_code", Description: "small diffs pass review"}

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Record(e))
	}
	p, err := s.PatternBySignature(Signature(e))
	require.NoError(t, err)
	assert.LessOrEqual(t, p.Confidence, 0.95)
	assert.Greater(t, p.Confidence, 0.9)
}

func TestStatsCountsByKind(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Record(Event{Kind: EventSuccess, Phase: "qa", Context: "approve_code", Description: "clean review"}))
	require.NoError(t, s.Record(Event{Kind: EventFailure, Phase: "coding", Context: "write_file", Description: "overwrote edits"}))
	require.NoError(t, s.Record(Event{Kind: EventFailure, Phase: "coding", Context: "run_command", Description: "build broke"}))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Patterns)
	assert.Equal(t, 1, stats.Successes)
	assert.Equal(t, 2, stats.Failures)
	assert.Zero(t, stats.Archived)
}

func TestSignatureNormalizesWhitespaceAndCase(t *testing.T) {
	a := Signature(Event{Kind: EventFailure, Phase: "qa", Context: "x", Description: "Build  Failed"})
	b := Signature(Event{Kind: EventFailure, Phase: "qa", Context: "x", Description: "build failed"})
	assert.Equal(t, a, b)
}

func TestRecommendationsThresholdsAndLimit(t *testing.T) {
	s := openTestStore(t)

	lowFailure := Event{Kind: EventFailure, Phase: "coding", Context: "build", Description: "low confidence failure"}
	require.NoError(t, s.Record(lowFailure)) // confidence 0.1, below floor

	strongFailure := Event{Kind: EventFailure, Phase: "coding", Context: "build", Description: "missing import breaks build"}
	for i := 0; i < 40; i++ {
		require.NoError(t, s.Record(strongFailure))
	}

	// A strong success pattern in a different context stays out.
	other := Event{Kind: EventSuccess, Phase: "qa", Context: "review", Description: "incremental review works"}
	for i := 0; i < 40; i++ {
		require.NoError(t, s.Record(other))
	}

	recs, err := s.RecommendationsFor("build")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "missing import breaks build", recs[0].Suggestion)
	assert.GreaterOrEqual(t, recs[0].Confidence, 0.7)
}

func TestRecommendationsSortedAndCapped(t *testing.T) {
	s := openTestStore(t)
	descriptions := []string{"one", "two", "three", "four", "five", "six", "seven"}
	for i, d := range descriptions {
		e := Event{Kind: EventFailure, Phase: "coding", Context: "shared context", Description: d}
		for j := 0; j <= 30+i; j++ {
			require.NoError(t, s.Record(e))
		}
	}

	recs, err := s.RecommendationsFor("shared context")
	require.NoError(t, err)
	assert.Len(t, recs, 5)
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i-1].Confidence, recs[i].Confidence)
	}
}

func TestCompactDropsWeakAndMergesSimilar(t *testing.T) {
	s := openTestStore(t)

	weak := Event{Kind: EventFailure, Phase: "qa", Context: "misc", Description: "seen once only"}
	require.NoError(t, s.Record(weak))

	a := Event{Kind: EventFailure, Phase: "coding", Context: "build step", Description: "missing import statement in the parser module source file"}
	b := Event{Kind: EventFailure, Phase: "coding", Context: "build step", Description: "missing import statement in the parser module source files"}
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Record(a))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(b))
	}

	require.NoError(t, s.Compact())

	// Weak pattern dropped.
	p, err := s.PatternBySignature(Signature(weak))
	require.NoError(t, err)
	assert.Nil(t, p)

	// Similar pair merged into the more frequent one.
	survivor, err := s.PatternBySignature(Signature(a))
	require.NoError(t, err)
	require.NotNil(t, survivor)
	assert.Equal(t, 15, survivor.Occurrences)
	absorbed, err := s.PatternBySignature(Signature(b))
	require.NoError(t, err)
	assert.Nil(t, absorbed)
}

func TestNoteExecutionTriggersCompaction(t *testing.T) {
	s := openTestStore(t)
	weak := Event{Kind: EventFailure, Phase: "qa", Context: "misc", Description: "drop me"}
	require.NoError(t, s.Record(weak))

	for i := 0; i < compactInterval; i++ {
		require.NoError(t, s.NoteExecution())
	}
	p, err := s.PatternBySignature(Signature(weak))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestToolUsageCounters(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordToolUsage("read_file", "qa", true, 30*time.Millisecond))
	require.NoError(t, s.RecordToolUsage("read_file", "qa", true, 50*time.Millisecond))
	require.NoError(t, s.RecordToolUsage("read_file", "qa", false, 10*time.Millisecond))

	stat, err := s.ToolUsage("read_file", "qa")
	require.NoError(t, err)
	assert.Equal(t, 3, stat.Calls)
	assert.Equal(t, 1, stat.Failures)
	assert.Equal(t, int64(30), stat.AvgElapsedMs)
	assert.False(t, stat.LastUsedAt.IsZero())

	stat, err = s.ToolUsage("write_file", "qa")
	require.NoError(t, err)
	assert.Zero(t, stat.Calls)
	assert.Zero(t, stat.Failures)
}

func TestArchiveStalePatterns(t *testing.T) {
	s := openTestStore(t)
	e := Event{Kind: EventSuccess, Phase: "qa", Context: "review", Description: "stale success"}
	for i := 0; i < 40; i++ {
		require.NoError(t, s.Record(e))
	}

	// Age the pattern past the archival horizon.
	old := time.Now().UTC().Add(-archiveAfter - 24*time.Hour)
	_, err := s.db.Exec(`UPDATE patterns SET last_seen = ? WHERE signature = ?`, old, Signature(e))
	require.NoError(t, err)

	require.NoError(t, s.Compact())
	p, err := s.PatternBySignature(Signature(e))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Archived)

	recs, err := s.RecommendationsFor("review")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
