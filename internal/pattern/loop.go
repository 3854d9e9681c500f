package pattern

import (
	"fmt"
	"sync"

	"forgeloop/internal/logging"
)

// LoopKind names a recognized repetition shape.
type LoopKind string

const (
	LoopActionRepeat       LoopKind = "action_repeat"
	LoopModification       LoopKind = "modification_loop"
	LoopConversation       LoopKind = "conversation_loop"
	LoopCircularDependency LoopKind = "circular_dependency"
	LoopStateCycle         LoopKind = "state_cycle"
	LoopPatternRepetition  LoopKind = "pattern_repetition"
)

// Severity grades a detected loop.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Detection thresholds.
const (
	actionRepeatThreshold = 3
	modificationThreshold = 4
	conversationThreshold = 3
	stateCycleThreshold   = 2
	sequenceThreshold     = 2
	maxInterventions      = 3
)

// Verdict is the outcome of one loop check.
type Verdict struct {
	Detected      bool
	Kind          LoopKind
	Severity      Severity
	Suggestion    string
	MustIntervene bool
}

// Detector analyzes the action log of one phase invocation. It also
// receives state hashes and dependency-cycle reports pushed from
// outside the action stream.
type Detector struct {
	mu            sync.Mutex
	stateHashes   map[string]int
	cycleReport   string
	interventions map[LoopKind]int

	modifyingTools map[string]bool
	readingTools   map[string]bool
}

// NewDetector creates a detector with the default tool classification.
func NewDetector() *Detector {
	return &Detector{
		stateHashes:   make(map[string]int),
		interventions: make(map[LoopKind]int),
		modifyingTools: map[string]bool{
			"write_file":  true,
			"str_replace": true,
			"delete_file": true,
		},
		readingTools: map[string]bool{
			"read_file":  true,
			"list_files": true,
		},
	}
}

// NoteStateHash feeds one end-of-iteration state digest.
func (d *Detector) NoteStateHash(hash string) {
	d.mu.Lock()
	d.stateHashes[hash]++
	d.mu.Unlock()
}

// NoteCircularDependency feeds an import-cycle report from analysis.
func (d *Detector) NoteCircularDependency(description string) {
	d.mu.Lock()
	d.cycleReport = description
	d.mu.Unlock()
}

// ResetInvocation clears per-invocation intervention counts and pushed
// reports at the start of a new phase invocation.
func (d *Detector) ResetInvocation() {
	d.mu.Lock()
	d.stateHashes = make(map[string]int)
	d.cycleReport = ""
	d.interventions = make(map[LoopKind]int)
	d.mu.Unlock()
}

// Check inspects the current session for loops. The first matching
// kind wins, ordered by severity of consequence.
func (d *Detector) Check(log *ActionLog, phase string) Verdict {
	session := log.Session()

	checks := []func([]Action, string) (Verdict, bool){
		d.checkCircularDependency,
		d.checkStateCycle,
		d.checkActionRepeat,
		d.checkModificationLoop,
		d.checkConversationLoop,
		d.checkPatternRepetition,
	}
	for _, check := range checks {
		if v, ok := check(session, phase); ok {
			return d.finalize(v, phase)
		}
	}
	return Verdict{}
}

func (d *Detector) finalize(v Verdict, phase string) Verdict {
	d.mu.Lock()
	d.interventions[v.Kind]++
	count := d.interventions[v.Kind]
	d.mu.Unlock()

	if v.Severity == SeverityCritical || count >= maxInterventions {
		v.MustIntervene = true
	}
	logging.LoopWarn("%s detected in %s (severity=%s interventions=%d intervene=%t)",
		v.Kind, phase, v.Severity, count, v.MustIntervene)
	return v
}

func (d *Detector) checkCircularDependency(_ []Action, _ string) (Verdict, bool) {
	d.mu.Lock()
	report := d.cycleReport
	d.mu.Unlock()
	if report == "" {
		return Verdict{}, false
	}
	return Verdict{
		Detected:   true,
		Kind:       LoopCircularDependency,
		Severity:   SeverityHigh,
		Suggestion: "break the import cycle: " + report,
	}, true
}

func (d *Detector) checkStateCycle(_ []Action, _ string) (Verdict, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for hash, count := range d.stateHashes {
		// count-1 recurrences of the same state digest.
		if count-1 >= stateCycleThreshold {
			return Verdict{
				Detected:   true,
				Kind:       LoopStateCycle,
				Severity:   SeverityCritical,
				Suggestion: fmt.Sprintf("pipeline state %s keeps recurring, change approach or escalate", short(hash)),
			}, true
		}
	}
	return Verdict{}, false
}

func (d *Detector) checkActionRepeat(session []Action, _ string) (Verdict, bool) {
	counts := make(map[string]int)
	for _, a := range session {
		// Repeated reads are the conversation check's concern.
		if d.readingTools[a.Tool] {
			continue
		}
		key := a.Tool + "|" + a.ArgSignature
		counts[key]++
		if counts[key] >= actionRepeatThreshold {
			sev := SeverityHigh
			if counts[key] >= actionRepeatThreshold*2 {
				sev = SeverityCritical
			}
			// Identical repeats intervene at the threshold, without
			// the escalation ladder the other kinds go through.
			return Verdict{
				Detected:      true,
				Kind:          LoopActionRepeat,
				Severity:      sev,
				Suggestion:    fmt.Sprintf("tool %s called %d times with identical arguments, try a different approach", a.Tool, counts[key]),
				MustIntervene: true,
			}, true
		}
	}
	return Verdict{}, false
}

// checkModificationLoop flags repeated file modification. Touching many
// different files in one coding session is normal development, so in
// the coding phase only repeats of the same path count.
func (d *Detector) checkModificationLoop(session []Action, phase string) (Verdict, bool) {
	perPath := make(map[string]int)
	total := 0
	for _, a := range session {
		if !d.modifyingTools[a.Tool] {
			continue
		}
		total++
		perPath[a.target()]++
	}

	for sig, n := range perPath {
		if n >= modificationThreshold {
			return Verdict{
				Detected:   true,
				Kind:       LoopModification,
				Severity:   SeverityHigh,
				Suggestion: fmt.Sprintf("the same file has been rewritten %d times (%s), step back and reassess", n, short(sig)),
			}, true
		}
	}
	if phase != "coding" && total >= modificationThreshold && len(perPath) > 0 {
		return Verdict{
			Detected:   true,
			Kind:       LoopModification,
			Severity:   SeverityMedium,
			Suggestion: fmt.Sprintf("%d file modifications in a non-coding phase, route changes through a coding task", total),
		}, true
	}
	return Verdict{}, false
}

// checkConversationLoop flags re-reading the same target without any
// modification in between.
func (d *Detector) checkConversationLoop(session []Action, _ string) (Verdict, bool) {
	streak := make(map[string]int)
	for _, a := range session {
		switch {
		case d.readingTools[a.Tool]:
			key := a.Tool + "|" + a.target()
			streak[key]++
			if streak[key] >= conversationThreshold {
				return Verdict{
					Detected:   true,
					Kind:       LoopConversation,
					Severity:   SeverityMedium,
					Suggestion: fmt.Sprintf("%s re-read the same target %d times without acting on it", a.Tool, streak[key]),
				}, true
			}
		case d.modifyingTools[a.Tool]:
			// An actual modification resets every read streak.
			streak = make(map[string]int)
		}
	}
	return Verdict{}, false
}

// checkPatternRepetition flags a repeated multi-step tail: the last k
// actions identical to the k before them, for any k in [2, 4].
func (d *Detector) checkPatternRepetition(session []Action, _ string) (Verdict, bool) {
	for k := 4; k >= 2; k-- {
		if len(session) < sequenceThreshold*k {
			continue
		}
		tail := session[len(session)-k:]
		prev := session[len(session)-2*k : len(session)-k]
		if sameSequence(tail, prev) {
			return Verdict{
				Detected:   true,
				Kind:       LoopPatternRepetition,
				Severity:   SeverityMedium,
				Suggestion: fmt.Sprintf("the last %d-step sequence repeated, vary the plan before continuing", k),
			}, true
		}
	}
	return Verdict{}, false
}

// target identifies what an action operated on.
func (a Action) target() string {
	if a.Path != "" {
		return a.Path
	}
	return a.ArgSignature
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func sameSequence(a, b []Action) bool {
	for i := range a {
		if a[i].Tool != b[i].Tool || a[i].ArgSignature != b[i].ArgSignature {
			return false
		}
	}
	return true
}
