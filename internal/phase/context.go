package phase

import (
	"fmt"
	"sort"
	"strings"

	"forgeloop/internal/ipc"
	"forgeloop/internal/logging"
	"forgeloop/internal/pattern"
	"forgeloop/internal/state"
)

const truncationMark = "(truncated)"

// Gatherer assembles the bounded context block for one phase invocation.
// Sources are rendered in spec order and trimmed at section granularity
// to fit the token budget.
type Gatherer struct {
	ipc      *ipc.Manager
	patterns *pattern.Store
}

// NewGatherer creates a gatherer over the project's IPC documents and
// pattern store.
func NewGatherer(m *ipc.Manager, ps *pattern.Store) *Gatherer {
	return &Gatherer{ipc: m, patterns: ps}
}

// Gather renders every context source of the spec against a state
// snapshot, bounded to tokenBudget (chars/4 estimate).
func (g *Gatherer) Gather(spec Spec, snap *state.PipelineState, tokenBudget int) string {
	if tokenBudget <= 0 {
		tokenBudget = 8192
	}
	budget := tokenBudget * 4

	var blocks []string
	for _, source := range spec.ContextSources {
		block := g.renderSource(source, spec, snap)
		if strings.TrimSpace(block) == "" {
			continue
		}
		blocks = append(blocks, block)
	}

	out := strings.Join(blocks, "\n\n")
	if len(out) > budget {
		out = truncateAtSection(out, budget)
		logging.PhaseDebug("context for %s truncated to %d chars", spec.Name, len(out))
	}
	return out
}

func (g *Gatherer) renderSource(source string, spec Spec, snap *state.PipelineState) string {
	switch source {
	case SourceMasterPlan:
		return g.renderStrategic(ipc.MasterPlanFile, "MASTER PLAN")
	case SourceArchitecture:
		return g.renderStrategic(ipc.ArchitectureFile, "ARCHITECTURE")
	case SourceObjectives:
		return renderObjectiveSummary(snap)
	case SourceInbox:
		return g.renderInbox(spec.Name)
	case SourceTasks:
		return renderTasks(snap, spec.TaskFilter, false)
	case SourceErrors:
		return renderTasks(snap, spec.TaskFilter, true)
	case SourceFiles:
		return renderFiles(snap, spec.FileFilter)
	case SourcePatterns:
		return g.renderRecommendations(spec.Name)
	}
	logging.PhaseWarn("unknown context source %q in phase %s", source, spec.Name)
	return ""
}

func (g *Gatherer) renderStrategic(filename, title string) string {
	doc, err := g.ipc.ReadStrategic(filename)
	if err != nil {
		logging.PhaseWarn("failed to read %s: %v", filename, err)
		return ""
	}
	if len(doc.Sections) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", title)
	for _, s := range doc.Sections {
		if strings.TrimSpace(s.Body) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", s.Heading, s.Body)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (g *Gatherer) renderInbox(phaseName string) string {
	doc, err := g.ipc.ReadPhaseDoc(phaseName, ipc.DocRead)
	if err != nil {
		logging.PhaseWarn("failed to read inbox for %s: %v", phaseName, err)
		return ""
	}
	var b strings.Builder
	for _, s := range doc.Sections {
		if strings.TrimSpace(s.Body) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", s.Heading, s.Body)
	}
	if b.Len() == 0 {
		return ""
	}
	return "# INBOX" + strings.TrimRight(b.String(), "\n")
}

func (g *Gatherer) renderRecommendations(phaseName string) string {
	if g.patterns == nil {
		return ""
	}
	recs, err := g.patterns.RecommendationsFor(phaseName)
	if err != nil || len(recs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# LEARNED PATTERNS\n")
	for _, r := range recs {
		fmt.Fprintf(&b, "- [%s, confidence %.2f] %s\n", r.Kind, r.Confidence, r.Suggestion)
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderTasks lists tasks matching the filter. When withErrors is set
// the accumulated error history rides along in full; reactivated tasks
// must always see their prior failures.
func renderTasks(snap *state.PipelineState, filter []state.TaskStatus, withErrors bool) string {
	var tasks []*state.TaskState
	if len(filter) == 0 {
		for _, t := range snap.Tasks {
			if !t.Status.IsTerminal() {
				tasks = append(tasks, t)
			}
		}
	} else {
		tasks = snap.TasksByStatus(filter...)
	}
	if len(tasks) == 0 {
		return ""
	}
	sortTasks(tasks)

	var b strings.Builder
	b.WriteString("# TASKS\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n## %s [%s, %s]\n%s\n", t.ID, t.Status, t.Priority, t.Description)
		if len(t.Files) > 0 {
			fmt.Fprintf(&b, "files: %s\n", strings.Join(t.Files, ", "))
		}
		if t.Attempts > 0 {
			fmt.Fprintf(&b, "attempts: %d\n", t.Attempts)
		}
		if withErrors && len(t.Errors) > 0 {
			b.WriteString("error history:\n")
			for _, e := range t.Errors {
				loc := e.File
				if e.Line > 0 {
					loc = fmt.Sprintf("%s:%d", e.File, e.Line)
				}
				fmt.Fprintf(&b, "- [%s/%s] %s (%s)\n", e.Phase, e.Kind, e.Message, loc)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderFiles(snap *state.PipelineState, filter []state.FileStatus) string {
	if len(filter) == 0 {
		return ""
	}
	want := make(map[state.FileStatus]bool, len(filter))
	for _, s := range filter {
		want[s] = true
	}
	var lines []string
	for _, f := range snap.Files {
		if want[f.Status] {
			lines = append(lines, fmt.Sprintf("- %s [%s]", f.Path, f.Status))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	sort.Strings(lines)
	return "# FILES\n" + strings.Join(lines, "\n")
}

func renderObjectiveSummary(snap *state.PipelineState) string {
	var b strings.Builder
	any := false
	for _, level := range state.Levels() {
		records := snap.Objectives.Level(level)
		if len(records) == 0 {
			continue
		}
		if !any {
			b.WriteString("# OBJECTIVES\n")
			any = true
		}
		fmt.Fprintf(&b, "\n## %s\n", level)
		for _, o := range records {
			fmt.Fprintf(&b, "- %s [%s] %s", o.ID, o.Status, o.Title)
			done, total := criteriaProgress(o)
			if total > 0 {
				fmt.Fprintf(&b, " (%d/%d criteria)", done, total)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func criteriaProgress(o state.ObjectiveRecord) (done, total int) {
	for _, c := range o.SuccessCriteria {
		total++
		if c.Done {
			done++
		}
	}
	return done, total
}

// truncateAtSection cuts the rendered context at the last markdown
// heading boundary that fits, so a partial sentence never reaches the
// model.
func truncateAtSection(s string, budget int) string {
	mark := "\n" + truncationMark
	limit := budget - len(mark)
	if limit <= 0 {
		return truncationMark
	}
	cut := s[:limit]
	if idx := strings.LastIndex(cut, "\n## "); idx > 0 {
		cut = cut[:idx]
	} else if idx := strings.LastIndex(cut, "\n"); idx > 0 {
		cut = cut[:idx]
	}
	return cut + mark
}

func sortTasks(tasks []*state.TaskState) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority.Rank() != tasks[j].Priority.Rank() {
			return tasks[i].Priority.Rank() > tasks[j].Priority.Rank()
		}
		return tasks[i].ID < tasks[j].ID
	})
}
