package ipc

import (
	"fmt"
	"strconv"
	"strings"

	"forgeloop/internal/state"
)

// Objective file layout, one objective per level-2 heading:
//
//	## <id> — <title>
//	status: ACTIVE
//	priority: HIGH
//	dependencies: other_001, other_002
//
//	### Description
//	### Success Criteria   (checkbox items)
//	### Dimensional Profile
//	### Tasks              (task ids, insertion order)

const objectiveTitleSep = " — "

var profileDims = []string{"temporal", "functional", "data", "state", "error", "context", "integration"}

// RenderObjectives serializes objective records for one level to markdown.
func RenderObjectives(level string, records []state.ObjectiveRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s Objectives\n", titleCase(level))
	for _, o := range records {
		b.WriteString("\n## ")
		b.WriteString(o.ID)
		b.WriteString(objectiveTitleSep)
		b.WriteString(o.Title)
		b.WriteString("\n")
		fmt.Fprintf(&b, "status: %s\n", o.Status)
		fmt.Fprintf(&b, "priority: %s\n", o.Priority)
		if len(o.Dependencies) > 0 {
			fmt.Fprintf(&b, "dependencies: %s\n", strings.Join(o.Dependencies, ", "))
		}

		b.WriteString("\n### Description\n")
		if o.Description != "" {
			b.WriteString(o.Description)
			b.WriteString("\n")
		}

		b.WriteString("\n### Success Criteria\n")
		for _, c := range o.SuccessCriteria {
			mark := " "
			if c.Done {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, c.Text)
		}

		b.WriteString("\n### Dimensional Profile\n")
		for i, v := range profileValues(o.Profile) {
			fmt.Fprintf(&b, "%s: %s\n", profileDims[i], formatFloat(v))
		}

		b.WriteString("\n### Tasks\n")
		for _, id := range o.Tasks {
			fmt.Fprintf(&b, "- %s\n", id)
		}
	}
	return b.String()
}

// ParseObjectives reads objective records back from markdown. Unknown
// lines inside a section are ignored rather than rejected, so a model
// adding commentary does not break the pipeline.
func ParseObjectives(content string) ([]state.ObjectiveRecord, error) {
	var records []state.ObjectiveRecord
	var cur *state.ObjectiveRecord
	section := ""
	var descLines []string

	finish := func() {
		if cur == nil {
			return
		}
		cur.Description = strings.Trim(strings.Join(descLines, "\n"), "\n")
		cur.Profile.Clamp()
		records = append(records, *cur)
		cur = nil
		descLines = nil
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(line, "## ") && !strings.HasPrefix(line, "###") {
			finish()
			id, title, err := splitObjectiveHeading(strings.TrimSpace(line[3:]))
			if err != nil {
				return nil, err
			}
			cur = &state.ObjectiveRecord{ID: id, Title: title, Status: state.ObjectivePending}
			section = ""
			continue
		}
		if cur == nil {
			continue
		}
		if strings.HasPrefix(line, "### ") {
			section = strings.TrimSpace(line[4:])
			continue
		}

		switch section {
		case "":
			if key, val, ok := metaLine(trimmed); ok {
				switch key {
				case "status":
					cur.Status = state.ObjectiveStatus(val)
				case "priority":
					cur.Priority = state.TaskPriority(val)
				case "dependencies":
					cur.Dependencies = splitCSV(val)
				}
			}
		case "Description":
			descLines = append(descLines, line)
		case "Success Criteria":
			if text, done, ok := checkboxLine(trimmed); ok {
				cur.SuccessCriteria = append(cur.SuccessCriteria, state.Criterion{Text: text, Done: done})
			}
		case "Dimensional Profile":
			if key, val, ok := metaLine(trimmed); ok {
				if f, err := strconv.ParseFloat(val, 64); err == nil {
					setProfileDim(&cur.Profile, key, f)
				}
			}
		case "Tasks":
			if strings.HasPrefix(trimmed, "- ") {
				cur.Tasks = append(cur.Tasks, strings.TrimSpace(trimmed[2:]))
			}
		}
	}
	finish()
	return records, nil
}

func splitObjectiveHeading(heading string) (id, title string, err error) {
	idx := strings.Index(heading, objectiveTitleSep)
	if idx < 0 {
		// Tolerate a plain hyphen from hand-edited files.
		idx = strings.Index(heading, " - ")
		if idx < 0 {
			return "", "", fmt.Errorf("objective heading %q has no id separator", heading)
		}
		return strings.TrimSpace(heading[:idx]), strings.TrimSpace(heading[idx+3:]), nil
	}
	return strings.TrimSpace(heading[:idx]), strings.TrimSpace(heading[idx+len(objectiveTitleSep):]), nil
}

func metaLine(line string) (key, val string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	if strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return key, strings.TrimSpace(line[idx+1:]), true
}

func checkboxLine(line string) (text string, done bool, ok bool) {
	switch {
	case strings.HasPrefix(line, "- [ ] "):
		return strings.TrimSpace(line[6:]), false, true
	case strings.HasPrefix(line, "- [x] "), strings.HasPrefix(line, "- [X] "):
		return strings.TrimSpace(line[6:]), true, true
	}
	return "", false, false
}

func profileValues(p state.DimensionalProfile) []float64 {
	return []float64{p.Temporal, p.Functional, p.Data, p.State, p.Error, p.Context, p.Integration}
}

func setProfileDim(p *state.DimensionalProfile, key string, v float64) {
	switch key {
	case "temporal":
		p.Temporal = v
	case "functional":
		p.Functional = v
	case "data":
		p.Data = v
	case "state":
		p.State = v
	case "error":
		p.Error = v
	case "context":
		p.Context = v
	case "integration":
		p.Integration = v
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
