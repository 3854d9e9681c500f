// Package ipc implements the markdown document channel between phases.
// Each document has named sections addressable by level-2 heading; updates
// are section-scoped so concurrent concerns never clobber each other.
// Strategic documents (MASTER_PLAN, ARCHITECTURE, *_OBJECTIVES) are only
// ever updated section-wise, never overwritten whole.
package ipc

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// sectionRule separates appended blocks inside one section.
const sectionRule = "---"

// Document is a parsed markdown file with addressable sections.
type Document struct {
	// FrontMatter is the raw YAML block between the leading --- fences,
	// preserved verbatim (including the fences). Empty if absent.
	FrontMatter string
	// Preamble is content before the first level-2 heading.
	Preamble string
	// Sections in file order.
	Sections []Section
}

// Section is one level-2 heading and its body.
type Section struct {
	Heading string
	Body    string
}

// Parse splits markdown content into front matter, preamble and sections.
func Parse(content string) *Document {
	doc := &Document{}
	rest := content

	// Front matter: a --- fence on the very first line.
	if strings.HasPrefix(rest, "---\n") {
		if end := strings.Index(rest[4:], "\n---"); end >= 0 {
			fmEnd := 4 + end + len("\n---")
			// Consume the trailing newline of the closing fence.
			if fmEnd < len(rest) && rest[fmEnd] == '\n' {
				fmEnd++
			}
			doc.FrontMatter = rest[:fmEnd]
			rest = rest[fmEnd:]
		}
	}

	lines := strings.Split(rest, "\n")
	var current *Section
	var buf []string

	flush := func() {
		// Canonical form: no leading or trailing blank lines in a body.
		body := strings.Trim(strings.Join(buf, "\n"), "\n")
		if current == nil {
			doc.Preamble = body
		} else {
			current.Body = body
			doc.Sections = append(doc.Sections, *current)
		}
		buf = buf[:0]
	}

	for _, line := range lines {
		if heading, ok := sectionHeading(line); ok {
			flush()
			current = &Section{Heading: heading}
			continue
		}
		buf = append(buf, line)
	}
	flush()

	return doc
}

// sectionHeading extracts the heading text from a "## " line.
func sectionHeading(line string) (string, bool) {
	if strings.HasPrefix(line, "## ") {
		return strings.TrimSpace(line[3:]), true
	}
	return "", false
}

// Meta parses the front matter YAML into a map. Returns nil when the
// document has no front matter.
func (d *Document) Meta() (map[string]interface{}, error) {
	if d.FrontMatter == "" {
		return nil, nil
	}
	inner := strings.TrimPrefix(d.FrontMatter, "---\n")
	if idx := strings.Index(inner, "\n---"); idx >= 0 {
		inner = inner[:idx]
	}
	meta := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(inner), &meta); err != nil {
		return nil, fmt.Errorf("invalid front matter: %w", err)
	}
	return meta, nil
}

// Section returns the named section, or nil.
func (d *Document) Section(heading string) *Section {
	for i := range d.Sections {
		if d.Sections[i].Heading == heading {
			return &d.Sections[i]
		}
	}
	return nil
}

// SetSection replaces the body of a section, creating it at the end of
// the document when absent. Setting identical content is a no-op.
func (d *Document) SetSection(heading, body string) bool {
	body = strings.TrimRight(body, "\n")
	if s := d.Section(heading); s != nil {
		if s.Body == body {
			return false
		}
		s.Body = body
		return true
	}
	d.Sections = append(d.Sections, Section{Heading: heading, Body: body})
	return true
}

// AppendSection appends content to a section, separated from prior
// content by a horizontal rule. Appending a block identical to the last
// one is a no-op, so repeated identical updates do not stack separators.
func (d *Document) AppendSection(heading, body string) bool {
	body = strings.TrimRight(body, "\n")
	s := d.Section(heading)
	if s == nil {
		d.Sections = append(d.Sections, Section{Heading: heading, Body: body})
		return true
	}
	if s.Body == "" {
		s.Body = body
		return true
	}
	if lastBlock(s.Body) == body {
		return false
	}
	s.Body = s.Body + "\n\n" + sectionRule + "\n\n" + body
	return true
}

// lastBlock returns the content after the final horizontal rule.
func lastBlock(body string) string {
	parts := strings.Split(body, "\n"+sectionRule+"\n")
	last := parts[len(parts)-1]
	return strings.TrimSpace(last)
}

// Render serializes the document back to markdown. Parse(Render(d)) is
// structurally identical to d.
func (d *Document) Render() string {
	var b strings.Builder
	if d.FrontMatter != "" {
		b.WriteString(d.FrontMatter)
	}
	if d.Preamble != "" {
		b.WriteString(d.Preamble)
		b.WriteString("\n")
	}
	for i, s := range d.Sections {
		if i > 0 || d.Preamble != "" || d.FrontMatter != "" {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(s.Heading)
		b.WriteString("\n")
		if s.Body != "" {
			b.WriteString("\n")
			b.WriteString(s.Body)
			b.WriteString("\n")
		}
	}
	return b.String()
}
