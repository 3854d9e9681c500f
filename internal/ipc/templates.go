package ipc

import (
	"fmt"
	"strings"
	"time"
)

// MasterPlanTemplate is the initial MASTER_PLAN.md for a fresh project.
func MasterPlanTemplate(projectName string, now time.Time) string {
	return fmt.Sprintf(`---
project: %s
created: %s
---

# Master Plan

## Vision

Describe the overall goal of the project here. The planning phase reads
this section to derive objectives and tasks.

## Current Focus

## Completed Milestones

## Notes
`, projectName, now.UTC().Format(time.RFC3339))
}

// ArchitectureTemplate is the initial ARCHITECTURE.md for a fresh project.
func ArchitectureTemplate(projectName string, now time.Time) string {
	return fmt.Sprintf(`---
project: %s
created: %s
---

# Architecture

## Overview

## Components

## Decisions

## Constraints
`, projectName, now.UTC().Format(time.RFC3339))
}

// ObjectivesTemplate is the initial content of a *_OBJECTIVES.md file.
func ObjectivesTemplate(level string) string {
	return fmt.Sprintf("# %s Objectives\n", titleCase(level))
}

// PhaseDocTemplate builds an empty phase channel document with the
// standard sections each direction uses.
func PhaseDocTemplate(phase string, kind DocKind) *Document {
	doc := &Document{
		Preamble: fmt.Sprintf("# %s %s", titleCase(phase), channelTitle(kind)),
	}
	switch kind {
	case DocRead:
		doc.Sections = []Section{
			{Heading: "Directives"},
			{Heading: "Context"},
		}
	case DocWrite:
		doc.Sections = []Section{
			{Heading: "Findings"},
			{Heading: "Requests"},
		}
	}
	return doc
}

func channelTitle(kind DocKind) string {
	if kind == DocRead {
		return "Inbox"
	}
	return "Outbox"
}

// StrategicFiles lists every strategic document filename for a project,
// including one objectives file per level.
func StrategicFiles(levels []string) []string {
	files := []string{MasterPlanFile, ArchitectureFile}
	for _, l := range levels {
		files = append(files, ObjectiveFile(l))
	}
	return files
}

// ParseLevelFromFilename recovers the objective level from a strategic
// filename like PRIMARY_OBJECTIVES.md.
func ParseLevelFromFilename(name string) (string, bool) {
	if !strings.HasSuffix(name, "_OBJECTIVES.md") {
		return "", false
	}
	return strings.ToLower(strings.TrimSuffix(name, "_OBJECTIVES.md")), true
}
