// Package pipeline registers the tools through which the model mutates
// pipeline state: creating tasks, reporting and clearing QA issues, and
// posting messages to other phases.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"forgeloop/internal/tools"
)

// TaskCreator accepts proposed tasks. Duplicate proposals may be
// rejected; the returned string is the assigned task id.
type TaskCreator interface {
	CreateTask(description string, files []string, priority, objectiveID string) (string, error)
}

// RefactoringCreator accepts proposed refactoring work with an effort
// estimate in minutes.
type RefactoringCreator interface {
	CreateRefactoringTask(description string, files []string, estimatedEffort int) (string, error)
}

// IssueReporter records a QA finding against a file.
type IssueReporter interface {
	ReportIssue(filepath, issueType, description string, line int) error
}

// Approver records that a file passed review.
type Approver interface {
	ApproveFile(filepath, notes string) error
}

// Messenger appends to another phase's inbox document.
type Messenger interface {
	SendMessage(targetPhase, heading, body string) error
}

// CreateTaskTool lets planning phases propose work items.
func CreateTaskTool(creator TaskCreator) *tools.Tool {
	return &tools.Tool{
		Name:        "create_task",
		Description: "Create a new task in the pipeline",
		Category:    tools.CategoryPlanning,
		Safety:      tools.Safe,
		Schema: tools.Schema{
			Required: []string{"description"},
			Properties: map[string]tools.Property{
				"description": {Type: "string", Description: "What the task should accomplish"},
				"files":       {Type: "array", Description: "Project-relative files the task will touch", Items: &tools.Items{Type: "string"}},
				"priority":    {Type: "string", Description: "Task priority", Enum: []any{"LOW", "NORMAL", "HIGH", "CRITICAL"}},
				"objective":   {Type: "string", Description: "Objective id this task serves"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			description, _ := args["description"].(string)
			if strings.TrimSpace(description) == "" {
				return "", fmt.Errorf("description is required")
			}
			priority, _ := args["priority"].(string)
			objective, _ := args["objective"].(string)
			files := stringSlice(args["files"])

			id, err := creator.CreateTask(description, files, priority, objective)
			if err != nil {
				return "", err
			}
			return "created task " + id, nil
		},
	}
}

// CreateRefactoringTaskTool lets the refactoring phase queue structural
// improvements for the coding phase.
func CreateRefactoringTaskTool(creator RefactoringCreator) *tools.Tool {
	return &tools.Tool{
		Name:        "create_refactoring_task",
		Description: "Create a refactoring task with an effort estimate",
		Category:    tools.CategoryPlanning,
		Safety:      tools.Safe,
		Schema: tools.Schema{
			Required: []string{"description", "estimated_effort"},
			Properties: map[string]tools.Property{
				"description":      {Type: "string", Description: "What should be restructured and why"},
				"files":            {Type: "array", Description: "Project-relative files involved", Items: &tools.Items{Type: "string"}},
				"estimated_effort": {Type: "integer", Description: "Estimated effort in minutes"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			description, _ := args["description"].(string)
			if strings.TrimSpace(description) == "" {
				return "", fmt.Errorf("description is required")
			}
			effort := 0
			if n, ok := args["estimated_effort"].(float64); ok {
				effort = int(n)
			}
			id, err := creator.CreateRefactoringTask(description, stringSlice(args["files"]), effort)
			if err != nil {
				return "", err
			}
			return "created refactoring task " + id, nil
		},
	}
}

// ReportIssueTool records a QA finding.
func ReportIssueTool(reporter IssueReporter) *tools.Tool {
	return &tools.Tool{
		Name:        "report_issue",
		Description: "Report a problem found in a file during review",
		Category:    tools.CategoryQA,
		Safety:      tools.Safe,
		Schema: tools.Schema{
			Required: []string{"filepath", "issue_type", "description"},
			Properties: map[string]tools.Property{
				"filepath":    {Type: "string", Description: "The file the issue is in"},
				"issue_type":  {Type: "string", Description: "Kind of issue", Enum: []any{"syntax", "logic", "style", "security", "performance"}},
				"description": {Type: "string", Description: "What is wrong"},
				"line_number": {Type: "integer", Description: "Line the issue is on (optional)"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			fp, _ := args["filepath"].(string)
			issueType, _ := args["issue_type"].(string)
			description, _ := args["description"].(string)
			line := 0
			if n, ok := args["line_number"].(float64); ok {
				line = int(n)
			}
			if err := reporter.ReportIssue(fp, issueType, description, line); err != nil {
				return "", err
			}
			return fmt.Sprintf("recorded %s issue against %s", issueType, fp), nil
		},
	}
}

// ApproveCodeTool clears a file through review.
func ApproveCodeTool(approver Approver) *tools.Tool {
	return &tools.Tool{
		Name:        "approve_code",
		Description: "Mark a reviewed file as acceptable with no issues",
		Category:    tools.CategoryQA,
		Safety:      tools.Safe,
		Schema: tools.Schema{
			Required: []string{"filepath"},
			Properties: map[string]tools.Property{
				"filepath": {Type: "string", Description: "The reviewed file"},
				"notes":    {Type: "string", Description: "Review notes (optional)"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			fp, _ := args["filepath"].(string)
			notes, _ := args["notes"].(string)
			if err := approver.ApproveFile(fp, notes); err != nil {
				return "", err
			}
			return "approved " + fp, nil
		},
	}
}

// SendMessageTool posts to another phase's inbox.
func SendMessageTool(m Messenger) *tools.Tool {
	return &tools.Tool{
		Name:        "send_message",
		Description: "Append a message to another phase's inbox document",
		Category:    tools.CategoryIPC,
		Safety:      tools.Safe,
		Schema: tools.Schema{
			Required: []string{"phase", "body"},
			Properties: map[string]tools.Property{
				"phase":   {Type: "string", Description: "Target phase name"},
				"heading": {Type: "string", Description: "Inbox section to append to (default: Directives)"},
				"body":    {Type: "string", Description: "Message content"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			phase, _ := args["phase"].(string)
			heading, _ := args["heading"].(string)
			if heading == "" {
				heading = "Directives"
			}
			body, _ := args["body"].(string)
			if err := m.SendMessage(phase, heading, body); err != nil {
				return "", err
			}
			return fmt.Sprintf("message delivered to %s inbox", phase), nil
		},
	}
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
