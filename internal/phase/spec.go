// Package phase defines the declarative phase records and the substrate
// that executes them: gather context, call the model, dispatch tool
// calls, watch for loops, and apply result handlers. Phases differ only
// in their Spec; the execution path is shared.
package phase

import (
	"forgeloop/internal/state"
	"forgeloop/internal/tools"
)

// Context source identifiers consumed by the gatherer.
const (
	SourceMasterPlan   = "master_plan"
	SourceArchitecture = "architecture"
	SourceObjectives   = "objectives"
	SourceInbox        = "inbox" // the phase's READ channel document
	SourceTasks        = "tasks"
	SourceFiles        = "files"
	SourceErrors       = "errors" // accumulated task errors
	SourcePatterns     = "patterns"
)

// Result handler identifiers run after the model turn.
const (
	HandlerAdvanceTasks = "advance_tasks"
	HandlerQAReview     = "qa_review"
	HandlerWriteReport  = "write_report"
)

// Spec declares one phase. The substrate interprets it; phases carry no
// code of their own beyond coercion rules keyed off the name.
type Spec struct {
	Name           string
	ContextSources []string
	// TaskFilter narrows the tasks source; empty means all live tasks.
	TaskFilter []state.TaskStatus
	// FileFilter narrows the files source; empty means skip file listing.
	FileFilter     []state.FileStatus
	PromptTemplate string
	ToolCategories []tools.Category
	ResultHandlers []string
	// LearningCategories tag the pattern events this phase emits.
	LearningCategories []string
	// ModelRole keys the model_assignments lookup; "default" is the
	// router's fallback for any unmapped role.
	ModelRole string
	// MaxIterationsWithoutProgress overrides the global stagnation
	// threshold when positive.
	MaxIterationsWithoutProgress int
}

// Names returns the closed set of phase names in definition order.
func Names() []string {
	out := make([]string, 0, len(order))
	out = append(out, order...)
	return out
}

var order = []string{
	"planning", "coding", "qa", "debugging", "investigation",
	"refactoring", "documentation", "project_planning",
	"prompt_design", "prompt_improvement", "role_design",
	"role_improvement", "tool_design", "tool_evaluation",
}

// Specs returns the full phase table keyed by name.
func Specs() map[string]Spec {
	specs := map[string]Spec{
		"planning": {
			ContextSources: []string{SourceMasterPlan, SourceObjectives, SourceInbox, SourceTasks},
			TaskFilter:     []state.TaskStatus{state.TaskNew, state.TaskInProgress, state.TaskQAPending, state.TaskNeedsFixes},
			PromptTemplate: "planning",
			ToolCategories: []tools.Category{tools.CategoryPlanning, tools.CategoryAnalysis, tools.CategoryIPC},
			ResultHandlers: []string{HandlerWriteReport},
			ModelRole:      "planning",
		},
		"coding": {
			ContextSources: []string{SourceArchitecture, SourceInbox, SourceTasks, SourceErrors},
			TaskFilter:     []state.TaskStatus{state.TaskNew, state.TaskInProgress},
			PromptTemplate: "coding",
			ToolCategories: []tools.Category{tools.CategoryCoding, tools.CategoryAnalysis, tools.CategoryShell},
			ResultHandlers: []string{HandlerAdvanceTasks, HandlerWriteReport},
			ModelRole:      "coding",
		},
		"qa": {
			ContextSources: []string{SourceInbox, SourceTasks, SourceFiles},
			TaskFilter:     []state.TaskStatus{state.TaskQAPending},
			FileFilter:     []state.FileStatus{state.FileCreated, state.FileModified},
			PromptTemplate: "qa",
			ToolCategories: []tools.Category{tools.CategoryQA, tools.CategoryAnalysis},
			ResultHandlers: []string{HandlerQAReview, HandlerWriteReport},
			ModelRole:      "qa",
		},
		"debugging": {
			ContextSources: []string{SourceInbox, SourceTasks, SourceErrors, SourcePatterns},
			TaskFilter:     []state.TaskStatus{state.TaskNeedsFixes, state.TaskQAFailed},
			PromptTemplate: "debugging",
			ToolCategories: []tools.Category{tools.CategoryCoding, tools.CategoryAnalysis, tools.CategoryShell},
			ResultHandlers: []string{HandlerAdvanceTasks, HandlerWriteReport},
			ModelRole:      "debugging",
		},
		"investigation": {
			ContextSources: []string{SourceArchitecture, SourceInbox, SourceFiles},
			FileFilter:     []state.FileStatus{state.FileBroken, state.FileModified},
			PromptTemplate: "investigation",
			ToolCategories: []tools.Category{tools.CategoryAnalysis, tools.CategoryIPC},
			ResultHandlers: []string{HandlerWriteReport},
			ModelRole:      "investigation",
		},
		"refactoring": {
			ContextSources: []string{SourceArchitecture, SourceInbox, SourceFiles, SourcePatterns},
			FileFilter:     []state.FileStatus{state.FileVerified, state.FileModified},
			PromptTemplate: "refactoring",
			ToolCategories: []tools.Category{tools.CategoryPlanning, tools.CategoryAnalysis},
			ResultHandlers: []string{HandlerWriteReport},
			ModelRole:      "refactoring",
		},
		"documentation": {
			ContextSources: []string{SourceMasterPlan, SourceArchitecture, SourceObjectives, SourceFiles},
			FileFilter:     []state.FileStatus{state.FileVerified},
			PromptTemplate: "documentation",
			ToolCategories: []tools.Category{tools.CategoryCoding, tools.CategoryAnalysis},
			ResultHandlers: []string{HandlerWriteReport},
			ModelRole:      "documentation",
		},
		"project_planning": {
			ContextSources: []string{SourceMasterPlan, SourceObjectives, SourceInbox, SourceTasks},
			PromptTemplate: "project_planning",
			ToolCategories: []tools.Category{tools.CategoryPlanning, tools.CategoryIPC},
			ResultHandlers: []string{HandlerWriteReport},
			ModelRole:      "planning",
		},
	}

	// The meta phases share a shape: analyze the pipeline's own prompts,
	// roles, and tools, and report through IPC.
	for _, name := range []string{
		"prompt_design", "prompt_improvement", "role_design",
		"role_improvement", "tool_design", "tool_evaluation",
	} {
		specs[name] = Spec{
			ContextSources: []string{SourceInbox, SourcePatterns},
			PromptTemplate: name,
			ToolCategories: []tools.Category{tools.CategoryAnalysis, tools.CategoryIPC, tools.CategoryGeneral},
			ResultHandlers: []string{HandlerWriteReport},
			ModelRole:      "meta",
		}
	}

	for name, spec := range specs {
		spec.Name = name
		if spec.LearningCategories == nil {
			spec.LearningCategories = []string{name}
		}
		specs[name] = spec
	}
	return specs
}
