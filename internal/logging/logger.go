// Package logging provides categorized file-based logging for forgeloop.
// Logs are written to <project>/state/logs/ with separate files per category.
// Logging is driven by the [logging] section of forge.ini; when debug_mode
// is false no files are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup, project scaffolding
	CategoryCoordinator  Category = "coordinator"  // Control loop, phase selection
	CategoryPhase        Category = "phase"        // Phase execution
	CategoryTools        Category = "tools"        // Tool dispatch and execution
	CategoryState        Category = "state"        // StateStore load/save/writer
	CategoryPatterns     Category = "patterns"     // PatternStore events
	CategoryLoop         Category = "loop"         // Loop detection verdicts
	CategoryLLM          Category = "llm"          // LLM transport and parsing
	CategoryConversation Category = "conversation" // Thread pruning, persistence
	CategoryIPC          Category = "ipc"          // IPC document updates
	CategoryExec         Category = "exec"         // Process execution
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options controls logger behavior. It mirrors config.LoggingConfig to
// avoid a circular import with the config package.
type Options struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// StructuredLogEntry is the JSON line format used when json_format is set.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`  // Unix milliseconds
	Category  string                 `json:"cat"` // Log category
	Level     string                 `json:"lvl"` // debug/info/warn/error
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	logLevel  int
)

// Initialize sets up the logging directory. Call once at startup with the
// project directory and the options resolved from configuration.
func Initialize(projectDir string, o Options) error {
	if projectDir == "" {
		return fmt.Errorf("project directory required")
	}

	optsMu.Lock()
	opts = o
	switch o.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	optsMu.Unlock()

	logsDir = filepath.Join(projectDir, "state", "logs")

	if !o.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== forgeloop logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", o.Level)
	return nil
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true // All enabled by default in debug mode
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string, fields map[string]interface{}) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if l.logger == nil || logLevel > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	optsMu.RLock()
	jsonFmt := opts.JSONFormat
	optsMu.RUnlock()
	if jsonFmt {
		l.logJSON(tag, msg, nil)
	} else {
		l.logger.Printf("[%s] %s", tag, msg)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error message (always written if the file is open).
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// StructuredLog writes a fully structured entry with custom fields.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	optsMu.RLock()
	jsonFmt := opts.JSONFormat
	optsMu.RUnlock()
	if jsonFmt {
		l.logJSON(level, msg, fields)
		return
	}
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first.
// These are no-ops if the category is disabled.
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs debug to the boot category.
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

// BootError logs error to the boot category.
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

// Coordinator logs to the coordinator category.
func Coordinator(format string, args ...interface{}) { Get(CategoryCoordinator).Info(format, args...) }

// CoordinatorDebug logs debug to the coordinator category.
func CoordinatorDebug(format string, args ...interface{}) {
	Get(CategoryCoordinator).Debug(format, args...)
}

// CoordinatorWarn logs warning to the coordinator category.
func CoordinatorWarn(format string, args ...interface{}) {
	Get(CategoryCoordinator).Warn(format, args...)
}

// CoordinatorError logs error to the coordinator category.
func CoordinatorError(format string, args ...interface{}) {
	Get(CategoryCoordinator).Error(format, args...)
}

// Phase logs to the phase category.
func Phase(format string, args ...interface{}) { Get(CategoryPhase).Info(format, args...) }

// PhaseDebug logs debug to the phase category.
func PhaseDebug(format string, args ...interface{}) { Get(CategoryPhase).Debug(format, args...) }

// PhaseWarn logs warning to the phase category.
func PhaseWarn(format string, args ...interface{}) { Get(CategoryPhase).Warn(format, args...) }

// PhaseError logs error to the phase category.
func PhaseError(format string, args ...interface{}) { Get(CategoryPhase).Error(format, args...) }

// Tools logs to the tools category.
func Tools(format string, args ...interface{}) { Get(CategoryTools).Info(format, args...) }

// ToolsDebug logs debug to the tools category.
func ToolsDebug(format string, args ...interface{}) { Get(CategoryTools).Debug(format, args...) }

// ToolsWarn logs warning to the tools category.
func ToolsWarn(format string, args ...interface{}) { Get(CategoryTools).Warn(format, args...) }

// ToolsError logs error to the tools category.
func ToolsError(format string, args ...interface{}) { Get(CategoryTools).Error(format, args...) }

// State logs to the state category.
func State(format string, args ...interface{}) { Get(CategoryState).Info(format, args...) }

// StateDebug logs debug to the state category.
func StateDebug(format string, args ...interface{}) { Get(CategoryState).Debug(format, args...) }

// StateWarn logs warning to the state category.
func StateWarn(format string, args ...interface{}) { Get(CategoryState).Warn(format, args...) }

// StateError logs error to the state category.
func StateError(format string, args ...interface{}) { Get(CategoryState).Error(format, args...) }

// Patterns logs to the patterns category.
func Patterns(format string, args ...interface{}) { Get(CategoryPatterns).Info(format, args...) }

// PatternsDebug logs debug to the patterns category.
func PatternsDebug(format string, args ...interface{}) { Get(CategoryPatterns).Debug(format, args...) }

// PatternsWarn logs warning to the patterns category.
func PatternsWarn(format string, args ...interface{}) { Get(CategoryPatterns).Warn(format, args...) }

// Loop logs to the loop category.
func Loop(format string, args ...interface{}) { Get(CategoryLoop).Info(format, args...) }

// LoopDebug logs debug to the loop category.
func LoopDebug(format string, args ...interface{}) { Get(CategoryLoop).Debug(format, args...) }

// LoopWarn logs warning to the loop category.
func LoopWarn(format string, args ...interface{}) { Get(CategoryLoop).Warn(format, args...) }

// LLM logs to the llm category.
func LLM(format string, args ...interface{}) { Get(CategoryLLM).Info(format, args...) }

// LLMDebug logs debug to the llm category.
func LLMDebug(format string, args ...interface{}) { Get(CategoryLLM).Debug(format, args...) }

// LLMWarn logs warning to the llm category.
func LLMWarn(format string, args ...interface{}) { Get(CategoryLLM).Warn(format, args...) }

// LLMError logs error to the llm category.
func LLMError(format string, args ...interface{}) { Get(CategoryLLM).Error(format, args...) }

// Conversation logs to the conversation category.
func Conversation(format string, args ...interface{}) {
	Get(CategoryConversation).Info(format, args...)
}

// ConversationDebug logs debug to the conversation category.
func ConversationDebug(format string, args ...interface{}) {
	Get(CategoryConversation).Debug(format, args...)
}

// ConversationWarn logs warning to the conversation category.
func ConversationWarn(format string, args ...interface{}) {
	Get(CategoryConversation).Warn(format, args...)
}

// IPC logs to the ipc category.
func IPC(format string, args ...interface{}) { Get(CategoryIPC).Info(format, args...) }

// IPCDebug logs debug to the ipc category.
func IPCDebug(format string, args ...interface{}) { Get(CategoryIPC).Debug(format, args...) }

// Exec logs to the exec category.
func Exec(format string, args ...interface{}) { Get(CategoryExec).Info(format, args...) }

// ExecDebug logs debug to the exec category.
func ExecDebug(format string, args ...interface{}) { Get(CategoryExec).Debug(format, args...) }

// ExecWarn logs warning to the exec category.
func ExecWarn(format string, args ...interface{}) { Get(CategoryExec).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
