// Command forge drives an autonomous development pipeline against a
// project directory. It selects a phase, hands the phase context to a
// configured model, dispatches the tool calls that come back, and
// repeats until the work is done or the pipeline goes quiet.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forgeloop/internal/config"
	"forgeloop/internal/conversation"
	"forgeloop/internal/coordinator"
	"forgeloop/internal/ipc"
	"forgeloop/internal/llm"
	"forgeloop/internal/logging"
	"forgeloop/internal/pattern"
	"forgeloop/internal/phase"
	"forgeloop/internal/state"
	"forgeloop/internal/tools"
	"forgeloop/internal/tools/core"
	"forgeloop/internal/tools/pipeline"
	"forgeloop/internal/tools/shell"
)

const (
	exitUsage       = 2
	exitInterrupted = 130
	exitKilled      = 137
)

var (
	verbose       bool
	projectDir    string
	maxIterations int

	logger *zap.Logger
)

// exitCodeError carries a specific process exit code up to main.
type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string { return e.err.Error() }
func (e exitCodeError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Autonomous development pipeline",
	Long: `Forge runs an autonomous development pipeline over a project directory.

It coordinates planning, coding, QA, debugging, and documentation phases,
each backed by a configured model endpoint, with all shared state kept in
the project's state directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run [directory]",
	Short: "Run the pipeline until it terminates",
	Long: `Run executes coordinator iterations until the pipeline completes its
objectives, goes quiescent, or is interrupted. The first interrupt lets
the current phase finish; a second interrupt kills the process.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runForge,
}

var stepCmd = &cobra.Command{
	Use:   "step [directory]",
	Short: "Execute a single pipeline iteration",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStep,
}

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Scaffold a project for the pipeline",
	Long: `Init creates the configuration file, strategic documents, phase
channel documents, and state directory inside the target directory.
Existing files are left untouched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

var statusCmd = &cobra.Command{
	Use:   "status [directory]",
	Short: "Show pipeline state for a project",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

// targetDir resolves the project directory from the positional argument
// or the --project flag.
func targetDir(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return projectDir
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", ".", "project directory")

	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "stop after N iterations (0 = unbounded)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var coded exitCodeError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(1)
	}
}

// app bundles the wired pipeline infrastructure for one project.
type app struct {
	projectDir string
	cfg        *config.Config
	store      *state.Store
	patterns   *pattern.Store
	ipc        *ipc.Manager
	supervisor *shell.Supervisor
	runner     *phase.Runner
	coord      *coordinator.Coordinator
	watcher    *state.Watcher
}

// openApp loads configuration and wires stores, router, tools, runner,
// and coordinator for the given project directory.
func openApp(dir string, maxIter int) (*app, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	cfgPath := config.ProjectFile(abs)
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		return nil, exitCodeError{exitUsage, coordinator.ErrNotRunnable}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, exitCodeError{exitUsage, err}
	}

	if err := logging.Initialize(abs, logging.Options{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	stateDir := filepath.Join(abs, cfg.Paths.StateDir)
	store, err := state.Open(stateDir, cfg.Database.BackupRetention)
	if err != nil {
		logging.CloseAll()
		return nil, fmt.Errorf("failed to open pipeline state: %w", err)
	}

	patterns, err := pattern.OpenStore(filepath.Join(stateDir, cfg.Database.PatternsPath))
	if err != nil {
		store.Close()
		logging.CloseAll()
		return nil, fmt.Errorf("failed to open pattern store: %w", err)
	}

	manager := ipc.NewManager(abs, cfg.Paths.IPCDir)
	if err := loadObjectives(manager, store); err != nil {
		patterns.Close()
		store.Close()
		logging.CloseAll()
		return nil, fmt.Errorf("failed to load objectives: %w", err)
	}

	discoverer := llm.NewDiscoverer(cfg.Server.DiscoveryTTL, cfg.Server.RequestTimeout)
	router := llm.NewRouter(cfg.Server.Endpoints, routerAssignments(cfg), discoverer)
	client := llm.NewHTTPClient(cfg.Server.APIKey, cfg.Server.RequestTimeout)

	supervisor := shell.NewSupervisor()
	supervisor.SetAllowedCommands(cfg.Security.AllowedCommands)

	registry := tools.NewRegistry()
	core.RegisterAll(registry, abs)
	registry.MustRegister(shell.RunCommandTool(abs, supervisor))

	runner := phase.NewRunner(phase.RunnerConfig{
		ProjectDir:    abs,
		Store:         store,
		IPC:           manager,
		Registry:      registry,
		Router:        router,
		Client:        client,
		Patterns:      patterns,
		ContextTokens: cfg.Limits.ContextTokens,
		Policy:        policyFrom(cfg),
		ToolDeadline:  cfg.Limits.ToolDeadline,
	})

	bridge := runner.Bridge()
	registry.MustRegister(pipeline.CreateTaskTool(bridge))
	registry.MustRegister(pipeline.CreateRefactoringTaskTool(bridge))
	registry.MustRegister(pipeline.ReportIssueTool(bridge))
	registry.MustRegister(pipeline.ApproveCodeTool(bridge))
	registry.MustRegister(pipeline.SendMessageTool(bridge))

	for _, denied := range cfg.Security.DeniedTools {
		for _, phaseName := range phase.Names() {
			registry.Disable(phaseName, denied)
		}
	}

	coord := coordinator.New(store, runner, patterns, coordinator.Config{
		StagnationThreshold: cfg.Limits.StagnationThreshold,
		QuiescentIterations: cfg.Limits.QuiescentIterations,
		MaxIterations:       maxIter,
	})

	return &app{
		projectDir: abs,
		cfg:        cfg,
		store:      store,
		patterns:   patterns,
		ipc:        manager,
		supervisor: supervisor,
		runner:     runner,
		coord:      coord,
	}, nil
}

// close flushes objectives back to their markdown files and releases
// every resource, logging rather than failing on the way down.
func (a *app) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if err := saveObjectives(a.ipc, a.store); err != nil {
		logging.BootError("failed to write objective files: %v", err)
	}
	if err := a.patterns.Close(); err != nil {
		logging.BootError("failed to close pattern store: %v", err)
	}
	if err := a.store.Close(); err != nil {
		logging.BootError("failed to close state store: %v", err)
	}
	logging.CloseAll()
}

func runForge(cmd *cobra.Command, args []string) error {
	a, err := openApp(targetDir(args), maxIterations)
	if err != nil {
		return err
	}
	defer a.close()

	if watcher, err := state.NewWatcher(a.store, a.projectDir); err != nil {
		logger.Warn("file watcher unavailable", zap.Error(err))
	} else {
		a.watcher = watcher
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Warn("interrupt received, finishing current phase")
		interrupted.Store(true)
		a.supervisor.KillActive()
		a.coord.Cancel()
		cancel()
		<-sigCh
		logger.Error("second interrupt, exiting immediately")
		os.Exit(exitKilled)
	}()

	logger.Info("pipeline starting",
		zap.String("project", a.projectDir),
		zap.Strings("endpoints", a.cfg.Server.Endpoints))

	report, err := a.coord.Run(ctx)
	if err != nil {
		diag := diagnosticID()
		logger.Error("pipeline aborted", zap.String("diagnostic", diag), zap.Error(err))
		return fmt.Errorf("pipeline aborted (diagnostic %s): %w", diag, err)
	}

	logger.Info("pipeline finished",
		zap.String("termination", report.Termination),
		zap.Int("iterations", report.Iterations))
	fmt.Printf("pipeline %s after %d iterations\n", report.Termination, report.Iterations)

	if interrupted.Load() && report.Termination == coordinator.TermCancelled {
		return exitCodeError{exitInterrupted, errors.New("interrupted")}
	}
	return nil
}

func runStep(cmd *cobra.Command, args []string) error {
	a, err := openApp(targetDir(args), 0)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.coord.Step(cmd.Context())
	if err != nil {
		diag := diagnosticID()
		logger.Error("step failed", zap.String("diagnostic", diag), zap.Error(err))
		return fmt.Errorf("step failed (diagnostic %s): %w", diag, err)
	}

	if res.Done {
		fmt.Printf("pipeline is finished (%s)\n", res.Reason)
		return nil
	}
	fmt.Printf("phase %s: %s", res.Phase, res.Outcome.Result)
	if res.Forced {
		fmt.Print(" (rotated in after stagnation)")
	}
	fmt.Println()
	if res.Outcome.Summary != "" {
		fmt.Println(res.Outcome.Summary)
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	abs, err := filepath.Abs(targetDir(args))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	cfgPath := config.ProjectFile(abs)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if _, err := config.LoadFromBytes([]byte(config.Template)); err != nil {
			return fmt.Errorf("config template is invalid: %w", err)
		}
		if err := os.WriteFile(cfgPath, []byte(config.Template), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", config.DefaultFileName, err)
		}
		fmt.Printf("wrote %s\n", config.DefaultFileName)
	}

	name := filepath.Base(abs)
	now := time.Now()
	manager := ipc.NewManager(abs, "ipc")
	if err := manager.EnsureStrategic(ipc.MasterPlanFile, ipc.MasterPlanTemplate(name, now)); err != nil {
		return err
	}
	if err := manager.EnsureStrategic(ipc.ArchitectureFile, ipc.ArchitectureTemplate(name, now)); err != nil {
		return err
	}
	for _, level := range state.Levels() {
		file := ipc.ObjectiveFile(string(level))
		if err := manager.EnsureStrategic(file, ipc.ObjectivesTemplate(string(level))); err != nil {
			return err
		}
	}
	if err := manager.EnsurePhaseDocs(phase.Names()); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(abs, "state"), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	fmt.Printf("initialized %s for the pipeline\n", abs)
	fmt.Println("edit forge.ini (server.endpoints, model_assignments) and the objective files, then run: forge run")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(targetDir(args), 0)
	if err != nil {
		return err
	}
	defer a.close()

	snap, err := a.store.Snapshot()
	if err != nil {
		return err
	}

	fmt.Printf("project:   %s\n", a.projectDir)
	fmt.Printf("iteration: %d\n", snap.Iteration)

	counts := coordinator.ClassifyTasks(snap)
	fmt.Printf("tasks:     %d pending, %d awaiting qa, %d needing fixes, %d completed\n",
		counts["pending"], counts["qa_pending"], counts["needs_fixes"], counts["completed"])

	for _, level := range state.Levels() {
		records := snap.Objectives.Level(level)
		if len(records) == 0 {
			continue
		}
		done := 0
		for _, o := range records {
			if o.Status == state.ObjectiveCompleted {
				done++
			}
		}
		fmt.Printf("%s objectives: %d/%d completed\n", level, done, len(records))
	}

	if stats, err := a.patterns.Stats(); err == nil && stats.Patterns > 0 {
		fmt.Printf("patterns:  %d learned (%d success, %d failure), %d archived\n",
			stats.Patterns, stats.Successes, stats.Failures, stats.Archived)
	}

	names := make([]string, 0, len(snap.Phases))
	for name := range snap.Phases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ps := snap.Phases[name]
		if ps.Iterations == 0 {
			continue
		}
		fmt.Printf("phase %-18s %3d runs, last %s at %s\n",
			name, ps.Iterations, ps.LastResult, ps.LastRun.Format(time.RFC3339))
	}
	return nil
}

// loadObjectives reads the objective markdown files into pipeline state
// so hand edits between runs take effect.
func loadObjectives(m *ipc.Manager, store *state.Store) error {
	return store.Update(func(st *state.PipelineState) error {
		for _, level := range state.Levels() {
			path := m.StrategicPath(ipc.ObjectiveFile(string(level)))
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return err
			}
			records, err := ipc.ParseObjectives(string(data))
			if err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			if len(records) > 0 {
				st.Objectives.SetLevel(level, records)
			}
		}
		return nil
	})
}

// saveObjectives writes pipeline objective state back to the markdown
// files, completing the round trip.
func saveObjectives(m *ipc.Manager, store *state.Store) error {
	snap, err := store.Snapshot()
	if err != nil {
		return err
	}
	for _, level := range state.Levels() {
		records := snap.Objectives.Level(level)
		if len(records) == 0 {
			continue
		}
		content := ipc.RenderObjectives(string(level), records)
		path := m.StrategicPath(ipc.ObjectiveFile(string(level)))
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func routerAssignments(cfg *config.Config) map[string][]llm.Assignment {
	out := make(map[string][]llm.Assignment, len(cfg.ModelAssignments))
	for role, list := range cfg.ModelAssignments {
		converted := make([]llm.Assignment, 0, len(list))
		for _, a := range list {
			converted = append(converted, llm.Assignment{Model: a.Model, ServerURL: a.Server})
		}
		out[role] = converted
	}
	return out
}

func policyFrom(cfg *config.Config) conversation.Policy {
	p := conversation.DefaultPolicy()
	p.TokenBudget = cfg.Limits.ContextTokens
	p.KeepFirst = cfg.Limits.ConversationKeepFirst
	p.KeepLast = cfg.Limits.ConversationKeepLast
	p.SummaryTokens = cfg.Limits.SummaryTokens
	return p
}

// diagnosticID tags user-visible failures so log lines can be found.
func diagnosticID() string {
	id := uuid.NewString()
	return id[:8]
}
