// Package config loads forgeloop configuration from an INI file with
// environment overrides. The file lives at <project>/forge.ini by default.
//
// Sections: server, database, security, paths, limits, logging, and
// model_assignments (phase name -> ordered list of model@server entries).
// Any key may be overridden by an environment variable of the form
// APP_<SECTION>_<KEY> (uppercased), which is how secrets are injected.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// DefaultFileName is the configuration file looked up inside a project.
const DefaultFileName = "forge.ini"

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "APP"

// Config holds all forgeloop configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Paths    PathsConfig
	Limits   LimitsConfig
	Logging  LoggingConfig

	// ModelAssignments maps phase name to an ordered fallback list of
	// model@server candidates.
	ModelAssignments map[string][]ModelAssignment
}

// ServerConfig configures the LLM endpoints.
type ServerConfig struct {
	// Endpoints is the ordered list of chat-completion base URLs.
	Endpoints []string
	// APIKey authenticates against the endpoints (bearer token).
	APIKey string
	// RequestTimeout bounds a single chat request.
	RequestTimeout time.Duration
	// DiscoveryTTL is how long a model-availability probe stays cached.
	DiscoveryTTL time.Duration
}

// DatabaseConfig configures the pattern database.
type DatabaseConfig struct {
	// PatternsPath is relative to the project state directory.
	PatternsPath string
	// BackupRetention is how many state.json backups to keep.
	BackupRetention int
}

// SecurityConfig configures the tool safety surface.
type SecurityConfig struct {
	// DeniedTools are never dispatched regardless of phase.
	DeniedTools []string
	// AllowedCommands whitelists binaries for the run_command tool;
	// empty means any binary under the project toolchain is allowed.
	AllowedCommands []string
}

// PathsConfig configures the on-disk layout inside a project.
type PathsConfig struct {
	StateDir string // default "state"
	IPCDir   string // default "ipc"
}

// LimitsConfig bounds resource usage across the pipeline.
type LimitsConfig struct {
	// ContextTokens is the usable context budget per phase invocation.
	ContextTokens int
	// StagnationThreshold forces a phase rotation after this many
	// no-update iterations.
	StagnationThreshold int
	// ToolDeadline bounds a single tool call.
	ToolDeadline time.Duration
	// QuiescentIterations of all-NO_OP terminate the run.
	QuiescentIterations int
	// MaxTaskAttempts before a task is marked FAILED.
	MaxTaskAttempts int
	// ConversationKeepFirst / KeepLast are the pruning anchors.
	ConversationKeepFirst int
	ConversationKeepLast  int
	// SummaryTokens bounds the synthetic summary message.
	SummaryTokens int
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// ModelAssignment is one model candidate on a specific server.
type ModelAssignment struct {
	Model  string
	Server string
}

// Default returns a Config with all defaults applied and no endpoints.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			RequestTimeout: 120 * time.Second,
			DiscoveryTTL:   5 * time.Minute,
		},
		Database: DatabaseConfig{
			PatternsPath:    "patterns.db",
			BackupRetention: 5,
		},
		Paths: PathsConfig{
			StateDir: "state",
			IPCDir:   "ipc",
		},
		Limits: LimitsConfig{
			ContextTokens:         8192,
			StagnationThreshold:   3,
			ToolDeadline:          120 * time.Second,
			QuiescentIterations:   3,
			MaxTaskAttempts:       3,
			ConversationKeepFirst: 5,
			ConversationKeepLast:  20,
			SummaryTokens:         512,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		ModelAssignments: make(map[string][]ModelAssignment),
	}
}

// Load reads the INI file at path, applies environment overrides, and
// validates required keys. A missing file is an error; use Default for
// bootstrap scenarios.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return parse(file)
}

// LoadFromBytes parses configuration from raw INI content (used in tests
// and by forge init to validate the generated template).
func LoadFromBytes(data []byte) (*Config, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return parse(file)
}

func parse(file *ini.File) (*Config, error) {
	cfg := Default()

	srv := file.Section("server")
	cfg.Server.Endpoints = splitList(envOr("server", "endpoints", srv.Key("endpoints").String()))
	cfg.Server.APIKey = envOr("server", "api_key", srv.Key("api_key").String())
	if v := envOr("server", "request_timeout", srv.Key("request_timeout").String()); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("server.request_timeout: invalid duration %q: %w", v, err)
		}
		cfg.Server.RequestTimeout = d
	}
	if v := envOr("server", "discovery_ttl", srv.Key("discovery_ttl").String()); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("server.discovery_ttl: invalid duration %q: %w", v, err)
		}
		cfg.Server.DiscoveryTTL = d
	}

	db := file.Section("database")
	if v := envOr("database", "patterns_path", db.Key("patterns_path").String()); v != "" {
		cfg.Database.PatternsPath = v
	}
	if v := db.Key("backup_retention").String(); v != "" {
		n, err := db.Key("backup_retention").Int()
		if err != nil {
			return nil, fmt.Errorf("database.backup_retention: %w", err)
		}
		cfg.Database.BackupRetention = n
	}

	sec := file.Section("security")
	cfg.Security.DeniedTools = splitList(sec.Key("denied_tools").String())
	cfg.Security.AllowedCommands = splitList(sec.Key("allowed_commands").String())

	paths := file.Section("paths")
	if v := paths.Key("state_dir").String(); v != "" {
		cfg.Paths.StateDir = v
	}
	if v := paths.Key("ipc_dir").String(); v != "" {
		cfg.Paths.IPCDir = v
	}

	limits := file.Section("limits")
	intKeys := []struct {
		key string
		dst *int
	}{
		{"context_tokens", &cfg.Limits.ContextTokens},
		{"stagnation_threshold", &cfg.Limits.StagnationThreshold},
		{"quiescent_iterations", &cfg.Limits.QuiescentIterations},
		{"max_task_attempts", &cfg.Limits.MaxTaskAttempts},
		{"conversation_keep_first", &cfg.Limits.ConversationKeepFirst},
		{"conversation_keep_last", &cfg.Limits.ConversationKeepLast},
		{"summary_tokens", &cfg.Limits.SummaryTokens},
	}
	for _, ik := range intKeys {
		if limits.Key(ik.key).String() == "" {
			continue
		}
		n, err := limits.Key(ik.key).Int()
		if err != nil {
			return nil, fmt.Errorf("limits.%s: %w", ik.key, err)
		}
		*ik.dst = n
	}
	if v := limits.Key("tool_deadline").String(); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("limits.tool_deadline: invalid duration %q: %w", v, err)
		}
		cfg.Limits.ToolDeadline = d
	}

	lg := file.Section("logging")
	cfg.Logging.DebugMode = lg.Key("debug_mode").MustBool(false)
	if v := lg.Key("level").String(); v != "" {
		cfg.Logging.Level = v
	}
	cfg.Logging.JSONFormat = lg.Key("json_format").MustBool(false)
	if v := lg.Key("categories").String(); v != "" {
		cfg.Logging.Categories = make(map[string]bool)
		for _, c := range splitList(v) {
			name := c
			enabled := true
			if strings.HasPrefix(c, "-") {
				name = strings.TrimPrefix(c, "-")
				enabled = false
			}
			cfg.Logging.Categories[name] = enabled
		}
	}

	ma := file.Section("model_assignments")
	for _, key := range ma.Keys() {
		phase := key.Name()
		var assignments []ModelAssignment
		for _, entry := range splitList(key.String()) {
			assignment, err := parseAssignment(entry)
			if err != nil {
				return nil, fmt.Errorf("model_assignments.%s: %w", phase, err)
			}
			assignments = append(assignments, assignment)
		}
		cfg.ModelAssignments[phase] = assignments
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required keys. Called by Load; exported so callers that
// assemble a Config programmatically get the same checks.
func (c *Config) Validate() error {
	if len(c.Server.Endpoints) == 0 {
		return fmt.Errorf("config: server.endpoints is required (comma-separated list of chat-completion base URLs)")
	}
	if c.Limits.ContextTokens <= 0 {
		return fmt.Errorf("config: limits.context_tokens must be positive, got %d", c.Limits.ContextTokens)
	}
	if c.Limits.StagnationThreshold <= 0 {
		return fmt.Errorf("config: limits.stagnation_threshold must be positive, got %d", c.Limits.StagnationThreshold)
	}
	for phase, assignments := range c.ModelAssignments {
		if len(assignments) == 0 {
			return fmt.Errorf("config: model_assignments.%s has no candidates", phase)
		}
	}
	return nil
}

// ModelsFor returns the ordered candidate list for a phase role, falling
// back to the "default" assignment when the role has none.
func (c *Config) ModelsFor(role string) []ModelAssignment {
	if assignments, ok := c.ModelAssignments[role]; ok {
		return assignments
	}
	return c.ModelAssignments["default"]
}

// LoggingOptions converts the logging section into logger options.
func (c *Config) LoggingOptions() (debugMode bool, level string, jsonFormat bool, categories map[string]bool) {
	return c.Logging.DebugMode, c.Logging.Level, c.Logging.JSONFormat, c.Logging.Categories
}

// ProjectFile returns the expected config path inside a project directory.
func ProjectFile(projectDir string) string {
	return filepath.Join(projectDir, DefaultFileName)
}

// parseAssignment parses "model@server" into its parts. A bare model name
// binds to the first configured endpoint at resolution time.
func parseAssignment(entry string) (ModelAssignment, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return ModelAssignment{}, fmt.Errorf("empty model assignment")
	}
	idx := strings.LastIndex(entry, "@")
	if idx < 0 {
		return ModelAssignment{Model: entry}, nil
	}
	model := strings.TrimSpace(entry[:idx])
	server := strings.TrimSpace(entry[idx+1:])
	if model == "" {
		return ModelAssignment{}, fmt.Errorf("missing model in assignment %q", entry)
	}
	return ModelAssignment{Model: model, Server: server}, nil
}

// envOr returns the APP_<SECTION>_<KEY> override when set, else fallback.
func envOr(section, key, fallback string) string {
	name := fmt.Sprintf("%s_%s_%s", EnvPrefix, strings.ToUpper(section), strings.ToUpper(key))
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Template is the default forge.ini written by forge init.
const Template = `[server]
endpoints = http://localhost:8080/v1
api_key =
request_timeout = 120s
discovery_ttl = 5m

[database]
patterns_path = patterns.db
backup_retention = 5

[security]
denied_tools =
allowed_commands =

[paths]
state_dir = state
ipc_dir = ipc

[limits]
context_tokens = 8192
stagnation_threshold = 3
tool_deadline = 120s
quiescent_iterations = 3
max_task_attempts = 3

[logging]
debug_mode = false
level = info
json_format = false

[model_assignments]
default = local-model
`
