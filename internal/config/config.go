// Package config provides configuration loading for quorumd.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables. Defaults cover a single-node local deployment: filesystem
// storage, no GitHub integration, no event publishing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/quorumd/internal/logging"
	"github.com/fyrsmithlabs/quorumd/internal/telemetry"
)

// Config holds the complete quorumd configuration.
type Config struct {
	Log       logging.Config   `koanf:"log"`
	Telemetry telemetry.Config `koanf:"telemetry"`
	Server    ServerConfig     `koanf:"server"`
	Storage   StorageConfig    `koanf:"storage"`
	Engine    EngineConfig     `koanf:"engine"`
	Router    RouterConfig     `koanf:"router"`
	Agents    AgentsConfig     `koanf:"agents"`
	GitHub    GitHubConfig     `koanf:"github"`
	Events    EventsConfig     `koanf:"events"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend string      `koanf:"backend"` // fs | redis | memory
	FS      FSConfig    `koanf:"fs"`
	Redis   RedisConfig `koanf:"redis"`
}

// FSConfig holds filesystem backend configuration.
type FSConfig struct {
	Root string `koanf:"root"`
}

// RedisConfig holds Redis backend configuration.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  Secret `koanf:"password"`
	DB        int    `koanf:"db"`
	Namespace string `koanf:"namespace"`
}

// EngineConfig holds workflow engine timing configuration.
type EngineConfig struct {
	// RoundTimeout bounds one fan-out round across all personas.
	RoundTimeout Duration `koanf:"round_timeout"`
	// AgentTimeout bounds a single agent call attempt.
	AgentTimeout Duration `koanf:"agent_timeout"`
	// AgentRetries is the maximum number of retries after a timed-out
	// agent call. Unavailability is never retried.
	AgentRetries int `koanf:"agent_retries"`
	// PollInterval is how often a paused run re-checks for human input.
	PollInterval Duration `koanf:"poll_interval"`
}

// RouterConfig holds model routing thresholds.
type RouterConfig struct {
	// DiffLineLimit routes tasks with larger diffs to the remote backend.
	DiffLineLimit int `koanf:"diff_line_limit"`
	// FileLimit routes tasks touching more files to the remote backend.
	FileLimit int `koanf:"file_limit"`
	// RetryThreshold routes tasks at or past this retry count to the
	// remote backend.
	RetryThreshold int `koanf:"retry_threshold"`
}

// AgentsConfig holds persona definitions and conflict precedence.
type AgentsConfig struct {
	Personas []PersonaConfig `koanf:"personas"`
	// Precedence is an ordered persona list for conflict auto-resolution;
	// the earliest listed persona wins. Defaults to the persona list order.
	Precedence []string `koanf:"precedence"`
	// LocalCommand and RemoteCommand are the argv for the exec-based
	// backend callers. An empty list leaves that tier unconfigured and
	// calls routed to it fail as unavailable.
	LocalCommand  []string `koanf:"local_command"`
	RemoteCommand []string `koanf:"remote_command"`
}

// PersonaConfig describes one reviewer persona participating in rounds.
type PersonaConfig struct {
	Name    string   `koanf:"name"`
	Role    string   `koanf:"role"`
	Prompt  string   `koanf:"prompt"` // template override; empty uses the built-in
	Tags    []string `koanf:"tags"`
	Phases  []string `koanf:"phases"`
}

// GitHubConfig holds the GitHub feedback loop configuration.
type GitHubConfig struct {
	Enabled      bool     `koanf:"enabled"`
	Token        Secret   `koanf:"token"`
	Owner        string   `koanf:"owner"`
	Repo         string   `koanf:"repo"`
	// BaseBranch is the branch run pull requests merge into.
	BaseBranch   string   `koanf:"base_branch"`
	PollInterval Duration `koanf:"poll_interval"`
	// BotLogin is the account the daemon posts as. Its own comments
	// are never treated as reviewer feedback.
	BotLogin string `koanf:"bot_login"`
}

// EventsConfig holds the NATS run event publisher configuration.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Phase names accepted in persona phase membership.
var validPhases = map[string]bool{
	"analysis":       true,
	"design":         true,
	"finalization":   true,
	"implementation": true,
}

// Storage backends accepted in storage.backend.
var validBackends = map[string]bool{
	"fs":     true,
	"redis":  true,
	"memory": true,
}

// DefaultPersonas returns the compiled-in persona table, mirroring the
// review crew the engine was designed around.
func DefaultPersonas() []PersonaConfig {
	return []PersonaConfig{
		{
			Name:   "architect",
			Role:   "system design and architecture review",
			Tags:   []string{"design", "tradeoffs"},
			Phases: []string{"analysis", "design", "finalization"},
		},
		{
			Name:   "senior_engineer",
			Role:   "implementation planning and code quality",
			Tags:   []string{"implementation", "refactoring"},
			Phases: []string{"analysis", "design", "implementation"},
		},
		{
			Name:   "tester",
			Role:   "test strategy and regression risk",
			Tags:   []string{"testing"},
			Phases: []string{"analysis", "design", "implementation"},
		},
		{
			Name:   "security_reviewer",
			Role:   "threat modeling and secure defaults",
			Tags:   []string{"security"},
			Phases: []string{"design", "implementation"},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("server shutdown_timeout must be positive")
	}

	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %q (must be fs, redis, or memory)", c.Storage.Backend)
	}
	if c.Storage.Backend == "fs" && c.Storage.FS.Root == "" {
		return fmt.Errorf("storage.fs.root is required for the fs backend")
	}
	if c.Storage.Backend == "redis" && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required for the redis backend")
	}

	if c.Engine.RoundTimeout.Duration() <= 0 {
		return fmt.Errorf("engine.round_timeout must be positive")
	}
	if c.Engine.AgentTimeout.Duration() <= 0 {
		return fmt.Errorf("engine.agent_timeout must be positive")
	}
	if c.Engine.AgentTimeout.Duration() > c.Engine.RoundTimeout.Duration() {
		return fmt.Errorf("engine.agent_timeout (%s) exceeds engine.round_timeout (%s)",
			c.Engine.AgentTimeout.Duration(), c.Engine.RoundTimeout.Duration())
	}
	if c.Engine.AgentRetries < 0 {
		return fmt.Errorf("engine.agent_retries must be >= 0")
	}
	if c.Engine.PollInterval.Duration() <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}

	if c.Router.DiffLineLimit <= 0 {
		return fmt.Errorf("router.diff_line_limit must be positive")
	}
	if c.Router.FileLimit <= 0 {
		return fmt.Errorf("router.file_limit must be positive")
	}
	if c.Router.RetryThreshold < 1 {
		return fmt.Errorf("router.retry_threshold must be >= 1")
	}

	if err := c.Agents.validate(); err != nil {
		return err
	}

	if c.GitHub.Enabled {
		if !c.GitHub.Token.IsSet() {
			return fmt.Errorf("github.token is required when github is enabled")
		}
		if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			return fmt.Errorf("github.owner and github.repo are required when github is enabled")
		}
		if c.GitHub.PollInterval.Duration() <= 0 {
			return fmt.Errorf("github.poll_interval must be positive")
		}
	}

	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}

	return nil
}

func (a *AgentsConfig) validate() error {
	if len(a.Personas) == 0 {
		return fmt.Errorf("agents.personas must not be empty")
	}

	names := make(map[string]bool, len(a.Personas))
	for _, p := range a.Personas {
		if p.Name == "" {
			return fmt.Errorf("agents.personas: persona name must not be empty")
		}
		if names[p.Name] {
			return fmt.Errorf("agents.personas: duplicate persona %q", p.Name)
		}
		names[p.Name] = true

		if len(p.Phases) == 0 {
			return fmt.Errorf("agents.personas: persona %q has no phases", p.Name)
		}
		for _, phase := range p.Phases {
			if !validPhases[phase] {
				return fmt.Errorf("agents.personas: persona %q references unknown phase %q", p.Name, phase)
			}
		}
	}

	seen := make(map[string]bool, len(a.Precedence))
	for _, name := range a.Precedence {
		if !names[name] {
			return fmt.Errorf("agents.precedence references unknown persona %q", name)
		}
		if seen[name] {
			return fmt.Errorf("agents.precedence lists persona %q twice", name)
		}
		seen[name] = true
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Log defaults
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if !cfg.Log.Output.Stdout && !cfg.Log.Output.OTEL {
		cfg.Log.Output.Stdout = true
	}
	if cfg.Log.Sampling.Enabled && cfg.Log.Sampling.Initial == 0 {
		cfg.Log.Sampling.Initial = 100
		cfg.Log.Sampling.Thereafter = 10
	}
	if cfg.Log.Caller.Enabled && cfg.Log.Caller.Skip == 0 {
		cfg.Log.Caller.Skip = 1
	}
	if cfg.Log.Fields == nil {
		cfg.Log.Fields = map[string]string{"service": "quorumd"}
	}

	// Telemetry defaults
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "quorumd"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.Sampling.Rate == 0 {
		cfg.Telemetry.Sampling.Rate = 1.0
	}
	if cfg.Telemetry.Metrics.ExportInterval == 0 {
		cfg.Telemetry.Metrics.ExportInterval = 15 * time.Second
	}
	if cfg.Telemetry.Shutdown.Timeout == 0 {
		cfg.Telemetry.Shutdown.Timeout = 5 * time.Second
	}

	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	// Storage defaults
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "fs"
	}
	if cfg.Storage.FS.Root == "" {
		cfg.Storage.FS.Root = defaultDataDir()
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "localhost:6379"
	}
	if cfg.Storage.Redis.Namespace == "" {
		cfg.Storage.Redis.Namespace = "quorumd"
	}

	// Engine defaults
	if cfg.Engine.RoundTimeout == 0 {
		cfg.Engine.RoundTimeout = Duration(5 * time.Minute)
	}
	if cfg.Engine.AgentTimeout == 0 {
		cfg.Engine.AgentTimeout = Duration(2 * time.Minute)
	}
	if cfg.Engine.AgentRetries == 0 {
		cfg.Engine.AgentRetries = 2
	}
	if cfg.Engine.PollInterval == 0 {
		cfg.Engine.PollInterval = Duration(30 * time.Second)
	}

	// Router defaults
	if cfg.Router.DiffLineLimit == 0 {
		cfg.Router.DiffLineLimit = 300
	}
	if cfg.Router.FileLimit == 0 {
		cfg.Router.FileLimit = 10
	}
	if cfg.Router.RetryThreshold == 0 {
		cfg.Router.RetryThreshold = 2
	}

	// Agent defaults
	if len(cfg.Agents.Personas) == 0 {
		cfg.Agents.Personas = DefaultPersonas()
	}
	if len(cfg.Agents.Precedence) == 0 {
		for _, p := range cfg.Agents.Personas {
			cfg.Agents.Precedence = append(cfg.Agents.Precedence, p.Name)
		}
	}

	// GitHub defaults
	if cfg.GitHub.PollInterval == 0 {
		cfg.GitHub.PollInterval = Duration(time.Minute)
	}

	// Events defaults
	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://127.0.0.1:4222"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "runs"
	}
}

// defaultDataDir returns the default filesystem storage root.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "quorumd-data"
	}
	return filepath.Join(home, ".local", "share", "quorumd")
}
