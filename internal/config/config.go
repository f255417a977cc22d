package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level config.
	WorkspaceDirName = ".uiresolve"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// Memory backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Telemetry writers.
const (
	WriterCollector = "collector"
	WriterSQLite    = "sqlite"
	WriterJSONL     = "jsonl"
	WriterNATS      = "nats"
	WriterMangle    = "mangle"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the resolution server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Browser   BrowserConfig   `yaml:"browser"`
	MCP       MCPConfig       `yaml:"mcp"`
	Mangle    MangleConfig    `yaml:"mangle"`
	Memory    MemoryConfig    `yaml:"memory"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Tools     ToolsConfig     `yaml:"tools"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LoggingConfig configures the zap logger and its rotated file output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	Console    bool   `yaml:"console"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Optional path to persist session metadata between server restarts.
	SessionStore string `yaml:"session_store"`
	// BaseURL is prepended to relative paths passed to navigate and fe.* tools.
	BaseURL        string `yaml:"base_url"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE + HTTP RPC server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded deductive view over telemetry.
type MangleConfig struct {
	Enable bool `yaml:"enable"`
	// SchemaPath overrides the embedded telemetry schema when set.
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// MemoryConfig selects the locator memory backend.
type MemoryConfig struct {
	// Backend is one of memory | sqlite | postgres | redis.
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	// PostgresDSN is a pgx connection string.
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// ResolverConfig holds the executor and learning policy.
type ResolverConfig struct {
	CacheTTL       string `yaml:"cache_ttl"`
	AttemptTimeout string `yaml:"attempt_timeout"`
	DiscoveryWait  string `yaml:"discovery_wait"`
	DiscoveryPoll  string `yaml:"discovery_poll"`
	// PromotionMinSuccesses is N: user successes required before promotion.
	PromotionMinSuccesses int `yaml:"promotion_min_successes"`
	// PromotionMinScore is T: smoothed score required before promotion.
	PromotionMinScore float64 `yaml:"promotion_min_score"`
	// DefaultCaller is the identity used when a request carries none.
	DefaultCaller string `yaml:"default_caller"`
	JournalSize   int    `yaml:"journal_size"`
}

// TelemetryConfig configures the best-effort event pipeline.
type TelemetryConfig struct {
	Writers     []string `yaml:"writers"`
	BufferSize  int      `yaml:"buffer_size"`
	BatchSize   int      `yaml:"batch_size"`
	SQLitePath  string   `yaml:"sqlite_path"`
	TraceDir    string   `yaml:"trace_dir"`
	NATSURL     string   `yaml:"nats_url"`
	NATSSubject string   `yaml:"nats_subject"`
	// CollectorSize bounds the in-memory event ring used for metrics.
	CollectorSize int `yaml:"collector_size"`
}

// ToolsConfig configures the dispatch registry's external collaborators.
type ToolsConfig struct {
	DataDSN          string  `yaml:"data_dsn"`
	FunctionsURL     string  `yaml:"functions_url"`
	FunctionsToken   string  `yaml:"functions_token"`
	FunctionsRPS     float64 `yaml:"functions_rps"`
	FunctionsTimeout string  `yaml:"functions_timeout"`
	GenAIAPIKey      string  `yaml:"genai_api_key"`
	GenAIModel       string  `yaml:"genai_model"`
	EmbedModel       string  `yaml:"embed_model"`
	NotifySubject    string  `yaml:"notify_subject"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "uiresolve-mcp",
			Version: "0.1.0",
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "uiresolve-mcp.log",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Browser: BrowserConfig{
			AutoStart:                false,
			DefaultNavigationTimeout: "15s",
			SessionStore:             "sessions.json",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 4096,
		},
		Memory: MemoryConfig{
			Backend:     BackendSQLite,
			SQLitePath:  "data/memory.db",
			RedisPrefix: "uiresolve",
		},
		Resolver: ResolverConfig{
			CacheTTL:              "10m",
			AttemptTimeout:        "2500ms",
			DiscoveryWait:         "7s",
			DiscoveryPoll:         "120ms",
			PromotionMinSuccesses: 3,
			PromotionMinScore:     0.8,
			DefaultCaller:         "local",
			JournalSize:           2048,
		},
		Telemetry: TelemetryConfig{
			Writers:       []string{WriterCollector, WriterMangle},
			BufferSize:    1024,
			BatchSize:     64,
			SQLitePath:    "data/telemetry.db",
			TraceDir:      "data/traces",
			NATSSubject:   "uiresolve.telemetry",
			CollectorSize: 10000,
		},
		Tools: ToolsConfig{
			FunctionsRPS:     5,
			FunctionsTimeout: "30s",
			GenAIModel:       "gemini-2.5-flash",
			EmbedModel:       "gemini-embedding-001",
			NotifySubject:    "uiresolve.notify",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .uiresolve/config.yaml file.
// Returns the workspace root directory (parent of .uiresolve/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .uiresolve/config.yaml <- explicit --config <- UIRESOLVE_* env
//
// CLI flags are applied by the caller afterwards.
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	ApplyEnv(&cfg)
	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .uiresolve/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# uiresolve project-level configuration
# Values here override defaults but are overridden by --config, UIRESOLVE_* env and CLI flags.

# memory:
#   backend: sqlite            # memory | sqlite | postgres | redis
#   sqlite_path: "data/memory.db"

# resolver:
#   cache_ttl: "10m"
#   attempt_timeout: "2500ms"
#   promotion_min_successes: 3
#   promotion_min_score: 0.8

# telemetry:
#   writers: [collector, sqlite, jsonl, mangle]
#   sqlite_path: "data/telemetry.db"
#   trace_dir: "data/traces"

# browser:
#   headless: false
#   base_url: "http://localhost:5173"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (memory, telemetry, traces) - do not version control\ndata/\n"
	if err := os.WriteFile(filepath.Join(wsDir, ".gitignore"), []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	base := filepath.Join(wsDir, WorkspaceDirName)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	cfg.Logging.File = resolve(cfg.Logging.File)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Memory.SQLitePath = resolve(cfg.Memory.SQLitePath)
	cfg.Telemetry.SQLitePath = resolve(cfg.Telemetry.SQLitePath)
	cfg.Telemetry.TraceDir = resolve(cfg.Telemetry.TraceDir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}

	switch c.Memory.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Memory.SQLitePath == "" {
			return errors.New("memory.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Memory.PostgresDSN == "" {
			return errors.New("memory.postgres_dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Memory.RedisAddr == "" {
			return errors.New("memory.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown memory.backend %q", c.Memory.Backend)
	}

	for _, w := range c.Telemetry.Writers {
		switch strings.ToLower(w) {
		case WriterCollector, WriterSQLite, WriterJSONL, WriterMangle:
		case WriterNATS:
			if c.Telemetry.NATSURL == "" {
				return errors.New("telemetry.nats_url is required for the nats writer")
			}
		default:
			return fmt.Errorf("unknown telemetry writer %q", w)
		}
	}

	if c.Resolver.PromotionMinSuccesses < 1 {
		return errors.New("resolver.promotion_min_successes must be at least 1")
	}
	if c.Resolver.PromotionMinScore <= 0 || c.Resolver.PromotionMinScore > 1 {
		return errors.New("resolver.promotion_min_score must be in (0, 1]")
	}
	return nil
}

// HasWriter reports whether the named telemetry writer is enabled.
func (t TelemetryConfig) HasWriter(name string) bool {
	for _, w := range t.Writers {
		if strings.EqualFold(w, name) {
			return true
		}
	}
	return false
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDurationOr(b.DefaultNavigationTimeout, 15*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// ResolveURL joins a relative app path onto BaseURL. Absolute URLs pass through.
func (b BrowserConfig) ResolveURL(path string) string {
	if strings.Contains(path, "://") || b.BaseURL == "" {
		return path
	}
	return strings.TrimRight(b.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// GetCacheTTL returns the resolution cache TTL (default 10m).
func (r ResolverConfig) GetCacheTTL() time.Duration {
	return parseDurationOr(r.CacheTTL, 10*time.Minute)
}

// GetAttemptTimeout bounds a single resolve or act step (default 2.5s).
func (r ResolverConfig) GetAttemptTimeout() time.Duration {
	return parseDurationOr(r.AttemptTimeout, 2500*time.Millisecond)
}

// GetDiscoveryWait returns how long heuristic discovery polls for candidates (default 7s).
func (r ResolverConfig) GetDiscoveryWait() time.Duration {
	return parseDurationOr(r.DiscoveryWait, 7*time.Second)
}

// GetDiscoveryPoll returns the heuristic polling interval (default 120ms).
func (r ResolverConfig) GetDiscoveryPoll() time.Duration {
	return parseDurationOr(r.DiscoveryPoll, 120*time.Millisecond)
}

// GetFunctionsTimeout returns the remote function HTTP timeout (default 30s).
func (t ToolsConfig) GetFunctionsTimeout() time.Duration {
	return parseDurationOr(t.FunctionsTimeout, 30*time.Second)
}
