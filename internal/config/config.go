// Package config handles loading and validating Malipo configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Malipo.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.malipo/data. Override: MALIPO_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = in-memory stores (ledger and reports lost on restart)
	Ledger        LedgerConfig         `json:"ledger" yaml:"ledger"`
	Planner       PlannerConfig        `json:"planner" yaml:"planner"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Custody       *CustodyConfig       `json:"custody,omitempty" yaml:"custody,omitempty"`             // nil = custody service disabled
	Sweeper       *SweeperConfig       `json:"sweeper,omitempty" yaml:"sweeper,omitempty"`             // nil = settlement sweeper disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
// When nil, ledger sessions and reports are held in memory only.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`                 // Database file path. Default: derived from data_dir.
	JournalMode string `json:"journal_mode,omitempty" yaml:"journal_mode,omitempty"` // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// LedgerConfig selects and configures the payment ledger backend.
type LedgerConfig struct {
	Driver     string              `json:"driver" yaml:"driver"`                     // "memory" (default), "store", or "remote".
	OperatorID string              `json:"operator_id" yaml:"operator_id"`           // Identity allowed to authorize/confirm/refund/settle.
	PayerID    string              `json:"payer_id" yaml:"payer_id"`                 // Identity allowed to lock budgets.
	Remote     *RemoteLedgerConfig `json:"remote,omitempty" yaml:"remote,omitempty"` // Required when driver is "remote".
}

// LedgerDriver returns the configured driver, defaulting to "memory".
func (l *LedgerConfig) LedgerDriver() string {
	if l != nil && l.Driver != "" {
		return l.Driver
	}
	return "memory"
}

// Operator returns the operating identity with a default of "malipo-operator".
func (l *LedgerConfig) Operator() string {
	if l != nil && l.OperatorID != "" {
		return l.OperatorID
	}
	return "malipo-operator"
}

// Payer returns the paying identity with a default of "malipo-payer".
func (l *LedgerConfig) Payer() string {
	if l != nil && l.PayerID != "" {
		return l.PayerID
	}
	return "malipo-payer"
}

// RemoteLedgerConfig points at an external value-custody service.
// API keys can be set here or via MALIPO_OPERATOR_API_KEY /
// MALIPO_PAYER_API_KEY env vars. Environment variables take precedence.
type RemoteLedgerConfig struct {
	Endpoint       string `json:"endpoint" yaml:"endpoint"`                                      // Base URL, e.g. "http://localhost:8090".
	OperatorAPIKey string `json:"operator_api_key,omitempty" yaml:"operator_api_key,omitempty"`  // Override: MALIPO_OPERATOR_API_KEY env var.
	PayerAPIKey    string `json:"payer_api_key,omitempty" yaml:"payer_api_key,omitempty"`        // Override: MALIPO_PAYER_API_KEY env var.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`                        // Per-call timeout. Default: 15.
}

// Timeout returns the per-call timeout with a default of 15s.
func (r *RemoteLedgerConfig) Timeout() time.Duration {
	if r != nil && r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return 15 * time.Second
}

// PlannerConfig bounds plan generation.
type PlannerConfig struct {
	MaxSteps         int     `json:"max_steps" yaml:"max_steps"`                   // Default: 7.
	DefaultBudgetUSD float64 `json:"default_budget_usd" yaml:"default_budget_usd"` // Applied when a request omits a budget. Default: 0.50.
	MaxBudgetUSD     float64 `json:"max_budget_usd" yaml:"max_budget_usd"`         // Upper bound a single request may lock. Default: 100.0.
}

// Steps returns the step cap with a default of 7.
func (p *PlannerConfig) Steps() int {
	if p != nil && p.MaxSteps > 0 {
		return p.MaxSteps
	}
	return 7
}

// DefaultBudget returns the default budget with a default of $0.50.
func (p *PlannerConfig) DefaultBudget() float64 {
	if p != nil && p.DefaultBudgetUSD > 0 {
		return p.DefaultBudgetUSD
	}
	return 0.50
}

// MaxBudget returns the budget cap with a default of $100.
func (p *PlannerConfig) MaxBudget() float64 {
	if p != nil && p.MaxBudgetUSD > 0 {
		return p.MaxBudgetUSD
	}
	return 100.0
}

type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "anthropic", "openai", "gemini", "ollama". Empty = "anthropic".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Fallback providers tried in order when default fails.
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Gemini    GeminiConfig    `json:"gemini" yaml:"gemini"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://generativelanguage.googleapis.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// ToolsConfig configures the billable tools. Nil pointers disable the tool.
type ToolsConfig struct {
	Reasoning *ReasoningToolConfig `json:"reasoning,omitempty" yaml:"reasoning,omitempty"` // nil = enabled with defaults (reasoning is always registered).
	Tavily    *TavilyConfig        `json:"tavily,omitempty" yaml:"tavily,omitempty"`       // nil = web_search disabled.
	ChainRPC  *ChainRPCConfig      `json:"chain_rpc,omitempty" yaml:"chain_rpc,omitempty"` // nil = chain_read disabled.
	Database  *DatabaseToolConfig  `json:"database,omitempty" yaml:"database,omitempty"`   // nil = db_read disabled.
	MCP       []MCPServerConfig    `json:"mcp,omitempty" yaml:"mcp,omitempty"`             // External MCP tool servers.
}

// ReasoningToolConfig prices the model-backed reasoning tool.
type ReasoningToolConfig struct {
	UnitCostUSD float64 `json:"unit_cost_usd" yaml:"unit_cost_usd"` // Default: 0.08.
}

// TavilyConfig configures the Tavily-backed web_search tool.
// API key can be set here or via TAVILY_API_KEY env var.
type TavilyConfig struct {
	APIKey      string  `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: TAVILY_API_KEY env var.
	MaxResults  int     `json:"max_results" yaml:"max_results"`             // Default: 5.
	SearchDepth string  `json:"search_depth" yaml:"search_depth"`           // "basic" or "advanced". Default: "advanced".
	UnitCostUSD float64 `json:"unit_cost_usd" yaml:"unit_cost_usd"`         // Default: 0.01.
}

// ChainRPCConfig configures the JSON-RPC chain_read tool.
// RPC URL can be set here or via RPC_URL env var.
type ChainRPCConfig struct {
	URL         string  `json:"url" yaml:"url"`                     // Override: RPC_URL env var.
	UnitCostUSD float64 `json:"unit_cost_usd" yaml:"unit_cost_usd"` // Default: 0.001.
}

// DatabaseToolConfig configures the read-only db_read SQL tool. Point the
// DSN at an analytics replica, never at malipo's own store.
type DatabaseToolConfig struct {
	DSN            string  `json:"dsn,omitempty" yaml:"dsn,omitempty"`     // Override: MALIPO_TOOL_DB_DSN env var.
	MaxRows        int     `json:"max_rows" yaml:"max_rows"`               // Default: 1000.
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30.
	UnitCostUSD    float64 `json:"unit_cost_usd" yaml:"unit_cost_usd"`     // Default: 0.002.
}

// MCPServerConfig defines a single external MCP server connection.
// Malipo acts as an MCP client, connecting at startup, discovering tools,
// and registering them as billable steps at the configured unit cost.
type MCPServerConfig struct {
	Name        string            `json:"name" yaml:"name"`                           // Server ID used for tool namespacing (e.g., "github").
	Transport   string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL         string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
	UnitCostUSD float64           `json:"unit_cost_usd" yaml:"unit_cost_usd"`         // Per-invocation price for this server's tools. Default: 0.005.
}

// GatewaysConfig defines which gateways are enabled and their settings.
type GatewaysConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`                         // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`   // Default: 1 MB.
	APIKeys             map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`           // API key → client name. Empty = unauthenticated.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request size cap with a default of 1 MB.
func (h *HTTPGatewayConfig) MaxRequestSize() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// RateLimitConfig configures per-client rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // Default: 60.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: 10.
}

// PerMinute returns the request rate with a default of 60/min.
func (r *RateLimitConfig) PerMinute() int {
	if r != nil && r.RequestsPerMinute > 0 {
		return r.RequestsPerMinute
	}
	return 60
}

// Burst returns the burst size with a default of 10.
func (r *RateLimitConfig) Burst() int {
	if r != nil && r.BurstSize > 0 {
		return r.BurstSize
	}
	return 10
}

// CustodyConfig configures the standalone value-custody service that
// exposes the ledger over HTTP for remote-driver deployments.
type CustodyConfig struct {
	ListenAddr string           `json:"listen_addr" yaml:"listen_addr"` // Default: ":8090".
	Parties    []PartyKeyConfig `json:"parties" yaml:"parties"`         // API keys mapped to ledger identities.
}

// Addr returns the listen address with a default of ":8090".
func (c *CustodyConfig) Addr() string {
	if c != nil && c.ListenAddr != "" {
		return c.ListenAddr
	}
	return ":8090"
}

// PartyKeyConfig binds one API key to a ledger identity.
type PartyKeyConfig struct {
	ID     string `json:"id" yaml:"id"`
	Role   string `json:"role" yaml:"role"` // "payer" or "operator".
	APIKey string `json:"api_key" yaml:"api_key"`
}

// SweeperConfig configures the settlement janitor that closes sessions
// abandoned without a settle call.
type SweeperConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Schedule           string `json:"schedule" yaml:"schedule"`                         // Cron expression. Default: "@every 10m".
	SettleAfterSeconds int    `json:"settle_after_seconds" yaml:"settle_after_seconds"` // Age before a session is swept. Default: 3600.
}

// CronSchedule returns the schedule with a default of every 10 minutes.
func (s *SweeperConfig) CronSchedule() string {
	if s != nil && s.Schedule != "" {
		return s.Schedule
	}
	return "@every 10m"
}

// SettleAfter returns the abandonment age with a default of 1h.
func (s *SweeperConfig) SettleAfter() time.Duration {
	if s != nil && s.SettleAfterSeconds > 0 {
		return time.Duration(s.SettleAfterSeconds) * time.Second
	}
	return time.Hour
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "malipo"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// DefaultConfigPath returns the default config file path (~/.malipo/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/malipo.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".malipo", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Provider and tool API keys can be set in the config file or
// overridden by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		cfg.Providers.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		cfg.Providers.OpenAI.APIKey = envKey
	}
	if envKey := os.Getenv("GEMINI_API_KEY"); envKey != "" {
		cfg.Providers.Gemini.APIKey = envKey
	}

	// Tool credential overrides.
	if envKey := os.Getenv("TAVILY_API_KEY"); envKey != "" {
		if cfg.Tools.Tavily == nil {
			cfg.Tools.Tavily = &TavilyConfig{}
		}
		cfg.Tools.Tavily.APIKey = envKey
	}
	if envURL := os.Getenv("RPC_URL"); envURL != "" {
		if cfg.Tools.ChainRPC == nil {
			cfg.Tools.ChainRPC = &ChainRPCConfig{}
		}
		cfg.Tools.ChainRPC.URL = envURL
	}
	if envDSN := os.Getenv("MALIPO_TOOL_DB_DSN"); envDSN != "" {
		if cfg.Tools.Database == nil {
			cfg.Tools.Database = &DatabaseToolConfig{}
		}
		cfg.Tools.Database.DSN = envDSN
	}

	// Remote ledger credential overrides.
	if envKey := os.Getenv("MALIPO_OPERATOR_API_KEY"); envKey != "" {
		if cfg.Ledger.Remote == nil {
			cfg.Ledger.Remote = &RemoteLedgerConfig{}
		}
		cfg.Ledger.Remote.OperatorAPIKey = envKey
	}
	if envKey := os.Getenv("MALIPO_PAYER_API_KEY"); envKey != "" {
		if cfg.Ledger.Remote == nil {
			cfg.Ledger.Remote = &RemoteLedgerConfig{}
		}
		cfg.Ledger.Remote.PayerAPIKey = envKey
	}

	// Data directory override from environment.
	if envDD := os.Getenv("MALIPO_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".malipo", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "malipo.db")
}

func (c *Config) validate() error {
	// Default provider to anthropic for parity with the planner's origin.
	if c.Providers.Default == "" {
		c.Providers.Default = "anthropic"
	}
	if err := c.validateProvider(); err != nil {
		return err
	}

	// Ledger driver validation.
	switch c.Ledger.LedgerDriver() {
	case "memory":
		// valid
	case "store":
		if c.Storage == nil {
			return fmt.Errorf("ledger.driver \"store\" requires a storage section")
		}
	case "remote":
		if c.Ledger.Remote == nil || c.Ledger.Remote.Endpoint == "" {
			return fmt.Errorf("ledger.remote.endpoint is required for the remote driver")
		}
		if c.Ledger.Remote.OperatorAPIKey == "" || c.Ledger.Remote.PayerAPIKey == "" {
			return fmt.Errorf("ledger.remote requires operator_api_key and payer_api_key (set MALIPO_OPERATOR_API_KEY / MALIPO_PAYER_API_KEY env vars)")
		}
	default:
		return fmt.Errorf("ledger.driver %q is not supported (use memory, store, or remote)", c.Ledger.Driver)
	}

	// Storage driver validation.
	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite":
			// valid
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}

	// Tavily needs a key when configured.
	if c.Tools.Tavily != nil && c.Tools.Tavily.APIKey == "" {
		return fmt.Errorf("tools.tavily.api_key is required (set TAVILY_API_KEY env var)")
	}
	if c.Tools.ChainRPC != nil && c.Tools.ChainRPC.URL == "" {
		return fmt.Errorf("tools.chain_rpc.url is required (set RPC_URL env var)")
	}
	if c.Tools.Database != nil && c.Tools.Database.DSN == "" {
		return fmt.Errorf("tools.database.dsn is required (set MALIPO_TOOL_DB_DSN env var)")
	}

	// MCP server config validation.
	mcpNames := make(map[string]bool, len(c.Tools.MCP))
	for i, srv := range c.Tools.MCP {
		if srv.Name == "" {
			return fmt.Errorf("tools.mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("tools.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("tools.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
		if srv.UnitCostUSD < 0 {
			return fmt.Errorf("tools.mcp[%d] (%q): unit_cost_usd must not be negative", i, srv.Name)
		}
	}

	// Custody service validation.
	if c.Custody != nil {
		if len(c.Custody.Parties) == 0 {
			return fmt.Errorf("custody.parties must contain at least one identity")
		}
		ids := make(map[string]bool, len(c.Custody.Parties))
		keys := make(map[string]bool, len(c.Custody.Parties))
		for i, party := range c.Custody.Parties {
			if party.ID == "" {
				return fmt.Errorf("custody.parties[%d].id is required", i)
			}
			if ids[party.ID] {
				return fmt.Errorf("custody.parties[%d]: duplicate identity %q", i, party.ID)
			}
			ids[party.ID] = true
			if party.Role != "payer" && party.Role != "operator" {
				return fmt.Errorf("custody.parties[%d] (%q): role must be payer or operator", i, party.ID)
			}
			if party.APIKey == "" {
				return fmt.Errorf("custody.parties[%d] (%q): api_key is required", i, party.ID)
			}
			if keys[party.APIKey] {
				return fmt.Errorf("custody.parties[%d] (%q): api_key is already assigned", i, party.ID)
			}
			keys[party.APIKey] = true
		}
	}

	// Budget sanity.
	if c.Planner.DefaultBudgetUSD < 0 || c.Planner.MaxBudgetUSD < 0 {
		return fmt.Errorf("planner budgets must not be negative")
	}
	if c.Planner.MaxBudgetUSD > 0 && c.Planner.DefaultBudget() > c.Planner.MaxBudget() {
		return fmt.Errorf("planner.default_budget_usd exceeds planner.max_budget_usd")
	}

	return nil
}

// validateProvider checks that the selected LLM provider has the required fields.
func (c *Config) validateProvider() error {
	switch c.Providers.Default {
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "gemini":
		if c.Providers.Gemini.Model == "" {
			return fmt.Errorf("providers.gemini.model is required")
		}
		if c.Providers.Gemini.APIKey == "" {
			return fmt.Errorf("providers.gemini.api_key is required (set GEMINI_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return fmt.Errorf("providers.default %q is not supported (use anthropic, openai, gemini, or ollama)", c.Providers.Default)
	}
	return nil
}
