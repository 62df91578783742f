package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every environment variable Load consults, so subtests
// behave the same regardless of the host environment. t.Setenv restores
// the originals when the test finishes.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY",
		"TAVILY_API_KEY", "RPC_URL", "MALIPO_TOOL_DB_DSN",
		"MALIPO_OPERATOR_API_KEY", "MALIPO_PAYER_API_KEY", "MALIPO_DATA_DIR",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

// providersOK is the smallest providers section that passes validation.
const providersOK = `"providers":{"default":"ollama","ollama":{"model":"llama3"}}`

func TestLoadJSON(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.json", `{
		`+providersOK+`,
		"ledger": {"operator_id": "ops-team"},
		"planner": {"max_steps": 4}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Providers.Default != "ollama" {
		t.Errorf("Default = %q, want ollama", cfg.Providers.Default)
	}
	if got := cfg.Ledger.LedgerDriver(); got != "memory" {
		t.Errorf("LedgerDriver() = %q, want memory default", got)
	}
	if got := cfg.Ledger.Operator(); got != "ops-team" {
		t.Errorf("Operator() = %q, want ops-team", got)
	}
	if got := cfg.Planner.Steps(); got != 4 {
		t.Errorf("Steps() = %d, want 4", got)
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
providers:
  default: ollama
  ollama:
    model: llama3
planner:
  default_budget_usd: 0.25
sweeper:
  enabled: true
  schedule: "@every 5m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Planner.DefaultBudget(); got != 0.25 {
		t.Errorf("DefaultBudget() = %v, want 0.25", got)
	}
	if cfg.Sweeper == nil || !cfg.Sweeper.Enabled {
		t.Fatalf("Sweeper = %+v, want enabled", cfg.Sweeper)
	}
	if got := cfg.Sweeper.CronSchedule(); got != "@every 5m" {
		t.Errorf("CronSchedule() = %q, want @every 5m", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("Load() on a missing file returned nil error")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")
	t.Setenv("TAVILY_API_KEY", "tvly-from-env")
	t.Setenv("MALIPO_DATA_DIR", "/var/lib/malipo")

	// The file sets a stale key and omits the tavily section entirely;
	// the env vars must win and materialize the missing section.
	path := writeConfig(t, "config.json", `{
		"providers": {
			"default": "anthropic",
			"anthropic": {"api_key": "sk-from-file", "model": "claude-test"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Providers.Anthropic.APIKey; got != "sk-from-env" {
		t.Errorf("Anthropic.APIKey = %q, want env value", got)
	}
	if cfg.Tools.Tavily == nil || cfg.Tools.Tavily.APIKey != "tvly-from-env" {
		t.Errorf("Tools.Tavily = %+v, want section created from env", cfg.Tools.Tavily)
	}
	if cfg.DataDir != "/var/lib/malipo" {
		t.Errorf("DataDir = %q, want env value", cfg.DataDir)
	}
}

func TestLoadValidation(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			"unknown provider",
			`{"providers":{"default":"mystery"}}`,
			"not supported",
		},
		{
			"anthropic missing key",
			`{"providers":{"default":"anthropic","anthropic":{"model":"claude-test"}}}`,
			"api_key is required",
		},
		{
			"ollama missing model",
			`{"providers":{"default":"ollama"}}`,
			"model is required",
		},
		{
			"store driver without storage",
			`{` + providersOK + `,"ledger":{"driver":"store"}}`,
			"requires a storage section",
		},
		{
			"remote driver without endpoint",
			`{` + providersOK + `,"ledger":{"driver":"remote"}}`,
			"endpoint is required",
		},
		{
			"remote driver without keys",
			`{` + providersOK + `,"ledger":{"driver":"remote","remote":{"endpoint":"http://localhost:8090"}}}`,
			"operator_api_key and payer_api_key",
		},
		{
			"unknown ledger driver",
			`{` + providersOK + `,"ledger":{"driver":"paper"}}`,
			"not supported",
		},
		{
			"unknown storage driver",
			`{` + providersOK + `,"storage":{"driver":"mysql"}}`,
			"not supported",
		},
		{
			"postgres without dsn",
			`{` + providersOK + `,"storage":{"driver":"postgres"}}`,
			"storage.postgres.dsn is required",
		},
		{
			"tavily without key",
			`{` + providersOK + `,"tools":{"tavily":{"max_results":3}}}`,
			"tools.tavily.api_key is required",
		},
		{
			"chain rpc without url",
			`{` + providersOK + `,"tools":{"chain_rpc":{"unit_cost_usd":0.001}}}`,
			"tools.chain_rpc.url is required",
		},
		{
			"database without dsn",
			`{` + providersOK + `,"tools":{"database":{"max_rows":10}}}`,
			"tools.database.dsn is required",
		},
		{
			"mcp without name",
			`{` + providersOK + `,"tools":{"mcp":[{"transport":"stdio","command":"srv"}]}}`,
			"name is required",
		},
		{
			"mcp duplicate name",
			`{` + providersOK + `,"tools":{"mcp":[{"name":"gh","transport":"stdio","command":"a"},{"name":"gh","transport":"stdio","command":"b"}]}}`,
			"duplicate server name",
		},
		{
			"mcp stdio without command",
			`{` + providersOK + `,"tools":{"mcp":[{"name":"gh","transport":"stdio"}]}}`,
			"command is required",
		},
		{
			"mcp sse without url",
			`{` + providersOK + `,"tools":{"mcp":[{"name":"gh","transport":"sse"}]}}`,
			"url is required",
		},
		{
			"mcp unknown transport",
			`{` + providersOK + `,"tools":{"mcp":[{"name":"gh","transport":"carrier-pigeon"}]}}`,
			"transport must be",
		},
		{
			"custody without parties",
			`{` + providersOK + `,"custody":{"listen_addr":":8090"}}`,
			"at least one identity",
		},
		{
			"custody duplicate identity",
			`{` + providersOK + `,"custody":{"parties":[{"id":"p1","role":"payer","api_key":"k1"},{"id":"p1","role":"operator","api_key":"k2"}]}}`,
			"duplicate identity",
		},
		{
			"custody unknown role",
			`{` + providersOK + `,"custody":{"parties":[{"id":"p1","role":"auditor","api_key":"k1"}]}}`,
			"role must be payer or operator",
		},
		{
			"custody reused api key",
			`{` + providersOK + `,"custody":{"parties":[{"id":"p1","role":"payer","api_key":"k1"},{"id":"p2","role":"operator","api_key":"k1"}]}}`,
			"already assigned",
		},
		{
			"negative budget",
			`{` + providersOK + `,"planner":{"default_budget_usd":-1}}`,
			"must not be negative",
		},
		{
			"default budget above cap",
			`{` + providersOK + `,"planner":{"default_budget_usd":5,"max_budget_usd":1}}`,
			"exceeds planner.max_budget_usd",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tc.config)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() returned nil error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Load() error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

// Nil sections must still yield usable defaults — the sweeper, gateways,
// and cmd wiring all call these accessors without checking for nil first.
func TestAccessorDefaults(t *testing.T) {
	var sw *SweeperConfig
	if got := sw.CronSchedule(); got != "@every 10m" {
		t.Errorf("CronSchedule() = %q, want @every 10m", got)
	}
	if got := sw.SettleAfter(); got != time.Hour {
		t.Errorf("SettleAfter() = %v, want 1h", got)
	}

	var led *LedgerConfig
	if led.LedgerDriver() != "memory" || led.Operator() != "malipo-operator" || led.Payer() != "malipo-payer" {
		t.Errorf("ledger defaults = %q/%q/%q", led.LedgerDriver(), led.Operator(), led.Payer())
	}

	var p *PlannerConfig
	if p.Steps() != 7 || p.DefaultBudget() != 0.50 || p.MaxBudget() != 100.0 {
		t.Errorf("planner defaults = %d/%v/%v", p.Steps(), p.DefaultBudget(), p.MaxBudget())
	}

	var h *HTTPGatewayConfig
	if h.Addr() != ":8080" || h.MaxRequestSize() != 1<<20 {
		t.Errorf("http gateway defaults = %q/%d", h.Addr(), h.MaxRequestSize())
	}

	var rl *RateLimitConfig
	if rl.PerMinute() != 60 || rl.Burst() != 10 {
		t.Errorf("rate limit defaults = %d/%d", rl.PerMinute(), rl.Burst())
	}

	var st *StorageConfig
	if st.StorageDriver() != "sqlite" {
		t.Errorf("StorageDriver() = %q, want sqlite", st.StorageDriver())
	}

	var rem *RemoteLedgerConfig
	if rem.Timeout() != 15*time.Second {
		t.Errorf("Timeout() = %v, want 15s", rem.Timeout())
	}

	var cu *CustodyConfig
	if cu.Addr() != ":8090" {
		t.Errorf("Addr() = %q, want :8090", cu.Addr())
	}
}
