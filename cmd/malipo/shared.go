package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/malipo/internal/config"
	"github.com/jkaninda/malipo/internal/ledger"
	"github.com/jkaninda/malipo/internal/llm"
	"github.com/jkaninda/malipo/internal/llm/anthropic"
	"github.com/jkaninda/malipo/internal/llm/gemini"
	"github.com/jkaninda/malipo/internal/llm/openai"
	"github.com/jkaninda/malipo/internal/observability"
	"github.com/jkaninda/malipo/internal/research"
	"github.com/jkaninda/malipo/internal/storage"
	pgstore "github.com/jkaninda/malipo/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/malipo/internal/storage/sqlite"
	"github.com/jkaninda/malipo/internal/tools"
	"github.com/jkaninda/malipo/internal/tools/chainread"
	"github.com/jkaninda/malipo/internal/tools/dbread"
	mcptools "github.com/jkaninda/malipo/internal/tools/mcp"
	"github.com/jkaninda/malipo/internal/tools/reasoning"
	"github.com/jkaninda/malipo/internal/tools/websearch"
)

// SharedComponents holds all initialized subsystems the server mode requires.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // nil = in-memory stores (ledger and reports lost on restart).

	Obs      *observability.Observability
	Provider llm.Provider
	Ledger   ledger.Ledger // Instrumented when metrics are enabled.
	Reports  research.ReportStore
	ToolReg  *tools.Registry

	// Unwrapped ledger for components that need the concrete escrow backend
	// (the settlement sweeper enumerates unsettled sessions on it).
	ledgerCore ledger.Ledger

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization for server mode.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// LLM provider.
	provider, err := newLLMProvider(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))

	if obs != nil && obs.Metrics != nil {
		provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.TracerOrNil())
	}
	sc.Provider = provider

	// Storage (optional: SQLite or PostgreSQL).
	if cfg.Storage != nil {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})

		// Run migrations.
		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	// Payment ledger.
	led, err := initLedger(cfg, sc.Store, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing ledger: %w", err)
	}
	sc.ledgerCore = led
	if obs != nil && obs.Metrics != nil {
		sc.Ledger = observability.NewInstrumentedLedger(led, obs.Metrics, obs.TracerOrNil())
	} else {
		sc.Ledger = led
	}
	logger.Debug("ledger initialized", slog.String("driver", cfg.Ledger.LedgerDriver()))

	// Report archive.
	if sc.Store != nil {
		sc.Reports = sc.Store.Reports()
	} else {
		sc.Reports = research.NewInMemoryReportStore()
	}

	// Billable tools.
	sc.ToolReg = buildToolRegistry(sc, cfg, logger)

	// Health checks.
	if obs != nil && obs.Health != nil && sc.Store != nil {
		if cfg.Observability.Health != nil && cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", sc.Store.Ping)
		}
	}

	return sc, nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}

	if envDSN := os.Getenv("MALIPO_DB_DSN"); envDSN != "" {
		dsn = envDSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or MALIPO_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

// initLedger creates the payment ledger from config. The "store" driver
// persists escrow through the storage section; "remote" delegates custody
// to an external service.
func initLedger(cfg *config.Config, store storage.Store, logger *slog.Logger) (ledger.Ledger, error) {
	switch driver := cfg.Ledger.LedgerDriver(); driver {
	case "memory":
		return ledger.NewMemoryLedger(cfg.Ledger.Operator(), logger), nil
	case "store":
		if store == nil {
			return nil, fmt.Errorf("ledger.driver \"store\" requires a storage section")
		}
		return ledger.NewStoreLedger(store.Sessions(), cfg.Ledger.Operator(), logger), nil
	case "remote":
		rc := cfg.Ledger.Remote
		return ledger.NewRemoteLedger(rc.Endpoint, rc.OperatorAPIKey, rc.PayerAPIKey, logger,
			ledger.WithRemoteTimeout(rc.Timeout())), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver: %q", driver)
	}
}

// buildToolRegistry registers every billable tool the config enables.
func buildToolRegistry(sc *SharedComponents, cfg *config.Config, logger *slog.Logger) *tools.Registry {
	reg := tools.NewRegistry()

	// Reasoning is always registered; it runs on the same provider as planning.
	var reasoningOpts []reasoning.Option
	if cfg.Tools.Reasoning != nil && cfg.Tools.Reasoning.UnitCostUSD > 0 {
		reasoningOpts = append(reasoningOpts, reasoning.WithUnitCost(cfg.Tools.Reasoning.UnitCostUSD))
	}
	reg.Register(reasoning.New(sc.Provider, defaultModel(cfg), logger, reasoningOpts...))

	// Tavily web search.
	if tc := cfg.Tools.Tavily; tc != nil {
		var opts []websearch.Option
		if tc.MaxResults > 0 {
			opts = append(opts, websearch.WithMaxResults(tc.MaxResults))
		}
		if tc.SearchDepth != "" {
			opts = append(opts, websearch.WithSearchDepth(tc.SearchDepth))
		}
		if tc.UnitCostUSD > 0 {
			opts = append(opts, websearch.WithUnitCost(tc.UnitCostUSD))
		}
		reg.Register(websearch.New(tc.APIKey, logger, opts...))
	}

	// JSON-RPC chain reads.
	if cc := cfg.Tools.ChainRPC; cc != nil {
		var opts []chainread.Option
		if cc.UnitCostUSD > 0 {
			opts = append(opts, chainread.WithUnitCost(cc.UnitCostUSD))
		}
		reg.Register(chainread.New(cc.URL, logger, opts...))
	}

	// Read-only SQL queries.
	if dc := cfg.Tools.Database; dc != nil {
		var opts []dbread.Option
		if dc.MaxRows > 0 {
			opts = append(opts, dbread.WithMaxRows(dc.MaxRows))
		}
		if dc.TimeoutSeconds > 0 {
			opts = append(opts, dbread.WithTimeout(time.Duration(dc.TimeoutSeconds)*time.Second))
		}
		if dc.UnitCostUSD > 0 {
			opts = append(opts, dbread.WithUnitCost(dc.UnitCostUSD))
		}
		dbTool := dbread.New(dc.DSN, logger, opts...)
		reg.Register(dbTool)
		sc.addCleanup(func() { _ = dbTool.Close() })
	}
	logger.Debug("tools registered", slog.Any("tools", reg.List()))

	// MCP tool servers.
	if len(cfg.Tools.MCP) > 0 {
		bridge := mcptools.NewBridge(logger)
		mcpCtx, mcpCancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, mcpCfg := range cfg.Tools.MCP {
			discovered, mcpErr := bridge.ConnectAndDiscover(mcpCtx, mcpCfg)
			if mcpErr != nil {
				logger.Error("MCP server failed, skipping",
					slog.String("server", mcpCfg.Name),
					slog.String("error", mcpErr.Error()),
				)
				continue
			}
			for _, t := range discovered {
				reg.Register(t)
			}
		}
		mcpCancel()
		sc.addCleanup(bridge.Close)
		logger.Debug("tools registered (with MCP)", slog.Any("tools", reg.List()))
	}

	return reg
}

// defaultModel returns the model of the configured default provider, used
// for reasoning-step provenance.
func defaultModel(cfg *config.Config) string {
	switch cfg.Providers.Default {
	case "openai":
		return cfg.Providers.OpenAI.Model
	case "gemini":
		return cfg.Providers.Gemini.Model
	case "ollama":
		return cfg.Providers.Ollama.Model
	default:
		return cfg.Providers.Anthropic.Model
	}
}

// newLLMProvider creates the LLM provider based on the configured default.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Build fallback chain if configured.
	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{primary}
		for _, name := range cfg.Providers.Fallback {
			fb, err := buildProvider(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return llm.NewFallbackProvider(providers, logger), nil
		}
	}

	return primary, nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "anthropic", "":
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
		), nil
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "gemini":
		var opts []gemini.Option
		if cfg.Providers.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Providers.Gemini.BaseURL))
		}
		return gemini.NewClient(
			cfg.Providers.Gemini.APIKey,
			cfg.Providers.Gemini.Model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
