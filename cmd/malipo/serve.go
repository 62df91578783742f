package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/malipo/internal/config"
	"github.com/jkaninda/malipo/internal/executor"
	"github.com/jkaninda/malipo/internal/gateway"
	"github.com/jkaninda/malipo/internal/gateway/custodyapi"
	"github.com/jkaninda/malipo/internal/gateway/httpapi"
	"github.com/jkaninda/malipo/internal/ledger"
	"github.com/jkaninda/malipo/internal/planner"
	"github.com/jkaninda/malipo/internal/ratelimit"
	"github.com/jkaninda/malipo/internal/research"
	"github.com/jkaninda/malipo/internal/sweeper"
	"github.com/jkaninda/malipo/internal/synthesizer"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the research server (HTTP API, custody service, sweeper)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `malipo --config path` and `malipo serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runServe starts the research pipeline server and its companion services.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("MALIPO_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger.Info("starting server", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	operator := ledger.Party{ID: cfg.Ledger.Operator(), Role: ledger.RoleOperator}
	payer := ledger.Party{ID: cfg.Ledger.Payer(), Role: ledger.RolePayer}

	// Pipeline: planner, executor, and synthesizer share the provider; every
	// step the executor runs is metered through the ledger.
	bus := executor.NewEventBus()

	execOpts := []executor.Option{executor.WithEventBus(bus)}
	if sc.Obs != nil && sc.Obs.Metrics != nil {
		execOpts = append(execOpts, executor.WithMetrics(executor.NewRunMetrics(sc.Obs.Metrics.Registry)))
	}
	if sc.Obs != nil && sc.Obs.Tracer != nil {
		execOpts = append(execOpts, executor.WithTracer(sc.Obs.Tracer.Tracer()))
	}
	exec := executor.New(sc.Ledger, sc.ToolReg, operator, logger, execOpts...)

	plan := planner.New(sc.Provider, sc.ToolReg, logger, planner.WithMaxSteps(cfg.Planner.Steps()))
	syn := synthesizer.New(sc.Provider, logger)

	svc := research.New(plan, exec, syn, sc.Ledger, sc.Reports, payer, operator, logger,
		research.WithDefaultBudget(cfg.Planner.DefaultBudget()),
		research.WithMaxBudget(cfg.Planner.MaxBudget()),
	)

	// Custody service backend (optional). It is an authority of its own:
	// remote-driver research servers reach it over HTTP, so it never shares
	// the pipeline's ledger instance.
	var custodyBackend custodyapi.Backend
	if cfg.Custody != nil {
		custodyBackend = newCustodyBackend(cfg, sc.Store, logger)
	}

	// Build enabled gateways.
	gateways := buildGateways(cfg, sc, svc, bus, custodyBackend)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Settlement sweeper (optional; needs a local escrow backend).
	if cfg.Sweeper != nil && cfg.Sweeper.Enabled {
		if backend := sweepTarget(sc.ledgerCore, custodyBackend); backend != nil {
			var swMetrics *sweeper.Metrics
			if sc.Obs != nil && sc.Obs.Metrics != nil {
				swMetrics = sweeper.NewMetrics(sc.Obs.Metrics.Registry)
			}
			sw, err := sweeper.New(backend, operator, cfg.Sweeper, swMetrics, logger)
			if err != nil {
				return err
			}
			cancelSweep := sw.Start(ctx)
			defer cancelSweep()
		} else {
			logger.Warn("sweeper enabled but no local escrow backend to sweep, skipping",
				slog.String("ledger_driver", cfg.Ledger.LedgerDriver()),
			)
		}
	}

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGateways creates all enabled gateways from config.
func buildGateways(cfg *config.Config, sc *SharedComponents, svc *research.Service, bus *executor.EventBus, custodyBackend custodyapi.Backend) []gateway.Gateway {
	var gws []gateway.Gateway
	gwCfg := cfg.Gateways

	// HTTP API gateway.
	if gwCfg.HTTP != nil && gwCfg.HTTP.Enabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: gwCfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         gwCfg.HTTP.RateLimit.BurstSize,
		})

		// Build API key → client mapping from config + env override.
		apiKeys := gwCfg.HTTP.APIKeys
		if apiKeys == nil {
			apiKeys = make(map[string]string)
		}
		if envKeys := os.Getenv("MALIPO_API_KEYS"); envKeys != "" {
			for _, entry := range strings.Split(envKeys, ",") {
				parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
				if len(parts) == 2 {
					apiKeys[parts[0]] = parts[1]
				}
			}
		}

		httpCfg := httpapi.Config{
			ListenAddr:     gwCfg.HTTP.Addr(),
			EnableDocs:     gwCfg.HTTP.EnableDocs,
			APIKeys:        apiKeys,
			MaxRequestSize: gwCfg.HTTP.MaxRequestSizeBytes,
		}
		if sc.Obs != nil {
			httpCfg.Metrics = sc.Obs.Metrics
			httpCfg.HealthChecker = sc.Obs.Health
			if sc.Obs.Metrics != nil {
				httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			}
			if sc.Obs.Tracer != nil {
				httpCfg.Tracer = sc.Obs.Tracer.Tracer()
			}
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				httpCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}

		gws = append(gws, httpapi.NewGateway(httpCfg, svc, limiter, sc.Logger).WithEventBus(bus))
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "http"),
			slog.String("addr", gwCfg.HTTP.Addr()),
			slog.Bool("docs", gwCfg.HTTP.EnableDocs),
		)
	}

	// Custody service.
	if cfg.Custody != nil && custodyBackend != nil {
		gws = append(gws, custodyapi.NewService(custodyapi.Config{
			ListenAddr: cfg.Custody.Addr(),
			Parties:    custodyParties(cfg.Custody.Parties),
		}, custodyBackend, sc.Logger))
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "custody"),
			slog.String("addr", cfg.Custody.Addr()),
			slog.Int("parties", len(cfg.Custody.Parties)),
		)
	}

	return gws
}

// sweepTarget picks the escrow backend the sweeper should close abandoned
// sessions on: the custody service's ledger when it runs in-process,
// otherwise the pipeline's own ledger when that holds escrow locally.
// A remote-driver pipeline without an in-process custody service has
// nothing local to sweep.
func sweepTarget(core ledger.Ledger, custody custodyapi.Backend) sweeper.Backend {
	if custody != nil {
		if b, ok := custody.(sweeper.Backend); ok {
			return b
		}
	}
	if b, ok := core.(sweeper.Backend); ok {
		return b
	}
	return nil
}
