package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/malipo/internal/config"
	"github.com/jkaninda/malipo/internal/gateway/custodyapi"
	"github.com/jkaninda/malipo/internal/ledger"
	"github.com/jkaninda/malipo/internal/storage"
	"github.com/jkaninda/malipo/internal/sweeper"
	goutils "github.com/jkaninda/go-utils"
)

var (
	custodyConfigPath string
	custodyAddr       string
)

var custodyCmd = &cobra.Command{
	Use:   "custody",
	Short: "Start the standalone value-custody service",
	Long: `Start the value-custody service on its own. It holds the authoritative
escrow ledger and exposes it over HTTP for research servers running with
the remote ledger driver. API keys for payer and operator identities are
configured under the custody section.`,
	RunE: runCustody,
}

func init() {
	custodyCmd.Flags().StringVar(&custodyConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	custodyCmd.Flags().StringVar(&custodyAddr, "listen", "", "override listen address (e.g. :8090)")
}

// runCustody starts only the custody service and, when enabled, the
// settlement sweeper against its escrow backend. It never touches the
// LLM provider, so no model credentials are needed on custody hosts.
func runCustody(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("MALIPO_CONFIG", custodyConfigPath))
	if err != nil {
		return err
	}
	if cfg.Custody == nil {
		return fmt.Errorf("custody section is required in config")
	}

	// Apply CLI overrides.
	if custodyAddr != "" {
		cfg.Custody.ListenAddr = custodyAddr
	}

	logger.Info("starting custody service", slog.String("config", custodyConfigPath))

	// Durable escrow when storage is configured.
	var store storage.Store
	if cfg.Storage != nil {
		store, err = initStore(cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		}()
		if err := store.Migrate(context.Background()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	backend := newCustodyBackend(cfg, store, logger)
	svc := custodyapi.NewService(custodyapi.Config{
		ListenAddr: cfg.Custody.Addr(),
		Parties:    custodyParties(cfg.Custody.Parties),
	}, backend, logger)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Settlement sweeper runs beside the authority it sweeps.
	if cfg.Sweeper != nil && cfg.Sweeper.Enabled {
		sweepable, ok := backend.(sweeper.Backend)
		if !ok {
			return fmt.Errorf("custody backend does not support sweeping")
		}
		operator := ledger.Party{ID: cfg.Ledger.Operator(), Role: ledger.RoleOperator}
		sw, err := sweeper.New(sweepable, operator, cfg.Sweeper, nil, logger)
		if err != nil {
			return err
		}
		cancelSweep := sw.Start(ctx)
		defer cancelSweep()
	}

	errs := make(chan error, 1)
	go func() {
		errs <- svc.Start(ctx)
	}()

	// Wait for signal or service error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("custody service exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return svc.Stop(shutdownCtx)
}

// newCustodyBackend picks the escrow ledger the custody service exposes:
// durable when storage is configured, in-memory otherwise.
func newCustodyBackend(cfg *config.Config, store storage.Store, logger *slog.Logger) custodyapi.Backend {
	if store != nil {
		return ledger.NewStoreLedger(store.Sessions(), cfg.Ledger.Operator(), logger)
	}
	return ledger.NewMemoryLedger(cfg.Ledger.Operator(), logger)
}

// custodyParties maps configured identities to custody API credentials.
func custodyParties(parties []config.PartyKeyConfig) []custodyapi.PartyKey {
	keys := make([]custodyapi.PartyKey, len(parties))
	for i, p := range parties {
		keys[i] = custodyapi.PartyKey{
			Party: ledger.Party{ID: p.ID, Role: ledger.Role(p.Role)},
			Key:   p.APIKey,
		}
	}
	return keys
}
