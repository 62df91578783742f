// Package sweeper settles escrow sessions abandoned without a settle
// call. A crashed or interrupted run leaves its session open with the
// confirmed spend already recorded; once such a session is old enough,
// the sweeper settles it against the ledger's own total, releasing the
// unspent remainder back to the payer.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/malipo/internal/config"
	"github.com/jkaninda/malipo/internal/ledger"
)

// Backend is the ledger surface the sweeper needs. MemoryLedger and
// StoreLedger both satisfy it.
type Backend interface {
	UnsettledBefore(ctx context.Context, cutoff time.Time) ([]*ledger.Session, error)
	Settle(ctx context.Context, caller ledger.Party, sessionID string, totalSpentUSD float64) (*ledger.Settlement, error)
}

// Sweeper periodically settles abandoned sessions on a cron schedule.
type Sweeper struct {
	backend  Backend
	operator ledger.Party
	config   *config.SweeperConfig
	metrics  *Metrics
	logger   *slog.Logger
	cron     *cron.Cron
	schedule cron.Schedule
}

// New builds a sweeper that settles as operator. The cfg schedule is
// validated here; Start arms it. metrics may be nil.
func New(backend Backend, operator ledger.Party, cfg *config.SweeperConfig, metrics *Metrics, logger *slog.Logger) (*Sweeper, error) {
	schedule, err := cron.ParseStandard(cfg.CronSchedule())
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.CronSchedule(), err)
	}
	s := &Sweeper{
		backend:  backend,
		operator: operator,
		config:   cfg,
		metrics:  metrics,
		logger:   logger,
		schedule: schedule,
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})))
	return s, nil
}

// Start arms the sweep schedule. The returned function stops the
// schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Start(ctx context.Context) func() {
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		s.Sweep(ctx)
	}))
	s.cron.Start()
	s.logger.InfoContext(ctx, "settlement sweeper started",
		slog.String("schedule", s.config.CronSchedule()),
		slog.String("settle_after", s.config.SettleAfter().String()),
	)
	return func() {
		<-s.cron.Stop().Done()
		s.logger.Info("settlement sweeper stopped")
	}
}

// Sweep settles every open session older than the configured age, using
// the ledger's own spent total for each. It returns the number of
// sessions settled.
func (s *Sweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.SweepsTotal.Inc()
	}

	cutoff := time.Now().UTC().Add(-s.config.SettleAfter())
	stale, err := s.backend.UnsettledBefore(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep enumeration failed", slog.Any("error", err))
		if s.metrics != nil {
			s.metrics.SweepErrors.Inc()
		}
		return 0
	}

	settled := 0
	for _, session := range stale {
		settlement, err := s.backend.Settle(ctx, s.operator, session.ID, session.SpentUSD)
		if errors.Is(err, ledger.ErrAlreadySettled) {
			// A late settle call won the race.
			continue
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "sweep settle failed",
				slog.String("session_id", session.ID),
				slog.Any("error", err),
			)
			if s.metrics != nil {
				s.metrics.SweepErrors.Inc()
			}
			continue
		}

		settled++
		if s.metrics != nil {
			s.metrics.SessionsSwept.Inc()
			s.metrics.RefundedUSD.Add(settlement.RefundedUSD)
		}
		s.logger.InfoContext(ctx, "swept abandoned session",
			slog.String("session_id", session.ID),
			slog.Float64("spent_usd", settlement.SpentUSD),
			slog.Float64("refunded_usd", settlement.RefundedUSD),
			slog.Duration("age", time.Since(session.CreatedAt).Round(time.Second)),
		)
	}

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	return settled
}

// cronLogger adapts slog to the cron.Logger interface so schedule
// overlaps and job panics surface in the service log.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info("sweep schedule: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("sweep schedule: "+msg, append(keysAndValues, slog.Any("error", err))...)
}
