// Package research runs the full metered pipeline: plan, lock the budget
// in escrow, execute step by step, synthesize, settle. Every run produces
// a Report even when a phase fails; only malformed requests are rejected
// with an error.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/malipo/internal/executor"
	"github.com/jkaninda/malipo/internal/ledger"
	"github.com/jkaninda/malipo/internal/planner"
	"github.com/jkaninda/malipo/internal/synthesizer"
)

const (
	minBudgetUSD        = 0.01
	defaultBudgetUSD    = 0.50
	defaultMaxBudgetUSD = 100.0
)

// Request validation errors. Everything past validation is reported
// through the Report envelope instead.
var (
	ErrEmptyQuery       = errors.New("query must not be empty")
	ErrBudgetOutOfRange = errors.New("budget out of range")
)

// Service wires the pipeline phases together around one ledger.
type Service struct {
	planner     *planner.Planner
	executor    *executor.Executor
	synthesizer *synthesizer.Synthesizer
	ledger      ledger.Ledger
	reports     ReportStore
	payer       ledger.Party
	operator    ledger.Party
	logger      *slog.Logger

	defaultBudget float64
	maxBudget     float64
}

type Option func(*Service)

// WithDefaultBudget sets the budget applied when a request omits one.
func WithDefaultBudget(usd float64) Option {
	return func(s *Service) {
		if usd > 0 {
			s.defaultBudget = usd
		}
	}
}

// WithMaxBudget caps the budget a single request may lock.
func WithMaxBudget(usd float64) Option {
	return func(s *Service) {
		if usd > 0 {
			s.maxBudget = usd
		}
	}
}

func New(
	p *planner.Planner,
	e *executor.Executor,
	syn *synthesizer.Synthesizer,
	l ledger.Ledger,
	reports ReportStore,
	payer, operator ledger.Party,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		planner:       p,
		executor:      e,
		synthesizer:   syn,
		ledger:        l,
		reports:       reports,
		payer:         payer,
		operator:      operator,
		logger:        logger,
		defaultBudget: defaultBudgetUSD,
		maxBudget:     defaultMaxBudgetUSD,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Research runs the whole pipeline for one query. A zero budget selects
// the service default. The returned error is non-nil only for invalid
// requests; pipeline failures come back as an error-status Report.
func (s *Service) Research(ctx context.Context, query string, maxBudgetUSD float64) (*Report, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if maxBudgetUSD == 0 {
		maxBudgetUSD = s.defaultBudget
	}
	if maxBudgetUSD < minBudgetUSD || maxBudgetUSD > s.maxBudget {
		return nil, fmt.Errorf("%w: $%.2f not in [$%.2f, $%.2f]",
			ErrBudgetOutOfRange, maxBudgetUSD, minBudgetUSD, s.maxBudget)
	}

	sessionID := strings.ReplaceAll(uuid.NewString(), "-", "")
	s.logger.InfoContext(ctx, "research started",
		slog.String("session_id", sessionID),
		slog.Float64("max_budget_usd", maxBudgetUSD),
	)

	// Phase 1: planning. No money moves until a plan exists.
	plan, err := s.planner.GeneratePlan(ctx, sessionID, query, maxBudgetUSD)
	if err != nil {
		return s.finish(ctx, s.errorReport(sessionID, query, maxBudgetUSD, "planning",
			fmt.Sprintf("Pipeline error: %v", err))), nil
	}
	if len(plan.Steps) == 0 {
		return s.finish(ctx, s.errorReport(sessionID, query, maxBudgetUSD, "planning",
			"Planning produced no executable steps.")), nil
	}

	// Phase 2: escrow the full budget, then execute.
	if _, err := s.ledger.Lock(ctx, s.payer, sessionID, maxBudgetUSD, len(plan.Steps)); err != nil {
		return s.finish(ctx, s.errorReport(sessionID, query, maxBudgetUSD, "pipeline_error",
			fmt.Sprintf("Pipeline error: budget lock failed: %v", err))), nil
	}

	run, err := s.executor.Execute(ctx, plan)
	if err != nil {
		// The plan never passed validation, so the escrow is untouched.
		// Settle with zero spend to hand it back.
		if _, settleErr := s.ledger.Settle(ctx, s.operator, sessionID, 0); settleErr != nil {
			s.logger.ErrorContext(ctx, "failed to release escrow after rejected plan",
				slog.String("session_id", sessionID),
				slog.String("error", settleErr.Error()),
			)
		}
		return s.finish(ctx, s.errorReport(sessionID, query, maxBudgetUSD, "pipeline_error",
			fmt.Sprintf("Pipeline error: %v", err))), nil
	}

	// Phase 3: synthesis never fails; it degrades.
	synthesis := s.synthesizer.Synthesize(ctx, query, run)

	// Phase 4: settlement splits the escrow between payer and operator.
	settlement, err := s.ledger.Settle(ctx, s.operator, sessionID, run.TotalSpentUSD)
	if err != nil {
		s.logger.ErrorContext(ctx, "settlement failed",
			slog.String("session_id", sessionID),
			slog.Float64("total_spent_usd", run.TotalSpentUSD),
			slog.String("error", err.Error()),
		)
	}

	report := s.buildReport(query, plan, run, synthesis, settlement)
	if err != nil {
		report.Notes += fmt.Sprintf(" Settlement failed: %v.", err)
	}
	return s.finish(ctx, report), nil
}

// Report returns the stored report for a session.
func (s *Service) Report(ctx context.Context, sessionID string) (*Report, error) {
	return s.reports.Get(ctx, sessionID)
}

// Reports returns the most recent stored reports, newest first.
func (s *Service) Reports(ctx context.Context, limit int) ([]*Report, error) {
	return s.reports.List(ctx, limit)
}

func (s *Service) buildReport(
	query string,
	plan *executor.Plan,
	run *executor.Run,
	synthesis *synthesizer.Synthesis,
	settlement *ledger.Settlement,
) *Report {
	status := StatusCompleted
	currentStep := "synthesis_complete"
	notes := "Completed."
	if run.Halted() {
		status = StatusHalted
		currentStep = fmt.Sprintf("halted_at_step_%d", len(run.Results))
		notes = "Halted due to budget."
	}

	sources := make([]string, 0, len(synthesis.Sources))
	for _, src := range synthesis.Sources {
		sources = append(sources, src.URL)
	}

	budget := executor.ComputeBudget(plan, run.Results)

	return &Report{
		Status:                   status,
		SessionID:                plan.SessionID,
		Query:                    query,
		CurrentStep:              currentStep,
		EstimatedRemainingBudget: budget.RemainingUSD,
		Budget:                   &budget,
		Plan:                     plan,
		Actions:                  run.Results,
		Results:                  synthesis,
		Sources:                  sources,
		Notes: fmt.Sprintf("%s %d steps executed. Total cost: $%.4f",
			notes, run.StepsCompleted(), run.TotalSpentUSD),
		Settlement: settlement,
		Timestamp:  time.Now().UTC(),
	}
}

func (s *Service) errorReport(sessionID, query string, maxBudgetUSD float64, currentStep, notes string) *Report {
	return &Report{
		Status:                   StatusError,
		SessionID:                sessionID,
		Query:                    query,
		CurrentStep:              currentStep,
		EstimatedRemainingBudget: maxBudgetUSD,
		Actions:                  []executor.StepResult{},
		Sources:                  []string{},
		Notes:                    notes,
		Timestamp:                time.Now().UTC(),
	}
}

// finish persists the report and returns it. Storage failures are logged,
// never surfaced: the caller still gets the finished report.
func (s *Service) finish(ctx context.Context, report *Report) *Report {
	if err := s.reports.Save(ctx, report); err != nil {
		s.logger.WarnContext(ctx, "failed to store report",
			slog.String("session_id", report.SessionID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.InfoContext(ctx, "research finished",
		slog.String("session_id", report.SessionID),
		slog.String("status", report.Status),
		slog.String("notes", report.Notes),
	)
	return report
}
