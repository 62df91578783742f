package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/malipo/internal/ledger"
	"github.com/jkaninda/malipo/internal/tools"
)

// contextSnippetBytes caps how much of each completed step's output is fed
// forward into later tool invocations.
const contextSnippetBytes = 2048

// Executor drives a plan through the pay-per-step cycle.
type Executor struct {
	ledger      ledger.Ledger
	registry    *tools.Registry
	operator    ledger.Party
	logger      *slog.Logger
	tracer      trace.Tracer
	bus         *EventBus
	metrics     *RunMetrics
	toolTimeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithTracer enables per-run and per-step spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

// WithEventBus publishes run progress events for live subscribers.
func WithEventBus(bus *EventBus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithMetrics records run and step metrics. Nil disables recording.
func WithMetrics(m *RunMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithToolTimeout bounds each tool invocation. Zero means no bound beyond
// the run context.
func WithToolTimeout(d time.Duration) Option {
	return func(e *Executor) { e.toolTimeout = d }
}

// New creates an Executor that authorizes and settles steps as operator.
func New(l ledger.Ledger, registry *tools.Registry, operator ledger.Party, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		ledger:   l,
		registry: registry,
		operator: operator,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ValidatePlan checks plan structure before any ledger mutation: step IDs
// must be unique and non-empty, indices must match positions, dependencies
// may only reference earlier steps, estimates must not be negative, and
// each step's config must satisfy its tool when the tool is known. An
// unknown tool type is deliberately NOT a validation error; it surfaces as
// a per-step failure at run time.
func (e *Executor) ValidatePlan(plan *Plan) error {
	if plan == nil {
		return fmt.Errorf("%w: plan is nil", ErrInvalidPlan)
	}
	if plan.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidPlan)
	}
	if plan.Query == "" {
		return fmt.Errorf("%w: missing query", ErrInvalidPlan)
	}
	if len(plan.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}

	seen := make(map[string]int, len(plan.Steps))
	for i, step := range plan.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step %d has no id", ErrInvalidPlan, i)
		}
		if prev, dup := seen[step.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q at positions %d and %d", ErrInvalidPlan, step.ID, prev, i)
		}
		seen[step.ID] = i
		if step.Index != i {
			return fmt.Errorf("%w: step %q has index %d at position %d", ErrInvalidPlan, step.ID, step.Index, i)
		}
		if step.EstimatedCostUSD < 0 {
			return fmt.Errorf("%w: step %q has negative estimated cost", ErrInvalidPlan, step.ID)
		}
		for _, dep := range step.DependsOn {
			pos, ok := seen[dep]
			if !ok || pos >= i {
				return fmt.Errorf("%w: step %q depends on %q which is not an earlier step", ErrInvalidPlan, step.ID, dep)
			}
		}
		if tool := e.registry.Get(step.ToolType); tool != nil {
			if err := tool.Validate(step.ToolConfig); err != nil {
				return fmt.Errorf("%w: step %q config rejected by %s: %v", ErrInvalidPlan, step.ID, step.ToolType, err)
			}
		}
	}
	return nil
}

// Execute runs the plan sequentially. It returns an error only for an
// invalid plan; everything that happens after the first ledger mutation is
// reported through the Run, never by abandoning it.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*Run, error) {
	if err := e.ValidatePlan(plan); err != nil {
		return nil, err
	}

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "executor.run",
			trace.WithAttributes(
				attribute.String("session.id", plan.SessionID),
				attribute.Int("plan.steps", len(plan.Steps)),
				attribute.Float64("plan.max_budget_usd", plan.MaxBudgetUSD),
			))
		defer span.End()
	}

	run := &Run{
		SessionID: plan.SessionID,
		Status:    RunRunning,
		Results:   make([]StepResult, 0, len(plan.Steps)),
		StartedAt: time.Now().UTC(),
	}
	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
		defer e.metrics.ActiveRuns.Dec()
	}
	e.publish(Event{Type: EventRunStarted, SessionID: plan.SessionID})

	e.logger.InfoContext(ctx, "run started",
		slog.String("session_id", plan.SessionID),
		slog.Int("steps", len(plan.Steps)),
		slog.Float64("max_budget_usd", plan.MaxBudgetUSD))

	for _, step := range plan.Steps {
		e.publish(Event{
			Type:      EventStepStarted,
			SessionID: plan.SessionID,
			StepID:    step.ID,
			StepIndex: step.Index,
			Tool:      step.ToolType,
		})

		result := e.executeStep(ctx, plan, run, step)
		run.Results = append(run.Results, result)
		if result.Status == StepCompleted {
			run.TotalSpentUSD += result.ActualCostUSD
		}
		if e.metrics != nil {
			e.metrics.StepsTotal.WithLabelValues(step.ToolType, string(result.Status)).Inc()
			e.metrics.StepDuration.WithLabelValues(step.ToolType).Observe(float64(result.DurationMS) / 1000)
		}

		e.publish(Event{
			Type:      EventStepFinished,
			SessionID: plan.SessionID,
			StepID:    step.ID,
			StepIndex: step.Index,
			Tool:      step.ToolType,
			Status:    string(result.Status),
			SpentUSD:  run.TotalSpentUSD,
		})

		// A denial is terminal: later steps are never materialized.
		if result.Status == StepPaymentDenied {
			run.Status = RunHalted
			break
		}
	}

	if run.Status != RunHalted {
		run.Status = RunCompleted
	}
	run.FinishedAt = time.Now().UTC()
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
		e.metrics.RunDuration.WithLabelValues(string(run.Status)).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
		e.metrics.SpentUSD.Add(run.TotalSpentUSD)
	}

	e.publish(Event{
		Type:      EventRunFinished,
		SessionID: plan.SessionID,
		Status:    string(run.Status),
		SpentUSD:  run.TotalSpentUSD,
	})

	e.logger.InfoContext(ctx, "run finished",
		slog.String("session_id", plan.SessionID),
		slog.String("status", string(run.Status)),
		slog.Int("steps_completed", run.StepsCompleted()),
		slog.Float64("total_spent_usd", run.TotalSpentUSD))

	return run, nil
}

// executeStep performs the authorize → execute → confirm/refund cycle for
// one step.
func (e *Executor) executeStep(ctx context.Context, plan *Plan, run *Run, step Step) StepResult {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "executor.step",
			trace.WithAttributes(
				attribute.String("step.id", step.ID),
				attribute.String("step.tool", step.ToolType),
				attribute.Float64("step.estimated_cost_usd", step.EstimatedCostUSD),
			))
		defer span.End()
	}

	result := StepResult{
		StepID:    step.ID,
		Index:     step.Index,
		Tool:      step.ToolType,
		Timestamp: time.Now().UTC(),
	}

	// Every authorization error is a denial, transport failures included:
	// without a verified hold no tool may run.
	hold, err := e.ledger.Authorize(ctx, e.operator, plan.SessionID, step.ID, step.EstimatedCostUSD)
	if err != nil {
		result.Status = StepPaymentDenied
		result.Error = err.Error()
		e.logger.WarnContext(ctx, "payment denied, halting run",
			slog.String("session_id", plan.SessionID),
			slog.String("step_id", step.ID),
			slog.Float64("estimated_cost_usd", step.EstimatedCostUSD),
			slog.String("error", err.Error()))
		return result
	}
	result.PaymentReference = hold.Reference

	output, execErr := e.invokeTool(ctx, plan, run, step)
	result.DurationMS = time.Since(result.Timestamp).Milliseconds()

	if execErr != nil {
		result.Status = StepFailed
		result.Error = execErr.Error()
		e.logger.WarnContext(ctx, "step failed, refunding hold",
			slog.String("session_id", plan.SessionID),
			slog.String("step_id", step.ID),
			slog.String("error", execErr.Error()))

		if _, refundErr := e.ledger.Refund(ctx, e.operator, plan.SessionID, step.ID); refundErr != nil {
			// The books no longer match reality. Record it on the step and
			// keep going: inconsistencies never halt a run.
			result.Error = fmt.Sprintf("%s; ledger inconsistency: refund failed: %v", result.Error, refundErr)
			e.logger.ErrorContext(ctx, "refund failed",
				slog.String("session_id", plan.SessionID),
				slog.String("step_id", step.ID),
				slog.String("error", refundErr.Error()))
		}
		return result
	}

	result.Status = StepCompleted
	result.Output = output.Output
	result.Sources = output.Sources

	confirmed, confirmErr := e.ledger.Confirm(ctx, e.operator, plan.SessionID, step.ID)
	if confirmErr != nil {
		// The step's work is done but its money never moved; report zero
		// actual cost so the run total keeps matching the ledger.
		result.Error = fmt.Sprintf("ledger inconsistency: confirm failed: %v", confirmErr)
		e.logger.ErrorContext(ctx, "confirm failed",
			slog.String("session_id", plan.SessionID),
			slog.String("step_id", step.ID),
			slog.String("error", confirmErr.Error()))
		return result
	}

	result.ActualCostUSD = step.EstimatedCostUSD
	if confirmed.ResolvedReference != "" {
		result.PaymentReference = confirmed.ResolvedReference
	}

	e.logger.InfoContext(ctx, "step completed",
		slog.String("session_id", plan.SessionID),
		slog.String("step_id", step.ID),
		slog.String("tool", step.ToolType),
		slog.Float64("actual_cost_usd", result.ActualCostUSD),
		slog.Int64("duration_ms", result.DurationMS))

	return result
}

// invokeTool resolves and runs the step's tool. An unknown tool type is a
// runtime failure, charged nothing.
func (e *Executor) invokeTool(ctx context.Context, plan *Plan, run *Run, step Step) (*tools.Result, error) {
	tool := e.registry.Get(step.ToolType)
	if tool == nil {
		return nil, fmt.Errorf("unknown tool type %q", step.ToolType)
	}

	if e.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.toolTimeout)
		defer cancel()
	}

	result, err := tool.Execute(ctx, &tools.Invocation{
		Query:   plan.Query,
		Step:    step.Description,
		Config:  step.ToolConfig,
		Context: buildContext(run.Results),
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("tool %q returned no result", step.ToolType)
	}
	return result, nil
}

// buildContext renders completed step outputs as numbered lines for later
// tool invocations.
func buildContext(results []StepResult) string {
	var sb strings.Builder
	for _, res := range results {
		if res.Status != StepCompleted || res.Output == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[Step %d]: %s", res.Index+1, tools.TruncateOutput(res.Output, contextSnippetBytes))
	}
	return sb.String()
}

func (e *Executor) publish(ev Event) {
	if e.bus != nil {
		ev.Timestamp = time.Now().UTC()
		e.bus.Publish(ev)
	}
}
