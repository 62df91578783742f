package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/malipo/internal/ledger"
	"github.com/jkaninda/malipo/internal/llm"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics and tracing.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}

// --- InstrumentedLedger ---

// InstrumentedLedger wraps a ledger.Ledger with metrics and tracing. The
// five mutating operations get spans, counters, and latency histograms;
// read operations delegate untouched.
type InstrumentedLedger struct {
	inner   ledger.Ledger
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedLedger wraps a ledger with observability.
func NewInstrumentedLedger(inner ledger.Ledger, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedLedger {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedLedger{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (l *InstrumentedLedger) Lock(ctx context.Context, caller ledger.Party, sessionID string, amountUSD float64, stepCount int) (*ledger.Session, error) {
	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.Start(ctx, "ledger.lock",
			trace.WithAttributes(
				attribute.String("ledger.session_id", sessionID),
				attribute.Float64("ledger.amount_usd", amountUSD),
			))
		defer span.End()
	}

	start := time.Now()
	session, err := l.inner.Lock(ctx, caller, sessionID, amountUSD, stepCount)
	l.record(ctx, "lock", start, err)

	if err == nil && l.metrics != nil {
		l.metrics.LedgerAmountUSD.WithLabelValues("lock").Add(amountUSD)
	}
	return session, err
}

func (l *InstrumentedLedger) Authorize(ctx context.Context, caller ledger.Party, sessionID, stepID string, amountUSD float64) (*ledger.Authorization, error) {
	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.Start(ctx, "ledger.authorize",
			trace.WithAttributes(
				attribute.String("ledger.session_id", sessionID),
				attribute.String("ledger.step_id", stepID),
				attribute.Float64("ledger.amount_usd", amountUSD),
			))
		defer span.End()
	}

	start := time.Now()
	auth, err := l.inner.Authorize(ctx, caller, sessionID, stepID, amountUSD)
	l.record(ctx, "authorize", start, err)

	if err == nil && l.metrics != nil {
		l.metrics.LedgerAmountUSD.WithLabelValues("authorize").Add(amountUSD)
	}
	return auth, err
}

func (l *InstrumentedLedger) Confirm(ctx context.Context, caller ledger.Party, sessionID, stepID string) (*ledger.Authorization, error) {
	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.Start(ctx, "ledger.confirm",
			trace.WithAttributes(
				attribute.String("ledger.session_id", sessionID),
				attribute.String("ledger.step_id", stepID),
			))
		defer span.End()
	}

	start := time.Now()
	auth, err := l.inner.Confirm(ctx, caller, sessionID, stepID)
	l.record(ctx, "confirm", start, err)

	if err == nil && auth != nil && l.metrics != nil {
		l.metrics.LedgerAmountUSD.WithLabelValues("confirm").Add(auth.AmountUSD)
	}
	return auth, err
}

func (l *InstrumentedLedger) Refund(ctx context.Context, caller ledger.Party, sessionID, stepID string) (*ledger.Authorization, error) {
	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.Start(ctx, "ledger.refund",
			trace.WithAttributes(
				attribute.String("ledger.session_id", sessionID),
				attribute.String("ledger.step_id", stepID),
			))
		defer span.End()
	}

	start := time.Now()
	auth, err := l.inner.Refund(ctx, caller, sessionID, stepID)
	l.record(ctx, "refund", start, err)

	if err == nil && auth != nil && l.metrics != nil {
		l.metrics.LedgerAmountUSD.WithLabelValues("refund").Add(auth.AmountUSD)
	}
	return auth, err
}

func (l *InstrumentedLedger) Settle(ctx context.Context, caller ledger.Party, sessionID string, totalSpentUSD float64) (*ledger.Settlement, error) {
	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.Start(ctx, "ledger.settle",
			trace.WithAttributes(
				attribute.String("ledger.session_id", sessionID),
				attribute.Float64("ledger.amount_usd", totalSpentUSD),
			))
		defer span.End()
	}

	start := time.Now()
	settlement, err := l.inner.Settle(ctx, caller, sessionID, totalSpentUSD)
	l.record(ctx, "settle", start, err)

	if err == nil && settlement != nil && l.metrics != nil {
		l.metrics.LedgerAmountUSD.WithLabelValues("settle").Add(settlement.RefundedUSD)
	}
	return settlement, err
}

func (l *InstrumentedLedger) Remaining(ctx context.Context, sessionID string) (float64, error) {
	return l.inner.Remaining(ctx, sessionID)
}

func (l *InstrumentedLedger) IsAuthorized(ctx context.Context, sessionID, stepID string) (bool, error) {
	return l.inner.IsAuthorized(ctx, sessionID, stepID)
}

func (l *InstrumentedLedger) IsConfirmed(ctx context.Context, sessionID, stepID string) (bool, error) {
	return l.inner.IsConfirmed(ctx, sessionID, stepID)
}

func (l *InstrumentedLedger) Session(ctx context.Context, sessionID string) (*ledger.Session, error) {
	return l.inner.Session(ctx, sessionID)
}

// record marks the active span on error and updates operation metrics.
func (l *InstrumentedLedger) record(ctx context.Context, op string, start time.Time, err error) {
	if err != nil && l.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if l.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	l.metrics.LedgerOperationsTotal.WithLabelValues(op, status).Inc()
	l.metrics.LedgerOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider  = (*InstrumentedProvider)(nil)
	_ ledger.Ledger = (*InstrumentedLedger)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
