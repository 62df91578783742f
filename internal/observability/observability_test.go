package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/malipo/internal/config"
	"github.com/jkaninda/malipo/internal/ledger"
	"github.com/jkaninda/malipo/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, discardLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if obs.MetricsOrNil() != obs.Metrics {
		t.Error("MetricsOrNil should return the collector")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Initialize some metrics so they appear in Gather (a CounterVec only
	// appears after first use).
	m.LLMRequestsTotal.WithLabelValues("test", "success").Inc()
	m.LedgerOperationsTotal.WithLabelValues("lock", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"malipo_llm_requests_total",
		"malipo_ledger_operations_total",
		"malipo_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.LLMRequestsTotal.WithLabelValues("anthropic", "success").Inc()
	m.LLMRequestsTotal.WithLabelValues("anthropic", "success").Inc()
	m.LLMRequestsTotal.WithLabelValues("anthropic", "error").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "malipo_llm_requests_total" {
			found = true
			for _, metric := range f.GetMetric() {
				labels := labelMap(metric.GetLabel())
				if labels["status"] == "success" {
					if got := metric.GetCounter().GetValue(); got != 2 {
						t.Errorf("success count = %v, want 2", got)
					}
				}
				if labels["status"] == "error" {
					if got := metric.GetCounter().GetValue(); got != 1 {
						t.Errorf("error count = %v, want 1", got)
					}
				}
			}
		}
	}
	if !found {
		t.Error("malipo_llm_requests_total not found")
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("custody", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %q, want ok", status.Checks["db"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(discardLogger())
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("custody", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "fail" {
		t.Errorf("db check = %q, want fail", status.Checks["db"].Status)
	}
	if status.Checks["db"].Message != "connection refused" {
		t.Errorf("db message = %q, want connection refused", status.Checks["db"].Message)
	}
	if status.Checks["custody"].Status != "ok" {
		t.Errorf("custody check = %q, want ok", status.Checks["custody"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- InstrumentedProvider (wrapper) ---

type mockProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.called++
	return m.resp, m.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{
		name: "test",
		resp: &llm.Response{
			Content: "hello",
			Usage:   llm.Usage{InputTokens: 10, OutputTokens: 20},
		},
	}

	p := NewInstrumentedProvider(inner, metrics, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q, want hello", resp.Content)
	}
	if inner.called != 1 {
		t.Errorf("inner called %d times, want 1", inner.called)
	}

	val := counterValue(t, metrics.Registry, "malipo_llm_requests_total", prometheus.Labels{"provider": "test", "status": "success"})
	if val != 1 {
		t.Errorf("requests_total = %v, want 1", val)
	}
	inTokens := counterValue(t, metrics.Registry, "malipo_llm_tokens_used_total", prometheus.Labels{"provider": "test", "direction": "input"})
	if inTokens != 10 {
		t.Errorf("input tokens = %v, want 10", inTokens)
	}
}

func TestInstrumentedProvider_Error(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{
		name: "test",
		err:  errors.New("api error"),
	}

	p := NewInstrumentedProvider(inner, metrics, nil)
	_, err := p.SendMessage(context.Background(), &llm.Request{})
	if err == nil {
		t.Fatal("expected error")
	}

	val := counterValue(t, metrics.Registry, "malipo_llm_requests_total", prometheus.Labels{"provider": "test", "status": "error"})
	if val != 1 {
		t.Errorf("error requests_total = %v, want 1", val)
	}
}

func TestInstrumentedProvider_NilMetrics(t *testing.T) {
	inner := &mockProvider{
		name: "test",
		resp: &llm.Response{Content: "ok"},
	}

	// nil metrics and tracer should not panic.
	p := NewInstrumentedProvider(inner, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
}

// --- InstrumentedLedger (wrapper) ---

func TestInstrumentedLedger_RecordsOperations(t *testing.T) {
	metrics := NewMetricsCollector()
	operator := ledger.Party{ID: "op-1", Role: ledger.RoleOperator}
	payer := ledger.Party{ID: "payer-1", Role: ledger.RolePayer}

	l := NewInstrumentedLedger(ledger.NewMemoryLedger("op-1", discardLogger()), metrics, nil)
	ctx := context.Background()

	if _, err := l.Lock(ctx, payer, "sess-1", 5.0, 2); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := l.Authorize(ctx, operator, "sess-1", "step_1", 2.0); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if _, err := l.Confirm(ctx, operator, "sess-1", "step_1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := l.Settle(ctx, operator, "sess-1", 2.0); err != nil {
		t.Fatalf("settle: %v", err)
	}

	for _, op := range []string{"lock", "authorize", "confirm", "settle"} {
		val := counterValue(t, metrics.Registry, "malipo_ledger_operations_total", prometheus.Labels{"op": op, "status": "success"})
		if val != 1 {
			t.Errorf("%s success count = %v, want 1", op, val)
		}
	}

	if val := counterValue(t, metrics.Registry, "malipo_ledger_amount_usd_total", prometheus.Labels{"op": "lock"}); val != 5.0 {
		t.Errorf("locked amount = %v, want 5.0", val)
	}
	if val := counterValue(t, metrics.Registry, "malipo_ledger_amount_usd_total", prometheus.Labels{"op": "confirm"}); val != 2.0 {
		t.Errorf("confirmed amount = %v, want 2.0", val)
	}
	// Settle records the remainder returned to the payer.
	if val := counterValue(t, metrics.Registry, "malipo_ledger_amount_usd_total", prometheus.Labels{"op": "settle"}); val != 3.0 {
		t.Errorf("settled refund = %v, want 3.0", val)
	}
}

func TestInstrumentedLedger_RecordsErrors(t *testing.T) {
	metrics := NewMetricsCollector()
	operator := ledger.Party{ID: "op-1", Role: ledger.RoleOperator}

	l := NewInstrumentedLedger(ledger.NewMemoryLedger("op-1", discardLogger()), metrics, nil)

	_, err := l.Authorize(context.Background(), operator, "missing", "step_1", 1.0)
	if !errors.Is(err, ledger.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}

	val := counterValue(t, metrics.Registry, "malipo_ledger_operations_total", prometheus.Labels{"op": "authorize", "status": "error"})
	if val != 1 {
		t.Errorf("error count = %v, want 1", val)
	}
	// No amount is recorded for failed holds.
	if val := counterValue(t, metrics.Registry, "malipo_ledger_amount_usd_total", prometheus.Labels{"op": "authorize"}); val != 0 {
		t.Errorf("authorize amount = %v, want 0", val)
	}
}

func TestInstrumentedLedger_NilMetrics(t *testing.T) {
	operator := ledger.Party{ID: "op-1", Role: ledger.RoleOperator}
	payer := ledger.Party{ID: "payer-1", Role: ledger.RolePayer}

	// nil metrics and tracer should not panic, and reads must delegate.
	l := NewInstrumentedLedger(ledger.NewMemoryLedger("op-1", discardLogger()), nil, nil)
	ctx := context.Background()

	if _, err := l.Lock(ctx, payer, "sess-1", 1.0, 1); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := l.Authorize(ctx, operator, "sess-1", "step_1", 0.5); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	remaining, err := l.Remaining(ctx, "sess-1")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 1.0 {
		t.Errorf("remaining = %v, want 1.0", remaining)
	}
	ok, err := l.IsAuthorized(ctx, "sess-1", "step_1")
	if err != nil || !ok {
		t.Errorf("IsAuthorized = %v, %v; want true, nil", ok, err)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
