package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/malipo/internal/config"
	"github.com/jkaninda/malipo/internal/ledger"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testOperator = ledger.Party{ID: "op-1", Role: ledger.RoleOperator}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

type settleCall struct {
	caller    ledger.Party
	sessionID string
	totalUSD  float64
}

// fakeBackend serves a canned stale-session list and records settles.
type fakeBackend struct {
	mu        sync.Mutex
	stale     []*ledger.Session
	listErr   error
	settleErr map[string]error
	calls     []settleCall
}

func (f *fakeBackend) UnsettledBefore(context.Context, time.Time) ([]*ledger.Session, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.stale, nil
}

func (f *fakeBackend) Settle(_ context.Context, caller ledger.Party, sessionID string, totalSpentUSD float64) (*ledger.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.settleErr[sessionID]; err != nil {
		return nil, err
	}
	f.calls = append(f.calls, settleCall{caller: caller, sessionID: sessionID, totalUSD: totalSpentUSD})
	var locked float64
	for _, s := range f.stale {
		if s.ID == sessionID {
			locked = s.LockedUSD
		}
	}
	return &ledger.Settlement{
		SessionID:   sessionID,
		SpentUSD:    totalSpentUSD,
		RefundedUSD: locked - totalSpentUSD,
		Reference:   "stl_test",
		SettledAt:   time.Now().UTC(),
	}, nil
}

func staleSession(id string, lockedUSD, spentUSD float64, age time.Duration) *ledger.Session {
	return &ledger.Session{
		ID:        id,
		PayerID:   "payer-1",
		LockedUSD: lockedUSD,
		SpentUSD:  spentUSD,
		StepCount: 3,
		CreatedAt: time.Now().UTC().Add(-age),
	}
}

func TestSweepSettlesStaleSessions(t *testing.T) {
	backend := &fakeBackend{
		stale: []*ledger.Session{
			staleSession("sess-a", 1.0, 0.3, 2*time.Hour),
			staleSession("sess-b", 0.5, 0, 3*time.Hour),
		},
	}
	s, err := New(backend, testOperator, &config.SweeperConfig{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if got := s.Sweep(context.Background()); got != 2 {
		t.Fatalf("swept %d sessions, want 2", got)
	}
	if len(backend.calls) != 2 {
		t.Fatalf("settle called %d times, want 2", len(backend.calls))
	}
	// Each session is settled with the ledger's own spent total, never a
	// reconstructed one.
	want := []settleCall{
		{caller: testOperator, sessionID: "sess-a", totalUSD: 0.3},
		{caller: testOperator, sessionID: "sess-b", totalUSD: 0},
	}
	for i := range want {
		if backend.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, backend.calls[i], want[i])
		}
	}
}

func TestSweepToleratesFailures(t *testing.T) {
	backend := &fakeBackend{
		stale: []*ledger.Session{
			staleSession("sess-raced", 1.0, 0.2, 2*time.Hour),
			staleSession("sess-broken", 1.0, 0.4, 2*time.Hour),
			staleSession("sess-ok", 1.0, 0.6, 2*time.Hour),
		},
		settleErr: map[string]error{
			"sess-raced":  ledger.ErrAlreadySettled,
			"sess-broken": errors.New("backend down"),
		},
	}
	reg := prometheus.NewRegistry()
	s, err := New(backend, testOperator, &config.SweeperConfig{}, NewMetrics(reg), discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if got := s.Sweep(context.Background()); got != 1 {
		t.Errorf("swept %d sessions, want 1", got)
	}
	if len(backend.calls) != 1 || backend.calls[0].sessionID != "sess-ok" {
		t.Errorf("unexpected settle calls: %+v", backend.calls)
	}
	if got := testutil.ToFloat64(s.metrics.SessionsSwept); got != 1 {
		t.Errorf("sessions_swept_total = %v, want 1", got)
	}
	// The lost race is not an error; only the genuine failure counts.
	if got := testutil.ToFloat64(s.metrics.SweepErrors); got != 1 {
		t.Errorf("errors_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.metrics.RefundedUSD); !almostEqual(got, 0.4) {
		t.Errorf("refunded_usd_total = %v, want 0.4", got)
	}
}

func TestSweepEnumerationFailure(t *testing.T) {
	backend := &fakeBackend{listErr: errors.New("store offline")}
	s, err := New(backend, testOperator, nil, nil, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := s.Sweep(context.Background()); got != 0 {
		t.Errorf("swept %d sessions, want 0", got)
	}
	if len(backend.calls) != 0 {
		t.Errorf("settle called despite enumeration failure: %+v", backend.calls)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := &config.SweeperConfig{Schedule: "every day at noon"}
	if _, err := New(&fakeBackend{}, testOperator, cfg, nil, discardLogger()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestStartStop(t *testing.T) {
	s, err := New(&fakeBackend{}, testOperator, &config.SweeperConfig{Schedule: "@every 1h"}, nil, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	stop := s.Start(context.Background())
	stop()
}
