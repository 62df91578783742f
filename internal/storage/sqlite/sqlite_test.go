package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/malipo/internal/ledger"
	"github.com/jkaninda/malipo/internal/research"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "malipo.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Open(Config{}, logger); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSessionEscrowLifecycle(t *testing.T) {
	store := testStore(t)
	sessions := store.Sessions()
	ctx := context.Background()

	err := sessions.CreateSession(ctx, &ledger.Session{
		ID:        "sess-1",
		PayerID:   "payer-a",
		LockedUSD: 1.0,
		StepCount: 2,
	})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	// Duplicate IDs are rejected.
	err = sessions.CreateSession(ctx, &ledger.Session{
		ID: "sess-1", PayerID: "payer-a", LockedUSD: 1.0, StepCount: 2,
	})
	if !errors.Is(err, ledger.ErrDuplicateSession) {
		t.Fatalf("duplicate create err = %v, want ErrDuplicateSession", err)
	}

	// Authorize, confirm, and verify the spend lands on the session.
	hold, err := sessions.PlaceHold(ctx, "sess-1", "step_1", 0.3, "auth-1")
	if err != nil {
		t.Fatalf("placing hold: %v", err)
	}
	if hold.State != ledger.StateAuthorized {
		t.Errorf("state = %q, want authorized", hold.State)
	}
	if _, err := sessions.ResolveHold(ctx, "sess-1", "step_1", ledger.StateConfirmed, "conf-1"); err != nil {
		t.Fatalf("confirming: %v", err)
	}

	session, err := sessions.SessionByID(ctx, "sess-1")
	if err != nil {
		t.Fatalf("fetching session: %v", err)
	}
	if math.Abs(session.SpentUSD-0.3) > 1e-9 {
		t.Errorf("spent = %.4f, want 0.3", session.SpentUSD)
	}

	// A hold beyond the remaining budget is denied.
	if _, err := sessions.PlaceHold(ctx, "sess-1", "step_2", 0.8, "auth-2"); !errors.Is(err, ledger.ErrBudgetExceeded) {
		t.Fatalf("oversized hold err = %v, want ErrBudgetExceeded", err)
	}

	// Settle with the confirmed total and verify the refund math.
	settlement, err := sessions.SettleSession(ctx, "sess-1", 0.3, "stl-1")
	if err != nil {
		t.Fatalf("settling: %v", err)
	}
	if math.Abs(settlement.RefundedUSD-0.7) > 1e-9 {
		t.Errorf("refunded = %.4f, want 0.7", settlement.RefundedUSD)
	}
	if _, err := sessions.SettleSession(ctx, "sess-1", 0.3, "stl-2"); !errors.Is(err, ledger.ErrAlreadySettled) {
		t.Errorf("second settle err = %v, want ErrAlreadySettled", err)
	}
}

func TestHoldStateIsTerminal(t *testing.T) {
	store := testStore(t)
	sessions := store.Sessions()
	ctx := context.Background()

	err := sessions.CreateSession(ctx, &ledger.Session{
		ID: "sess-2", PayerID: "payer-a", LockedUSD: 1.0, StepCount: 1,
	})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	if _, err := sessions.PlaceHold(ctx, "sess-2", "step_1", 0.2, "auth"); err != nil {
		t.Fatalf("placing hold: %v", err)
	}
	if _, err := sessions.PlaceHold(ctx, "sess-2", "step_1", 0.2, "auth"); !errors.Is(err, ledger.ErrStepAlreadyAuthorized) {
		t.Fatalf("re-authorize err = %v, want ErrStepAlreadyAuthorized", err)
	}

	if _, err := sessions.ResolveHold(ctx, "sess-2", "step_1", ledger.StateRefunded, "rfnd"); err != nil {
		t.Fatalf("refunding: %v", err)
	}
	if _, err := sessions.ResolveHold(ctx, "sess-2", "step_1", ledger.StateConfirmed, "conf"); !errors.Is(err, ledger.ErrAlreadyRefunded) {
		t.Errorf("confirm after refund err = %v, want ErrAlreadyRefunded", err)
	}

	// Refunds contribute nothing to spend.
	session, err := sessions.SessionByID(ctx, "sess-2")
	if err != nil {
		t.Fatalf("fetching session: %v", err)
	}
	if session.SpentUSD != 0 {
		t.Errorf("spent = %.4f, want 0", session.SpentUSD)
	}
}

func TestUnsettledBefore(t *testing.T) {
	store := testStore(t)
	sessions := store.Sessions()
	ctx := context.Background()

	for _, id := range []string{"sess-old", "sess-closed"} {
		err := sessions.CreateSession(ctx, &ledger.Session{
			ID: id, PayerID: "payer-a", LockedUSD: 1.0, StepCount: 1,
		})
		if err != nil {
			t.Fatalf("creating %s: %v", id, err)
		}
	}
	if _, err := sessions.SettleSession(ctx, "sess-closed", 0, "stl"); err != nil {
		t.Fatalf("settling: %v", err)
	}

	open, err := sessions.UnsettledBefore(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(open) != 1 || open[0].ID != "sess-old" {
		t.Fatalf("unsettled = %+v, want only sess-old", open)
	}

	// A cutoff in the past matches nothing.
	open, err = sessions.UnsettledBefore(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("listing with past cutoff: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("unsettled with past cutoff = %+v, want none", open)
	}
}

func TestReportStoreRoundTrip(t *testing.T) {
	store := testStore(t)
	reports := store.Reports()
	ctx := context.Background()

	if _, err := reports.Get(ctx, "missing"); !errors.Is(err, research.ErrReportNotFound) {
		t.Fatalf("missing report err = %v, want ErrReportNotFound", err)
	}

	for i, id := range []string{"r-1", "r-2", "r-3"} {
		report := &research.Report{
			Status:    research.StatusCompleted,
			SessionID: id,
			Query:     "q",
			Sources:   []string{"https://example.com"},
			Timestamp: time.Now().UTC(),
		}
		if err := reports.Save(ctx, report); err != nil {
			t.Fatalf("saving report %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond) // Distinct created_at for ordering.
	}

	got, err := reports.Get(ctx, "r-2")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.SessionID != "r-2" || got.Query != "q" {
		t.Errorf("got report %+v", got)
	}

	// Newest first, limited.
	list, err := reports.List(ctx, 2)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(list) != 2 || list[0].SessionID != "r-3" || list[1].SessionID != "r-2" {
		ids := make([]string, len(list))
		for i, r := range list {
			ids[i] = r.SessionID
		}
		t.Fatalf("list(2) = %v, want [r-3 r-2]", ids)
	}

	// Non-positive limit returns everything.
	list, err = reports.List(ctx, 0)
	if err != nil {
		t.Fatalf("listing all: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("list(0) length = %d, want 3", len(list))
	}
}
