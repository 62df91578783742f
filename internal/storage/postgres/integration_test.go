//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/malipo/internal/ledger"
	"github.com/jkaninda/malipo/internal/research"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSessionID() string {
	return fmt.Sprintf("itest-%s", uuid.New().String()[:8])
}

func createSession(t *testing.T, repo *LedgerRepository, lockedUSD float64, stepCount int) string {
	t.Helper()
	id := testSessionID()
	err := repo.CreateSession(context.Background(), &ledger.Session{
		ID:        id,
		PayerID:   "payer-itest",
		LockedUSD: lockedUSD,
		StepCount: stepCount,
	})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return id
}

// --- Escrow Lifecycle ---

func TestLedgerLifecycle(t *testing.T) {
	db := testDB(t)
	repo := NewLedgerRepository(db.GormDB())
	ctx := context.Background()

	sessionID := createSession(t, repo, 10.0, 3)

	// Authorize and confirm step 1.
	hold, err := repo.PlaceHold(ctx, sessionID, "step_1", 3.0, "auth-1")
	if err != nil {
		t.Fatalf("placing hold: %v", err)
	}
	if hold.State != ledger.StateAuthorized {
		t.Errorf("state = %q, want authorized", hold.State)
	}
	if hold.Reference != "auth-1" {
		t.Errorf("reference = %q, want auth-1", hold.Reference)
	}

	confirmed, err := repo.ResolveHold(ctx, sessionID, "step_1", ledger.StateConfirmed, "conf-1")
	if err != nil {
		t.Fatalf("confirming: %v", err)
	}
	if confirmed.State != ledger.StateConfirmed {
		t.Errorf("state = %q, want confirmed", confirmed.State)
	}
	if confirmed.ResolvedAt == nil {
		t.Error("resolved_at not set on confirm")
	}

	// Authorize and refund step 2: spend must stay at 3.
	if _, err := repo.PlaceHold(ctx, sessionID, "step_2", 3.0, "auth-2"); err != nil {
		t.Fatalf("placing second hold: %v", err)
	}
	if _, err := repo.ResolveHold(ctx, sessionID, "step_2", ledger.StateRefunded, "rfnd-2"); err != nil {
		t.Fatalf("refunding: %v", err)
	}

	session, err := repo.SessionByID(ctx, sessionID)
	if err != nil {
		t.Fatalf("fetching session: %v", err)
	}
	if math.Abs(session.SpentUSD-3.0) > 1e-9 {
		t.Errorf("spent = %.4f, want 3.0", session.SpentUSD)
	}
	if math.Abs(session.RemainingUSD()-7.0) > 1e-9 {
		t.Errorf("remaining = %.4f, want 7.0", session.RemainingUSD())
	}

	// Settle with the confirmed total.
	settlement, err := repo.SettleSession(ctx, sessionID, 3.0, "stl-1")
	if err != nil {
		t.Fatalf("settling: %v", err)
	}
	if math.Abs(settlement.SpentUSD-3.0) > 1e-9 {
		t.Errorf("settlement spent = %.4f, want 3.0", settlement.SpentUSD)
	}
	if math.Abs(settlement.RefundedUSD-7.0) > 1e-9 {
		t.Errorf("settlement refunded = %.4f, want 7.0", settlement.RefundedUSD)
	}

	// The session is closed for good.
	if _, err := repo.SettleSession(ctx, sessionID, 3.0, "stl-2"); !errors.Is(err, ledger.ErrAlreadySettled) {
		t.Errorf("second settle err = %v, want ErrAlreadySettled", err)
	}
	if _, err := repo.PlaceHold(ctx, sessionID, "step_3", 1.0, "auth-3"); !errors.Is(err, ledger.ErrSessionSettled) {
		t.Errorf("hold after settle err = %v, want ErrSessionSettled", err)
	}
}

func TestLedgerBudgetDenial(t *testing.T) {
	db := testDB(t)
	repo := NewLedgerRepository(db.GormDB())
	ctx := context.Background()

	sessionID := createSession(t, repo, 10.0, 4)

	// Confirm three $3 steps, then the fourth must be denied (9 + 3 > 10).
	for i := 1; i <= 3; i++ {
		stepID := fmt.Sprintf("step_%d", i)
		if _, err := repo.PlaceHold(ctx, sessionID, stepID, 3.0, "auth"); err != nil {
			t.Fatalf("hold %d: %v", i, err)
		}
		if _, err := repo.ResolveHold(ctx, sessionID, stepID, ledger.StateConfirmed, "conf"); err != nil {
			t.Fatalf("confirm %d: %v", i, err)
		}
	}

	_, err := repo.PlaceHold(ctx, sessionID, "step_4", 3.0, "auth")
	if !errors.Is(err, ledger.ErrBudgetExceeded) {
		t.Fatalf("fourth hold err = %v, want ErrBudgetExceeded", err)
	}

	session, err := repo.SessionByID(ctx, sessionID)
	if err != nil {
		t.Fatalf("fetching session: %v", err)
	}
	if math.Abs(session.SpentUSD-9.0) > 1e-9 {
		t.Errorf("spent = %.4f, want 9.0", session.SpentUSD)
	}
}

// --- Concurrency ---

func TestConcurrentHoldsOnSameStep(t *testing.T) {
	db := testDB(t)
	repo := NewLedgerRepository(db.GormDB())
	ctx := context.Background()

	sessionID := createSession(t, repo, 100.0, 1)

	// 20 goroutines race to authorize the same step. Exactly one may win.
	const numWorkers = 20
	var successCount, dupCount atomic.Int32

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			_, err := repo.PlaceHold(ctx, sessionID, "step_1", 1.0, "auth")
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, ledger.ErrStepAlreadyAuthorized):
				dupCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := successCount.Load(); got != 1 {
		t.Errorf("successful holds = %d, want 1", got)
	}
	if got := dupCount.Load(); got != numWorkers-1 {
		t.Errorf("duplicate rejections = %d, want %d", got, numWorkers-1)
	}
}

func TestConcurrentSessionCreation(t *testing.T) {
	db := testDB(t)
	repo := NewLedgerRepository(db.GormDB())
	ctx := context.Background()

	sessionID := testSessionID()
	const numWorkers = 10
	var successCount, dupCount atomic.Int32

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			err := repo.CreateSession(ctx, &ledger.Session{
				ID:        sessionID,
				PayerID:   "payer-itest",
				LockedUSD: 5.0,
				StepCount: 1,
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, ledger.ErrDuplicateSession):
				dupCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := successCount.Load(); got != 1 {
		t.Errorf("successful creates = %d, want 1", got)
	}
	if got := dupCount.Load(); got != numWorkers-1 {
		t.Errorf("duplicate rejections = %d, want %d", got, numWorkers-1)
	}
}

// --- Settlement Verification ---

func TestSettleVerifiesConfirmedTotal(t *testing.T) {
	db := testDB(t)
	repo := NewLedgerRepository(db.GormDB())
	ctx := context.Background()

	sessionID := createSession(t, repo, 10.0, 1)
	if _, err := repo.PlaceHold(ctx, sessionID, "step_1", 2.0, "auth"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := repo.ResolveHold(ctx, sessionID, "step_1", ledger.StateConfirmed, "conf"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// A total that disagrees with the confirmed sum must be rejected
	// without closing the session.
	if _, err := repo.SettleSession(ctx, sessionID, 3.0, "stl"); !errors.Is(err, ledger.ErrInconsistency) {
		t.Fatalf("mismatched settle err = %v, want ErrInconsistency", err)
	}
	session, err := repo.SessionByID(ctx, sessionID)
	if err != nil {
		t.Fatalf("fetching session: %v", err)
	}
	if session.Settled {
		t.Error("session settled after rejected settlement")
	}

	// A total above the lock is rejected outright.
	if _, err := repo.SettleSession(ctx, sessionID, 11.0, "stl"); !errors.Is(err, ledger.ErrSpentExceedsLocked) {
		t.Fatalf("oversized settle err = %v, want ErrSpentExceedsLocked", err)
	}

	if _, err := repo.SettleSession(ctx, sessionID, 2.0, "stl"); err != nil {
		t.Fatalf("matching settle: %v", err)
	}
}

func TestSettleRefundsOutstandingHolds(t *testing.T) {
	db := testDB(t)
	repo := NewLedgerRepository(db.GormDB())
	ctx := context.Background()

	sessionID := createSession(t, repo, 10.0, 2)
	if _, err := repo.PlaceHold(ctx, sessionID, "step_1", 4.0, "auth-1"); err != nil {
		t.Fatalf("hold: %v", err)
	}

	settlement, err := repo.SettleSession(ctx, sessionID, 0, "stl-x")
	if err != nil {
		t.Fatalf("settling: %v", err)
	}
	if math.Abs(settlement.RefundedUSD-10.0) > 1e-9 {
		t.Errorf("refunded = %.4f, want 10.0", settlement.RefundedUSD)
	}

	hold, err := repo.HoldByStep(ctx, sessionID, "step_1")
	if err != nil {
		t.Fatalf("fetching hold: %v", err)
	}
	if hold == nil {
		t.Fatal("hold missing after settlement")
	}
	if hold.State != ledger.StateRefunded {
		t.Errorf("hold state = %q, want refunded", hold.State)
	}
	if hold.ResolvedReference != "stl-x" {
		t.Errorf("resolved reference = %q, want settlement reference", hold.ResolvedReference)
	}
}

func TestUnsettledBefore(t *testing.T) {
	db := testDB(t)
	repo := NewLedgerRepository(db.GormDB())
	ctx := context.Background()

	openID := createSession(t, repo, 5.0, 1)
	closedID := createSession(t, repo, 5.0, 1)
	if _, err := repo.SettleSession(ctx, closedID, 0, "stl"); err != nil {
		t.Fatalf("settling: %v", err)
	}

	sessions, err := repo.UnsettledBefore(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("listing: %v", err)
	}

	var foundOpen, foundClosed bool
	for _, s := range sessions {
		if s.ID == openID {
			foundOpen = true
		}
		if s.ID == closedID {
			foundClosed = true
		}
	}
	if !foundOpen {
		t.Error("open session missing from unsettled list")
	}
	if foundClosed {
		t.Error("settled session present in unsettled list")
	}
}

// --- Reports ---

func TestReportRoundTrip(t *testing.T) {
	db := testDB(t)
	repo := NewReportRepository(db.GormDB())
	ctx := context.Background()

	sessionID := testSessionID()
	report := &research.Report{
		Status:    research.StatusCompleted,
		SessionID: sessionID,
		Query:     "integration test query",
		Notes:     "Completed. 1 steps executed. Total cost: $0.0100",
		Sources:   []string{"https://example.com/page"},
		Timestamp: time.Now().UTC(),
	}
	if err := repo.Save(ctx, report); err != nil {
		t.Fatalf("saving: %v", err)
	}

	got, err := repo.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.Query != report.Query {
		t.Errorf("query = %q, want %q", got.Query, report.Query)
	}
	if len(got.Sources) != 1 || got.Sources[0] != report.Sources[0] {
		t.Errorf("sources = %v, want %v", got.Sources, report.Sources)
	}

	// Saving again replaces the payload instead of failing.
	report.Status = research.StatusHalted
	if err := repo.Save(ctx, report); err != nil {
		t.Fatalf("re-saving: %v", err)
	}
	got, err = repo.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("getting after update: %v", err)
	}
	if got.Status != research.StatusHalted {
		t.Errorf("status = %q, want halted after upsert", got.Status)
	}

	if _, err := repo.Get(ctx, "itest-missing"); !errors.Is(err, research.ErrReportNotFound) {
		t.Errorf("missing report err = %v, want ErrReportNotFound", err)
	}
}

// --- Connection Health ---

func TestConnectionHealth(t *testing.T) {
	db := testDB(t)
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}
