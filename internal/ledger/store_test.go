package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeStore records the arguments StoreLedger passes down and replays
// canned results.
type fakeStore struct {
	created    *Session
	placed     []string // "stepID:reference"
	resolved   []string // "stepID:state:reference"
	settledRef string
	settledUSD float64

	err error
}

func (f *fakeStore) CreateSession(_ context.Context, session *Session) error {
	f.created = session
	return f.err
}

func (f *fakeStore) SessionByID(_ context.Context, sessionID string) (*Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Session{ID: sessionID, LockedUSD: 2.0, SpentUSD: 0.5}, nil
}

func (f *fakeStore) HoldByStep(_ context.Context, _, stepID string) (*Authorization, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Authorization{StepID: stepID, State: StateConfirmed}, nil
}

func (f *fakeStore) PlaceHold(_ context.Context, _, stepID string, amountUSD float64, reference string) (*Authorization, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.placed = append(f.placed, stepID+":"+reference)
	return &Authorization{StepID: stepID, AmountUSD: amountUSD, State: StateAuthorized, Reference: reference}, nil
}

func (f *fakeStore) ResolveHold(_ context.Context, _, stepID string, target AuthorizationState, reference string) (*Authorization, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.resolved = append(f.resolved, stepID+":"+string(target)+":"+reference)
	return &Authorization{StepID: stepID, State: target, ResolvedReference: reference}, nil
}

func (f *fakeStore) SettleSession(_ context.Context, sessionID string, totalSpentUSD float64, reference string) (*Settlement, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.settledRef = reference
	f.settledUSD = totalSpentUSD
	return &Settlement{SessionID: sessionID, SpentUSD: totalSpentUSD, Reference: reference}, nil
}

func (f *fakeStore) UnsettledBefore(_ context.Context, _ time.Time) ([]*Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*Session{{ID: "old-1"}}, nil
}

func newStoreLedger(store Store) *StoreLedger {
	return NewStoreLedger(store, testOperator.ID, discardLogger())
}

func TestStoreLedgerIdentityChecks(t *testing.T) {
	l := newStoreLedger(&fakeStore{})
	ctx := context.Background()

	if _, err := l.Lock(ctx, testOperator, "s1", 1.0, 2); !errors.Is(err, ErrNotPayer) {
		t.Errorf("operator lock: got %v, want ErrNotPayer", err)
	}
	if _, err := l.Authorize(ctx, testPayer, "s1", "step_1", 0.1); !errors.Is(err, ErrNotOperator) {
		t.Errorf("payer authorize: got %v, want ErrNotOperator", err)
	}

	impostor := Party{ID: "op-2", Role: RoleOperator}
	if _, err := l.Confirm(ctx, impostor, "s1", "step_1"); !errors.Is(err, ErrNotOperator) {
		t.Errorf("impostor confirm: got %v, want ErrNotOperator", err)
	}
	if _, err := l.Refund(ctx, impostor, "s1", "step_1"); !errors.Is(err, ErrNotOperator) {
		t.Errorf("impostor refund: got %v, want ErrNotOperator", err)
	}
	if _, err := l.Settle(ctx, impostor, "s1", 0.5); !errors.Is(err, ErrNotOperator) {
		t.Errorf("impostor settle: got %v, want ErrNotOperator", err)
	}
}

func TestStoreLedgerValidation(t *testing.T) {
	store := &fakeStore{}
	l := newStoreLedger(store)
	ctx := context.Background()

	if _, err := l.Lock(ctx, testPayer, "s1", 0, 2); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero lock: got %v, want ErrInvalidAmount", err)
	}
	if _, err := l.Lock(ctx, testPayer, "s1", 1.0, 0); !errors.Is(err, ErrInvalidStepCount) {
		t.Errorf("zero steps: got %v, want ErrInvalidStepCount", err)
	}
	if _, err := l.Authorize(ctx, testOperator, "s1", "step_1", -0.1); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative hold: got %v, want ErrInvalidAmount", err)
	}
	if store.created != nil || len(store.placed) != 0 {
		t.Error("store touched by rejected calls")
	}
}

func TestStoreLedgerDelegation(t *testing.T) {
	store := &fakeStore{}
	l := newStoreLedger(store)
	ctx := context.Background()

	session, err := l.Lock(ctx, testPayer, "s1", 2.0, 3)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if store.created == nil || store.created.ID != "s1" || store.created.PayerID != testPayer.ID {
		t.Errorf("created session = %+v", store.created)
	}
	if session.LockedUSD != 2.0 || session.StepCount != 3 {
		t.Errorf("session = %+v", session)
	}

	hold, err := l.Authorize(ctx, testOperator, "s1", "step_1", 0.5)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !strings.HasPrefix(hold.Reference, "auth_") {
		t.Errorf("reference = %q, want auth_ prefix", hold.Reference)
	}

	confirmed, err := l.Confirm(ctx, testOperator, "s1", "step_1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.State != StateConfirmed {
		t.Errorf("state = %q, want confirmed", confirmed.State)
	}
	if !strings.HasPrefix(confirmed.ResolvedReference, "conf_") {
		t.Errorf("resolved reference = %q, want conf_ prefix", confirmed.ResolvedReference)
	}

	refunded, err := l.Refund(ctx, testOperator, "s1", "step_2")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.State != StateRefunded {
		t.Errorf("state = %q, want refunded", refunded.State)
	}

	settlement, err := l.Settle(ctx, testOperator, "s1", 0.5)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !strings.HasPrefix(settlement.Reference, "stl_") {
		t.Errorf("settlement reference = %q, want stl_ prefix", settlement.Reference)
	}
	if store.settledUSD != 0.5 {
		t.Errorf("settled total = %.4f, want 0.5", store.settledUSD)
	}

	remaining, err := l.Remaining(ctx, "s1")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if !almostEqual(remaining, 1.5) {
		t.Errorf("remaining = %.4f, want 1.5", remaining)
	}

	confirmedState, err := l.IsConfirmed(ctx, "s1", "step_1")
	if err != nil || !confirmedState {
		t.Errorf("IsConfirmed = (%v, %v), want (true, nil)", confirmedState, err)
	}
	authorized, err := l.IsAuthorized(ctx, "s1", "step_1")
	if err != nil || authorized {
		t.Errorf("IsAuthorized = (%v, %v), want (false, nil)", authorized, err)
	}
}

func TestStoreLedgerPropagatesStoreErrors(t *testing.T) {
	store := &fakeStore{err: ErrSessionNotFound}
	l := newStoreLedger(store)
	ctx := context.Background()

	if _, err := l.Authorize(ctx, testOperator, "ghost", "step_1", 0.1); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("authorize: got %v, want ErrSessionNotFound", err)
	}
	if _, err := l.Settle(ctx, testOperator, "ghost", 0); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("settle: got %v, want ErrSessionNotFound", err)
	}
	if _, err := l.Remaining(ctx, "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("remaining: got %v, want ErrSessionNotFound", err)
	}
}

var _ Store = (*fakeStore)(nil)
