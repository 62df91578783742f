package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store is the persistence contract behind StoreLedger. Implementations
// live in internal/storage and must perform each mutation atomically with
// its invariant checks (row locks, transactions), returning errors that
// wrap the ledger sentinels.
type Store interface {
	// CreateSession inserts a new session row. Fails with
	// ErrDuplicateSession when the ID is taken.
	CreateSession(ctx context.Context, session *Session) error

	// SessionByID fetches a session or fails with ErrSessionNotFound.
	SessionByID(ctx context.Context, sessionID string) (*Session, error)

	// HoldByStep fetches a step's authorization. It returns (nil, nil)
	// when the session exists but the step was never authorized.
	HoldByStep(ctx context.Context, sessionID, stepID string) (*Authorization, error)

	// PlaceHold checks the budget and inserts the hold in one transaction.
	PlaceHold(ctx context.Context, sessionID, stepID string, amountUSD float64, reference string) (*Authorization, error)

	// ResolveHold moves a hold to StateConfirmed or StateRefunded,
	// adjusting the session's spent total on confirm.
	ResolveHold(ctx context.Context, sessionID, stepID string, target AuthorizationState, reference string) (*Authorization, error)

	// SettleSession verifies totalSpentUSD against the stored confirmed
	// total, closes the session, and refunds unresolved holds.
	SettleSession(ctx context.Context, sessionID string, totalSpentUSD float64, reference string) (*Settlement, error)

	// UnsettledBefore lists open sessions created before cutoff, oldest
	// first. The settlement sweeper uses it to find abandoned escrow.
	UnsettledBefore(ctx context.Context, cutoff time.Time) ([]*Session, error)
}

// StoreLedger is the durable Ledger: escrow state lives in a relational
// store and survives restarts. All atomic work happens in the Store; this
// layer adds identity checks, argument validation, reference minting, and
// logging.
type StoreLedger struct {
	store      Store
	operatorID string
	logger     *slog.Logger
}

// NewStoreLedger wraps a Store as a Ledger operated by operatorID.
func NewStoreLedger(store Store, operatorID string, logger *slog.Logger) *StoreLedger {
	return &StoreLedger{store: store, operatorID: operatorID, logger: logger}
}

func (l *StoreLedger) Lock(ctx context.Context, caller Party, sessionID string, amountUSD float64, stepCount int) (*Session, error) {
	if err := requirePayer(caller); err != nil {
		return nil, err
	}
	if amountUSD <= 0 {
		return nil, fmt.Errorf("%w: $%.4f", ErrInvalidAmount, amountUSD)
	}
	if stepCount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStepCount, stepCount)
	}

	session := &Session{
		ID:        sessionID,
		PayerID:   caller.ID,
		LockedUSD: amountUSD,
		StepCount: stepCount,
	}
	if err := l.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "escrow locked",
		slog.String("session_id", sessionID),
		slog.String("payer", caller.ID),
		slog.Float64("locked_usd", amountUSD),
		slog.Int("step_count", stepCount))

	return session, nil
}

func (l *StoreLedger) Authorize(ctx context.Context, caller Party, sessionID, stepID string, amountUSD float64) (*Authorization, error) {
	if err := requireOperator(l.operatorID, caller); err != nil {
		return nil, err
	}
	if amountUSD < 0 {
		return nil, fmt.Errorf("%w: $%.4f", ErrInvalidAmount, amountUSD)
	}

	hold, err := l.store.PlaceHold(ctx, sessionID, stepID, amountUSD, NewReference("auth"))
	if err != nil {
		return nil, err
	}

	l.logger.DebugContext(ctx, "hold placed",
		slog.String("session_id", sessionID),
		slog.String("step_id", stepID),
		slog.Float64("amount_usd", amountUSD),
		slog.String("reference", hold.Reference))

	return hold, nil
}

func (l *StoreLedger) Confirm(ctx context.Context, caller Party, sessionID, stepID string) (*Authorization, error) {
	if err := requireOperator(l.operatorID, caller); err != nil {
		return nil, err
	}
	hold, err := l.store.ResolveHold(ctx, sessionID, stepID, StateConfirmed, NewReference("conf"))
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "hold confirmed",
		slog.String("session_id", sessionID),
		slog.String("step_id", stepID),
		slog.Float64("amount_usd", hold.AmountUSD))
	return hold, nil
}

func (l *StoreLedger) Refund(ctx context.Context, caller Party, sessionID, stepID string) (*Authorization, error) {
	if err := requireOperator(l.operatorID, caller); err != nil {
		return nil, err
	}
	hold, err := l.store.ResolveHold(ctx, sessionID, stepID, StateRefunded, NewReference("rfnd"))
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "hold refunded",
		slog.String("session_id", sessionID),
		slog.String("step_id", stepID),
		slog.Float64("amount_usd", hold.AmountUSD))
	return hold, nil
}

func (l *StoreLedger) Settle(ctx context.Context, caller Party, sessionID string, totalSpentUSD float64) (*Settlement, error) {
	if err := requireOperator(l.operatorID, caller); err != nil {
		return nil, err
	}
	settlement, err := l.store.SettleSession(ctx, sessionID, totalSpentUSD, NewReference("stl"))
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "session settled",
		slog.String("session_id", sessionID),
		slog.Float64("spent_usd", settlement.SpentUSD),
		slog.Float64("refunded_usd", settlement.RefundedUSD),
		slog.String("reference", settlement.Reference))
	return settlement, nil
}

func (l *StoreLedger) Remaining(ctx context.Context, sessionID string) (float64, error) {
	session, err := l.store.SessionByID(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return session.RemainingUSD(), nil
}

func (l *StoreLedger) IsAuthorized(ctx context.Context, sessionID, stepID string) (bool, error) {
	hold, err := l.holdState(ctx, sessionID, stepID)
	if err != nil || hold == nil {
		return false, err
	}
	return hold.State == StateAuthorized, nil
}

func (l *StoreLedger) IsConfirmed(ctx context.Context, sessionID, stepID string) (bool, error) {
	hold, err := l.holdState(ctx, sessionID, stepID)
	if err != nil || hold == nil {
		return false, err
	}
	return hold.State == StateConfirmed, nil
}

// Hold returns a step's authorization, or (nil, nil) when the step has
// never been authorized. The custody service reads holds through it.
func (l *StoreLedger) Hold(ctx context.Context, sessionID, stepID string) (*Authorization, error) {
	return l.holdState(ctx, sessionID, stepID)
}

func (l *StoreLedger) holdState(ctx context.Context, sessionID, stepID string) (*Authorization, error) {
	if _, err := l.store.SessionByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return l.store.HoldByStep(ctx, sessionID, stepID)
}

func (l *StoreLedger) Session(ctx context.Context, sessionID string) (*Session, error) {
	return l.store.SessionByID(ctx, sessionID)
}

// UnsettledBefore lists open sessions created before cutoff, oldest first.
func (l *StoreLedger) UnsettledBefore(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	return l.store.UnsettledBefore(ctx, cutoff)
}

var _ Ledger = (*StoreLedger)(nil)
