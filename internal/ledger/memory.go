package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// memorySession serializes all operations against one session behind its
// own mutex, so sessions never contend with each other.
type memorySession struct {
	mu      sync.Mutex
	session Session
	holds   map[string]*Authorization
}

// MemoryLedger keeps escrow state in process memory. It is the default
// backend for single-node deployments and for tests.
type MemoryLedger struct {
	operatorID string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*memorySession
}

// NewMemoryLedger creates an in-process ledger whose operator identity is
// operatorID.
func NewMemoryLedger(operatorID string, logger *slog.Logger) *MemoryLedger {
	return &MemoryLedger{
		operatorID: operatorID,
		logger:     logger,
		sessions:   make(map[string]*memorySession),
	}
}

func (l *MemoryLedger) get(sessionID string) (*memorySession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

func (l *MemoryLedger) Lock(ctx context.Context, caller Party, sessionID string, amountUSD float64, stepCount int) (*Session, error) {
	if err := requirePayer(caller); err != nil {
		return nil, err
	}
	if amountUSD <= 0 {
		return nil, fmt.Errorf("%w: $%.4f", ErrInvalidAmount, amountUSD)
	}
	if stepCount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStepCount, stepCount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.sessions[sessionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}

	s := &memorySession{
		session: Session{
			ID:        sessionID,
			PayerID:   caller.ID,
			LockedUSD: amountUSD,
			StepCount: stepCount,
			CreatedAt: time.Now().UTC(),
		},
		holds: make(map[string]*Authorization),
	}
	l.sessions[sessionID] = s

	l.logger.InfoContext(ctx, "escrow locked",
		slog.String("session_id", sessionID),
		slog.String("payer", caller.ID),
		slog.Float64("locked_usd", amountUSD),
		slog.Int("step_count", stepCount))

	cp := s.session
	return &cp, nil
}

func (l *MemoryLedger) Authorize(ctx context.Context, caller Party, sessionID, stepID string, amountUSD float64) (*Authorization, error) {
	if err := requireOperator(l.operatorID, caller); err != nil {
		return nil, err
	}
	if amountUSD < 0 {
		return nil, fmt.Errorf("%w: $%.4f", ErrInvalidAmount, amountUSD)
	}
	s, err := l.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.Settled {
		return nil, fmt.Errorf("%w: %s", ErrSessionSettled, sessionID)
	}
	if _, exists := s.holds[stepID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrStepAlreadyAuthorized, stepID)
	}
	if s.session.SpentUSD+amountUSD > s.session.LockedUSD+amountTolerance {
		return nil, fmt.Errorf("%w: hold of $%.4f exceeds remaining $%.4f for session %q",
			ErrBudgetExceeded, amountUSD, s.session.RemainingUSD(), sessionID)
	}

	hold := &Authorization{
		SessionID: sessionID,
		StepID:    stepID,
		AmountUSD: amountUSD,
		State:     StateAuthorized,
		Reference: NewReference("auth"),
		CreatedAt: time.Now().UTC(),
	}
	s.holds[stepID] = hold

	l.logger.DebugContext(ctx, "hold placed",
		slog.String("session_id", sessionID),
		slog.String("step_id", stepID),
		slog.Float64("amount_usd", amountUSD),
		slog.String("reference", hold.Reference))

	cp := *hold
	return &cp, nil
}

func (l *MemoryLedger) Confirm(ctx context.Context, caller Party, sessionID, stepID string) (*Authorization, error) {
	return l.resolve(ctx, caller, sessionID, stepID, StateConfirmed)
}

func (l *MemoryLedger) Refund(ctx context.Context, caller Party, sessionID, stepID string) (*Authorization, error) {
	return l.resolve(ctx, caller, sessionID, stepID, StateRefunded)
}

func (l *MemoryLedger) resolve(ctx context.Context, caller Party, sessionID, stepID string, target AuthorizationState) (*Authorization, error) {
	if err := requireOperator(l.operatorID, caller); err != nil {
		return nil, err
	}
	s, err := l.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.Settled {
		return nil, fmt.Errorf("%w: %s", ErrSessionSettled, sessionID)
	}
	hold, ok := s.holds[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotAuthorized, stepID)
	}
	switch hold.State {
	case StateConfirmed:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConfirmed, stepID)
	case StateRefunded:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRefunded, stepID)
	}

	now := time.Now().UTC()
	hold.State = target
	hold.ResolvedAt = &now
	if target == StateConfirmed {
		hold.ResolvedReference = NewReference("conf")
		s.session.SpentUSD += hold.AmountUSD
		l.logger.InfoContext(ctx, "hold confirmed",
			slog.String("session_id", sessionID),
			slog.String("step_id", stepID),
			slog.Float64("amount_usd", hold.AmountUSD),
			slog.Float64("total_spent_usd", s.session.SpentUSD))
	} else {
		hold.ResolvedReference = NewReference("rfnd")
		l.logger.InfoContext(ctx, "hold refunded",
			slog.String("session_id", sessionID),
			slog.String("step_id", stepID),
			slog.Float64("amount_usd", hold.AmountUSD))
	}

	cp := *hold
	return &cp, nil
}

func (l *MemoryLedger) Settle(ctx context.Context, caller Party, sessionID string, totalSpentUSD float64) (*Settlement, error) {
	if err := requireOperator(l.operatorID, caller); err != nil {
		return nil, err
	}
	s, err := l.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.Settled {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySettled, sessionID)
	}
	if totalSpentUSD > s.session.LockedUSD+amountTolerance {
		return nil, fmt.Errorf("%w: $%.4f > $%.4f for session %q",
			ErrSpentExceedsLocked, totalSpentUSD, s.session.LockedUSD, sessionID)
	}
	if !amountsEqual(totalSpentUSD, s.session.SpentUSD) {
		return nil, fmt.Errorf("%w: reported total $%.4f does not match confirmed total $%.4f for session %q",
			ErrInconsistency, totalSpentUSD, s.session.SpentUSD, sessionID)
	}

	now := time.Now().UTC()
	ref := NewReference("stl")

	// Unresolved holds die with the session: the escrow behind them goes
	// back to the payer as part of the settlement remainder.
	for _, hold := range s.holds {
		if hold.State == StateAuthorized {
			hold.State = StateRefunded
			hold.ResolvedReference = ref
			hold.ResolvedAt = &now
		}
	}

	s.session.Settled = true
	s.session.SettledAt = &now

	settlement := &Settlement{
		SessionID:   sessionID,
		SpentUSD:    s.session.SpentUSD,
		RefundedUSD: s.session.LockedUSD - s.session.SpentUSD,
		Reference:   ref,
		SettledAt:   now,
	}

	l.logger.InfoContext(ctx, "session settled",
		slog.String("session_id", sessionID),
		slog.Float64("spent_usd", settlement.SpentUSD),
		slog.Float64("refunded_usd", settlement.RefundedUSD),
		slog.String("reference", ref))

	return settlement, nil
}

func (l *MemoryLedger) Remaining(ctx context.Context, sessionID string) (float64, error) {
	s, err := l.get(sessionID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.RemainingUSD(), nil
}

func (l *MemoryLedger) IsAuthorized(ctx context.Context, sessionID, stepID string) (bool, error) {
	hold, err := l.hold(sessionID, stepID)
	if err != nil || hold == nil {
		return false, err
	}
	return hold.State == StateAuthorized, nil
}

func (l *MemoryLedger) IsConfirmed(ctx context.Context, sessionID, stepID string) (bool, error) {
	hold, err := l.hold(sessionID, stepID)
	if err != nil || hold == nil {
		return false, err
	}
	return hold.State == StateConfirmed, nil
}

// Hold returns a copy of a step's authorization, or (nil, nil) when the
// step has never been authorized. The custody service reads holds
// through it.
func (l *MemoryLedger) Hold(ctx context.Context, sessionID, stepID string) (*Authorization, error) {
	return l.hold(sessionID, stepID)
}

func (l *MemoryLedger) hold(sessionID, stepID string) (*Authorization, error) {
	s, err := l.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hold, ok := s.holds[stepID]
	if !ok {
		return nil, nil
	}
	cp := *hold
	return &cp, nil
}

func (l *MemoryLedger) Session(ctx context.Context, sessionID string) (*Session, error) {
	s, err := l.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.session
	return &cp, nil
}

// UnsettledBefore lists open sessions created before cutoff, oldest first.
func (l *MemoryLedger) UnsettledBefore(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	l.mu.Lock()
	all := make([]*memorySession, 0, len(l.sessions))
	for _, s := range l.sessions {
		all = append(all, s)
	}
	l.mu.Unlock()

	var open []*Session
	for _, s := range all {
		s.mu.Lock()
		if !s.session.Settled && s.session.CreatedAt.Before(cutoff) {
			cp := s.session
			open = append(open, &cp)
		}
		s.mu.Unlock()
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	return open, nil
}

var _ Ledger = (*MemoryLedger)(nil)
