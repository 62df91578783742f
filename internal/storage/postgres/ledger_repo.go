package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/malipo/internal/ledger"
)

// amountTolerance absorbs float drift when comparing money totals.
const amountTolerance = 1e-9

// LedgerRepository implements ledger.Store with PostgreSQL.
// Every mutation runs in a transaction that locks the session row with
// SELECT ... FOR UPDATE, so budget checks and state transitions are atomic
// even with multiple gateway replicas sharing one database.
type LedgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a LedgerRepository.
func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// CreateSession inserts the escrow session row. ON CONFLICT DO NOTHING
// keeps the insert race-free; zero rows affected means the ID is taken.
func (r *LedgerRepository) CreateSession(ctx context.Context, session *ledger.Session) error {
	m := SessionModel{
		ID:        session.ID,
		PayerID:   session.PayerID,
		LockedUSD: session.LockedUSD,
		SpentUSD:  0,
		StepCount: session.StepCount,
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&m)
	if result.Error != nil {
		return fmt.Errorf("creating session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateSession, session.ID)
	}

	session.SpentUSD = 0
	session.Settled = false
	session.CreatedAt = m.CreatedAt
	return nil
}

func (r *LedgerRepository) SessionByID(ctx context.Context, sessionID string) (*ledger.Session, error) {
	var m SessionModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	return sessionToDomain(&m), nil
}

func (r *LedgerRepository) HoldByStep(ctx context.Context, sessionID, stepID string) (*ledger.Authorization, error) {
	var m HoldModel
	err := r.db.WithContext(ctx).
		First(&m, "session_id = ? AND step_id = ?", sessionID, stepID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up hold: %w", err)
	}
	return holdToDomain(&m), nil
}

// PlaceHold checks the remaining budget and inserts the hold atomically.
func (r *LedgerRepository) PlaceHold(ctx context.Context, sessionID, stepID string, amountUSD float64, reference string) (*ledger.Authorization, error) {
	var hold *ledger.Authorization
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if session.Settled {
			return fmt.Errorf("%w: %s", ledger.ErrSessionSettled, sessionID)
		}

		var count int64
		if err := tx.Model(&HoldModel{}).
			Where("session_id = ? AND step_id = ?", sessionID, stepID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking for existing hold: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ledger.ErrStepAlreadyAuthorized, stepID)
		}

		if session.SpentUSD+amountUSD > session.LockedUSD+amountTolerance {
			return fmt.Errorf("%w: hold of $%.4f exceeds remaining $%.4f for session %q",
				ledger.ErrBudgetExceeded, amountUSD, session.LockedUSD-session.SpentUSD, sessionID)
		}

		m := HoldModel{
			SessionID: sessionID,
			StepID:    stepID,
			AmountUSD: amountUSD,
			State:     string(ledger.StateAuthorized),
			Reference: reference,
		}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("inserting hold: %w", err)
		}

		hold = holdToDomain(&m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// ResolveHold moves an outstanding hold to confirmed or refunded. Confirming
// adds the hold amount to the session's spent total in the same transaction.
func (r *LedgerRepository) ResolveHold(ctx context.Context, sessionID, stepID string, target ledger.AuthorizationState, reference string) (*ledger.Authorization, error) {
	var hold *ledger.Authorization
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if session.Settled {
			return fmt.Errorf("%w: %s", ledger.ErrSessionSettled, sessionID)
		}

		var m HoldModel
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&m, "session_id = ? AND step_id = ?", sessionID, stepID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ledger.ErrStepNotAuthorized, stepID)
		}
		if err != nil {
			return fmt.Errorf("locking hold: %w", err)
		}

		switch ledger.AuthorizationState(m.State) {
		case ledger.StateConfirmed:
			return fmt.Errorf("%w: %s", ledger.ErrAlreadyConfirmed, stepID)
		case ledger.StateRefunded:
			return fmt.Errorf("%w: %s", ledger.ErrAlreadyRefunded, stepID)
		}

		now := time.Now().UTC()
		m.State = string(target)
		m.ResolvedReference = reference
		m.ResolvedAt = &now
		if err := tx.Model(&HoldModel{}).
			Where("session_id = ? AND step_id = ?", sessionID, stepID).
			Updates(map[string]any{
				"state":              m.State,
				"resolved_reference": m.ResolvedReference,
				"resolved_at":        m.ResolvedAt,
			}).Error; err != nil {
			return fmt.Errorf("resolving hold: %w", err)
		}

		if target == ledger.StateConfirmed {
			if err := tx.Model(&SessionModel{}).
				Where("id = ?", sessionID).
				Update("spent_usd", gorm.Expr("spent_usd + ?", m.AmountUSD)).Error; err != nil {
				return fmt.Errorf("updating spent total: %w", err)
			}
		}

		hold = holdToDomain(&m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// SettleSession verifies the reported total against the confirmed total,
// refunds outstanding holds, and closes the session.
func (r *LedgerRepository) SettleSession(ctx context.Context, sessionID string, totalSpentUSD float64, reference string) (*ledger.Settlement, error) {
	var settlement *ledger.Settlement
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if session.Settled {
			return fmt.Errorf("%w: %s", ledger.ErrAlreadySettled, sessionID)
		}
		if totalSpentUSD > session.LockedUSD+amountTolerance {
			return fmt.Errorf("%w: $%.4f > $%.4f for session %q",
				ledger.ErrSpentExceedsLocked, totalSpentUSD, session.LockedUSD, sessionID)
		}
		if diff := totalSpentUSD - session.SpentUSD; diff > amountTolerance || diff < -amountTolerance {
			return fmt.Errorf("%w: reported total $%.4f does not match confirmed total $%.4f for session %q",
				ledger.ErrInconsistency, totalSpentUSD, session.SpentUSD, sessionID)
		}

		now := time.Now().UTC()

		// Outstanding holds die with the session: the escrow behind them
		// goes back to the payer as part of the settlement remainder.
		if err := tx.Model(&HoldModel{}).
			Where("session_id = ? AND state = ?", sessionID, string(ledger.StateAuthorized)).
			Updates(map[string]any{
				"state":              string(ledger.StateRefunded),
				"resolved_reference": reference,
				"resolved_at":        &now,
			}).Error; err != nil {
			return fmt.Errorf("refunding outstanding holds: %w", err)
		}

		if err := tx.Model(&SessionModel{}).
			Where("id = ?", sessionID).
			Updates(map[string]any{
				"settled":     true,
				"settled_ref": reference,
				"settled_at":  &now,
			}).Error; err != nil {
			return fmt.Errorf("closing session: %w", err)
		}

		settlement = &ledger.Settlement{
			SessionID:   sessionID,
			SpentUSD:    session.SpentUSD,
			RefundedUSD: session.LockedUSD - session.SpentUSD,
			Reference:   reference,
			SettledAt:   now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

// UnsettledBefore lists open sessions created before cutoff, oldest first.
func (r *LedgerRepository) UnsettledBefore(ctx context.Context, cutoff time.Time) ([]*ledger.Session, error) {
	var models []SessionModel
	err := r.db.WithContext(ctx).
		Where("settled = ? AND created_at < ?", false, cutoff).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing unsettled sessions: %w", err)
	}

	sessions := make([]*ledger.Session, 0, len(models))
	for i := range models {
		sessions = append(sessions, sessionToDomain(&models[i]))
	}
	return sessions, nil
}

// lockSession fetches the session row with a FOR UPDATE lock. On SQLite the
// locking clause is dropped by the driver; the transaction itself serializes
// writers there.
func lockSession(tx *gorm.DB, sessionID string) (*SessionModel, error) {
	var m SessionModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&m, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("locking session: %w", err)
	}
	return &m, nil
}

// compile-time interface check
var _ ledger.Store = (*LedgerRepository)(nil)
