// Package ledger implements pre-authorized escrow accounting for metered
// pipeline runs. A payer locks a budget for a session, the operator
// authorizes a hold per step before the step runs, then confirms the hold
// (the money is spent) or refunds it (the hold is released). Settlement
// closes the session, releasing confirmed funds to the operator and
// returning the rest to the payer.
//
// Three implementations exist: MemoryLedger for single-process use,
// StoreLedger backed by a storage.Store for durable custody, and
// RemoteLedger which talks to a malipo custody service over HTTP.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// Role identifies which side of the escrow a party acts for.
type Role string

const (
	// RolePayer may lock funds for new sessions.
	RolePayer Role = "payer"
	// RoleOperator may authorize, confirm, refund, and settle.
	RoleOperator Role = "operator"
)

// Party is the caller identity presented with every ledger operation.
type Party struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// AuthorizationState tracks a step hold through its lifecycle. A hold is
// created in StateAuthorized and resolves exactly once, to StateConfirmed
// or StateRefunded. Both resolved states are terminal.
type AuthorizationState string

const (
	StateAuthorized AuthorizationState = "authorized"
	StateConfirmed  AuthorizationState = "confirmed"
	StateRefunded   AuthorizationState = "refunded"
)

// Session is a snapshot of one escrow session.
type Session struct {
	ID        string     `json:"id"`
	PayerID   string     `json:"payer_id"`
	LockedUSD float64    `json:"locked_usd"`
	SpentUSD  float64    `json:"spent_usd"`
	StepCount int        `json:"step_count"`
	Settled   bool       `json:"settled"`
	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// RemainingUSD is the budget still available for new holds.
func (s *Session) RemainingUSD() float64 {
	return s.LockedUSD - s.SpentUSD
}

// Authorization is a snapshot of one step hold.
type Authorization struct {
	SessionID string             `json:"session_id"`
	StepID    string             `json:"step_id"`
	AmountUSD float64            `json:"amount_usd"`
	State     AuthorizationState `json:"state"`
	// Reference is the payment reference minted when the hold was placed.
	Reference string `json:"reference"`
	// ResolvedReference is minted when the hold is confirmed or refunded.
	ResolvedReference string     `json:"resolved_reference,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// Settlement records the final disposition of a session's escrow.
type Settlement struct {
	SessionID   string    `json:"session_id"`
	SpentUSD    float64   `json:"spent_usd"`
	RefundedUSD float64   `json:"refunded_usd"`
	Reference   string    `json:"reference"`
	SettledAt   time.Time `json:"settled_at"`
}

// Ledger errors. Implementations wrap these so callers can classify
// failures with errors.Is.
var (
	ErrDuplicateSession      = errors.New("session already exists")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionSettled        = errors.New("session already settled")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidStepCount      = errors.New("step count must be positive")
	ErrStepAlreadyAuthorized = errors.New("step already authorized")
	ErrBudgetExceeded        = errors.New("authorization exceeds locked budget")
	ErrStepNotAuthorized     = errors.New("step not authorized")
	ErrAlreadyConfirmed      = errors.New("authorization already confirmed")
	ErrAlreadyRefunded       = errors.New("authorization already refunded")
	ErrAlreadySettled        = errors.New("session already settled and closed")
	ErrSpentExceedsLocked    = errors.New("settlement total exceeds locked amount")
	ErrNotPayer              = errors.New("caller is not a payer")
	ErrNotOperator           = errors.New("caller is not the session operator")
	ErrInconsistency         = errors.New("ledger inconsistency")
)

// Ledger is the escrow contract every custody backend implements.
//
// Per-session operations are serialized: two concurrent calls against the
// same session observe each other's effects, and Authorize performs its
// budget check and hold placement atomically. Operations on different
// sessions may proceed in parallel.
type Ledger interface {
	// Lock opens a session and escrows amountUSD from the caller, who must
	// hold RolePayer. stepCount is the number of steps the payer expects
	// the operator to run. Fails with ErrDuplicateSession, ErrInvalidAmount,
	// ErrInvalidStepCount, or ErrNotPayer.
	Lock(ctx context.Context, caller Party, sessionID string, amountUSD float64, stepCount int) (*Session, error)

	// Authorize places a hold of amountUSD for one step. Only the operator
	// may call it. The budget check (spent + amount <= locked) and the hold
	// placement are a single atomic step. A zero amount is a valid hold.
	// Fails with ErrSessionNotFound, ErrSessionSettled,
	// ErrStepAlreadyAuthorized, ErrBudgetExceeded, or ErrNotOperator.
	Authorize(ctx context.Context, caller Party, sessionID, stepID string, amountUSD float64) (*Authorization, error)

	// Confirm resolves a hold as spent, adding its amount to the session
	// total. Fails with ErrStepNotAuthorized, ErrAlreadyConfirmed,
	// ErrAlreadyRefunded, ErrSessionSettled, or ErrNotOperator.
	Confirm(ctx context.Context, caller Party, sessionID, stepID string) (*Authorization, error)

	// Refund releases a hold without spending it. Same failure modes as
	// Confirm with the confirmed/refunded sentinels swapped.
	Refund(ctx context.Context, caller Party, sessionID, stepID string) (*Authorization, error)

	// Settle closes the session. totalSpentUSD is the caller's accounting
	// of confirmed spend; the ledger verifies it against its own records
	// and fails with ErrInconsistency on mismatch. Confirmed funds go to
	// the operator, the remainder back to the payer. A second Settle fails
	// with ErrAlreadySettled and moves nothing.
	Settle(ctx context.Context, caller Party, sessionID string, totalSpentUSD float64) (*Settlement, error)

	// Remaining reports locked minus spent for the session.
	Remaining(ctx context.Context, sessionID string) (float64, error)

	// IsAuthorized reports whether the step holds an unresolved
	// authorization.
	IsAuthorized(ctx context.Context, sessionID, stepID string) (bool, error)

	// IsConfirmed reports whether the step's hold was confirmed.
	IsConfirmed(ctx context.Context, sessionID, stepID string) (bool, error)

	// Session returns a snapshot of the session.
	Session(ctx context.Context, sessionID string) (*Session, error)
}

// amountTolerance absorbs float64 summation noise when comparing a
// caller-supplied settlement total against the ledger's own sum.
const amountTolerance = 1e-9

func amountsEqual(a, b float64) bool {
	d := a - b
	return d < amountTolerance && d > -amountTolerance
}

// NewReference mints a payment reference such as "auth_1a2b3c4d5e6f".
// References are opaque; only uniqueness matters.
func NewReference(kind string) string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return kind + "_" + hex.EncodeToString([]byte(time.Now().Format("150405.000")))[:12]
	}
	return kind + "_" + hex.EncodeToString(b)
}

// requirePayer validates the caller for Lock.
func requirePayer(caller Party) error {
	if caller.Role != RolePayer || caller.ID == "" {
		return ErrNotPayer
	}
	return nil
}

// requireOperator validates the caller for authorize/confirm/refund/settle
// against the single operator identity the ledger was built with.
func requireOperator(operatorID string, caller Party) error {
	if caller.Role != RoleOperator || caller.ID != operatorID {
		return ErrNotOperator
	}
	return nil
}

// requireOperatorRole checks only the role, for backends that resolve the
// concrete operator identity themselves.
func requireOperatorRole(caller Party) error {
	if caller.Role != RoleOperator || caller.ID == "" {
		return ErrNotOperator
	}
	return nil
}
