package ledger

import (
	"errors"
	"fmt"
)

// Wire codes for ledger errors. The custody service puts these in its
// error envelope and RemoteLedger maps them back to sentinels, so
// errors.Is works identically against local and remote backends.
const (
	CodeDuplicateSession      = "duplicate_session"
	CodeSessionNotFound       = "session_not_found"
	CodeSessionSettled        = "session_settled"
	CodeInvalidAmount         = "invalid_amount"
	CodeInvalidStepCount      = "invalid_step_count"
	CodeStepAlreadyAuthorized = "step_already_authorized"
	CodeBudgetExceeded        = "budget_exceeded"
	CodeStepNotAuthorized     = "step_not_authorized"
	CodeAlreadyConfirmed      = "already_confirmed"
	CodeAlreadyRefunded       = "already_refunded"
	CodeAlreadySettled        = "already_settled"
	CodeSpentExceedsLocked    = "spent_exceeds_locked"
	CodeNotPayer              = "not_payer"
	CodeNotOperator           = "not_operator"
	CodeInconsistency         = "inconsistency"
)

var errToCode = map[error]string{
	ErrDuplicateSession:      CodeDuplicateSession,
	ErrSessionNotFound:       CodeSessionNotFound,
	ErrSessionSettled:        CodeSessionSettled,
	ErrInvalidAmount:         CodeInvalidAmount,
	ErrInvalidStepCount:      CodeInvalidStepCount,
	ErrStepAlreadyAuthorized: CodeStepAlreadyAuthorized,
	ErrBudgetExceeded:        CodeBudgetExceeded,
	ErrStepNotAuthorized:     CodeStepNotAuthorized,
	ErrAlreadyConfirmed:      CodeAlreadyConfirmed,
	ErrAlreadyRefunded:       CodeAlreadyRefunded,
	ErrAlreadySettled:        CodeAlreadySettled,
	ErrSpentExceedsLocked:    CodeSpentExceedsLocked,
	ErrNotPayer:              CodeNotPayer,
	ErrNotOperator:           CodeNotOperator,
	ErrInconsistency:         CodeInconsistency,
}

var codeToErr = func() map[string]error {
	m := make(map[string]error, len(errToCode))
	for err, code := range errToCode {
		m[code] = err
	}
	return m
}()

// Code returns the wire code for err, or "" when err does not wrap a
// ledger sentinel.
func Code(err error) string {
	for sentinel, code := range errToCode {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

// FromCode reconstructs a sentinel-wrapping error from a wire code and the
// server's message. Unknown codes produce a plain error.
func FromCode(code, message string) error {
	if sentinel, ok := codeToErr[code]; ok {
		if message == "" {
			return sentinel
		}
		return fmt.Errorf("%w: %s", sentinel, message)
	}
	if message == "" {
		return fmt.Errorf("ledger error %q", code)
	}
	return fmt.Errorf("ledger error %q: %s", code, message)
}
