package research

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/malipo/internal/executor"
	"github.com/jkaninda/malipo/internal/ledger"
	"github.com/jkaninda/malipo/internal/synthesizer"
)

// Report status values.
const (
	StatusCompleted = "completed"
	StatusHalted    = "halted"
	StatusError     = "error"
)

// Report is the full envelope returned to callers and kept for later
// retrieval: the plan, every step result in order, the synthesis, and the
// money trail.
type Report struct {
	Status                   string                 `json:"status"`
	SessionID                string                 `json:"session_id"`
	Query                    string                 `json:"query"`
	CurrentStep              string                 `json:"current_step"`
	EstimatedRemainingBudget float64                `json:"estimated_remaining_budget"`
	Budget                   *executor.BudgetStatus `json:"budget,omitempty"`
	Plan                     *executor.Plan         `json:"plan,omitempty"`
	Actions                  []executor.StepResult  `json:"actions"`
	Results                  *synthesizer.Synthesis `json:"results,omitempty"`
	Sources                  []string               `json:"sources"`
	Notes                    string                 `json:"notes"`
	Settlement               *ledger.Settlement     `json:"settlement,omitempty"`
	Timestamp                time.Time              `json:"timestamp"`
}

// ErrReportNotFound is returned when a session has no stored report.
var ErrReportNotFound = errors.New("report not found")

// ReportStore persists finished reports keyed by session id.
type ReportStore interface {
	Save(ctx context.Context, report *Report) error
	Get(ctx context.Context, sessionID string) (*Report, error)
	// List returns the most recent reports, newest first. A non-positive
	// limit returns everything.
	List(ctx context.Context, limit int) ([]*Report, error)
}
