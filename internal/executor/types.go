// Package executor runs research plans step by step, moving money through
// the ledger in lockstep with execution. Every step is pre-authorized
// before its tool runs; the hold is confirmed when the tool succeeds and
// refunded when it fails. A denied authorization halts the run.
package executor

import (
	"errors"
	"time"
)

// RunStatus is the lifecycle state of one plan execution.
type RunStatus string

const (
	// RunRunning means steps are still being processed.
	RunRunning RunStatus = "running"
	// RunCompleted means every step was processed (some may have failed).
	RunCompleted RunStatus = "completed"
	// RunHalted means a payment denial stopped the run early. Terminal.
	RunHalted RunStatus = "halted"
)

// StepStatus is the outcome of one plan step.
type StepStatus string

const (
	// StepCompleted: the tool succeeded and the hold was confirmed.
	StepCompleted StepStatus = "completed"
	// StepFailed: the tool failed; the hold was refunded and the run moved on.
	StepFailed StepStatus = "failed"
	// StepPaymentDenied: the ledger refused the hold; the run halted here.
	StepPaymentDenied StepStatus = "payment_denied"
	// StepSkipped is reserved for steps dropped without being attempted.
	// The sequential executor never materializes results for steps after a
	// halt, so it does not emit this status itself.
	StepSkipped StepStatus = "skipped"
)

// Plan is an executable research plan for one escrow session.
type Plan struct {
	SessionID         string    `json:"session_id"`
	Query             string    `json:"query"`
	Steps             []Step    `json:"steps"`
	TotalEstimatedUSD float64   `json:"total_estimated_cost"`
	MaxBudgetUSD      float64   `json:"max_budget"`
	CreatedAt         time.Time `json:"created_at"`
}

// Step is one unit of metered work.
type Step struct {
	ID               string         `json:"id"`
	Index            int            `json:"index"`
	Description      string         `json:"description"`
	ToolType         string         `json:"tool"`
	ToolConfig       map[string]any `json:"tool_config,omitempty"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
	// DependsOn lists step IDs this step builds on. Execution is strictly
	// sequential, so dependencies may only point at earlier steps.
	DependsOn []string `json:"depends_on,omitempty"`
}

// StepResult records what happened to one step.
type StepResult struct {
	StepID           string     `json:"step_id"`
	Index            int        `json:"index"`
	Status           StepStatus `json:"status"`
	Tool             string     `json:"tool"`
	Output           string     `json:"output,omitempty"`
	Sources          []string   `json:"sources,omitempty"`
	ActualCostUSD    float64    `json:"actual_cost_usd"`
	DurationMS       int64      `json:"duration_ms"`
	PaymentReference string     `json:"payment_reference,omitempty"`
	Error            string     `json:"error,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

// Run is the executor's account of one plan execution.
type Run struct {
	SessionID     string       `json:"session_id"`
	Status        RunStatus    `json:"status"`
	Results       []StepResult `json:"results"`
	TotalSpentUSD float64      `json:"total_spent_usd"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
}

// Halted reports whether the run stopped on a payment denial.
func (r *Run) Halted() bool { return r.Status == RunHalted }

// StepsCompleted counts steps whose tools succeeded.
func (r *Run) StepsCompleted() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == StepCompleted {
			n++
		}
	}
	return n
}

// BudgetStatus is the executor-level budget view derived from a plan and
// its results so far.
type BudgetStatus struct {
	LockedUSD      float64 `json:"locked_usd"`
	SpentUSD       float64 `json:"spent_usd"`
	RemainingUSD   float64 `json:"remaining_usd"`
	StepsCompleted int     `json:"steps_completed"`
	StepsRemaining int     `json:"steps_remaining"`
}

// ComputeBudget derives the budget view: locked follows the plan's total
// estimate, remaining is measured against the session's max budget.
func ComputeBudget(plan *Plan, results []StepResult) BudgetStatus {
	var spent float64
	completed := 0
	for _, res := range results {
		if res.Status == StepCompleted {
			spent += res.ActualCostUSD
			completed++
		}
	}
	return BudgetStatus{
		LockedUSD:      plan.TotalEstimatedUSD,
		SpentUSD:       spent,
		RemainingUSD:   plan.MaxBudgetUSD - spent,
		StepsCompleted: completed,
		StepsRemaining: len(plan.Steps) - len(results),
	}
}

// ErrInvalidPlan marks a structurally broken plan. It is returned before
// any money moves.
var ErrInvalidPlan = errors.New("invalid plan")
