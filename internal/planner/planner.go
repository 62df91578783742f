// Package planner decomposes a research query into an ordered, costed
// execution plan. The model proposes steps; the planner prices each one
// from the tool registry and truncates the plan so the total estimate
// never exceeds the caller's budget.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/malipo/internal/executor"
	"github.com/jkaninda/malipo/internal/llm"
	"github.com/jkaninda/malipo/internal/tools"
)

const planningSystemPrompt = `You are a research planning engine. Your job is to decompose
a research query into the minimum number of atomic steps required to produce
a factual, verifiable answer.

Each step must specify:
  - "description": what this step does (one sentence)
  - "tool": the name of exactly one available tool

Rules:
1. Use %d-%d steps total. Minimize steps to reduce cost.
2. Order steps logically: data retrieval before analysis.
3. Do NOT hallucinate data. Each step must produce real, verifiable output.
4. Return ONLY valid JSON. No markdown, no explanation, no code blocks.

Output format:
{"steps": [{"description": "...", "tool": "<tool name>"}]}`

const (
	defaultMinSteps = 3
	defaultMaxSteps = 7

	planningMaxTokens = 2048

	// fallbackTool absorbs steps whose proposed tool is not registered.
	fallbackTool = "reasoning"
)

// Planner prices and assembles plans from model-proposed steps.
type Planner struct {
	provider llm.Provider
	registry *tools.Registry
	logger   *slog.Logger
	maxSteps int
}

type Option func(*Planner)

// WithMaxSteps caps the number of steps kept from a proposal.
func WithMaxSteps(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxSteps = n
		}
	}
}

func New(provider llm.Provider, registry *tools.Registry, logger *slog.Logger, opts ...Option) *Planner {
	p := &Planner{
		provider: provider,
		registry: registry,
		logger:   logger,
		maxSteps: defaultMaxSteps,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// proposal is the JSON shape the model is asked to emit.
type proposal struct {
	Steps []proposedStep `json:"steps"`
}

type proposedStep struct {
	Description string `json:"description"`
	Tool        string `json:"tool"`
}

// GeneratePlan asks the model to decompose the query, then builds the plan:
// unknown tools are coerced to the fallback tool, each step is priced from
// the registry, and the loop stops before the total estimate would exceed
// maxBudgetUSD. A proposal the model cannot produce yields a plan with no
// steps, not an error; only a model transport failure is an error.
func (p *Planner) GeneratePlan(ctx context.Context, sessionID, query string, maxBudgetUSD float64) (*executor.Plan, error) {
	if sessionID == "" {
		sessionID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	resp, err := p.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: p.buildSystemPrompt(),
		Messages: llm.UserMessage(fmt.Sprintf(
			"Research query: %q\n\nBudget: $%.2f\n\nDecompose into atomic steps. Return JSON only.",
			query, maxBudgetUSD)),
		MaxTokens: planningMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}

	var prop proposal
	if err := json.Unmarshal([]byte(llm.ExtractJSONBlock(resp.Content)), &prop); err != nil {
		p.logger.WarnContext(ctx, "plan proposal was not valid JSON",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		prop.Steps = nil
	}

	costs := p.unitCosts()
	plan := &executor.Plan{
		SessionID:    sessionID,
		Query:        query,
		MaxBudgetUSD: maxBudgetUSD,
		CreatedAt:    time.Now().UTC(),
	}

	var total float64
	for _, raw := range prop.Steps {
		if len(plan.Steps) >= p.maxSteps {
			break
		}

		tool := raw.Tool
		if _, known := costs[tool]; !known {
			p.logger.DebugContext(ctx, "coercing unknown tool",
				slog.String("session_id", sessionID),
				slog.String("tool", tool),
			)
			tool = fallbackTool
			if _, known := costs[tool]; !known {
				continue
			}
		}
		cost := costs[tool]

		// Keep the plan inside the budget rather than failing it.
		if total+cost > maxBudgetUSD {
			break
		}
		total += cost

		idx := len(plan.Steps)
		description := raw.Description
		if description == "" {
			description = fmt.Sprintf("Step %d", idx)
		}
		plan.Steps = append(plan.Steps, executor.Step{
			ID:               fmt.Sprintf("step_%d_%s", idx, uuid.NewString()[:8]),
			Index:            idx,
			Description:      description,
			ToolType:         tool,
			EstimatedCostUSD: cost,
		})
	}
	plan.TotalEstimatedUSD = math.Round(total*1e6) / 1e6

	p.logger.InfoContext(ctx, "plan generated",
		slog.String("session_id", sessionID),
		slog.Int("steps", len(plan.Steps)),
		slog.Float64("total_estimated_usd", plan.TotalEstimatedUSD),
		slog.Float64("max_budget_usd", maxBudgetUSD),
	)
	return plan, nil
}

// buildSystemPrompt appends the registry's catalog to the base prompt so
// the model only proposes tools this deployment actually has.
func (p *Planner) buildSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(planningSystemPrompt, defaultMinSteps, p.maxSteps))
	sb.WriteString("\n\n## Available Tools\n")
	for _, info := range p.registry.Catalog() {
		sb.WriteString(fmt.Sprintf("- %q: %s (estimated $%.4f per invocation)\n",
			info.Name, info.Description, info.UnitCostUSD))
	}
	return sb.String()
}

func (p *Planner) unitCosts() map[string]float64 {
	catalog := p.registry.Catalog()
	costs := make(map[string]float64, len(catalog))
	for _, info := range catalog {
		costs[info.Name] = info.UnitCostUSD
	}
	return costs
}
