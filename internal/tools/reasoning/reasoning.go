// Package reasoning implements the metered analysis tool. It sends the
// research question, the current step, and the evidence gathered so far to
// the configured LLM and returns a structured analysis.
package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/malipo/internal/llm"
	"github.com/jkaninda/malipo/internal/tools"
)

const (
	// ToolName is how plans refer to this tool.
	ToolName = "reasoning"

	defaultUnitCostUSD = 0.08

	systemPrompt = `You are a research analyst executing one step of a larger research plan.
Analyze the evidence provided and respond with ONLY a JSON object:
{"analysis": "your detailed analysis", "confidence": "high|medium|low", "key_points": ["point 1", "point 2"]}`
)

// Tool analyzes accumulated evidence with an LLM.
type Tool struct {
	provider llm.Provider
	model    string
	costUSD  float64
	logger   *slog.Logger
}

// Option configures the reasoning tool.
type Option func(*Tool)

// WithUnitCost overrides the default per-invocation price.
func WithUnitCost(usd float64) Option {
	return func(t *Tool) {
		if usd > 0 {
			t.costUSD = usd
		}
	}
}

// New creates the reasoning tool. model is used only for provenance
// attribution; the provider decides what actually runs.
func New(provider llm.Provider, model string, logger *slog.Logger, opts ...Option) *Tool {
	t := &Tool{
		provider: provider,
		model:    model,
		costUSD:  defaultUnitCostUSD,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Analyze the research question and evidence gathered so far with an LLM, extracting key points and a confidence level."
}

func (t *Tool) UnitCostUSD() float64 { return t.costUSD }

// Validate accepts any config: the reasoning tool needs nothing beyond the
// step description, though plans may carry hints it ignores.
func (t *Tool) Validate(_ map[string]any) error { return nil }

func (t *Tool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Research question: %s\n\n", inv.Query)
	fmt.Fprintf(&prompt, "Current step: %s\n\n", inv.Step)
	if inv.Context != "" {
		fmt.Fprintf(&prompt, "Evidence gathered so far:\n%s\n", inv.Context)
	} else {
		prompt.WriteString("No evidence has been gathered yet; reason from the question alone.\n")
	}

	resp, err := t.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: systemPrompt,
		Messages:     llm.UserMessage(prompt.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning request: %w", err)
	}

	output := llm.ExtractJSONBlock(resp.Content)

	t.logger.DebugContext(ctx, "reasoning step completed",
		slog.String("provider", t.provider.Name()),
		slog.Int("output_tokens", resp.Usage.OutputTokens))

	return &tools.Result{
		Output:  tools.TruncateOutput(output, tools.MaxOutputBytes),
		Sources: []string{t.Source()},
	}, nil
}

// Source is the provenance entry reasoning output carries, e.g.
// "anthropic:claude-sonnet-4-20250514".
func (t *Tool) Source() string {
	return t.provider.Name() + ":" + t.model
}
