// Package synthesizer folds ordered step results into a single structured
// research answer. It is a thin consumer of the executor's output: evidence
// comes only from completed steps, provenance is deduplicated exactly as
// reported, and a halted run is surfaced as a partial result rather than an
// error. Synthesis never fails a pipeline; when the model is unreachable it
// degrades to a raw evidence summary.
package synthesizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/malipo/internal/executor"
	"github.com/jkaninda/malipo/internal/llm"
)

const synthesisSystemPrompt = `You are a research synthesis engine. Produce a comprehensive,
factual answer from the step-level evidence provided.

Rules:
1. Only use information from the provided evidence. Do NOT hallucinate.
2. Clearly attribute claims to their sources.
3. If evidence is conflicting, note the discrepancy.
4. If evidence is insufficient, say so explicitly.
5. Return ONLY valid JSON. No markdown, no explanation.

Output format:
{
  "answer": "comprehensive answer to the research query",
  "confidence": "high|medium|low",
  "key_findings": [
    {
      "claim": "specific factual claim",
      "evidence": "supporting evidence from steps",
      "source": "source attribution",
      "confidence": "high|medium|low"
    }
  ],
  "assumptions": ["any assumptions made"],
  "limitations": ["limitations of this analysis"]
}`

const (
	// haltedWarning prefixes the synthesis prompt when the run stopped early.
	haltedWarning = "⚠️ PARTIAL RESULTS — Execution was halted before all steps completed.\n\n"

	// sourceRelevance is the uniform marker applied to every deduplicated
	// source. Per-source relevance scoring is out of scope here.
	sourceRelevance = "referenced"

	synthesisMaxTokens = 2048

	// degradedSnippetBytes caps each step summary in the fallback answer.
	degradedSnippetBytes = 200
)

// Finding is one attributed claim extracted by the synthesis model.
type Finding struct {
	Claim      string `json:"claim"`
	Evidence   string `json:"evidence"`
	Source     string `json:"source"`
	Confidence string `json:"confidence"`
}

// Source is one deduplicated provenance entry. URL holds the raw
// provenance string even when it is not a network locator.
type Source struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Relevance   string    `json:"relevance"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Synthesis is the final structured research output.
type Synthesis struct {
	Answer        string    `json:"answer"`
	Confidence    string    `json:"confidence"`
	KeyFindings   []Finding `json:"key_findings"`
	Assumptions   []string  `json:"assumptions"`
	Limitations   []string  `json:"limitations"`
	Sources       []Source  `json:"sources"`
	TotalCostUSD  float64   `json:"total_cost_usd"`
	StepsExecuted int       `json:"steps_executed"`
	StepsTotal    int       `json:"steps_total"`
	WasHalted     bool      `json:"was_halted"`
}

// synthesisPayload is the JSON shape the model is asked to emit.
type synthesisPayload struct {
	Answer      string    `json:"answer"`
	Confidence  string    `json:"confidence"`
	KeyFindings []Finding `json:"key_findings"`
	Assumptions []string  `json:"assumptions"`
	Limitations []string  `json:"limitations"`
}

// Synthesizer turns a finished run into a Synthesis.
type Synthesizer struct {
	provider llm.Provider
	logger   *slog.Logger
}

func New(provider llm.Provider, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{provider: provider, logger: logger}
}

// Synthesize aggregates the run for the given query. It always returns a
// usable Synthesis: with no completed steps it answers without calling the
// model, and a model failure degrades to a raw evidence summary.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, run *executor.Run) *Synthesis {
	completed := completedResults(run.Results)

	out := &Synthesis{
		Confidence:    "low",
		KeyFindings:   []Finding{},
		Assumptions:   []string{},
		Limitations:   []string{},
		Sources:       CollectSources(run.Results),
		TotalCostUSD:  run.TotalSpentUSD,
		StepsExecuted: len(completed),
		StepsTotal:    len(run.Results),
		WasHalted:     run.Halted(),
	}

	if len(completed) == 0 {
		out.Answer = "No steps completed successfully. Unable to provide an answer."
		out.Limitations = []string{"No execution steps completed."}
		return out
	}

	prompt := s.buildPrompt(query, completed, run.Halted())
	resp, err := s.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: synthesisSystemPrompt,
		Messages:     llm.UserMessage(prompt),
		MaxTokens:    synthesisMaxTokens,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "synthesis model unavailable, degrading to evidence summary",
			slog.String("error", err.Error()),
		)
		out.Answer = degradedAnswer(completed)
		out.Limitations = []string{"Synthesis model unavailable; answer assembled from raw step outputs."}
		return out
	}

	var payload synthesisPayload
	if err := json.Unmarshal([]byte(llm.ExtractJSONBlock(resp.Content)), &payload); err != nil {
		s.logger.WarnContext(ctx, "synthesis output was not valid JSON, using raw text",
			slog.String("error", err.Error()),
		)
		out.Answer = resp.Content
		return out
	}

	out.Answer = payload.Answer
	if payload.Confidence != "" {
		out.Confidence = payload.Confidence
	}
	if payload.KeyFindings != nil {
		out.KeyFindings = payload.KeyFindings
	}
	if payload.Assumptions != nil {
		out.Assumptions = payload.Assumptions
	}
	if payload.Limitations != nil {
		out.Limitations = payload.Limitations
	}
	return out
}

// buildPrompt assembles the evidence document from completed steps.
func (s *Synthesizer) buildPrompt(query string, completed []executor.StepResult, halted bool) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Research query: %q\n\n", query))
	if halted {
		sb.WriteString(haltedWarning)
	}
	sb.WriteString(fmt.Sprintf("Evidence from %d completed steps:\n\n", len(completed)))

	for i, res := range completed {
		if i > 0 {
			sb.WriteString("\n\n---\n\n")
		}
		output := res.Output
		if output == "" {
			output = "No output"
		}
		sb.WriteString(fmt.Sprintf("### Step %d (%s):\n%s\nSources: %s",
			res.Index, res.Tool, output, strings.Join(res.Sources, ", ")))
	}
	return sb.String()
}

// degradedAnswer summarizes completed steps without a model.
func degradedAnswer(completed []executor.StepResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Partial results from %d completed steps:\n", len(completed)))
	for _, res := range completed {
		snippet := res.Output
		if len(snippet) > degradedSnippetBytes {
			snippet = snippet[:degradedSnippetBytes]
		}
		sb.WriteString(fmt.Sprintf("Step %d (%s): %s\n", res.Index, res.Tool, snippet))
	}
	return sb.String()
}

// CollectSources deduplicates provenance strings across all results by
// exact match, preserving first-seen order. Strings with a host component
// are titled by that host; anything else keeps the raw string as its title.
func CollectSources(results []executor.StepResult) []Source {
	seen := make(map[string]struct{})
	sources := make([]Source, 0)
	now := time.Now().UTC()

	for _, res := range results {
		for _, raw := range res.Sources {
			if _, dup := seen[raw]; dup {
				continue
			}
			seen[raw] = struct{}{}
			sources = append(sources, Source{
				URL:         raw,
				Title:       titleFor(raw),
				Relevance:   sourceRelevance,
				RetrievedAt: now,
			})
		}
	}
	return sources
}

func titleFor(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func completedResults(results []executor.StepResult) []executor.StepResult {
	completed := make([]executor.StepResult, 0, len(results))
	for _, res := range results {
		if res.Status == executor.StepCompleted {
			completed = append(completed, res)
		}
	}
	return completed
}
