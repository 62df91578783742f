package synthesizer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/malipo/internal/executor"
	"github.com/jkaninda/malipo/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProvider struct {
	reply   string
	err     error
	calls   int
	lastReq *llm.Request
}

func (s *stubProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.reply}, nil
}

func (s *stubProvider) Name() string { return "stub" }

func completedStep(index int, tool, output string, sources ...string) executor.StepResult {
	return executor.StepResult{
		StepID:  "step",
		Index:   index,
		Status:  executor.StepCompleted,
		Tool:    tool,
		Output:  output,
		Sources: sources,
	}
}

func TestCollectSourcesDeduplicatesAndTitles(t *testing.T) {
	results := []executor.StepResult{
		completedStep(0, "web_search", "out", "https://a.com/x", "https://a.com/y"),
		completedStep(1, "reasoning", "out", "internal-note", "https://a.com/x"),
	}

	sources := CollectSources(results)

	if len(sources) != 3 {
		t.Fatalf("sources = %d, want 3", len(sources))
	}
	wantURLs := []string{"https://a.com/x", "https://a.com/y", "internal-note"}
	wantTitles := []string{"a.com", "a.com", "internal-note"}
	for i := range wantURLs {
		if sources[i].URL != wantURLs[i] {
			t.Errorf("source %d url = %q, want %q", i, sources[i].URL, wantURLs[i])
		}
		if sources[i].Title != wantTitles[i] {
			t.Errorf("source %d title = %q, want %q", i, sources[i].Title, wantTitles[i])
		}
		if sources[i].Relevance != sourceRelevance {
			t.Errorf("source %d relevance = %q", i, sources[i].Relevance)
		}
		if sources[i].RetrievedAt.IsZero() {
			t.Errorf("source %d has no capture timestamp", i)
		}
	}
}

func TestCollectSourcesTitlesByHost(t *testing.T) {
	cases := []struct {
		raw   string
		title string
	}{
		{"https://docs.example.org/page", "docs.example.org"},
		{"http://localhost:8545", "localhost:8545"},
		{"mcp://github/search_issues", "github"},
		{"anthropic:claude-sonnet", "anthropic:claude-sonnet"},
		{"rpc:https://eth.example.com", "rpc:https://eth.example.com"},
		{"internal-note", "internal-note"},
	}
	for _, tc := range cases {
		got := CollectSources([]executor.StepResult{completedStep(0, "t", "o", tc.raw)})
		if got[0].Title != tc.title {
			t.Errorf("title for %q = %q, want %q", tc.raw, got[0].Title, tc.title)
		}
	}
}

func TestSynthesizeParsesModelOutput(t *testing.T) {
	provider := &stubProvider{reply: "```json\n" + `{
  "answer": "The answer.",
  "confidence": "high",
  "key_findings": [{"claim": "c", "evidence": "e", "source": "s", "confidence": "medium"}],
  "assumptions": ["a1"],
  "limitations": ["l1"]
}` + "\n```"}
	s := New(provider, discardLogger())

	run := &executor.Run{
		Status:        executor.RunCompleted,
		TotalSpentUSD: 0.31,
		Results: []executor.StepResult{
			completedStep(0, "web_search", "search output", "https://a.com/x"),
			completedStep(1, "reasoning", "analysis output"),
		},
	}

	out := s.Synthesize(context.Background(), "what is x?", run)

	if out.Answer != "The answer." || out.Confidence != "high" {
		t.Errorf("answer = %q confidence = %q", out.Answer, out.Confidence)
	}
	if len(out.KeyFindings) != 1 || out.KeyFindings[0].Claim != "c" {
		t.Errorf("key findings = %+v", out.KeyFindings)
	}
	if out.TotalCostUSD != 0.31 || out.StepsExecuted != 2 || out.StepsTotal != 2 {
		t.Errorf("accounting = %+v", out)
	}
	if out.WasHalted {
		t.Error("completed run reported as halted")
	}
	if len(out.Sources) != 1 || out.Sources[0].Title != "a.com" {
		t.Errorf("sources = %+v", out.Sources)
	}

	prompt := provider.lastReq.Messages[0].Content
	if !strings.Contains(prompt, `"what is x?"`) {
		t.Errorf("prompt missing query: %q", prompt)
	}
	if !strings.Contains(prompt, "### Step 0 (web_search):") || !strings.Contains(prompt, "search output") {
		t.Errorf("prompt missing evidence: %q", prompt)
	}
	if strings.Contains(prompt, "PARTIAL RESULTS") {
		t.Error("completed run prompt carries the halt warning")
	}
	if provider.lastReq.SystemPrompt == "" {
		t.Error("system prompt not set")
	}
}

func TestSynthesizeMarksPartialResults(t *testing.T) {
	provider := &stubProvider{reply: `{"answer": "partial", "confidence": "low"}`}
	s := New(provider, discardLogger())

	run := &executor.Run{
		Status:        executor.RunHalted,
		TotalSpentUSD: 0.3,
		Results: []executor.StepResult{
			completedStep(0, "web_search", "out"),
			{Index: 1, Status: executor.StepPaymentDenied, Tool: "reasoning"},
		},
	}

	out := s.Synthesize(context.Background(), "q", run)

	if !out.WasHalted {
		t.Error("halted flag lost")
	}
	if out.StepsExecuted != 1 || out.StepsTotal != 2 {
		t.Errorf("executed = %d total = %d", out.StepsExecuted, out.StepsTotal)
	}
	if !strings.Contains(provider.lastReq.Messages[0].Content, "PARTIAL RESULTS") {
		t.Error("halted run prompt missing the partial-results warning")
	}
}

func TestSynthesizeNoCompletedStepsSkipsModel(t *testing.T) {
	provider := &stubProvider{reply: "unused"}
	s := New(provider, discardLogger())

	run := &executor.Run{
		Status: executor.RunHalted,
		Results: []executor.StepResult{
			{Index: 0, Status: executor.StepPaymentDenied, Tool: "web_search"},
		},
	}

	out := s.Synthesize(context.Background(), "q", run)

	if provider.calls != 0 {
		t.Error("model called with no evidence")
	}
	if !strings.Contains(out.Answer, "No steps completed") {
		t.Errorf("answer = %q", out.Answer)
	}
	if out.Confidence != "low" || out.StepsExecuted != 0 {
		t.Errorf("synthesis = %+v", out)
	}
}

func TestSynthesizeDegradesOnModelFailure(t *testing.T) {
	provider := &stubProvider{err: errors.New("model down")}
	s := New(provider, discardLogger())

	run := &executor.Run{
		Status:        executor.RunCompleted,
		TotalSpentUSD: 0.1,
		Results: []executor.StepResult{
			completedStep(0, "web_search", "the evidence"),
		},
	}

	out := s.Synthesize(context.Background(), "q", run)

	if !strings.Contains(out.Answer, "Partial results from 1 completed steps") {
		t.Errorf("answer = %q", out.Answer)
	}
	if !strings.Contains(out.Answer, "the evidence") {
		t.Errorf("degraded answer lost the evidence: %q", out.Answer)
	}
	if out.Confidence != "low" || len(out.Limitations) == 0 {
		t.Errorf("synthesis = %+v", out)
	}
	if out.TotalCostUSD != 0.1 {
		t.Errorf("cost = %v", out.TotalCostUSD)
	}
}

func TestSynthesizeFallsBackToRawText(t *testing.T) {
	provider := &stubProvider{reply: "I could not produce JSON, sorry."}
	s := New(provider, discardLogger())

	run := &executor.Run{
		Status:  executor.RunCompleted,
		Results: []executor.StepResult{completedStep(0, "reasoning", "out")},
	}

	out := s.Synthesize(context.Background(), "q", run)

	if out.Answer != "I could not produce JSON, sorry." {
		t.Errorf("answer = %q", out.Answer)
	}
	if out.Confidence != "low" {
		t.Errorf("confidence = %q", out.Confidence)
	}
}
