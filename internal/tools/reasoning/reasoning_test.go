package reasoning

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/malipo/internal/llm"
	"github.com/jkaninda/malipo/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProvider struct {
	lastReq *llm.Request
	content string
	err     error
}

func (s *stubProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content}, nil
}

func (s *stubProvider) Name() string { return "stub" }

func TestExecuteBuildsPromptAndExtractsJSON(t *testing.T) {
	provider := &stubProvider{
		content: "Here you go:\n```json\n{\"analysis\":\"solid\",\"confidence\":\"high\",\"key_points\":[\"a\"]}\n```",
	}
	tool := New(provider, "model-x", discardLogger())

	result, err := tool.Execute(context.Background(), &tools.Invocation{
		Query:   "is the bridge safe",
		Step:    "assess audit findings",
		Context: "[Step 1]: audit summary",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !strings.HasPrefix(result.Output, "{") || !strings.Contains(result.Output, `"confidence":"high"`) {
		t.Errorf("output not extracted to JSON: %q", result.Output)
	}
	if len(result.Sources) != 1 || result.Sources[0] != "stub:model-x" {
		t.Errorf("sources = %v", result.Sources)
	}

	prompt := provider.lastReq.Messages[0].Content
	for _, want := range []string{"is the bridge safe", "assess audit findings", "[Step 1]: audit summary"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if provider.lastReq.SystemPrompt == "" {
		t.Error("system prompt not set")
	}
}

func TestExecuteWithoutContext(t *testing.T) {
	provider := &stubProvider{content: `{"analysis":"x","confidence":"low","key_points":[]}`}
	tool := New(provider, "model-x", discardLogger())

	if _, err := tool.Execute(context.Background(), &tools.Invocation{Query: "q", Step: "s"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(provider.lastReq.Messages[0].Content, "No evidence has been gathered yet") {
		t.Error("empty-context hint missing from prompt")
	}
}

func TestExecutePropagatesProviderError(t *testing.T) {
	provider := &stubProvider{err: errors.New("rate limited")}
	tool := New(provider, "model-x", discardLogger())

	if _, err := tool.Execute(context.Background(), &tools.Invocation{Query: "q", Step: "s"}); err == nil {
		t.Fatal("expected provider error to propagate")
	}
}

func TestUnitCostOverride(t *testing.T) {
	tool := New(&stubProvider{}, "model-x", discardLogger(), WithUnitCost(0.2))
	if tool.UnitCostUSD() != 0.2 {
		t.Errorf("cost = %v, want 0.2", tool.UnitCostUSD())
	}

	tool = New(&stubProvider{}, "model-x", discardLogger())
	if tool.UnitCostUSD() != defaultUnitCostUSD {
		t.Errorf("cost = %v, want default", tool.UnitCostUSD())
	}
}
