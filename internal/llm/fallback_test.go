package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProvider struct {
	name  string
	resp  *Response
	err   error
	calls int
}

func (s *stubProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubProvider) Name() string { return s.name }

func TestFallbackUsesFirstSuccess(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("boom")}
	secondary := &stubProvider{name: "secondary", resp: &Response{Content: "ok"}}

	f := NewFallbackProvider([]Provider{primary, secondary}, discardLogger())
	resp, err := f.SendMessage(context.Background(), &Request{Messages: UserMessage("hi")})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("calls = %d, %d; want 1, 1", primary.calls, secondary.calls)
	}
	if f.Name() != "primary+fallback" {
		t.Errorf("name = %q", f.Name())
	}
}

func TestFallbackAllFail(t *testing.T) {
	last := errors.New("last failure")
	f := NewFallbackProvider([]Provider{
		&stubProvider{name: "a", err: errors.New("first failure")},
		&stubProvider{name: "b", err: last},
	}, discardLogger())

	_, err := f.SendMessage(context.Background(), &Request{Messages: UserMessage("hi")})
	if !errors.Is(err, last) {
		t.Errorf("got %v, want wrapped last error", err)
	}
}

func TestFallbackStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	secondary := &stubProvider{name: "b", resp: &Response{Content: "never"}}
	f := NewFallbackProvider([]Provider{
		&stubProvider{name: "a", err: context.Canceled},
		secondary,
	}, discardLogger())

	if _, err := f.SendMessage(ctx, &Request{Messages: UserMessage("hi")}); err == nil {
		t.Fatal("expected error after cancellation")
	}
	if secondary.calls != 0 {
		t.Errorf("secondary was tried %d times after cancellation", secondary.calls)
	}
}
