package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultRemoteTimeout = 15 * time.Second
	maxErrorBodyBytes    = 4 << 10
)

// RemoteLedger talks to a malipo custody service over HTTP. Identity is
// established by API key: the caller's role selects which configured key
// is presented, and the service resolves the key back to a party. Wire
// error codes are mapped to the ledger sentinels, so errors.Is behaves the
// same as with a local backend.
type RemoteLedger struct {
	baseURL     string
	operatorKey string
	payerKey    string
	httpClient  *http.Client
	logger      *slog.Logger
}

// RemoteOption configures a RemoteLedger.
type RemoteOption func(*RemoteLedger)

// WithRemoteHTTPClient replaces the underlying HTTP client.
func WithRemoteHTTPClient(c *http.Client) RemoteOption {
	return func(l *RemoteLedger) {
		l.httpClient = c
	}
}

// WithRemoteTimeout sets the per-request timeout.
func WithRemoteTimeout(d time.Duration) RemoteOption {
	return func(l *RemoteLedger) {
		l.httpClient.Timeout = d
	}
}

// NewRemoteLedger creates a client for the custody service at baseURL.
// operatorKey authenticates operator calls, payerKey authenticates Lock.
func NewRemoteLedger(baseURL, operatorKey, payerKey string, logger *slog.Logger, opts ...RemoteOption) *RemoteLedger {
	l := &RemoteLedger{
		baseURL:     baseURL,
		operatorKey: operatorKey,
		payerKey:    payerKey,
		httpClient:  &http.Client{Timeout: defaultRemoteTimeout},
		logger:      logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type lockRequest struct {
	AmountUSD float64 `json:"amount_usd"`
	StepCount int     `json:"step_count"`
}

type authorizeRequest struct {
	AmountUSD float64 `json:"amount_usd"`
}

type settleRequest struct {
	TotalSpentUSD float64 `json:"total_spent_usd"`
}

type remainingResponse struct {
	SessionID    string  `json:"session_id"`
	RemainingUSD float64 `json:"remaining_usd"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (l *RemoteLedger) keyFor(caller Party) string {
	if caller.Role == RolePayer {
		return l.payerKey
	}
	return l.operatorKey
}

func (l *RemoteLedger) do(ctx context.Context, method, path, key string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal custody request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build custody request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("custody request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read custody response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr errorResponse
		if jsonErr := json.Unmarshal(data, &apiErr); jsonErr == nil && apiErr.Code != "" {
			return FromCode(apiErr.Code, apiErr.Error)
		}
		if len(data) > maxErrorBodyBytes {
			data = data[:maxErrorBodyBytes]
		}
		return fmt.Errorf("custody service returned %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode custody response: %w", err)
		}
	}
	return nil
}

func sessionPath(sessionID string, parts ...string) string {
	p := "/v1/sessions/" + url.PathEscape(sessionID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func stepPath(sessionID, stepID string, parts ...string) string {
	p := sessionPath(sessionID, "steps", url.PathEscape(stepID))
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (l *RemoteLedger) Lock(ctx context.Context, caller Party, sessionID string, amountUSD float64, stepCount int) (*Session, error) {
	if err := requirePayer(caller); err != nil {
		return nil, err
	}
	var session Session
	err := l.do(ctx, http.MethodPost, sessionPath(sessionID, "lock"), l.keyFor(caller),
		&lockRequest{AmountUSD: amountUSD, StepCount: stepCount}, &session)
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "escrow locked via custody service",
		slog.String("session_id", sessionID),
		slog.Float64("locked_usd", amountUSD))
	return &session, nil
}

func (l *RemoteLedger) Authorize(ctx context.Context, caller Party, sessionID, stepID string, amountUSD float64) (*Authorization, error) {
	if err := requireOperatorRole(caller); err != nil {
		return nil, err
	}
	var hold Authorization
	err := l.do(ctx, http.MethodPost, stepPath(sessionID, stepID, "authorize"), l.keyFor(caller),
		&authorizeRequest{AmountUSD: amountUSD}, &hold)
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

func (l *RemoteLedger) Confirm(ctx context.Context, caller Party, sessionID, stepID string) (*Authorization, error) {
	if err := requireOperatorRole(caller); err != nil {
		return nil, err
	}
	var hold Authorization
	err := l.do(ctx, http.MethodPost, stepPath(sessionID, stepID, "confirm"), l.keyFor(caller), nil, &hold)
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

func (l *RemoteLedger) Refund(ctx context.Context, caller Party, sessionID, stepID string) (*Authorization, error) {
	if err := requireOperatorRole(caller); err != nil {
		return nil, err
	}
	var hold Authorization
	err := l.do(ctx, http.MethodPost, stepPath(sessionID, stepID, "refund"), l.keyFor(caller), nil, &hold)
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

func (l *RemoteLedger) Settle(ctx context.Context, caller Party, sessionID string, totalSpentUSD float64) (*Settlement, error) {
	if err := requireOperatorRole(caller); err != nil {
		return nil, err
	}
	var settlement Settlement
	err := l.do(ctx, http.MethodPost, sessionPath(sessionID, "settle"), l.keyFor(caller),
		&settleRequest{TotalSpentUSD: totalSpentUSD}, &settlement)
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "session settled via custody service",
		slog.String("session_id", sessionID),
		slog.Float64("spent_usd", settlement.SpentUSD))
	return &settlement, nil
}

func (l *RemoteLedger) Remaining(ctx context.Context, sessionID string) (float64, error) {
	var out remainingResponse
	if err := l.do(ctx, http.MethodGet, sessionPath(sessionID, "remaining"), l.operatorKey, nil, &out); err != nil {
		return 0, err
	}
	return out.RemainingUSD, nil
}

func (l *RemoteLedger) IsAuthorized(ctx context.Context, sessionID, stepID string) (bool, error) {
	hold, err := l.fetchHold(ctx, sessionID, stepID)
	if err != nil || hold == nil {
		return false, err
	}
	return hold.State == StateAuthorized, nil
}

func (l *RemoteLedger) IsConfirmed(ctx context.Context, sessionID, stepID string) (bool, error) {
	hold, err := l.fetchHold(ctx, sessionID, stepID)
	if err != nil || hold == nil {
		return false, err
	}
	return hold.State == StateConfirmed, nil
}

func (l *RemoteLedger) fetchHold(ctx context.Context, sessionID, stepID string) (*Authorization, error) {
	var hold Authorization
	err := l.do(ctx, http.MethodGet, stepPath(sessionID, stepID), l.operatorKey, nil, &hold)
	if err != nil {
		// A never-authorized step is not an error for the Is* reads.
		if Code(err) == CodeStepNotAuthorized {
			return nil, nil
		}
		return nil, err
	}
	return &hold, nil
}

func (l *RemoteLedger) Session(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := l.do(ctx, http.MethodGet, sessionPath(sessionID), l.operatorKey, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

var _ Ledger = (*RemoteLedger)(nil)
