// Package chainread implements the metered blockchain read tool. It issues
// read-only JSON-RPC calls against an Ethereum-compatible node.
package chainread

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jkaninda/malipo/internal/tools"
)

const (
	// ToolName is how plans refer to this tool.
	ToolName = "chain_read"

	defaultMethod      = "eth_blockNumber"
	defaultUnitCostUSD = 0.001
)

// Tool reads on-chain state over JSON-RPC.
type Tool struct {
	url        string
	costUSD    float64
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the chain read tool.
type Option func(*Tool)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *Tool) { t.httpClient = hc }
}

// WithUnitCost overrides the default per-invocation price.
func WithUnitCost(usd float64) Option {
	return func(t *Tool) {
		if usd > 0 {
			t.costUSD = usd
		}
	}
}

// New creates the chain read tool pointed at an RPC endpoint.
func New(rpcURL string, logger *slog.Logger, opts ...Option) *Tool {
	t := &Tool{
		url:        rpcURL,
		costUSD:    defaultUnitCostUSD,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Read state from an Ethereum-compatible chain over JSON-RPC. Config: {\"method\": \"eth_blockNumber\", \"params\": []}."
}

func (t *Tool) UnitCostUSD() float64 { return t.costUSD }

// Validate checks method and params shapes. Only read-style calls make
// sense here, but the node is the authority on what a method does.
func (t *Tool) Validate(config map[string]any) error {
	if raw, ok := config["method"]; ok {
		if _, ok := raw.(string); !ok {
			return fmt.Errorf("method must be a string")
		}
	}
	if raw, ok := config["params"]; ok {
		if _, ok := raw.([]any); !ok {
			return fmt.Errorf("params must be an array")
		}
	}
	return nil
}

func (t *Tool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	method := defaultMethod
	if m, ok := inv.Config["method"].(string); ok && m != "" {
		method = m
	}
	params, _ := inv.Config["params"].([]any)
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rpc request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading rpc response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("parsing rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	output, err := json.Marshal(readOutput{Method: method, Result: rpcResp.Result})
	if err != nil {
		return nil, fmt.Errorf("encoding rpc output: %w", err)
	}

	t.logger.DebugContext(ctx, "chain read completed",
		slog.String("method", method))

	return &tools.Result{
		Output:  tools.TruncateOutput(string(output), tools.MaxOutputBytes),
		Sources: []string{"rpc:" + t.url},
	}, nil
}

// --- JSON-RPC wire types (unexported) ---

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type readOutput struct {
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
}
