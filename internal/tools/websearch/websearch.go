// Package websearch implements the metered web search tool backed by the
// Tavily search API.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/malipo/internal/tools"
)

const (
	// ToolName is how plans refer to this tool.
	ToolName = "web_search"

	defaultBaseURL     = "https://api.tavily.com"
	searchPath         = "/search"
	defaultMaxResults  = 5
	defaultSearchDepth = "advanced"
	defaultUnitCostUSD = 0.01
)

// Tool queries the Tavily search API.
type Tool struct {
	apiKey      string
	baseURL     string
	maxResults  int
	searchDepth string
	costUSD     float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// Option configures the web search tool.
type Option func(*Tool)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(t *Tool) { t.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *Tool) { t.httpClient = hc }
}

// WithMaxResults caps how many results each search returns.
func WithMaxResults(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.maxResults = n
		}
	}
}

// WithSearchDepth selects Tavily's "basic" or "advanced" crawl.
func WithSearchDepth(depth string) Option {
	return func(t *Tool) {
		if depth != "" {
			t.searchDepth = depth
		}
	}
}

// WithUnitCost overrides the default per-invocation price.
func WithUnitCost(usd float64) Option {
	return func(t *Tool) {
		if usd > 0 {
			t.costUSD = usd
		}
	}
}

// New creates the web search tool.
func New(apiKey string, logger *slog.Logger, opts ...Option) *Tool {
	t := &Tool{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		maxResults:  defaultMaxResults,
		searchDepth: defaultSearchDepth,
		costUSD:     defaultUnitCostUSD,
		httpClient:  http.DefaultClient,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Search the public web for current information. Config: {\"query\": \"search terms\"}; defaults to the step description."
}

func (t *Tool) UnitCostUSD() float64 { return t.costUSD }

// Validate checks the optional query override.
func (t *Tool) Validate(config map[string]any) error {
	if raw, ok := config["query"]; ok {
		q, ok := raw.(string)
		if !ok {
			return fmt.Errorf("query must be a string")
		}
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("query must not be empty")
		}
	}
	return nil
}

func (t *Tool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	query := inv.Step
	if raw, ok := inv.Config["query"].(string); ok && strings.TrimSpace(raw) != "" {
		query = raw
	}

	apiReq := apiRequest{
		APIKey:            t.apiKey,
		Query:             query,
		SearchDepth:       t.searchDepth,
		MaxResults:        t.maxResults,
		IncludeAnswer:     true,
		IncludeRawContent: false,
	}
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+searchPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading search response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing search response: %w", err)
	}

	sources := make([]string, 0, len(apiResp.Results))
	for _, r := range apiResp.Results {
		if r.URL != "" {
			sources = append(sources, r.URL)
		}
	}

	output, err := json.Marshal(searchOutput{Answer: apiResp.Answer, Results: apiResp.Results})
	if err != nil {
		return nil, fmt.Errorf("encoding search output: %w", err)
	}

	t.logger.DebugContext(ctx, "web search completed",
		slog.String("query", query),
		slog.Int("results", len(apiResp.Results)))

	return &tools.Result{
		Output:  tools.TruncateOutput(string(output), tools.MaxOutputBytes),
		Sources: sources,
	}, nil
}

// --- Tavily API wire types (unexported) ---

type apiRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth"`
	MaxResults        int    `json:"max_results"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type apiResponse struct {
	Answer  string      `json:"answer"`
	Results []apiResult `json:"results"`
}

type apiResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type searchOutput struct {
	Answer  string      `json:"answer,omitempty"`
	Results []apiResult `json:"results"`
}
