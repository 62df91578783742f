// Package httpapi implements the HTTP API for running metered research.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/malipo/internal/executor"
	"github.com/jkaninda/malipo/internal/observability"
	"github.com/jkaninda/malipo/internal/ratelimit"
	"github.com/jkaninda/malipo/internal/research"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// defaultListLimit bounds GET /v1/research when the caller gives no limit.
const defaultListLimit = 20

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → client ID mapping. Empty = unauthenticated.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	service *research.Service
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Run event streaming. nil = events endpoint disabled.
	bus *executor.EventBus

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway around the research service.
func NewGateway(cfg Config, svc *research.Service, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		service: svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithEventBus enables the run event stream endpoint.
func (g *Gateway) WithEventBus(bus *executor.EventBus) *Gateway {
	g.bus = bus
	return g
}

// WithOpenAPIDocs mounts the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Malipo",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group. Metrics middleware wraps the whole group so
	// rejected requests are counted too.
	var middlewares []okapi.Middleware
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	middlewares = append(middlewares, g.authenticate)
	g.group = g.okapi.Group("/v1", middlewares...)

	g.group.Post("/research", g.handleResearchSubmit,
		okapi.DocSummary("Run a metered research pipeline for a query"),
		okapi.DocTags("Research"),
		okapi.DocRequestBody(ResearchRequest{}),
		okapi.DocResponse(research.Report{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/research", g.handleReportList,
		okapi.DocSummary("List recent research reports, newest first"),
		okapi.DocTags("Research"),
		okapi.DocResponse([]research.Report{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/research/{id}", g.handleReportGet,
		okapi.DocSummary("Get a research report by session ID"),
		okapi.DocTags("Research"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(research.Report{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Run event stream. Mounted outside the group so the WebSocket upgrade
	// sees the raw ResponseWriter; it does its own key check.
	if g.bus != nil {
		g.okapi.HandleStd("GET", "/v1/research/events", g.handleEvents)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ResearchRequest is the JSON body for POST /v1/research.
type ResearchRequest struct {
	Query        string  `json:"query"`
	MaxBudgetUSD float64 `json:"max_budget_usd,omitempty"` // 0 = service default.
}

func (g *Gateway) handleResearchSubmit(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			wait := g.limiter.RetryAfter(clientID)
			return c.AbortTooManyRequests(fmt.Sprintf("rate limit exceeded, retry in %ds",
				int(math.Ceil(wait.Seconds()))))
		}
	}

	var req ResearchRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("query is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.AbortBadRequest("query is required")
	}

	correlationID := newCorrelationID()

	g.logger.Info("http research request",
		slog.String("client_id", clientID),
		slog.String("correlation_id", correlationID),
		slog.Float64("max_budget_usd", req.MaxBudgetUSD),
	)

	report, err := g.service.Research(c.Context(), req.Query, req.MaxBudgetUSD)
	if err != nil {
		if errors.Is(err, research.ErrEmptyQuery) || errors.Is(err, research.ErrBudgetOutOfRange) {
			return c.AbortBadRequest(err.Error())
		}
		g.logger.Error("research failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("research failed")
	}

	return c.OK(report)
}

func (g *Gateway) handleReportGet(c *okapi.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.AbortBadRequest("session id is required")
	}

	report, err := g.service.Report(c.Context(), id)
	if err != nil {
		if errors.Is(err, research.ErrReportNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "report not found"})
		}
		g.logger.Error("report lookup failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("report lookup failed")
	}

	return c.OK(report)
}

func (g *Gateway) handleReportList(c *okapi.Context) error {
	limit := defaultListLimit
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = parsed
	}

	reports, err := g.service.Reports(c.Context(), limit)
	if err != nil {
		g.logger.Error("report list failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("report list failed")
	}

	return c.OK(reports)
}

// HealthResponse is the JSON response for GET /v1/healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID on the
// request context. With no keys configured the instance is open and every
// caller shares one identity.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("clientID", "anonymous")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// --- Helpers ---

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
