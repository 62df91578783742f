// Package custodyapi exposes a ledger backend over HTTP, serving the wire
// protocol that ledger.RemoteLedger speaks. A deployment runs one custody
// service in front of a durable ledger and points research engines at it
// with the remote driver.
//
// Callers authenticate with bearer API keys. Each key is bound to one
// ledger party; the service resolves the key to that identity and hands
// it to the backend, which enforces role policy itself. Ledger failures
// travel as {error, code} envelopes so the client rebuilds the exact
// sentinel error, keeping errors.Is checks identical on both sides of
// the wire.
package custodyapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/malipo/internal/gateway"
	"github.com/jkaninda/malipo/internal/ledger"
)

// maxBodyBytes caps custody request bodies. Every legitimate payload is a
// few fixed fields.
const maxBodyBytes = 4 << 10

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 120 * time.Second
)

// Backend is the ledger surface the custody service serves. MemoryLedger
// and StoreLedger both satisfy it.
type Backend interface {
	ledger.Ledger

	// Hold returns a step's authorization, or (nil, nil) when the step
	// has never been authorized.
	Hold(ctx context.Context, sessionID, stepID string) (*ledger.Authorization, error)
}

// PartyKey binds an API key to the ledger identity it authenticates.
type PartyKey struct {
	Party ledger.Party
	Key   string
}

// Config holds the custody service settings.
type Config struct {
	// ListenAddr is the bind address, e.g. ":8090".
	ListenAddr string
	// Parties maps API keys to ledger identities. A useful deployment
	// carries at least one payer key and the operator key.
	Parties []PartyKey
}

// Service serves the custody wire protocol. It implements gateway.Gateway.
type Service struct {
	config  Config
	backend Backend
	logger  *slog.Logger
	mux     *http.ServeMux
	server  *http.Server
}

var _ gateway.Gateway = (*Service)(nil)

// NewService builds the custody service around backend. The route table
// is ready immediately; Start binds it to the network.
func NewService(cfg Config, backend Backend, logger *slog.Logger) *Service {
	s := &Service{
		config:  cfg,
		backend: backend,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Service) routes() {
	s.mux.HandleFunc("POST /v1/sessions/{id}/lock", s.withParty(s.handleLock))
	s.mux.HandleFunc("POST /v1/sessions/{id}/steps/{step}/authorize", s.withParty(s.handleAuthorize))
	s.mux.HandleFunc("POST /v1/sessions/{id}/steps/{step}/confirm", s.withParty(s.handleConfirm))
	s.mux.HandleFunc("POST /v1/sessions/{id}/steps/{step}/refund", s.withParty(s.handleRefund))
	s.mux.HandleFunc("POST /v1/sessions/{id}/settle", s.withParty(s.handleSettle))
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.withParty(s.handleSession))
	s.mux.HandleFunc("GET /v1/sessions/{id}/remaining", s.withParty(s.handleRemaining))
	s.mux.HandleFunc("GET /v1/sessions/{id}/steps/{step}", s.withParty(s.handleHold))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns the route table, so tests can mount the service on
// httptest without binding a port.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Start serves HTTP until the listener fails or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	s.logger.Info("custody service listening",
		slog.String("addr", s.config.ListenAddr),
		slog.Int("parties", len(s.config.Parties)))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("custody service stopping")
	return s.server.Shutdown(ctx)
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

type errorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Service) handleLock(w http.ResponseWriter, r *http.Request, caller ledger.Party) {
	var req lockRequest
	if !s.decode(w, r, &req) {
		return
	}
	session, err := s.backend.Lock(r.Context(), caller, r.PathValue("id"), req.AmountUSD, req.StepCount)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Service) handleAuthorize(w http.ResponseWriter, r *http.Request, caller ledger.Party) {
	var req authorizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	hold, err := s.backend.Authorize(r.Context(), caller, r.PathValue("id"), r.PathValue("step"), req.AmountUSD)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *Service) handleConfirm(w http.ResponseWriter, r *http.Request, caller ledger.Party) {
	hold, err := s.backend.Confirm(r.Context(), caller, r.PathValue("id"), r.PathValue("step"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *Service) handleRefund(w http.ResponseWriter, r *http.Request, caller ledger.Party) {
	hold, err := s.backend.Refund(r.Context(), caller, r.PathValue("id"), r.PathValue("step"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *Service) handleSettle(w http.ResponseWriter, r *http.Request, caller ledger.Party) {
	var req settleRequest
	if !s.decode(w, r, &req) {
		return
	}
	settlement, err := s.backend.Settle(r.Context(), caller, r.PathValue("id"), req.TotalSpentUSD)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func (s *Service) handleSession(w http.ResponseWriter, r *http.Request, _ ledger.Party) {
	session, err := s.backend.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Service) handleRemaining(w http.ResponseWriter, r *http.Request, _ ledger.Party) {
	sessionID := r.PathValue("id")
	remaining, err := s.backend.Remaining(r.Context(), sessionID)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remainingResponse{SessionID: sessionID, RemainingUSD: remaining})
}

func (s *Service) handleHold(w http.ResponseWriter, r *http.Request, _ ledger.Party) {
	hold, err := s.backend.Hold(r.Context(), r.PathValue("id"), r.PathValue("step"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if hold == nil {
		writeError(w, http.StatusNotFound, "", ledger.CodeStepNotAuthorized)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type partyHandler func(w http.ResponseWriter, r *http.Request, caller ledger.Party)

// withParty authenticates the bearer key and resolves it to the ledger
// identity it is bound to. Role policy stays in the ledger: a payer key
// hitting an operator endpoint fails there with the proper sentinel.
func (s *Service) withParty(next partyHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "")
			return
		}
		party, ok := s.partyFor(key)
		if !ok {
			s.logger.Warn("custody request with unknown api key",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("path", r.URL.Path))
			writeError(w, http.StatusUnauthorized, "unknown api key", "")
			return
		}
		next(w, r, party)
	}
}

func (s *Service) partyFor(key string) (ledger.Party, bool) {
	for _, pk := range s.config.Parties {
		if subtle.ConstantTimeCompare([]byte(pk.Key), []byte(key)) == 1 {
			return pk.Party, true
		}
	}
	return ledger.Party{}, false
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", "")
		return false
	}
	return true
}

// writeLedgerError maps a backend failure onto the wire: known sentinels
// become {error, code} envelopes, anything else is a 500 with no internal
// detail leaked.
func (s *Service) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	code := ledger.Code(err)
	if code == "" {
		s.logger.ErrorContext(r.Context(), "custody backend failure",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	writeError(w, statusFor(code), detailOf(err, code), code)
}

// statusFor maps a wire code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case ledger.CodeSessionNotFound, ledger.CodeStepNotAuthorized:
		return http.StatusNotFound
	case ledger.CodeInvalidAmount, ledger.CodeInvalidStepCount:
		return http.StatusBadRequest
	case ledger.CodeNotPayer, ledger.CodeNotOperator:
		return http.StatusForbidden
	case ledger.CodeBudgetExceeded:
		return http.StatusPaymentRequired
	default:
		// Lifecycle violations: duplicate sessions, double resolution,
		// settled sessions, inconsistent totals.
		return http.StatusConflict
	}
}

// detailOf strips the sentinel's own text from err, leaving the detail
// suffix. FromCode on the client side re-attaches the sentinel, so the
// rebuilt error string matches the original exactly.
func detailOf(err error, code string) string {
	msg := err.Error()
	base := ledger.FromCode(code, "").Error()
	if msg == base {
		return ""
	}
	return strings.TrimPrefix(msg, base+": ")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorEnvelope{Error: message, Code: code})
}
