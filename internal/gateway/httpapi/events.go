package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/jkaninda/malipo/internal/executor"
)

// handleEvents streams one session's run events over WebSocket. Clients
// connect before submitting the research request, then receive every
// step-level event until run_finished. The key goes in the "token" query
// parameter or a Bearer header.
//
// GET /v1/research/events?session=<session_id>&token=<api_key>
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !g.authorizeStream(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}

	// Subscribe before the upgrade so no event can slip between.
	events, cancel := g.bus.Subscribe(sessionID)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"malipo-events-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	g.logger.Debug("event stream opened", slog.String("session_id", sessionID))

	// CloseRead cancels the context when the client goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
			if ev.Type == executor.EventRunFinished {
				return
			}
		}
	}
}

// authorizeStream checks the WebSocket handshake against the configured API
// keys. Browsers cannot set headers on WebSocket requests, so the key may
// also ride in the "token" query parameter.
func (g *Gateway) authorizeStream(r *http.Request) bool {
	if len(g.config.APIKeys) == 0 {
		return true
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if token == "" {
		return false
	}

	for key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return true
		}
	}
	return false
}
