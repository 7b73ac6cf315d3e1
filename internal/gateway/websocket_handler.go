package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/scoresync/backend/internal/session"
)

// WebSocketHandler exposes the sync protocol over HTTP.
type WebSocketHandler struct {
	cm       *ConnectionManager
	handler  *Handler
	sessions *session.Manager
}

// NewWebSocketHandler binds the dispatcher to the connection manager and
// installs the message/disconnect callbacks.
func NewWebSocketHandler(cm *ConnectionManager, handler *Handler, sessions *session.Manager) *WebSocketHandler {
	h := &WebSocketHandler{cm: cm, handler: handler, sessions: sessions}

	cm.SetMessageHandler(func(conn *Connection, data []byte) {
		// A join moves the socket into the fan-out pool first, so the
		// joiner receives its own room_stats broadcast.
		var env Envelope
		if json.Unmarshal(data, &env) == nil && env.Type == TypeJoinSession {
			var p JoinSessionPayload
			if json.Unmarshal(env.Data, &p) == nil && p.SessionID != "" {
				cm.JoinSession(conn, p.SessionID)
			}
		}

		handler.HandleMessage(context.Background(), conn.SocketID, data)
	})
	cm.SetDisconnectHandler(func(socketID string) {
		handler.HandleDisconnect(context.Background(), socketID)
	})

	return h
}

// HandleSync upgrades a client connection onto the sync protocol.
func (h *WebSocketHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if _, err := h.cm.UpgradeConnection(w, r); err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
	}
}

// HandleStats reports live connection counts.
func (h *WebSocketHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	total, perSession := h.cm.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"total_connections": total,
		"active_sessions":   len(perSession),
		"session_counts":    perSession,
	})
}

// HandleHealthz reports process and store health.
func (h *WebSocketHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.sessions.HealthCheck(r.Context()); err != nil {
		// Degraded but serving: sessions continue on the memory store.
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// RegisterRoutes attaches the gateway endpoints to a mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/sync", h.HandleSync)
	mux.HandleFunc("/ws/stats", h.HandleStats)
	mux.HandleFunc("/healthz", h.HandleHealthz)
}
