// Package ws accepts session channel connections: upgrade, admission
// control, and the one-active-connection-per-session rule.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/surfvoice/surfd/internal/metrics"
	"github.com/surfvoice/surfd/internal/realtime"
	"github.com/surfvoice/surfd/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared collaborators for all channel sessions.
type HandlerConfig struct {
	Store         *store.Store
	Dialer        realtime.UpstreamDialer
	Tasks         realtime.TaskStarter
	MaxConcurrent int
}

// Handler serves "GET /ws/session/{id}" with admission control and
// session affinity: a second connection for the same session id closes
// the first.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}

	mu     sync.Mutex
	active map[string]*connToken // session id -> live connection
}

// connToken identifies one accepted connection so release only clears its
// own registration.
type connToken struct {
	cancel context.CancelFunc
}

// NewHandler creates a channel handler with a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	return &Handler{
		cfg:    cfg,
		sem:    make(chan struct{}, maxConc),
		active: make(map[string]*connToken),
	}
}

// ServeHTTP upgrades the connection and runs the session bridge.
// Returns 503 at capacity and 404 for unknown sessions.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sess, err := h.cfg.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.ChannelsActive.Inc()
	metrics.ChannelsTotal.Inc()
	defer metrics.ChannelsActive.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	token := h.claim(sessionID, cancel)
	defer h.release(sessionID, token)

	voice := r.URL.Query().Get("voice")
	slog.Info("channel attached", "session_id", sessionID, "voice", voice)
	session := realtime.NewSession(sessionID, voice, conn, h.cfg.Store, h.cfg.Tasks)
	if err := session.Run(ctx, h.cfg.Dialer); err != nil && ctx.Err() == nil {
		slog.Info("channel detached", "session_id", sessionID, "error", err)
	}
}

// claim registers this connection as the session's single live one,
// superseding any previous connection.
func (h *Handler) claim(sessionID string, cancel context.CancelFunc) *connToken {
	token := &connToken{cancel: cancel}
	h.mu.Lock()
	prev := h.active[sessionID]
	h.active[sessionID] = token
	h.mu.Unlock()
	if prev != nil {
		slog.Info("superseding previous connection", "session_id", sessionID)
		prev.cancel()
	}
	return token
}

// release drops the registration unless a newer connection has already
// replaced it.
func (h *Handler) release(sessionID string, token *connToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active[sessionID] == token {
		delete(h.active, sessionID)
	}
}
