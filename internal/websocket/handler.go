package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatline/internal/logging"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Dispatcher receives connection lifecycle and inbound events, in order per connection.
type Dispatcher interface {
	Connected(conn interfaces.Connection)
	Dispatch(conn interfaces.Connection, env types.Envelope)
	Disconnected(conn interfaces.Connection)
}

// HandlerConfig configures the upgrade endpoint.
type HandlerConfig struct {
	Options        Options
	AllowedOrigins []string
	Verifier       *TokenVerifier
}

// Handler upgrades HTTP requests and pumps frames from each connection into the dispatcher.
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	opts       Options
	verifier   *TokenVerifier
	logger     *zap.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(registry *Registry, dispatcher Dispatcher, cfg HandlerConfig, logger *zap.Logger) *Handler {
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin:      originChecker(cfg.AllowedOrigins),
			HandshakeTimeout: 10 * time.Second,
		},
		opts:     cfg.Options.withDefaults(),
		verifier: cfg.Verifier,
		logger:   logging.Component(logger, "websocket"),
	}
}

// originChecker allows every origin when the list is empty or contains "*".
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// ServeHTTP authenticates the request when a verifier is configured, upgrades
// it, and starts the read loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var subject types.ID
	if h.verifier != nil {
		token := tokenFromRequest(r)
		if token == "" {
			http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
			return
		}
		id, err := h.verifier.Verify(token)
		if err != nil {
			h.logger.Debug("rejected upgrade", zap.Error(err))
			http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
			return
		}
		subject = id
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(ws, h.opts)
	if subject != 0 {
		conn.setSubject(subject)
	}

	if err := h.registry.Add(conn); err != nil {
		h.logger.Error("failed to track connection", zap.Error(err))
		_ = conn.Close()
		return
	}

	h.logger.Debug("connection opened",
		zap.String("connection", conn.ID()),
		zap.String("remote", r.RemoteAddr))
	h.dispatcher.Connected(conn)

	go h.readLoop(conn)
}

// readLoop decodes frames in arrival order and hands them to the dispatcher.
// It owns the connection's teardown.
func (h *Handler) readLoop(conn *Connection) {
	defer func() {
		h.registry.Remove(conn)
		_ = conn.Close()
		h.dispatcher.Disconnected(conn)
		h.logger.Debug("connection closed", zap.String("connection", conn.ID()))
	}()

	ws := conn.conn
	ws.SetReadLimit(h.opts.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("connection", conn.ID()), zap.Error(err))
			}
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			_ = conn.Send(types.NewErrorMessage("Invalid message format"))
			continue
		}
		h.dispatcher.Dispatch(conn, env)
	}
}
