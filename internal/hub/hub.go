// Package hub is the single event loop. Every inbound event from every
// connection is handled on one goroutine, to completion, in arrival order.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatline/internal/ack"
	"chatline/internal/logging"
	"chatline/internal/metrics"
	"chatline/internal/presence"
	"chatline/internal/router"
	"chatline/internal/session"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

type eventKind int

const (
	kindOpen eventKind = iota
	kindFrame
	kindClose
	kindTask
)

type inbound struct {
	kind eventKind
	conn interfaces.Connection
	env  types.Envelope
	task func(context.Context)
	done chan struct{}
}

// subjectCarrier is implemented by connections that were authenticated at upgrade.
type subjectCarrier interface {
	Subject() (types.ID, bool)
}

// Config tunes the hub.
type Config struct {
	QueueSize           int
	RedeliverOnRegister bool
}

// Hub dispatches register, send, receipt and disconnect events.
type Hub struct {
	events   chan inbound
	shutdown chan struct{}
	stopped  chan struct{}

	sessions *session.Manager
	presence *presence.Registry
	router   *router.Router
	acks     *ack.Handler
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics

	running bool
	mu      sync.RWMutex
}

// NewHub creates a new hub
func NewHub(sessions *session.Manager, reg *presence.Registry, rt *router.Router, acks *ack.Handler, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Hub{
		events:   make(chan inbound, cfg.QueueSize),
		shutdown: make(chan struct{}),
		stopped:  make(chan struct{}),
		sessions: sessions,
		presence: reg,
		router:   rt,
		acks:     acks,
		cfg:      cfg,
		logger:   logging.Component(logger, "hub"),
		metrics:  m,
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.shutdown:
		return ErrHubNotRunning
	default:
	}
	h.running = true

	h.logger.Info("starting event hub")
	go h.run(ctx)
	return nil
}

// Stop ends the loop and waits for the current event to finish.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	<-h.stopped
	h.logger.Info("event hub stopped")
	return nil
}

// Running reports whether the loop is accepting events.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// enqueue blocks until the loop accepts ev, which applies backpressure to the
// reading connection and keeps its events in order.
func (h *Hub) enqueue(ev inbound) error {
	if !h.Running() {
		return ErrHubNotRunning
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.shutdown:
		return ErrHubNotRunning
	}
}

// Connected opens a session for conn.
func (h *Hub) Connected(conn interfaces.Connection) {
	if err := h.enqueue(inbound{kind: kindOpen, conn: conn}); err != nil {
		h.logger.Debug("connection ignored", zap.String("connection", conn.ID()), zap.Error(err))
	}
}

// Dispatch queues one inbound frame from conn.
func (h *Hub) Dispatch(conn interfaces.Connection, env types.Envelope) {
	if err := h.enqueue(inbound{kind: kindFrame, conn: conn, env: env}); err != nil {
		h.logger.Debug("event ignored", zap.String("event", env.Event), zap.Error(err))
	}
}

// Disconnected closes conn's session and clears its presence.
func (h *Hub) Disconnected(conn interfaces.Connection) {
	if err := h.enqueue(inbound{kind: kindClose, conn: conn}); err != nil {
		h.logger.Debug("disconnect ignored", zap.String("connection", conn.ID()), zap.Error(err))
	}
}

// Do runs task on the loop and waits for it, so callers outside the loop can
// touch delivery state in the same order as connection events.
func (h *Hub) Do(ctx context.Context, task func(context.Context)) error {
	done := make(chan struct{})
	if err := h.enqueue(inbound{kind: kindTask, task: task, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrHubNotRunning
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case ev := <-h.events:
			h.handle(ctx, ev)

		case <-h.shutdown:
			return

		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.shutdown)
			}
			h.mu.Unlock()
			return
		}
	}
}

// handle runs one event under a recover guard so a failing handler never
// stops the loop or affects other connections.
func (h *Hub) handle(ctx context.Context, ev inbound) {
	defer func() {
		if ev.done != nil {
			close(ev.done)
		}
		if r := recover(); r != nil {
			h.metrics.IncPanic()
			h.logger.Error("event handler panicked",
				zap.String("event", ev.env.Event),
				zap.Any("panic", r),
				zap.Stack("stack"))
			if ev.conn != nil {
				h.reply(ev.conn, "Internal server error")
			}
		}
	}()

	switch ev.kind {
	case kindOpen:
		h.handleOpen(ev.conn)
	case kindClose:
		h.handleClose(ctx, ev.conn)
	case kindTask:
		ev.task(ctx)
	case kindFrame:
		h.handleFrame(ctx, ev.conn, ev.env)
	}
}

func (h *Hub) handleOpen(conn interfaces.Connection) {
	if _, err := h.sessions.Open(conn); err != nil {
		h.logger.Warn("failed to open session", zap.String("connection", conn.ID()), zap.Error(err))
	}
}

func (h *Hub) handleClose(ctx context.Context, conn interfaces.Connection) {
	s, err := h.sessions.Close(conn.ID())
	if err == nil {
		if userID, bound := s.UserID(); bound {
			h.logger.Debug("registered session closed",
				zap.Int64("user_id", int64(userID)),
				zap.String("connection", conn.ID()),
				zap.Duration("connected_for", time.Since(s.OpenedAt())))
		}
	}

	// Matches on the handle, so a superseded connection changes nothing.
	if entry, changed := h.presence.MarkOffline(ctx, conn); changed {
		h.logger.Info("user offline", zap.Int64("user_id", int64(entry.UserID)))
	}
}

func (h *Hub) handleFrame(ctx context.Context, conn interfaces.Connection, env types.Envelope) {
	switch env.Event {
	case types.EventRegister:
		h.handleRegister(ctx, conn, env.Data)
	case types.EventSendMessage:
		h.handleSend(ctx, conn, env.Data)
	case types.EventMessageDelivered:
		h.handleReceipt(ctx, conn, env.Data, h.acks.OnDelivered)
	case types.EventMessageRead:
		h.handleReceipt(ctx, conn, env.Data, h.acks.OnRead)
	default:
		h.logger.Debug("unknown event", zap.String("event", env.Event))
		h.reply(conn, fmt.Sprintf("%s: %s", ErrUnknownEvent.Error(), env.Event))
	}
}

// session returns conn's session, opening one if the open event was missed.
func (h *Hub) session(conn interfaces.Connection) *session.Session {
	if s, err := h.sessions.Get(conn.ID()); err == nil {
		return s
	}
	s, err := h.sessions.Open(conn)
	if err != nil {
		s, _ = h.sessions.Get(conn.ID())
	}
	return s
}

func (h *Hub) handleRegister(ctx context.Context, conn interfaces.Connection, data json.RawMessage) {
	userID, err := decodeID(data, "userId")
	if err != nil || userID == 0 {
		h.reply(conn, "User ID is required")
		return
	}

	if carrier, ok := conn.(subjectCarrier); ok {
		if subject, authenticated := carrier.Subject(); authenticated && subject != userID {
			h.logger.Warn("register rejected", zap.Error(ErrIdentityMismatch),
				zap.Int64("user_id", int64(userID)), zap.Int64("subject", int64(subject)))
			h.reply(conn, "Unauthorized")
			return
		}
	}

	if err := h.session(conn).Bind(userID); err != nil {
		h.logger.Debug("register rejected", zap.Int64("user_id", int64(userID)), zap.Error(err))
		if errors.Is(err, session.ErrIdentityFixed) {
			h.reply(conn, "Connection is already registered as another user")
		}
		return
	}

	if _, err := h.presence.Register(ctx, userID, conn); err != nil {
		h.logger.Error("presence register failed", zap.Int64("user_id", int64(userID)), zap.Error(err))
		return
	}
	h.logger.Info("user online", zap.Int64("user_id", int64(userID)), zap.String("connection", conn.ID()))

	if h.cfg.RedeliverOnRegister {
		if _, err := h.router.RedeliverPending(ctx, userID, conn); err != nil {
			h.logger.Error("redelivery failed", zap.Int64("user_id", int64(userID)), zap.Error(err))
		}
	}
}

func (h *Hub) handleSend(ctx context.Context, conn interfaces.Connection, data json.RawMessage) {
	var req types.SendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		if errors.Is(err, types.ErrMalformedID) {
			h.reply(conn, types.ErrMalformedID.Error())
		} else {
			h.reply(conn, "Invalid message format")
		}
		return
	}

	if actor, known := h.actor(conn); known && req.SenderUserID != actor {
		h.logger.Warn("send rejected", zap.Error(ErrIdentityMismatch),
			zap.Int64("sender_id", int64(req.SenderUserID)), zap.Int64("actor", int64(actor)))
		h.reply(conn, "Unauthorized")
		return
	}

	res, err := h.router.Send(ctx, conn, req)
	if err != nil {
		return
	}
	h.logger.Debug("message sent",
		zap.Int64("message_id", int64(res.Message.ID)),
		zap.Int("recipients", res.Recipients),
		zap.Int("delivered", res.Delivered))
}

func (h *Hub) handleReceipt(ctx context.Context, conn interfaces.Connection, data json.RawMessage, apply func(context.Context, types.ID, types.ID) error) {
	messageID, err := decodeID(data, "messageId")
	if err != nil {
		h.reply(conn, "Message ID is required")
		return
	}

	actor, _ := h.actor(conn)
	if err := apply(ctx, messageID, actor); err != nil {
		if errors.Is(err, ack.ErrNotRecipient) {
			h.logger.Warn("receipt rejected", zap.Int64("message_id", int64(messageID)), zap.Int64("actor", int64(actor)))
			h.reply(conn, "Unauthorized")
			return
		}
		h.logger.Error("receipt failed", zap.Int64("message_id", int64(messageID)), zap.Error(err))
	}
}

// actor is the user conn speaks for: the token subject when the connection
// was authenticated, otherwise the registered user. Anonymous connections
// have none.
func (h *Hub) actor(conn interfaces.Connection) (types.ID, bool) {
	if carrier, ok := conn.(subjectCarrier); ok {
		if subject, authenticated := carrier.Subject(); authenticated {
			return subject, true
		}
	}
	if s, err := h.sessions.Get(conn.ID()); err == nil {
		return s.UserID()
	}
	return 0, false
}

func (h *Hub) reply(conn interfaces.Connection, text string) {
	if err := conn.Send(types.NewErrorMessage(text)); err != nil {
		h.logger.Debug("error_message dropped", zap.String("connection", conn.ID()), zap.Error(err))
	}
}
