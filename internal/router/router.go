// Package router implements the send-message pipeline: validate, authorize,
// persist, acknowledge, fan out to online participants, and advance the
// message to delivered when anyone received it.
package router

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chatline/internal/logging"
	"chatline/internal/metrics"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Presence resolves a user's live connection.
type Presence interface {
	Connection(userID types.ID) (interfaces.Connection, bool)
}

// Config bounds what a sender may submit.
type Config struct {
	MaxBodyLength int
	RatePerMinute int
	Burst         int
}

// Router is the send-message state machine.
type Router struct {
	store    interfaces.Store
	presence Presence
	limiter  *RateLimiter
	maxBody  int
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Result describes a successful send.
type Result struct {
	Message    *types.Message
	Recipients int
	Delivered  int
}

// NewRouter creates a new message router
func NewRouter(store interfaces.Store, presence Presence, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Router {
	maxBody := cfg.MaxBodyLength
	if maxBody <= 0 {
		maxBody = types.DefaultMaxBodyLength
	}
	return &Router{
		store:    store,
		presence: presence,
		limiter:  NewRateLimiter(cfg.RatePerMinute, cfg.Burst),
		maxBody:  maxBody,
		logger:   logging.Component(logger, "router"),
		metrics:  m,
	}
}

// Limiter exposes the rate limiter for periodic cleanup.
func (r *Router) Limiter() *RateLimiter {
	return r.limiter
}

// Send runs the pipeline for req submitted on origin. Rejections are reported
// to origin as error_message and returned; nothing is persisted for them.
// Acknowledgments (message_sent, message_delivered) also go to origin.
func (r *Router) Send(ctx context.Context, origin interfaces.Connection, req types.SendMessageRequest) (*Result, error) {
	res, err := r.send(ctx, origin, req)
	if err != nil {
		r.reject(origin, err)
		return nil, err
	}
	return res, nil
}

func (r *Router) send(ctx context.Context, origin interfaces.Connection, req types.SendMessageRequest) (*Result, error) {
	if err := req.Validate(r.maxBody); err != nil {
		return nil, err
	}

	if _, err := r.store.GetConversation(ctx, req.ConversationID); err != nil {
		if errors.Is(err, interfaces.ErrConversationNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	ok, err := r.store.IsParticipant(ctx, req.ConversationID, req.SenderUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	if !r.limiter.Allow(req.SenderUserID) {
		return nil, ErrRateLimitExceeded
	}

	msg := &types.Message{
		SenderID:       req.SenderUserID,
		ConversationID: req.ConversationID,
		Body:           req.Message,
		Status:         types.StatusSent,
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	r.metrics.IncSent()
	r.emit(origin, types.NewMessageSent(msg))

	res := &Result{Message: msg}

	recipients, err := r.store.ListOtherParticipants(ctx, msg.ConversationID, msg.SenderID)
	if err != nil {
		// The message is stored and acknowledged; it stays "sent" until reconciled.
		r.logger.Error("failed to list recipients",
			zap.Int64("message_id", int64(msg.ID)), zap.Error(err))
		return res, nil
	}
	res.Recipients = len(recipients)

	for _, userID := range recipients {
		if r.deliver(msg, userID) {
			res.Delivered++
		}
	}

	if res.Delivered == 0 {
		r.logger.Debug("no recipient online, message left as sent",
			zap.Int64("message_id", int64(msg.ID)))
		return res, nil
	}

	if _, err := r.store.AdvanceMessageStatus(ctx, msg.ID, types.StatusDelivered); err != nil {
		r.logger.Error("failed to mark message delivered",
			zap.Int64("message_id", int64(msg.ID)), zap.Error(err))
		return res, nil
	}
	msg.Status = types.StatusDelivered
	r.emit(origin, types.NewMessageDelivered(msg))
	return res, nil
}

// deliver pushes msg to userID's live connection. It reports whether the frame was queued.
func (r *Router) deliver(msg *types.Message, userID types.ID) bool {
	conn, online := r.presence.Connection(userID)
	if !online {
		return false
	}
	if err := conn.Send(types.NewReceiveMessage(msg, userID)); err != nil {
		r.metrics.IncDropped()
		r.logger.Debug("receive_message dropped",
			zap.Int64("message_id", int64(msg.ID)),
			zap.Int64("user_id", int64(userID)),
			zap.Error(err))
		return false
	}
	r.metrics.IncDelivered()
	return true
}

// RedeliverPending pushes every message still "sent" in userID's conversations
// to conn, advances each delivered one and tells its sender if online.
// It returns how many messages were delivered.
func (r *Router) RedeliverPending(ctx context.Context, userID types.ID, conn interfaces.Connection) (int, error) {
	pending, err := r.store.ListPendingForUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range pending {
		if err := conn.Send(types.NewReceiveMessage(msg, userID)); err != nil {
			r.metrics.IncDropped()
			r.logger.Debug("redelivery dropped",
				zap.Int64("message_id", int64(msg.ID)), zap.Error(err))
			continue
		}
		r.metrics.IncDelivered()
		delivered++

		if err := r.markDelivered(ctx, msg); err != nil {
			r.logger.Error("failed to mark redelivered message",
				zap.Int64("message_id", int64(msg.ID)), zap.Error(err))
		}
	}

	if delivered > 0 {
		r.logger.Info("redelivered pending messages",
			zap.Int64("user_id", int64(userID)), zap.Int("count", delivered))
	}
	return delivered, nil
}

// ReconcileRead advances every "sent" message in msgs not authored by reader to
// delivered, since reader has now fetched them. msgs are updated in place.
func (r *Router) ReconcileRead(ctx context.Context, readerID types.ID, msgs []*types.Message) int {
	advanced := 0
	for _, msg := range msgs {
		if msg.SenderID == readerID || msg.Status != types.StatusSent {
			continue
		}
		if err := r.markDelivered(ctx, msg); err != nil {
			r.logger.Error("failed to reconcile message",
				zap.Int64("message_id", int64(msg.ID)), zap.Error(err))
			continue
		}
		advanced++
	}
	return advanced
}

// markDelivered advances msg and notifies its sender when the store changed.
func (r *Router) markDelivered(ctx context.Context, msg *types.Message) error {
	changed, err := r.store.AdvanceMessageStatus(ctx, msg.ID, types.StatusDelivered)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	msg.Status = types.StatusDelivered
	if conn, online := r.presence.Connection(msg.SenderID); online {
		r.emit(conn, types.NewMessageDelivered(msg))
	}
	return nil
}

func (r *Router) reject(origin interfaces.Connection, err error) {
	reason := "internal"
	switch {
	case errors.Is(err, ErrConversationNotFound):
		reason = "conversation_not_found"
	case errors.Is(err, ErrNotParticipant):
		reason = "not_participant"
	case errors.Is(err, ErrRateLimitExceeded):
		reason = "rate_limited"
	case !errors.Is(err, ErrPersistence):
		reason = "validation"
	}
	r.metrics.IncRejected(reason)

	if reason == "internal" {
		r.logger.Error("send failed", zap.Error(err))
	} else {
		r.logger.Debug("send rejected", zap.String("reason", reason), zap.Error(err))
	}
	r.emit(origin, types.NewErrorMessage(ClientMessage(err)))
}

// emit is fire-and-forget; a closed or full connection only costs the frame.
func (r *Router) emit(conn interfaces.Connection, ev types.Event) {
	if conn == nil {
		return
	}
	if err := conn.Send(ev); err != nil {
		r.metrics.IncDropped()
		r.logger.Debug("event dropped",
			zap.String("connection", conn.ID()),
			zap.String("event", ev.Name),
			zap.Error(err))
	}
}
