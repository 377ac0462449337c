// Package ack processes delivery and read confirmations from recipients and
// relays the transition to the message's sender.
package ack

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chatline/internal/logging"
	"chatline/internal/metrics"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// ErrNotRecipient rejects a receipt from a user who did not receive the message.
var ErrNotRecipient = errors.New("receipt from a user who is not a recipient")

// Presence resolves a user's live connection.
type Presence interface {
	Connection(userID types.ID) (interfaces.Connection, bool)
}

// Handler applies receipts. It only looks at the stored sender id, so private
// and group conversations are handled the same way.
type Handler struct {
	store    interfaces.Store
	presence Presence
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewHandler creates an acknowledgment handler.
func NewHandler(store interfaces.Store, presence Presence, logger *zap.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		store:    store,
		presence: presence,
		logger:   logging.Component(logger, "ack"),
		metrics:  m,
	}
}

// OnDelivered advances messageID to delivered unless it is already delivered
// or read, and tells the sender. An unknown id is ignored. When by is set it
// must be an active participant other than the sender, or ErrNotRecipient is
// returned and nothing changes.
func (h *Handler) OnDelivered(ctx context.Context, messageID, by types.ID) error {
	return h.apply(ctx, messageID, by, types.StatusDelivered, types.NewMessageDelivered)
}

// OnRead marks messageID read and tells the sender. Read is terminal; a repeat
// leaves the store unchanged but the sender is notified again. An unknown id
// is ignored. by is checked as in OnDelivered.
func (h *Handler) OnRead(ctx context.Context, messageID, by types.ID) error {
	return h.apply(ctx, messageID, by, types.StatusRead, types.NewMessageRead)
}

func (h *Handler) apply(ctx context.Context, messageID, by types.ID, status types.MessageStatus, event func(*types.Message) types.Event) error {
	if messageID == 0 {
		return nil
	}

	msg, err := h.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, interfaces.ErrMessageNotFound) {
			h.logger.Debug("receipt for unknown message", zap.Int64("message_id", int64(messageID)))
			return nil
		}
		return err
	}

	if by != 0 {
		if err := h.checkRecipient(ctx, msg, by); err != nil {
			return err
		}
	}

	changed, err := h.store.AdvanceMessageStatus(ctx, msg.ID, status)
	if err != nil {
		return err
	}
	if changed {
		msg.Status = status
		h.metrics.IncReceipt(string(status))
	}

	// A late delivered receipt for a message already read must not tell the
	// sender it went back to delivered.
	if !changed && status == types.StatusDelivered {
		return nil
	}

	conn, online := h.presence.Connection(msg.SenderID)
	if !online {
		return nil
	}
	if err := conn.Send(event(msg)); err != nil {
		h.metrics.IncDropped()
		h.logger.Debug("receipt dropped",
			zap.Int64("message_id", int64(msg.ID)),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	return nil
}

func (h *Handler) checkRecipient(ctx context.Context, msg *types.Message, by types.ID) error {
	if by == msg.SenderID {
		return ErrNotRecipient
	}
	ok, err := h.store.IsParticipant(ctx, msg.ConversationID, by)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRecipient
	}
	return nil
}
