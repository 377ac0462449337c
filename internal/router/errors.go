package router

import (
	"errors"

	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

var (
	ErrConversationNotFound = interfaces.ErrConversationNotFound
	ErrNotParticipant       = errors.New("sender is not a participant of the conversation")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrPersistence          = errors.New("failed to persist message")
)

// validationErrors are reported to the client verbatim.
var validationErrors = []error{
	types.ErrMissingConversationID,
	types.ErrMissingSenderID,
	types.ErrMissingMessage,
	types.ErrMessageTooLong,
	types.ErrMalformedID,
}

// ClientMessage maps a Send error to the text reported in error_message.
// Anything unexpected is reported generically.
func ClientMessage(err error) string {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return v.Error()
		}
	}
	switch {
	case errors.Is(err, ErrConversationNotFound):
		return "Conversation not found"
	case errors.Is(err, ErrNotParticipant):
		return "You are not a participant in this conversation"
	case errors.Is(err, ErrRateLimitExceeded):
		return "Too many messages, slow down"
	default:
		return "Failed to send message"
	}
}
