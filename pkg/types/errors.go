package types

import "errors"

// Validation errors. The texts are shown to clients verbatim.
var (
	ErrMalformedID             = errors.New("malformed id")
	ErrMissingConversationID   = errors.New("Conversation ID is required")
	ErrMissingSenderID         = errors.New("Sender ID is required")
	ErrMissingMessage          = errors.New("Message is required")
	ErrMessageTooLong          = errors.New("Message is too long")
	ErrInvalidName             = errors.New("name must be 1-100 characters")
	ErrInvalidPhoneNumber      = errors.New("phone number must be 10 digits")
	ErrInvalidConversationType = errors.New("conversation type must be private or group")
	ErrEmptyMemberList         = errors.New("group needs at least one other member")
	ErrSelfConversation        = errors.New("private conversation needs two distinct users")
)
