package interfaces

import "errors"

// Lookup errors shared by every Store implementation.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrDuplicateUser        = errors.New("user with this phone number already exists")
)

// Membership errors returned by DirectoryStore participant changes.
var (
	ErrNotGroupConversation = errors.New("Can only change participants of group chats")
	ErrNotAdmin             = errors.New("Only admins can change participants")
	ErrAlreadyParticipant   = errors.New("User is already a participant")
	ErrParticipantNotFound  = errors.New("Participant not found")
)
