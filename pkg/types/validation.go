package types

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxBodyLength caps message bodies when no limit is configured.
const DefaultMaxBodyLength = 4096

// Validate checks the three required send_message fields in the order the
// client sees errors for them: conversation, sender, body.
func (r *SendMessageRequest) Validate(maxBody int) error {
	if r.ConversationID == 0 {
		return ErrMissingConversationID
	}
	if r.SenderUserID == 0 {
		return ErrMissingSenderID
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrMissingMessage
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyLength
	}
	if utf8.RuneCountInString(r.Message) > maxBody {
		return ErrMessageTooLong
	}
	return nil
}

// IsValidName accepts 1-100 characters after trimming.
func IsValidName(name string) bool {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	return n >= 1 && n <= 100
}

// IsValidPhoneNumber accepts exactly ten ASCII digits.
func IsValidPhoneNumber(phone string) bool {
	if len(phone) != 10 {
		return false
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Validate checks a user before it is stored.
func (u *User) Validate() error {
	if !IsValidName(u.Name) {
		return ErrInvalidName
	}
	if !IsValidPhoneNumber(u.PhoneNumber) {
		return ErrInvalidPhoneNumber
	}
	return nil
}

// Validate checks the conversation shape. Group conversations require a name.
func (c *Conversation) Validate() error {
	switch c.Type {
	case ConversationPrivate:
		return nil
	case ConversationGroup:
		if c.Name == nil || !IsValidName(*c.Name) {
			return ErrInvalidName
		}
		return nil
	default:
		return ErrInvalidConversationType
	}
}
