package types

import (
	"strconv"
	"strings"
	"time"
)

// ID is the integer key used for users, conversations and messages.
// The zero value means "absent". On the wire an ID may arrive either as a JSON
// number or as a string of digits; anything else is rejected as malformed.
type ID int64

// UnmarshalJSON accepts 7, "7" and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*id = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
		if s == "" {
			*id = 0
			return nil
		}
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// String renders the ID in base 10.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseID parses a base-10 identifier. Zero is allowed and means "absent".
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v < 0 {
		return 0, ErrMalformedID
	}
	return ID(v), nil
}

// ConversationType distinguishes one-to-one chats from groups.
type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

// ParticipantRole is a member's role inside a conversation.
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// MessageStatus advances sending -> sent -> delivered -> read and never moves back.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses along the forward sequence. Unknown statuses rank 0.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the four known statuses.
func (s MessageStatus) Valid() bool {
	return s.Rank() > 0
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

// PresenceStatus is a user's online indicator.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// User is an identity record. The core only ever references users by ID;
// the remaining fields are owned by the account service.
type User struct {
	ID           ID        `json:"id"`
	Name         string    `json:"name"`
	PhoneNumber  string    `json:"phone_number"`
	ProfilePhoto *string   `json:"profile_photo,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Conversation is either a private pair or a named group.
type Conversation struct {
	ID          ID               `json:"id"`
	Type        ConversationType `json:"type"`
	Name        *string          `json:"name,omitempty"`
	Photo       *string          `json:"group_photo,omitempty"`
	Description *string          `json:"description,omitempty"`
	CreatedBy   *ID              `json:"created_by,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Participant is a conversation membership row.
type Participant struct {
	ConversationID ID              `json:"conversation_id"`
	UserID         ID              `json:"user_id"`
	Role           ParticipantRole `json:"role"`
	JoinedAt       time.Time       `json:"joined_at"`
}

// Member is a participant together with the user's public profile.
type Member struct {
	UserID       ID              `json:"id"`
	Name         string          `json:"name"`
	PhoneNumber  string          `json:"phone_number"`
	ProfilePhoto *string         `json:"profile_photo,omitempty"`
	Role         ParticipantRole `json:"role"`
	JoinedAt     time.Time       `json:"joined_at"`
}

// ConversationDetail is a conversation with its current members.
type ConversationDetail struct {
	Conversation
	Participants []*Member `json:"participants"`
}

// ConversationSummary is one entry of a user's conversation list. Peer is the
// other user of a private conversation and nil for groups.
type ConversationSummary struct {
	Conversation
	Peer             *User           `json:"peer,omitempty"`
	LastMessage      *Message        `json:"lastMessage"`
	ParticipantCount int             `json:"participantCount"`
	MyRole           ParticipantRole `json:"myRole"`
}

// Message is a persisted chat message.
type Message struct {
	ID             ID            `json:"id"`
	SenderID       ID            `json:"sender_id"`
	ConversationID ID            `json:"conversation_id"`
	Body           string        `json:"message"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// PresenceRecord is the durable mirror of a user's presence.
// ConnectionID is only meaningful while the owning process is alive.
type PresenceRecord struct {
	UserID       ID             `json:"user_id"`
	Status       PresenceStatus `json:"status"`
	LastSeen     time.Time      `json:"last_seen"`
	ConnectionID *string        `json:"-"`
}

// Online reports whether the record represents a live user.
func (p PresenceRecord) Online() bool {
	return p.Status == PresenceOnline && p.ConnectionID != nil
}

// PrivateKey is the canonical key for the unordered user pair of a private conversation.
func PrivateKey(a, b ID) string {
	if a > b {
		a, b = b, a
	}
	return a.String() + ":" + b.String()
}
