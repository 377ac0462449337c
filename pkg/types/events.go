package types

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	EventRegister         = "register"
	EventSendMessage      = "send_message"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
)

// Outbound event names. message_delivered and message_read are used in both directions.
const (
	EventMessageSent       = "message_sent"
	EventReceiveMessage    = "receive_message"
	EventUserStatusChanged = "user_status_changed"
	EventErrorMessage      = "error_message"
)

// Envelope is the inbound frame: {"event": "...", "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Event is an outbound frame. Data is marshalled as-is.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// SendMessageRequest is the send_message payload.
type SendMessageRequest struct {
	SenderUserID   ID     `json:"senderUserId"`
	ConversationID ID     `json:"conversationId"`
	Message        string `json:"message"`
}

// MessageSentPayload confirms persistence to the sender.
type MessageSentPayload struct {
	MessageID      ID       `json:"messageId"`
	ConversationID ID       `json:"conversationId"`
	Message        *Message `json:"message"`
}

// ReceiveMessagePayload is what an online recipient gets.
type ReceiveMessagePayload struct {
	ID             ID            `json:"id"`
	SenderID       ID            `json:"sender_id"`
	ReceiverID     ID            `json:"receiver_id"`
	Message        string        `json:"message"`
	ConversationID ID            `json:"conversation_id"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status"`
}

// ReceiptPayload reports a status transition back to the sender.
type ReceiptPayload struct {
	MessageID      ID `json:"messageId"`
	ConversationID ID `json:"conversationId"`
}

// UserStatusPayload is broadcast to every connection on presence changes.
type UserStatusPayload struct {
	UserID   ID             `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen *time.Time     `json:"last_seen,omitempty"`
}

func NewMessageSent(m *Message) Event {
	return Event{Name: EventMessageSent, Data: MessageSentPayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Message:        m,
	}}
}

// NewReceiveMessage builds the recipient copy. The recipient holds the message,
// so its copy is always stamped delivered.
func NewReceiveMessage(m *Message, receiver ID) Event {
	return Event{Name: EventReceiveMessage, Data: ReceiveMessagePayload{
		ID:             m.ID,
		SenderID:       m.SenderID,
		ReceiverID:     receiver,
		Message:        m.Body,
		ConversationID: m.ConversationID,
		CreatedAt:      m.CreatedAt,
		Status:         StatusDelivered,
	}}
}

func NewMessageDelivered(m *Message) Event {
	return Event{Name: EventMessageDelivered, Data: ReceiptPayload{MessageID: m.ID, ConversationID: m.ConversationID}}
}

func NewMessageRead(m *Message) Event {
	return Event{Name: EventMessageRead, Data: ReceiptPayload{MessageID: m.ID, ConversationID: m.ConversationID}}
}

func NewUserStatus(userID ID, status PresenceStatus, lastSeen *time.Time) Event {
	return Event{Name: EventUserStatusChanged, Data: UserStatusPayload{UserID: userID, Status: status, LastSeen: lastSeen}}
}

func NewErrorMessage(text string) Event {
	return Event{Name: EventErrorMessage, Data: text}
}
