package interfaces

import (
	"context"
	"time"

	"chatline/pkg/types"
)

// Store is the persistence collaborator the delivery core depends on.
// Implementations must make every call safe for concurrent use.
type Store interface {
	// Conversation and membership lookups used by the router.
	GetConversation(ctx context.Context, id types.ID) (*types.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID types.ID) (bool, error)
	ListOtherParticipants(ctx context.Context, conversationID, excludeUserID types.ID) ([]types.ID, error)

	// Message operations. AdvanceMessageStatus must never move a status backward;
	// it reports whether the row changed.
	CreateMessage(ctx context.Context, msg *types.Message) error
	GetMessage(ctx context.Context, id types.ID) (*types.Message, error)
	AdvanceMessageStatus(ctx context.Context, id types.ID, status types.MessageStatus) (bool, error)
	GetConversationHistory(ctx context.Context, conversationID types.ID) ([]*types.Message, error)
	ListPendingForUser(ctx context.Context, userID types.ID) ([]*types.Message, error)

	// Presence mirror.
	UpsertPresence(ctx context.Context, rec *types.PresenceRecord) error
	ResetPresence(ctx context.Context, at time.Time) error
	ListPresence(ctx context.Context) ([]*types.PresenceRecord, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// DirectoryStore covers the account and conversation bookkeeping served over HTTP.
type DirectoryStore interface {
	CreateUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id types.ID) (*types.User, error)
	FindUserByPhone(ctx context.Context, phone string) (*types.User, error)
	ListUsers(ctx context.Context, excludeUserID types.ID) ([]*types.User, error)

	GetOrCreatePrivateConversation(ctx context.Context, a, b types.ID) (*types.Conversation, bool, error)
	CreateGroupConversation(ctx context.Context, conv *types.Conversation, memberIDs []types.ID) error
	ListConversationSummaries(ctx context.Context, userID types.ID) ([]*types.ConversationSummary, error)

	// Membership. Only a group admin may add or remove participants; a removed
	// user stops receiving and can no longer send.
	ListParticipants(ctx context.Context, conversationID types.ID) ([]*types.Member, error)
	AddParticipant(ctx context.Context, conversationID, userID, addedBy types.ID) (*types.Participant, error)
	RemoveParticipant(ctx context.Context, conversationID, userID, removedBy types.ID) error
}
