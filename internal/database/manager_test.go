package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "chatline/pkg/database"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

var (
	_ interfaces.Store          = (*Manager)(nil)
	_ interfaces.DirectoryStore = (*Manager)(nil)
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, manager.Migrate())
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func createUser(t *testing.T, m *Manager, name, phone string) *types.User {
	t.Helper()
	user := &types.User{Name: name, PhoneNumber: phone}
	require.NoError(t, m.CreateUser(context.Background(), user))
	require.NotZero(t, user.ID)
	return user
}

func createGroup(t *testing.T, m *Manager, creator types.ID, members ...types.ID) *types.Conversation {
	t.Helper()
	name := "team"
	conv := &types.Conversation{Name: &name, CreatedBy: &creator}
	require.NoError(t, m.CreateGroupConversation(context.Background(), conv, members))
	return conv
}

func TestManager_CreateAndGetUser(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	alice := createUser(t, m, "alice", "5550000001")

	got, err := m.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
	assert.Equal(t, "5550000001", got.PhoneNumber)
	assert.Nil(t, got.ProfilePhoto)

	_, err = m.GetUser(ctx, 9999)
	assert.ErrorIs(t, err, interfaces.ErrUserNotFound)
}

func TestManager_CreateUserDuplicatePhone(t *testing.T) {
	m := setupTestDB(t)

	createUser(t, m, "alice", "5550000001")
	err := m.CreateUser(context.Background(), &types.User{Name: "bob", PhoneNumber: "5550000001"})
	assert.ErrorIs(t, err, interfaces.ErrDuplicateUser)
}

func TestManager_CreateUserValidation(t *testing.T) {
	m := setupTestDB(t)

	err := m.CreateUser(context.Background(), &types.User{Name: "", PhoneNumber: "5550000001"})
	assert.ErrorIs(t, err, types.ErrInvalidName)
}

func TestManager_PrivateConversationGetOrCreate(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice", "5550000001")
	bob := createUser(t, m, "bob", "5550000002")

	conv, created, err := m.GetOrCreatePrivateConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.ConversationPrivate, conv.Type)

	again, created, err := m.GetOrCreatePrivateConversation(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)

	for _, id := range []types.ID{alice.ID, bob.ID} {
		ok, err := m.IsParticipant(ctx, conv.ID, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	_, _, err = m.GetOrCreatePrivateConversation(ctx, alice.ID, alice.ID)
	assert.ErrorIs(t, err, types.ErrSelfConversation)
}

func TestManager_GroupConversationMembership(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice", "5550000001")
	bob := createUser(t, m, "bob", "5550000002")
	carol := createUser(t, m, "carol", "5550000003")
	dave := createUser(t, m, "dave", "5550000004")

	conv := createGroup(t, m, alice.ID, bob.ID, carol.ID, bob.ID, alice.ID)
	require.NotZero(t, conv.ID)

	got, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConversationGroup, got.Type)
	require.NotNil(t, got.Name)
	assert.Equal(t, "team", *got.Name)
	require.NotNil(t, got.CreatedBy)
	assert.Equal(t, alice.ID, *got.CreatedBy)

	others, err := m.ListOtherParticipants(ctx, conv.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{bob.ID, carol.ID}, others)

	ok, err := m.IsParticipant(ctx, conv.ID, dave.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	var role string
	err = m.GetDB().QueryRow(`SELECT role FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conv.ID, alice.ID).Scan(&role)
	require.NoError(t, err)
	assert.Equal(t, string(types.RoleAdmin), role)
}

func TestManager_GroupConversationRequiresMembers(t *testing.T) {
	m := setupTestDB(t)
	alice := createUser(t, m, "alice", "5550000001")

	name := "solo"
	err := m.CreateGroupConversation(context.Background(),
		&types.Conversation{Name: &name, CreatedBy: &alice.ID}, []types.ID{alice.ID})
	assert.ErrorIs(t, err, types.ErrEmptyMemberList)
}

func TestManager_GetConversationNotFound(t *testing.T) {
	m := setupTestDB(t)

	_, err := m.GetConversation(context.Background(), 42)
	assert.ErrorIs(t, err, interfaces.ErrConversationNotFound)
}

func TestManager_ListConversationSummaries(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice", "5550000001")
	bob := createUser(t, m, "bob", "5550000002")
	carol := createUser(t, m, "carol", "5550000003")

	private, _, err := m.GetOrCreatePrivateConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	group := createGroup(t, m, alice.ID, carol.ID)

	summaries, err := m.ListConversationSummaries(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, group.ID, summaries[0].ID)
	assert.Equal(t, private.ID, summaries[1].ID)

	// A message moves the private chat to the top.
	msg := &types.Message{SenderID: bob.ID, ConversationID: private.ID, Body: "ping"}
	require.NoError(t, m.CreateMessage(ctx, msg))

	summaries, err = m.ListConversationSummaries(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	first := summaries[0]
	assert.Equal(t, private.ID, first.ID)
	assert.Equal(t, types.RoleMember, first.MyRole)
	assert.Equal(t, 2, first.ParticipantCount)
	require.NotNil(t, first.Peer)
	assert.Equal(t, bob.ID, first.Peer.ID)
	assert.Equal(t, "bob", first.Peer.Name)
	require.NotNil(t, first.LastMessage)
	assert.Equal(t, msg.ID, first.LastMessage.ID)
	assert.Equal(t, "ping", first.LastMessage.Body)
	assert.Equal(t, types.StatusSent, first.LastMessage.Status)

	second := summaries[1]
	assert.Equal(t, group.ID, second.ID)
	assert.Equal(t, types.RoleAdmin, second.MyRole)
	assert.Nil(t, second.Peer)
	assert.Nil(t, second.LastMessage)

	summaries, err = m.ListConversationSummaries(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.NotNil(t, summaries[0].Peer)
	assert.Equal(t, alice.ID, summaries[0].Peer.ID)
}

func TestManager_UserLookups(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	carol := createUser(t, m, "carol", "5550000003")
	alice := createUser(t, m, "alice", "5550000001")
	bob := createUser(t, m, "bob", "5550000002")

	found, err := m.FindUserByPhone(ctx, "5550000002")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, found.ID)

	_, err = m.FindUserByPhone(ctx, "5559999999")
	assert.ErrorIs(t, err, interfaces.ErrUserNotFound)

	users, err := m.ListUsers(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, alice.ID, users[0].ID)
	assert.Equal(t, carol.ID, users[1].ID)
}

func TestManager_ParticipantChanges(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice", "5550000001")
	bob := createUser(t, m, "bob", "5550000002")
	carol := createUser(t, m, "carol", "5550000003")
	dave := createUser(t, m, "dave", "5550000004")

	group := createGroup(t, m, alice.ID, bob.ID)
	private, _, err := m.GetOrCreatePrivateConversation(ctx, alice.ID, carol.ID)
	require.NoError(t, err)

	_, err = m.AddParticipant(ctx, group.ID, carol.ID, bob.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotAdmin)
	_, err = m.AddParticipant(ctx, group.ID, carol.ID, dave.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotAdmin)
	_, err = m.AddParticipant(ctx, private.ID, dave.ID, alice.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotGroupConversation)
	_, err = m.AddParticipant(ctx, 999, dave.ID, alice.ID)
	assert.ErrorIs(t, err, interfaces.ErrConversationNotFound)
	_, err = m.AddParticipant(ctx, group.ID, 999, alice.ID)
	assert.ErrorIs(t, err, interfaces.ErrUserNotFound)
	_, err = m.AddParticipant(ctx, group.ID, bob.ID, alice.ID)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyParticipant)

	added, err := m.AddParticipant(ctx, group.ID, carol.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RoleMember, added.Role)

	members, err := m.ListParticipants(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, members, 3)
	roles := map[types.ID]types.ParticipantRole{}
	for _, member := range members {
		roles[member.UserID] = member.Role
	}
	assert.Equal(t, map[types.ID]types.ParticipantRole{
		alice.ID: types.RoleAdmin,
		bob.ID:   types.RoleMember,
		carol.ID: types.RoleMember,
	}, roles)

	assert.ErrorIs(t, m.RemoveParticipant(ctx, group.ID, carol.ID, bob.ID), interfaces.ErrNotAdmin)
	assert.ErrorIs(t, m.RemoveParticipant(ctx, group.ID, dave.ID, alice.ID), interfaces.ErrParticipantNotFound)
	require.NoError(t, m.RemoveParticipant(ctx, group.ID, carol.ID, alice.ID))

	ok, err := m.IsParticipant(ctx, group.ID, carol.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	others, err := m.ListOtherParticipants(ctx, group.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{bob.ID}, others)
}

func TestManager_MessageLifecycle(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice", "5550000001")
	bob := createUser(t, m, "bob", "5550000002")
	conv, _, err := m.GetOrCreatePrivateConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	msg := &types.Message{SenderID: alice.ID, ConversationID: conv.ID, Body: "hi"}
	require.NoError(t, m.CreateMessage(ctx, msg))
	require.NotZero(t, msg.ID)
	assert.Equal(t, types.StatusSent, msg.Status)
	assert.False(t, msg.CreatedAt.IsZero())

	got, err := m.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Body)
	assert.Equal(t, types.StatusSent, got.Status)

	changed, err := m.AdvanceMessageStatus(ctx, msg.ID, types.StatusDelivered)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.AdvanceMessageStatus(ctx, msg.ID, types.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed, "repeating a transition is a no-op")

	changed, err = m.AdvanceMessageStatus(ctx, msg.ID, types.StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.AdvanceMessageStatus(ctx, msg.ID, types.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed, "status never moves backward")

	got, err = m.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRead, got.Status)

	_, err = m.GetMessage(ctx, 9999)
	assert.ErrorIs(t, err, interfaces.ErrMessageNotFound)

	_, err = m.AdvanceMessageStatus(ctx, msg.ID, types.MessageStatus("lost"))
	assert.Error(t, err)
}

func TestManager_CreateMessageForeignKeys(t *testing.T) {
	m := setupTestDB(t)
	alice := createUser(t, m, "alice", "5550000001")

	err := m.CreateMessage(context.Background(), &types.Message{SenderID: alice.ID, ConversationID: 777, Body: "x"})
	assert.Error(t, err)
}

func TestManager_ConversationHistoryOrdering(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice", "5550000001")
	bob := createUser(t, m, "bob", "5550000002")
	conv, _, err := m.GetOrCreatePrivateConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		sender := alice.ID
		if i%2 == 1 {
			sender = bob.ID
		}
		require.NoError(t, m.CreateMessage(ctx, &types.Message{
			SenderID: sender, ConversationID: conv.ID, Body: fmt.Sprintf("m%d", i),
		}))
	}

	history, err := m.GetConversationHistory(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, msg := range history {
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.Body)
	}
}

func TestManager_ListPendingForUser(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice", "5550000001")
	bob := createUser(t, m, "bob", "5550000002")
	carol := createUser(t, m, "carol", "5550000003")

	ab, _, err := m.GetOrCreatePrivateConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	ac, _, err := m.GetOrCreatePrivateConversation(ctx, alice.ID, carol.ID)
	require.NoError(t, err)

	toBob := &types.Message{SenderID: alice.ID, ConversationID: ab.ID, Body: "for bob"}
	fromBob := &types.Message{SenderID: bob.ID, ConversationID: ab.ID, Body: "from bob"}
	toCarol := &types.Message{SenderID: alice.ID, ConversationID: ac.ID, Body: "for carol"}
	delivered := &types.Message{SenderID: alice.ID, ConversationID: ab.ID, Body: "already", Status: types.StatusDelivered}
	for _, msg := range []*types.Message{toBob, fromBob, toCarol, delivered} {
		require.NoError(t, m.CreateMessage(ctx, msg))
	}

	pending, err := m.ListPendingForUser(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, toBob.ID, pending[0].ID)

	pending, err = m.ListPendingForUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fromBob.ID, pending[0].ID)
}

func TestManager_PresenceUpsertAndReset(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice", "5550000001")

	handle := "conn-a"
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, m.UpsertPresence(ctx, &types.PresenceRecord{
		UserID: alice.ID, Status: types.PresenceOnline, LastSeen: now, ConnectionID: &handle,
	}))

	records, err := m.ListPresence(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Online())
	assert.Equal(t, "conn-a", *records[0].ConnectionID)

	later := now.Add(time.Minute)
	require.NoError(t, m.UpsertPresence(ctx, &types.PresenceRecord{
		UserID: alice.ID, Status: types.PresenceOffline, LastSeen: later,
	}))
	records, err = m.ListPresence(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Online())
	assert.Nil(t, records[0].ConnectionID)
	assert.True(t, records[0].LastSeen.Equal(later))

	require.NoError(t, m.UpsertPresence(ctx, &types.PresenceRecord{
		UserID: alice.ID, Status: types.PresenceOnline, LastSeen: later, ConnectionID: &handle,
	}))
	reset := later.Add(time.Minute)
	require.NoError(t, m.ResetPresence(ctx, reset))

	records, err = m.ListPresence(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.PresenceOffline, records[0].Status)
	assert.Nil(t, records[0].ConnectionID)
	assert.True(t, records[0].LastSeen.Equal(reset))
}

func TestManager_PresenceUnknownUser(t *testing.T) {
	m := setupTestDB(t)

	err := m.UpsertPresence(context.Background(), &types.PresenceRecord{
		UserID: 404, Status: types.PresenceOnline, LastSeen: time.Now(),
	})
	assert.Error(t, err)
}

func TestManager_DatabaseConnectionFailure(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = "/invalid/path/database.db"

	_, err := NewManager(cfg, nil)
	assert.Error(t, err)
}

func TestManager_SingleWriterPattern(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice", "5550000001")
	bob := createUser(t, m, "bob", "5550000002")
	conv, _, err := m.GetOrCreatePrivateConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	const numWrites = 20
	var wg sync.WaitGroup
	errs := make(chan error, numWrites)

	wg.Add(numWrites)
	for i := 0; i < numWrites; i++ {
		go func(i int) {
			defer wg.Done()
			err := m.CreateMessage(ctx, &types.Message{
				SenderID: alice.ID, ConversationID: conv.ID, Body: fmt.Sprintf("concurrent %d", i),
			})
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write failed: %v", err)
	}

	history, err := m.GetConversationHistory(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, numWrites)
}

func TestManager_HealthCheckAndShutdown(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, m.Migrate())

	ctx := context.Background()
	require.NoError(t, m.HealthCheck(ctx))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "second close is a no-op")

	err = m.CreateUser(ctx, &types.User{Name: "late", PhoneNumber: "5550000009"})
	assert.Error(t, err)
}
