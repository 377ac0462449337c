package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatline/internal/ack"
	"chatline/internal/database"
	"chatline/internal/presence"
	"chatline/internal/router"
	"chatline/internal/session"
	"chatline/internal/testutil"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

type hubFixture struct {
	hub      *Hub
	store    *database.Manager
	presence *presence.Registry
	sessions *session.Manager
	bcast    *testutil.Broadcaster
	users    []*types.User
	private  *types.Conversation
}

func newHubFixture(t *testing.T, cfg Config) *hubFixture {
	t.Helper()
	store := testutil.NewStore(t)
	users := testutil.SeedUsers(t, store, 3)
	bcast := &testutil.Broadcaster{}

	reg := presence.NewRegistry(store, bcast, nil)
	sessions := session.NewManager()
	rt := router.NewRouter(store, reg, router.Config{}, nil, nil)
	acks := ack.NewHandler(store, reg, nil, nil)

	h := NewHub(sessions, reg, rt, acks, cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))
	t.Cleanup(func() {
		_ = h.Stop()
		cancel()
	})

	return &hubFixture{
		hub:      h,
		store:    store,
		presence: reg,
		sessions: sessions,
		bcast:    bcast,
		users:    users,
		private:  testutil.PrivateConversation(t, store, users[0].ID, users[1].ID),
	}
}

// flush waits until everything queued before it has been handled.
func (f *hubFixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.hub.Do(context.Background(), func(context.Context) {}))
}

func (f *hubFixture) send(conn interfaces.Connection, event string, data string) {
	f.hub.Dispatch(conn, types.Envelope{Event: event, Data: json.RawMessage(data)})
}

func (f *hubFixture) connect(t *testing.T, userID types.ID) *testutil.FakeConn {
	t.Helper()
	conn := testutil.NewFakeConn()
	f.hub.Connected(conn)
	f.send(conn, types.EventRegister, idJSON(userID))
	f.flush(t)
	return conn
}

func idJSON(id types.ID) string {
	b, _ := json.Marshal(int64(id))
	return string(b)
}

func sendJSON(sender, conversation types.ID, body string) string {
	b, _ := json.Marshal(map[string]any{
		"senderUserId":   int64(sender),
		"conversationId": int64(conversation),
		"message":        body,
	})
	return string(b)
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(session.NewManager(), nil, nil, nil, Config{}, nil, nil)

	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)
	require.NoError(t, h.Start(context.Background()))
	assert.True(t, h.Running())
	assert.ErrorIs(t, h.Start(context.Background()), ErrHubAlreadyRunning)

	require.NoError(t, h.Stop())
	assert.False(t, h.Running())
	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)
	assert.ErrorIs(t, h.Do(context.Background(), func(context.Context) {}), ErrHubNotRunning)
}

func TestHub_ContextCancelStopsLoop(t *testing.T) {
	h := NewHub(session.NewManager(), nil, nil, nil, Config{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool { return !h.Running() }, time.Second, 10*time.Millisecond)
}

func TestHub_RegisterMarksOnline(t *testing.T) {
	f := newHubFixture(t, Config{})
	conn := f.connect(t, f.users[0].ID)

	entry, ok := f.presence.Lookup(f.users[0].ID)
	require.True(t, ok)
	assert.True(t, entry.Online())
	assert.Equal(t, conn.ID(), entry.Conn.ID())

	s, err := f.sessions.Get(conn.ID())
	require.NoError(t, err)
	userID, bound := s.UserID()
	assert.True(t, bound)
	assert.Equal(t, f.users[0].ID, userID)

	require.NotEmpty(t, f.bcast.Events())
	last := f.bcast.Events()[len(f.bcast.Events())-1]
	assert.Equal(t, types.EventUserStatusChanged, last.Name)
}

func TestHub_RegisterAcceptsWrappedAndStringIDs(t *testing.T) {
	f := newHubFixture(t, Config{})

	a := testutil.NewFakeConn()
	f.hub.Connected(a)
	f.send(a, types.EventRegister, `{"userId": 1}`)

	b := testutil.NewFakeConn()
	f.hub.Connected(b)
	f.send(b, types.EventRegister, `"2"`)
	f.flush(t)

	_, ok := f.presence.Connection(f.users[0].ID)
	assert.True(t, ok)
	_, ok = f.presence.Connection(f.users[1].ID)
	assert.True(t, ok)
	assert.Empty(t, a.Named(types.EventErrorMessage))
	assert.Empty(t, b.Named(types.EventErrorMessage))
}

func TestHub_RegisterRejectsBadID(t *testing.T) {
	f := newHubFixture(t, Config{})
	conn := testutil.NewFakeConn()
	f.hub.Connected(conn)

	for _, data := range []string{`"abc"`, `0`, `{"id": 1}`, `null`} {
		f.send(conn, types.EventRegister, data)
	}
	f.flush(t)

	assert.Len(t, conn.Named(types.EventErrorMessage), 4)
	assert.Empty(t, f.presence.Online())
}

func TestHub_IdentityIsFixedPerConnection(t *testing.T) {
	f := newHubFixture(t, Config{})
	conn := f.connect(t, f.users[0].ID)

	f.send(conn, types.EventRegister, idJSON(f.users[0].ID))
	f.flush(t)
	assert.Empty(t, conn.Named(types.EventErrorMessage))

	f.send(conn, types.EventRegister, idJSON(f.users[1].ID))
	f.flush(t)
	assert.Len(t, conn.Named(types.EventErrorMessage), 1)
	_, ok := f.presence.Connection(f.users[1].ID)
	assert.False(t, ok)
}

type subjectConn struct {
	*testutil.FakeConn
	subject types.ID
}

func (c subjectConn) Subject() (types.ID, bool) { return c.subject, true }

func TestHub_RegisterMustMatchTokenSubject(t *testing.T) {
	f := newHubFixture(t, Config{})
	conn := subjectConn{FakeConn: testutil.NewFakeConn(), subject: f.users[0].ID}
	f.hub.Connected(conn)

	f.send(conn, types.EventRegister, idJSON(f.users[1].ID))
	f.flush(t)
	require.Len(t, conn.Named(types.EventErrorMessage), 1)
	assert.Equal(t, "Unauthorized", conn.Named(types.EventErrorMessage)[0].Data)

	f.send(conn, types.EventRegister, idJSON(f.users[0].ID))
	f.flush(t)
	_, ok := f.presence.Connection(f.users[0].ID)
	assert.True(t, ok)
}

func TestHub_SendDeliversToOnlineRecipient(t *testing.T) {
	f := newHubFixture(t, Config{})
	alice := f.connect(t, f.users[0].ID)
	bob := f.connect(t, f.users[1].ID)

	f.send(alice, types.EventSendMessage, sendJSON(f.users[0].ID, f.private.ID, "hi"))
	f.flush(t)

	require.Len(t, alice.Named(types.EventMessageSent), 1)
	require.Len(t, alice.Named(types.EventMessageDelivered), 1)
	received := bob.Named(types.EventReceiveMessage)
	require.Len(t, received, 1)

	payload := received[0].Data.(types.ReceiveMessagePayload)
	assert.Equal(t, "hi", payload.Message)
	stored, err := f.store.GetMessage(context.Background(), payload.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDelivered, stored.Status)
}

func TestHub_SendRejectsMalformedPayload(t *testing.T) {
	f := newHubFixture(t, Config{})
	conn := f.connect(t, f.users[0].ID)

	f.send(conn, types.EventSendMessage, `{"senderUserId": "x1", "conversationId": 1, "message": "hi"}`)
	f.send(conn, types.EventSendMessage, `[1,2]`)
	f.send(conn, types.EventSendMessage, sendJSON(f.users[0].ID, 0, "hi"))
	f.flush(t)

	errs := conn.Named(types.EventErrorMessage)
	require.Len(t, errs, 3)
	assert.Equal(t, types.ErrMissingConversationID.Error(), errs[2].Data)
	assert.Empty(t, conn.Named(types.EventMessageSent))
}

func TestHub_ReceiptsReachSender(t *testing.T) {
	f := newHubFixture(t, Config{})
	alice := f.connect(t, f.users[0].ID)

	f.send(alice, types.EventSendMessage, sendJSON(f.users[0].ID, f.private.ID, "later"))
	f.flush(t)
	sent := alice.Named(types.EventMessageSent)
	require.Len(t, sent, 1)
	msgID := sent[0].Data.(types.MessageSentPayload).MessageID

	bob := f.connect(t, f.users[1].ID)
	f.send(bob, types.EventMessageRead, `{"messageId": `+idJSON(msgID)+`}`)
	f.flush(t)

	require.Len(t, alice.Named(types.EventMessageRead), 1)
	stored, err := f.store.GetMessage(context.Background(), msgID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRead, stored.Status)

	// A late delivered receipt never moves a read message backwards.
	f.send(bob, types.EventMessageDelivered, idJSON(msgID))
	f.flush(t)
	stored, err = f.store.GetMessage(context.Background(), msgID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRead, stored.Status)
}

func TestHub_SendMustMatchConnectionIdentity(t *testing.T) {
	f := newHubFixture(t, Config{})
	alice := f.connect(t, f.users[0].ID)
	bob := f.connect(t, f.users[1].ID)
	carol := subjectConn{FakeConn: testutil.NewFakeConn(), subject: f.users[2].ID}
	f.hub.Connected(carol)
	f.send(carol, types.EventRegister, idJSON(f.users[2].ID))

	// Registered as bob, claiming to be alice.
	f.send(bob, types.EventSendMessage, sendJSON(f.users[0].ID, f.private.ID, "forged"))
	// Token for carol, claiming to be alice.
	f.send(carol, types.EventSendMessage, sendJSON(f.users[0].ID, f.private.ID, "forged"))
	f.flush(t)

	for _, conn := range []*testutil.FakeConn{bob, carol.FakeConn} {
		errs := conn.Named(types.EventErrorMessage)
		require.Len(t, errs, 1)
		assert.Equal(t, "Unauthorized", errs[0].Data)
		assert.Empty(t, conn.Named(types.EventMessageSent))
	}
	assert.Empty(t, bob.Named(types.EventReceiveMessage))
	history, err := f.store.GetConversationHistory(context.Background(), f.private.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	// Unregistered connections keep the payload's sender.
	anon := testutil.NewFakeConn()
	f.hub.Connected(anon)
	f.send(anon, types.EventSendMessage, sendJSON(f.users[0].ID, f.private.ID, "hello"))
	f.flush(t)
	assert.Len(t, anon.Named(types.EventMessageSent), 1)
	assert.Len(t, bob.Named(types.EventReceiveMessage), 1)
	assert.Empty(t, alice.Named(types.EventErrorMessage))
}

func TestHub_ReceiptsOnlyFromRecipients(t *testing.T) {
	f := newHubFixture(t, Config{})
	alice := f.connect(t, f.users[0].ID)
	carol := f.connect(t, f.users[2].ID)

	f.send(alice, types.EventSendMessage, sendJSON(f.users[0].ID, f.private.ID, "for bob"))
	f.flush(t)
	sent := alice.Named(types.EventMessageSent)
	require.Len(t, sent, 1)
	msgID := sent[0].Data.(types.MessageSentPayload).MessageID

	f.send(carol, types.EventMessageRead, idJSON(msgID))
	f.send(alice, types.EventMessageRead, idJSON(msgID))
	f.flush(t)

	for _, conn := range []*testutil.FakeConn{carol, alice} {
		errs := conn.Named(types.EventErrorMessage)
		require.Len(t, errs, 1)
		assert.Equal(t, "Unauthorized", errs[0].Data)
	}
	assert.Empty(t, alice.Named(types.EventMessageRead))
	stored, err := f.store.GetMessage(context.Background(), msgID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSent, stored.Status)
}

func TestHub_ReceiptForUnknownMessageIsIgnored(t *testing.T) {
	f := newHubFixture(t, Config{})
	conn := f.connect(t, f.users[0].ID)

	f.send(conn, types.EventMessageDelivered, `999`)
	f.flush(t)
	assert.Empty(t, conn.Named(types.EventErrorMessage))

	f.send(conn, types.EventMessageRead, `"nope"`)
	f.flush(t)
	assert.Len(t, conn.Named(types.EventErrorMessage), 1)
}

func TestHub_RedeliverOnRegister(t *testing.T) {
	f := newHubFixture(t, Config{RedeliverOnRegister: true})
	alice := f.connect(t, f.users[0].ID)

	f.send(alice, types.EventSendMessage, sendJSON(f.users[0].ID, f.private.ID, "while away"))
	f.flush(t)
	assert.Empty(t, alice.Named(types.EventMessageDelivered))

	bob := f.connect(t, f.users[1].ID)
	require.Len(t, bob.Named(types.EventReceiveMessage), 1)
	assert.Len(t, alice.Named(types.EventMessageDelivered), 1)
}

func TestHub_DisconnectOfSupersededConnection(t *testing.T) {
	f := newHubFixture(t, Config{})
	first := f.connect(t, f.users[0].ID)
	second := f.connect(t, f.users[0].ID)

	f.hub.Disconnected(first)
	f.flush(t)
	entry, ok := f.presence.Lookup(f.users[0].ID)
	require.True(t, ok)
	assert.True(t, entry.Online())
	assert.Equal(t, second.ID(), entry.Conn.ID())

	f.hub.Disconnected(second)
	f.flush(t)
	entry, ok = f.presence.Lookup(f.users[0].ID)
	require.True(t, ok)
	assert.False(t, entry.Online())
	assert.Equal(t, 0, f.sessions.Count())
}

func TestHub_UnknownEvent(t *testing.T) {
	f := newHubFixture(t, Config{})
	conn := testutil.NewFakeConn()
	f.hub.Connected(conn)

	f.send(conn, "typing", `{}`)
	f.flush(t)
	require.Len(t, conn.Named(types.EventErrorMessage), 1)
	assert.Contains(t, conn.Named(types.EventErrorMessage)[0].Data, "typing")
}

func TestHub_PanicInTaskKeepsLoopAlive(t *testing.T) {
	f := newHubFixture(t, Config{})

	require.NoError(t, f.hub.Do(context.Background(), func(context.Context) { panic("boom") }))
	conn := f.connect(t, f.users[0].ID)
	_, ok := f.presence.Connection(f.users[0].ID)
	assert.True(t, ok)
	assert.Empty(t, conn.Named(types.EventErrorMessage))
}

func TestDecodeID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    types.ID
		wantErr bool
	}{
		{"bare number", `7`, 7, false},
		{"numeric string", `"7"`, 7, false},
		{"wrapped", `{"messageId": 7}`, 7, false},
		{"wrapped string", `{"messageId": "7"}`, 7, false},
		{"wrong key", `{"userId": 7}`, 0, true},
		{"empty", ``, 0, true},
		{"garbage", `"x"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeID(json.RawMessage(tt.raw), "messageId")
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrMalformedID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
