package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatline/internal/testutil"
	"chatline/pkg/types"
)

func TestSession_Lifecycle(t *testing.T) {
	s := New(testutil.NewFakeConn())
	assert.Equal(t, StateUnregistered, s.State())
	_, bound := s.UserID()
	assert.False(t, bound)

	require.NoError(t, s.Bind(7))
	assert.Equal(t, StateRegistered, s.State())
	id, bound := s.UserID()
	assert.True(t, bound)
	assert.Equal(t, types.ID(7), id)

	id, first := s.Close()
	assert.True(t, first)
	assert.Equal(t, types.ID(7), id)
	assert.Equal(t, StateClosed, s.State())

	_, first = s.Close()
	assert.False(t, first)
}

func TestSession_IdentityIsFixed(t *testing.T) {
	s := New(testutil.NewFakeConn())
	require.NoError(t, s.Bind(7))

	assert.NoError(t, s.Bind(7), "re-registering the same user is allowed")
	assert.ErrorIs(t, s.Bind(8), ErrIdentityFixed)

	id, _ := s.UserID()
	assert.Equal(t, types.ID(7), id)
}

func TestSession_BindErrors(t *testing.T) {
	s := New(testutil.NewFakeConn())
	assert.ErrorIs(t, s.Bind(0), ErrInvalidUserID)
	assert.Equal(t, StateUnregistered, s.State())

	s.Close()
	assert.ErrorIs(t, s.Bind(1), ErrSessionClosed)
}

func TestSession_CloseUnregistered(t *testing.T) {
	s := New(testutil.NewFakeConn())
	id, first := s.Close()
	assert.True(t, first)
	assert.Zero(t, id)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unregistered", StateUnregistered.String())
	assert.Equal(t, "registered", StateRegistered.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestManager_OpenGetClose(t *testing.T) {
	m := NewManager()
	conn := testutil.NewFakeConn()

	s, err := m.Open(conn)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())

	_, err = m.Open(conn)
	assert.ErrorIs(t, err, ErrDuplicateSession)

	got, err := m.Get(conn.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	closed, err := m.Close(conn.ID())
	require.NoError(t, err)
	assert.Equal(t, StateClosed, closed.State())
	assert.Equal(t, 0, m.Count())

	_, err = m.Get(conn.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Close(conn.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_CloseAll(t *testing.T) {
	m := NewManager()
	for i := 0; i < 3; i++ {
		_, err := m.Open(testutil.NewFakeConn())
		require.NoError(t, err)
	}

	closed := m.CloseAll()
	assert.Len(t, closed, 3)
	assert.Equal(t, 0, m.Count())
	for _, s := range closed {
		assert.Equal(t, StateClosed, s.State())
	}
}
