// Package testutil holds fakes and fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chatline/internal/database"
	dbconfig "chatline/pkg/database"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// NewStore opens a migrated SQLite store in a temporary directory.
func NewStore(t *testing.T) *database.Manager {
	t.Helper()

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "chatline.db")

	store, err := database.NewManager(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// SeedUsers creates n users with distinct phone numbers.
func SeedUsers(t *testing.T, store interfaces.DirectoryStore, n int) []*types.User {
	t.Helper()

	users := make([]*types.User, 0, n)
	for i := 0; i < n; i++ {
		u := &types.User{Name: fmt.Sprintf("user%d", i+1), PhoneNumber: fmt.Sprintf("555%07d", i+1)}
		require.NoError(t, store.CreateUser(context.Background(), u))
		users = append(users, u)
	}
	return users
}

// PrivateConversation returns the private conversation between a and b.
func PrivateConversation(t *testing.T, store interfaces.DirectoryStore, a, b types.ID) *types.Conversation {
	t.Helper()

	conv, _, err := store.GetOrCreatePrivateConversation(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

// GroupConversation creates a group owned by creator.
func GroupConversation(t *testing.T, store interfaces.DirectoryStore, creator types.ID, members ...types.ID) *types.Conversation {
	t.Helper()

	name := "group"
	conv := &types.Conversation{Name: &name, CreatedBy: &creator}
	require.NoError(t, store.CreateGroupConversation(context.Background(), conv, members))
	return conv
}

// FakeConn is an in-memory interfaces.Connection that records what it is sent.
type FakeConn struct {
	id string

	mu     sync.Mutex
	events []types.Event
	closed bool
}

// NewFakeConn returns a connection with a fresh handle.
func NewFakeConn() *FakeConn {
	return &FakeConn{id: uuid.NewString()}
}

func (c *FakeConn) ID() string { return c.id }

// Send records ev, or fails once the connection is closed.
func (c *FakeConn) Send(ev types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection %s closed", c.id)
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Events returns a copy of everything sent so far.
func (c *FakeConn) Events() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Event(nil), c.events...)
}

// Named returns the recorded events called name.
func (c *FakeConn) Named(name string) []types.Event {
	var out []types.Event
	for _, ev := range c.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets recorded events.
func (c *FakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// Broadcaster records broadcast events.
type Broadcaster struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *Broadcaster) Broadcast(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

// Events returns a copy of every broadcast so far.
func (b *Broadcaster) Events() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Event(nil), b.events...)
}

var (
	_ interfaces.Connection  = (*FakeConn)(nil)
	_ interfaces.Broadcaster = (*Broadcaster)(nil)
)
