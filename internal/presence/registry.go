// Package presence tracks which live connection currently represents each user.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatline/internal/logging"
	"chatline/internal/metrics"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Persister is the part of the store the registry mirrors into.
type Persister interface {
	UpsertPresence(ctx context.Context, rec *types.PresenceRecord) error
	ResetPresence(ctx context.Context, at time.Time) error
	ListPresence(ctx context.Context) ([]*types.PresenceRecord, error)
}

// Mirror receives a copy of every presence change for readers outside this process.
type Mirror interface {
	Publish(ctx context.Context, rec types.PresenceRecord) error
	Refresh(ctx context.Context, recs []types.PresenceRecord) error
}

// Entry is the in-memory presence state of one user. Conn is nil while offline.
type Entry struct {
	UserID   types.ID
	Status   types.PresenceStatus
	LastSeen time.Time
	Conn     interfaces.Connection
}

// Online reports whether the entry has a live connection.
func (e Entry) Online() bool {
	return e.Status == types.PresenceOnline && e.Conn != nil
}

// Record converts the entry into its persisted form.
func (e Entry) Record() types.PresenceRecord {
	rec := types.PresenceRecord{UserID: e.UserID, Status: e.Status, LastSeen: e.LastSeen}
	if e.Conn != nil {
		id := e.Conn.ID()
		rec.ConnectionID = &id
	}
	return rec
}

// Registry is the single source of truth for user to connection mapping.
// The latest registration for a user wins; a disconnect only clears the entry
// if it still points at the disconnecting connection.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.ID]*Entry

	store       Persister
	mirror      Mirror
	broadcaster interfaces.Broadcaster
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures optional registry collaborators.
type Option func(*Registry)

// WithMirror publishes every change to m in addition to the store.
func WithMirror(m Mirror) Option {
	return func(r *Registry) { r.mirror = m }
}

// WithMetrics records the online user count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry that persists through store and announces
// changes through broadcaster. Either may be nil.
func NewRegistry(store Persister, broadcaster interfaces.Broadcaster, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:     make(map[types.ID]*Entry),
		store:       store,
		broadcaster: broadcaster,
		logger:      logging.Component(logger, "presence"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds userID to conn, superseding any earlier connection, and
// broadcasts the user as online.
func (r *Registry) Register(ctx context.Context, userID types.ID, conn interfaces.Connection) (Entry, error) {
	if userID == 0 {
		return Entry{}, ErrInvalidUser
	}
	if conn == nil {
		return Entry{}, ErrNilConnection
	}

	r.mu.Lock()
	entry := &Entry{
		UserID:   userID,
		Status:   types.PresenceOnline,
		LastSeen: r.now(),
		Conn:     conn,
	}
	previous := r.entries[userID]
	r.entries[userID] = entry
	online := r.countOnlineLocked()
	r.mu.Unlock()

	if previous != nil && previous.Conn != nil && previous.Conn.ID() != conn.ID() {
		r.logger.Debug("registration superseded earlier connection",
			zap.Int64("user_id", int64(userID)),
			zap.String("previous", previous.Conn.ID()),
			zap.String("connection", conn.ID()))
	}

	r.metrics.SetOnline(online)
	r.persist(ctx, *entry)
	r.broadcast(types.NewUserStatus(userID, types.PresenceOnline, nil))
	return *entry, nil
}

// Lookup returns the entry for userID. The boolean is false when the user has
// never been seen, which callers treat as offline.
func (r *Registry) Lookup(userID types.ID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[userID]
	if !ok {
		return Entry{UserID: userID, Status: types.PresenceOffline}, false
	}
	return *entry, true
}

// Connection returns the live connection for userID, if online.
func (r *Registry) Connection(userID types.ID) (interfaces.Connection, bool) {
	entry, _ := r.Lookup(userID)
	if !entry.Online() {
		return nil, false
	}
	return entry.Conn, true
}

// MarkOffline clears the user currently bound to conn. A connection that has
// already been superseded matches nothing and the call is a no-op.
func (r *Registry) MarkOffline(ctx context.Context, conn interfaces.Connection) (Entry, bool) {
	if conn == nil {
		return Entry{}, false
	}
	handle := conn.ID()

	r.mu.Lock()
	var entry *Entry
	for _, e := range r.entries {
		if e.Conn != nil && e.Conn.ID() == handle {
			entry = e
			break
		}
	}
	if entry == nil {
		r.mu.Unlock()
		return Entry{}, false
	}
	updated := &Entry{
		UserID:   entry.UserID,
		Status:   types.PresenceOffline,
		LastSeen: r.now(),
	}
	r.entries[entry.UserID] = updated
	online := r.countOnlineLocked()
	r.mu.Unlock()

	r.metrics.SetOnline(online)
	r.persist(ctx, *updated)
	lastSeen := updated.LastSeen
	r.broadcast(types.NewUserStatus(updated.UserID, types.PresenceOffline, &lastSeen))
	return *updated, true
}

// Restore resets every persisted row to offline, since connection handles do
// not survive a restart, and loads the rows so last-seen times stay queryable.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.ResetPresence(ctx, r.now()); err != nil {
		return err
	}
	records, err := r.store.ListPresence(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, rec := range records {
		r.entries[rec.UserID] = &Entry{UserID: rec.UserID, Status: types.PresenceOffline, LastSeen: rec.LastSeen}
	}
	r.mu.Unlock()

	r.metrics.SetOnline(0)
	r.logger.Info("presence restored", zap.Int("users", len(records)))
	return nil
}

// Online returns the ids of users with a live connection, ascending.
func (r *Registry) Online() []types.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]types.ID, 0, len(r.entries))
	for id, e := range r.entries {
		if e.Online() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RefreshMirror rewrites every online entry to the mirror so expiring keys
// stay alive for as long as the connection does.
func (r *Registry) RefreshMirror(ctx context.Context) (int, error) {
	if r.mirror == nil {
		return 0, nil
	}

	r.mu.RLock()
	recs := make([]types.PresenceRecord, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Online() {
			recs = append(recs, e.Record())
		}
	}
	r.mu.RUnlock()

	if err := r.mirror.Refresh(ctx, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (r *Registry) countOnlineLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.Online() {
			n++
		}
	}
	return n
}

// persist mirrors entry into the store and the optional external mirror.
// Failures are logged; the in-memory state is already authoritative.
func (r *Registry) persist(ctx context.Context, entry Entry) {
	rec := entry.Record()
	if r.store != nil {
		if err := r.store.UpsertPresence(ctx, &rec); err != nil {
			r.logger.Error("failed to persist presence",
				zap.Int64("user_id", int64(entry.UserID)), zap.Error(err))
		}
	}
	if r.mirror != nil {
		if err := r.mirror.Publish(ctx, rec); err != nil {
			r.logger.Warn("failed to mirror presence",
				zap.Int64("user_id", int64(entry.UserID)), zap.Error(err))
		}
	}
}

func (r *Registry) broadcast(ev types.Event) {
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(ev)
	}
}
