package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	dbconfig "chatline/pkg/database"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// busyRetryDelay is how long a write waits before its single retry on SQLITE_BUSY.
var busyRetryDelay = 200 * time.Millisecond

// Manager implements interfaces.Store and interfaces.DirectoryStore on SQLite.
// Reads run concurrently on the pool; every write goes through one writer goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
// It does not apply migrations; see Migrate.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if config == nil {
		config = dbconfig.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid database configuration")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to apply SQLite pragmas")
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With(zap.String("component", "database")),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies pending schema migrations.
func (m *Manager) Migrate() error {
	mm := dbconfig.NewMigrationManager(m.db, m.config.MigrationsPath)
	if err := mm.ApplyMigrations(); err != nil {
		return errors.Wrap(err, "failed to apply migrations")
	}
	return nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if isBusy(err) {
				m.logger.Warn("database busy, retrying write once", zap.Error(err))
				time.Sleep(busyRetryDelay)
				err = op.operation(m.db)
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for it to finish.
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errors.New("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.config.WriteTimeout):
		return errors.New("write operation timeout")
	case <-m.shutdown:
		return errors.New("database manager is shutting down")
	}

	return <-result
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// ---- conversations and membership ----

const conversationColumns = `id, type, name, group_photo, description, created_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanConversation reads conversationColumns followed by any extra columns.
func scanConversation(row rowScanner, extra ...any) (*types.Conversation, error) {
	var conv types.Conversation
	var name, photo, description sql.NullString
	var createdBy sql.NullInt64

	dest := append([]any{&conv.ID, &conv.Type, &name, &photo, &description, &createdBy, &conv.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if name.Valid {
		conv.Name = &name.String
	}
	if photo.Valid {
		conv.Photo = &photo.String
	}
	if description.Valid {
		conv.Description = &description.String
	}
	if createdBy.Valid {
		id := types.ID(createdBy.Int64)
		conv.CreatedBy = &id
	}
	return &conv, nil
}

// GetConversation loads a conversation by id.
func (m *Manager) GetConversation(ctx context.Context, id types.ID) (*types.Conversation, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrConversationNotFound
		}
		return nil, errors.Wrapf(err, "failed to query conversation %d", id)
	}
	return conv, nil
}

// IsParticipant reports whether userID is a member of conversationID.
func (m *Manager) IsParticipant(ctx context.Context, conversationID, userID types.ID) (bool, error) {
	var exists bool
	err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = ? AND user_id = ?
		)`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check participant")
	}
	return exists, nil
}

// ListOtherParticipants returns every member of conversationID except excludeUserID.
func (m *Manager) ListOtherParticipants(ctx context.Context, conversationID, excludeUserID types.ID) ([]types.ID, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = ? AND user_id != ?
		ORDER BY user_id`, conversationID, excludeUserID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query participants")
	}
	defer func() { _ = rows.Close() }()

	var ids []types.ID
	for rows.Next() {
		var id types.ID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan participant row")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "error iterating participant rows")
}

// ---- messages ----

const messageColumns = `id, sender_id, conversation_id, body, status, created_at`

func scanMessage(row rowScanner) (*types.Message, error) {
	var msg types.Message
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.ConversationID, &msg.Body, &msg.Status, &msg.CreatedAt); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *Manager) queryMessages(ctx context.Context, query string, args ...any) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query messages")
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan message row")
		}
		messages = append(messages, msg)
	}
	return messages, errors.Wrap(rows.Err(), "error iterating message rows")
}

// CreateMessage inserts msg and fills in its ID. Status defaults to sent and
// CreatedAt to now.
func (m *Manager) CreateMessage(ctx context.Context, msg *types.Message) error {
	if msg.Status == "" {
		msg.Status = types.StatusSent
	}
	if !msg.Status.Valid() {
		return errors.Errorf("invalid message status %q", msg.Status)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO messages (sender_id, conversation_id, body, status, status_rank, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.SenderID, msg.ConversationID, msg.Body, msg.Status, msg.Status.Rank(), msg.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "failed to insert message")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "failed to read message id")
		}
		msg.ID = types.ID(id)
		return nil
	})
}

// GetMessage loads a message by id.
func (m *Manager) GetMessage(ctx context.Context, id types.ID) (*types.Message, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrMessageNotFound
		}
		return nil, errors.Wrapf(err, "failed to query message %d", id)
	}
	return msg, nil
}

// AdvanceMessageStatus moves a message forward to status. The rank guard in the
// WHERE clause makes backward or repeated transitions a no-op, so the result is
// correct even when two acknowledgments race.
func (m *Manager) AdvanceMessageStatus(ctx context.Context, id types.ID, status types.MessageStatus) (bool, error) {
	if !status.Valid() {
		return false, errors.Errorf("invalid message status %q", status)
	}

	var changed bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE messages SET status = ?, status_rank = ?
			WHERE id = ? AND status_rank < ?`,
			status, status.Rank(), id, status.Rank())
		if err != nil {
			return errors.Wrap(err, "failed to update message status")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read affected rows")
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// GetConversationHistory returns every message of a conversation in creation order.
func (m *Manager) GetConversationHistory(ctx context.Context, conversationID types.ID) ([]*types.Message, error) {
	return m.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY id ASC`, conversationID)
}

// ListPendingForUser returns messages still in "sent" status in any conversation
// userID belongs to, excluding the ones userID wrote.
func (m *Manager) ListPendingForUser(ctx context.Context, userID types.ID) ([]*types.Message, error) {
	return m.queryMessages(ctx, `
		SELECT m.id, m.sender_id, m.conversation_id, m.body, m.status, m.created_at
		FROM messages m
		JOIN conversation_participants p ON p.conversation_id = m.conversation_id
		WHERE p.user_id = ? AND m.sender_id != ? AND m.status = ?
		ORDER BY m.id ASC`, userID, userID, types.StatusSent)
}

// ---- presence ----

// UpsertPresence writes the durable presence row for rec.UserID.
func (m *Manager) UpsertPresence(ctx context.Context, rec *types.PresenceRecord) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO active_users (user_id, status, last_seen, socket_id)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				status = excluded.status,
				last_seen = excluded.last_seen,
				socket_id = excluded.socket_id`,
			rec.UserID, rec.Status, rec.LastSeen, rec.ConnectionID)
		return errors.Wrapf(err, "failed to upsert presence for user %d", rec.UserID)
	})
}

// ResetPresence marks every row offline with no connection. Called at startup
// because connection handles never survive a restart.
func (m *Manager) ResetPresence(ctx context.Context, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			UPDATE active_users SET status = ?, socket_id = NULL, last_seen = ?
			WHERE status = ? OR socket_id IS NOT NULL`,
			types.PresenceOffline, at, types.PresenceOnline)
		return errors.Wrap(err, "failed to reset presence")
	})
}

// ListPresence returns every presence row.
func (m *Manager) ListPresence(ctx context.Context) ([]*types.PresenceRecord, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT user_id, status, last_seen, socket_id FROM active_users ORDER BY user_id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query presence")
	}
	defer func() { _ = rows.Close() }()

	var records []*types.PresenceRecord
	for rows.Next() {
		var rec types.PresenceRecord
		var socketID sql.NullString
		if err := rows.Scan(&rec.UserID, &rec.Status, &rec.LastSeen, &socketID); err != nil {
			return nil, errors.Wrap(err, "failed to scan presence row")
		}
		if socketID.Valid {
			rec.ConnectionID = &socketID.String
		}
		records = append(records, &rec)
	}
	return records, errors.Wrap(rows.Err(), "error iterating presence rows")
}

// ---- directory ----

// CreateUser inserts a user. A duplicate phone number yields ErrDuplicateUser.
func (m *Manager) CreateUser(ctx context.Context, user *types.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO users (name, phone_number, profile_photo, created_at)
			VALUES (?, ?, ?, ?)`,
			user.Name, user.PhoneNumber, user.ProfilePhoto, user.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicateUser
			}
			return errors.Wrap(err, "failed to insert user")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "failed to read user id")
		}
		user.ID = types.ID(id)
		return nil
	})
}

const userColumns = `id, name, phone_number, profile_photo, created_at`

func scanUser(row rowScanner) (*types.User, error) {
	var user types.User
	var photo sql.NullString
	if err := row.Scan(&user.ID, &user.Name, &user.PhoneNumber, &photo, &user.CreatedAt); err != nil {
		return nil, err
	}
	if photo.Valid {
		user.ProfilePhoto = &photo.String
	}
	return &user, nil
}

// GetUser loads a user by id.
func (m *Manager) GetUser(ctx context.Context, id types.ID) (*types.User, error) {
	user, err := scanUser(m.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, errors.Wrapf(err, "failed to query user %d", id)
	}
	return user, nil
}

// FindUserByPhone loads the user registered with phone.
func (m *Manager) FindUserByPhone(ctx context.Context, phone string) (*types.User, error) {
	user, err := scanUser(m.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone_number = ?`, phone))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, errors.Wrap(err, "failed to query user by phone")
	}
	return user, nil
}

// ListUsers returns every user except excludeUserID, ordered by name.
func (m *Manager) ListUsers(ctx context.Context, excludeUserID types.ID) ([]*types.User, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE id != ?
		ORDER BY name, id`, excludeUserID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query users")
	}
	defer func() { _ = rows.Close() }()

	var users []*types.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan user row")
		}
		users = append(users, user)
	}
	return users, errors.Wrap(rows.Err(), "error iterating user rows")
}

// GetOrCreatePrivateConversation returns the single private conversation between
// a and b, creating it with both users as members when it does not exist yet.
// The boolean reports whether it was created.
func (m *Manager) GetOrCreatePrivateConversation(ctx context.Context, a, b types.ID) (*types.Conversation, bool, error) {
	if a == 0 || b == 0 || a == b {
		return nil, false, types.ErrSelfConversation
	}
	key := types.PrivateKey(a, b)

	var conv *types.Conversation
	var created bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin transaction")
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := scanConversation(tx.QueryRowContext(ctx,
			`SELECT `+conversationColumns+` FROM conversations WHERE private_key = ?`, key))
		if err == nil {
			conv = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(err, "failed to look up private conversation")
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (type, private_key, created_at) VALUES (?, ?, ?)`,
			types.ConversationPrivate, key, now)
		if err != nil {
			return errors.Wrap(err, "failed to insert private conversation")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "failed to read conversation id")
		}

		for _, userID := range []types.ID{a, b} {
			if err := insertParticipant(ctx, tx, types.ID(id), userID, types.RoleMember, now); err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "failed to commit private conversation")
		}
		conv = &types.Conversation{ID: types.ID(id), Type: types.ConversationPrivate, CreatedAt: now}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// CreateGroupConversation inserts a group with its creator as admin and every
// other listed user as member. Duplicate member ids are ignored.
func (m *Manager) CreateGroupConversation(ctx context.Context, conv *types.Conversation, memberIDs []types.ID) error {
	conv.Type = types.ConversationGroup
	if err := conv.Validate(); err != nil {
		return err
	}
	if conv.CreatedBy == nil || *conv.CreatedBy == 0 {
		return errors.New("group creator is required")
	}
	creator := *conv.CreatedBy

	members := make([]types.ID, 0, len(memberIDs))
	seen := map[types.ID]bool{creator: true}
	for _, id := range memberIDs {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) == 0 {
		return types.ErrEmptyMemberList
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin transaction")
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (type, name, group_photo, description, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			conv.Type, conv.Name, conv.Photo, conv.Description, creator, conv.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "failed to insert group conversation")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "failed to read conversation id")
		}

		if err := insertParticipant(ctx, tx, types.ID(id), creator, types.RoleAdmin, conv.CreatedAt); err != nil {
			return err
		}
		for _, userID := range members {
			if err := insertParticipant(ctx, tx, types.ID(id), userID, types.RoleMember, conv.CreatedAt); err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "failed to commit group conversation")
		}
		conv.ID = types.ID(id)
		return nil
	})
}

func insertParticipant(ctx context.Context, tx *sql.Tx, conversationID, userID types.ID, role types.ParticipantRole, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)`, conversationID, userID, role, at)
	return errors.Wrapf(err, "failed to add user %d to conversation %d", userID, conversationID)
}

// ListConversationSummaries returns the conversations userID belongs to with
// the latest message, member count and the user's role. Conversations with
// the most recent message come first; those without messages follow, newest first.
func (m *Manager) ListConversationSummaries(ctx context.Context, userID types.ID) ([]*types.ConversationSummary, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT c.id, c.type, c.name, c.group_photo, c.description, c.created_by, c.created_at,
			p.role,
			(SELECT COUNT(*) FROM conversation_participants cp WHERE cp.conversation_id = c.id),
			u.id, u.name, u.phone_number, u.profile_photo, u.created_at,
			lm.id, lm.sender_id, lm.body, lm.status, lm.created_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = ?
		LEFT JOIN users u ON c.type = 'private' AND u.id = (
			SELECT cp.user_id FROM conversation_participants cp
			WHERE cp.conversation_id = c.id AND cp.user_id != p.user_id
			LIMIT 1)
		LEFT JOIN messages lm ON lm.id = (
			SELECT MAX(mm.id) FROM messages mm WHERE mm.conversation_id = c.id)
		ORDER BY lm.id IS NULL, lm.id DESC, c.id DESC`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query user conversations")
	}
	defer func() { _ = rows.Close() }()

	var summaries []*types.ConversationSummary
	for rows.Next() {
		var (
			summary   types.ConversationSummary
			peerID    sql.NullInt64
			peerName  sql.NullString
			peerPhone sql.NullString
			peerPhoto sql.NullString
			peerSince sql.NullTime
			msgID     sql.NullInt64
			msgSender sql.NullInt64
			msgBody   sql.NullString
			msgStatus sql.NullString
			msgAt     sql.NullTime
		)
		conv, err := scanConversation(rows,
			&summary.MyRole, &summary.ParticipantCount,
			&peerID, &peerName, &peerPhone, &peerPhoto, &peerSince,
			&msgID, &msgSender, &msgBody, &msgStatus, &msgAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation row")
		}
		summary.Conversation = *conv

		if peerID.Valid {
			summary.Peer = &types.User{
				ID:          types.ID(peerID.Int64),
				Name:        peerName.String,
				PhoneNumber: peerPhone.String,
				CreatedAt:   peerSince.Time,
			}
			if peerPhoto.Valid {
				summary.Peer.ProfilePhoto = &peerPhoto.String
			}
		}
		if msgID.Valid {
			summary.LastMessage = &types.Message{
				ID:             types.ID(msgID.Int64),
				SenderID:       types.ID(msgSender.Int64),
				ConversationID: conv.ID,
				Body:           msgBody.String,
				Status:         types.MessageStatus(msgStatus.String),
				CreatedAt:      msgAt.Time,
			}
		}
		summaries = append(summaries, &summary)
	}
	return summaries, errors.Wrap(rows.Err(), "error iterating conversation rows")
}

// ListParticipants returns the members of conversationID in join order.
func (m *Manager) ListParticipants(ctx context.Context, conversationID types.ID) ([]*types.Member, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.phone_number, u.profile_photo, p.role, p.joined_at
		FROM conversation_participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ?
		ORDER BY p.joined_at, p.id`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query participants")
	}
	defer func() { _ = rows.Close() }()

	var members []*types.Member
	for rows.Next() {
		var member types.Member
		var photo sql.NullString
		if err := rows.Scan(&member.UserID, &member.Name, &member.PhoneNumber, &photo, &member.Role, &member.JoinedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan participant row")
		}
		if photo.Valid {
			member.ProfilePhoto = &photo.String
		}
		members = append(members, &member)
	}
	return members, errors.Wrap(rows.Err(), "error iterating participant rows")
}

// requireGroupAdmin loads the conversation and checks that actor administers it.
func requireGroupAdmin(ctx context.Context, tx *sql.Tx, conversationID, actor types.ID) error {
	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return interfaces.ErrConversationNotFound
		}
		return errors.Wrap(err, "failed to look up conversation")
	}
	if conv.Type != types.ConversationGroup {
		return interfaces.ErrNotGroupConversation
	}

	var role types.ParticipantRole
	err = tx.QueryRowContext(ctx, `
		SELECT role FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?`, conversationID, actor).Scan(&role)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "failed to look up participant role")
	}
	if role != types.RoleAdmin {
		return interfaces.ErrNotAdmin
	}
	return nil
}

// AddParticipant adds userID to a group as member. addedBy must be an admin of it.
func (m *Manager) AddParticipant(ctx context.Context, conversationID, userID, addedBy types.ID) (*types.Participant, error) {
	var participant *types.Participant
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin transaction")
		}
		defer func() { _ = tx.Rollback() }()

		if err := requireGroupAdmin(ctx, tx, conversationID, addedBy); err != nil {
			return err
		}

		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = ?)`, userID).Scan(&exists); err != nil {
			return errors.Wrap(err, "failed to look up user")
		}
		if !exists {
			return interfaces.ErrUserNotFound
		}

		now := time.Now().UTC()
		if err := insertParticipant(ctx, tx, conversationID, userID, types.RoleMember, now); err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrAlreadyParticipant
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "failed to commit participant")
		}
		participant = &types.Participant{ConversationID: conversationID, UserID: userID, Role: types.RoleMember, JoinedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return participant, nil
}

// RemoveParticipant removes userID from a group. removedBy must be an admin of it.
func (m *Manager) RemoveParticipant(ctx context.Context, conversationID, userID, removedBy types.ID) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin transaction")
		}
		defer func() { _ = tx.Rollback() }()

		if err := requireGroupAdmin(ctx, tx, conversationID, removedBy); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM conversation_participants
			WHERE conversation_id = ? AND user_id = ?`, conversationID, userID)
		if err != nil {
			return errors.Wrap(err, "failed to remove participant")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read affected rows")
		}
		if n == 0 {
			return interfaces.ErrParticipantNotFound
		}
		return errors.Wrap(tx.Commit(), "failed to commit participant removal")
	})
}

// ---- lifecycle ----

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "database ping failed")
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		return errors.Wrap(err, "database read test failed")
	}
	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close database")
	}
	return nil
}
