package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chatline/pkg/types"
)

// RedisConfig selects the Redis instance used as presence mirror.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisMirror writes presence to Redis so other services can read it.
// Keys:
//   - <prefix>:presence:<user_id> -> json {user_id,status,last_seen}
//
// Every change is also published on <prefix>:presence.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type redisPresence struct {
	UserID   types.ID             `json:"user_id"`
	Status   types.PresenceStatus `json:"status"`
	LastSeen int64                `json:"last_seen"`
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(ctx context.Context, cfg RedisConfig) (*RedisMirror, error) {
	if cfg.Addr == "" {
		return nil, ErrMirrorDisabled
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "chatline"
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (m *RedisMirror) presenceKey(userID types.ID) string {
	return fmt.Sprintf("%s:presence:%d", m.prefix, userID)
}

func (m *RedisMirror) channel() string {
	return m.prefix + ":presence"
}

func (m *RedisMirror) encode(rec types.PresenceRecord) ([]byte, time.Duration, error) {
	payload, err := json.Marshal(redisPresence{UserID: rec.UserID, Status: rec.Status, LastSeen: rec.LastSeen.Unix()})
	if err != nil {
		return nil, 0, err
	}
	var ttl time.Duration
	if rec.Status == types.PresenceOnline {
		ttl = m.ttl
	}
	return payload, ttl, nil
}

// Publish stores rec and announces it. Online keys expire after the TTL so a
// crashed process does not leave users online forever; offline keys persist.
func (m *RedisMirror) Publish(ctx context.Context, rec types.PresenceRecord) error {
	payload, ttl, err := m.encode(rec)
	if err != nil {
		return err
	}
	if err := m.client.Set(ctx, m.presenceKey(rec.UserID), payload, ttl).Err(); err != nil {
		return err
	}
	return m.client.Publish(ctx, m.channel(), payload).Err()
}

// Refresh rewrites recs with a fresh TTL in one pipeline, without publishing.
// Keys that already expired are recreated.
func (m *RedisMirror) Refresh(ctx context.Context, recs []types.PresenceRecord) error {
	if len(recs) == 0 {
		return nil
	}
	pipe := m.client.Pipeline()
	for _, rec := range recs {
		payload, ttl, err := m.encode(rec)
		if err != nil {
			return err
		}
		pipe.Set(ctx, m.presenceKey(rec.UserID), payload, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// TTL is the lifetime of an online key.
func (m *RedisMirror) TTL() time.Duration {
	return m.ttl
}

// Get reads the mirrored presence for userID. A missing key is reported as offline.
func (m *RedisMirror) Get(ctx context.Context, userID types.ID) (types.PresenceRecord, error) {
	b, err := m.client.Get(ctx, m.presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.PresenceRecord{UserID: userID, Status: types.PresenceOffline}, nil
	}
	if err != nil {
		return types.PresenceRecord{}, err
	}

	var out redisPresence
	if err := json.Unmarshal(b, &out); err != nil {
		return types.PresenceRecord{}, err
	}
	return types.PresenceRecord{UserID: out.UserID, Status: out.Status, LastSeen: time.Unix(out.LastSeen, 0).UTC()}, nil
}

// Close releases the Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
