package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/collaboration-engine/internal/model"
)

const (
	presencePrefix  = "presence:"
	presenceSeenKey = "presence:last_seen"
	maxUpsertTries  = 5
)

// RedisPresenceStore keeps presence in Redis: one hash per session keyed
// by user, plus a sorted set of last-seen times used for cleanup.
type RedisPresenceStore struct {
	client *redis.Client
}

// NewRedisPresenceStore connects to redisURL and verifies the connection.
func NewRedisPresenceStore(redisURL string) (*RedisPresenceStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisPresenceStore{client: client}, nil
}

// NewRedisPresenceStoreWithClient creates a store from an existing client.
func NewRedisPresenceStoreWithClient(client *redis.Client) *RedisPresenceStore {
	return &RedisPresenceStore{client: client}
}

func sessionKey(sessionID string) string {
	return presencePrefix + sessionID
}

func seenMember(sessionID, userID string) string {
	return sessionID + "|" + userID
}

// UpsertPresence merges the update into the stored record under WATCH so
// concurrent writers never lose an action count.
func (s *RedisPresenceStore) UpsertPresence(ctx context.Context, u model.PresenceUpdate) error {
	key := sessionKey(u.SessionID)

	txf := func(tx *redis.Tx) error {
		var p model.Presence
		raw, err := tx.HGet(ctx, key, u.UserID).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode presence: %w", err)
			}
		}

		u.Apply(&p)
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode presence: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, u.UserID, data)
			pipe.ZAdd(ctx, presenceSeenKey, redis.Z{
				Score:  float64(p.LastSeenAt.UnixMilli()),
				Member: seenMember(u.SessionID, u.UserID),
			})
			return nil
		})
		return err
	}

	for i := 0; i < maxUpsertTries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("upsert presence: %w", err)
		}
		return nil
	}
	return fmt.Errorf("upsert presence: %w", redis.TxFailedErr)
}

// ListPresence returns every stored presence for the session, ordered by user.
func (s *RedisPresenceStore) ListPresence(ctx context.Context, sessionID string) ([]model.Presence, error) {
	entries, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	out := make([]model.Presence, 0, len(entries))
	for _, raw := range entries {
		var p model.Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode presence: %w", err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// DeleteStalePresence removes records last seen before the cutoff.
func (s *RedisPresenceStore) DeleteStalePresence(ctx context.Context, before time.Time) (int64, error) {
	members, err := s.client.ZRangeByScore(ctx, presenceSeenKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", before.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan stale presence: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, m := range members {
		sessionID, userID, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		pipe.HDel(ctx, sessionKey(sessionID), userID)
	}
	zrem := make([]any, len(members))
	for i, m := range members {
		zrem[i] = m
	}
	pipe.ZRem(ctx, presenceSeenKey, zrem...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete stale presence: %w", err)
	}
	return int64(len(members)), nil
}

// Ping checks if Redis is reachable.
func (s *RedisPresenceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisPresenceStore) Close() error {
	return s.client.Close()
}

var _ PresenceStore = (*RedisPresenceStore)(nil)
