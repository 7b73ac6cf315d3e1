package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// defaultKeyPrefix namespaces session documents in Redis.
const defaultKeyPrefix = "scoresync:session:"

// RedisStore persists sessions as JSON documents in Redis, one key per
// session id, with the TTL refreshed on every Put.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client, keyPrefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + id
}

// Get returns the session document, or (nil, nil) if the key is absent
// or already expired.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	result := s.client.Get(ctx, s.key(id))
	if result.Err() != nil {
		if result.Err() == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get session %s: %w", id, result.Err())
	}

	var sess Session
	if err := json.Unmarshal([]byte(result.Val()), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

// Put writes the whole document and refreshes its expiry.
func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, DefaultTTL).Err(); err != nil {
		return fmt.Errorf("set session %s: %w", sess.ID, err)
	}
	return nil
}

// Delete removes the document, reporting whether it existed.
func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	result := s.client.Del(ctx, s.key(id))
	if result.Err() != nil {
		return false, fmt.Errorf("delete session %s: %w", id, result.Err())
	}
	return result.Val() > 0, nil
}

// List scans all session keys and loads their documents.
func (s *RedisStore) List(ctx context.Context) ([]*Session, error) {
	var keys []string
	var cursor uint64
	for {
		result := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100)
		if result.Err() != nil {
			return nil, fmt.Errorf("scan sessions: %w", result.Err())
		}
		batch, next := result.Val()
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sessions := make([]*Session, 0, len(keys))
	for _, key := range keys {
		result := s.client.Get(ctx, key)
		if result.Err() != nil {
			if result.Err() == redis.Nil {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("get %s: %w", key, result.Err())
		}
		var sess Session
		if err := json.Unmarshal([]byte(result.Val()), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", key, err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}

// Ping verifies Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
