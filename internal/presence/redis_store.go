package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per document, field = person id, value = the
// JSON-encoded entry. Redis drops a hash once its last field is deleted, and
// the key expiry bounds documents nobody evicts anymore.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	keyExpiry time.Duration
}

func NewRedisStore(ctx context.Context, redisURL string, keyExpiry time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, keyExpiry), nil
}

func NewRedisStoreWithClient(client *redis.Client, keyExpiry time.Duration) *RedisStore {
	if keyExpiry <= 0 {
		keyExpiry = 2 * DefaultTTL
	}
	return &RedisStore{client: client, prefix: "presence:", keyExpiry: keyExpiry}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

func (s *RedisStore) Touch(ctx context.Context, entry Entry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	key := s.key(entry.DocumentID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, entry.PersonID, encoded)
	pipe.Expire(ctx, key, s.keyExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// evictScript deletes a field only if it still holds the value Evict read,
// so a heartbeat landing between the read and the delete survives.
// ARGV is field, value pairs.
var evictScript = redis.NewScript(`
local removed = 0
for i = 1, #ARGV, 2 do
	if redis.call('HGET', KEYS[1], ARGV[i]) == ARGV[i + 1] then
		removed = removed + redis.call('HDEL', KEYS[1], ARGV[i])
	end
end
return removed
`)

func (s *RedisStore) Evict(ctx context.Context, documentID string, cutoff time.Time) error {
	key := s.key(documentID)
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("evict presence: %w", err)
	}
	var args []any
	for personID, value := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(value), &entry); err == nil && !entry.LastSeen.Before(cutoff) {
			continue
		}
		args = append(args, personID, value)
	}
	if len(args) == 0 {
		return nil
	}
	if err := evictScript.Run(ctx, s.client, []string{key}, args...).Err(); err != nil {
		return fmt.Errorf("evict presence: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, documentID string) ([]Entry, error) {
	raw, err := s.client.HGetAll(ctx, s.key(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for personID, value := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			// unreadable fields are dropped on the next eviction
			entry = Entry{DocumentID: documentID, PersonID: personID}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) Remove(ctx context.Context, documentID, personID string) error {
	if err := s.client.HDel(ctx, s.key(documentID), personID).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
