package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/opd-ai/dimgroup/protocol"
)

const keyTablePrefix = "dim.keys."

// RedisStore persists merged wrapped-key tables, one hash per
// (group, sender) pair:
//
//	dim.keys.{group}.{sender} → { memberID: wrappedKey, "digest": …, "time": … }
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an established Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func keyTableKey(group, sender protocol.ID) string {
	return keyTablePrefix + group.String() + "." + sender.String()
}

// LoadKeys fetches the stored table for the pair, nil when absent.
func (s *RedisStore) LoadKeys(ctx context.Context, group, sender protocol.ID) (map[string]string, error) {
	fields, err := s.rdb.HGetAll(ctx, keyTableKey(group, sender)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load key table: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// SaveKeys replaces the stored table for the pair. Members absent from
// table disappear, so a digest replacement never leaves stale keys behind.
func (s *RedisStore) SaveKeys(ctx context.Context, group, sender protocol.ID, table map[string]string) error {
	key := keyTableKey(group, sender)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(table) > 0 {
		pipe.HSet(ctx, key, table)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save key table: %w", err)
	}
	return nil
}
