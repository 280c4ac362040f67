// Package bbredissnapshot implements bbsnapshot's `Backend` interface as a
// single Redis string key.
package bbredissnapshot

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"github.com/brandur/blackboard/internal/bbsnapshot"
)

const DefaultKey = "blackboard:snapshot"

type RedisSnapshot struct {
	key string
	rdb *redis.Client
}

// NewRedisSnapshot connects to the Redis server at the given URL, like
// `redis://localhost:6379/0`.
func NewRedisSnapshot(redisURL, key string) (*RedisSnapshot, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, xerrors.Errorf("error parsing Redis URL: %w", err)
	}

	return NewRedisSnapshotWithClient(redis.NewClient(opts), key), nil
}

func NewRedisSnapshotWithClient(rdb *redis.Client, key string) *RedisSnapshot {
	if key == "" {
		key = DefaultKey
	}

	return &RedisSnapshot{key: key, rdb: rdb}
}

func (s *RedisSnapshot) Close() error {
	return s.rdb.Close()
}

func (s *RedisSnapshot) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisSnapshot) Load(ctx context.Context) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, bbsnapshot.ErrSnapshotNotFound
		}

		return nil, xerrors.Errorf("error getting key %q: %w", s.key, err)
	}

	return data, nil
}

func (s *RedisSnapshot) Save(ctx context.Context, data []byte) error {
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return xerrors.Errorf("error setting key %q: %w", s.key, err)
	}

	return nil
}
