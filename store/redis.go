package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each log as a Redis string grown with APPEND and the
// metadata in a hash next to it.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a RedisStore whose keys all start with prefix.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "swb"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) metaKey(id string) string { return s.prefix + ":doc:" + id }
func (s *RedisStore) logKey(id string) string  { return s.prefix + ":log:" + id }
func (s *RedisStore) indexKey() string         { return s.prefix + ":docs" }

func (s *RedisStore) Create(ctx context.Context, id, token string) error {
	ok, err := s.rdb.HSetNX(ctx, s.metaKey(id), "token", token).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrExists, id)
	}
	now := time.Now().UnixNano()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.metaKey(id), "createdAt", now, "updatedAt", now)
		pipe.SAdd(ctx, s.indexKey(), id)
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	var meta *redis.MapStringStringCmd
	var size *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		meta = pipe.HGetAll(ctx, s.metaKey(id))
		size = pipe.StrLen(ctx, s.logKey(id))
		return nil
	})
	if err != nil {
		return nil, err
	}
	m := meta.Val()
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return &DocumentInfo{
		ID:        id,
		Token:     m["token"],
		Size:      size.Val(),
		CreatedAt: unixNano(m["createdAt"]),
		UpdatedAt: unixNano(m["updatedAt"]),
	}, nil
}

func unixNano(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *RedisStore) List(ctx context.Context) ([]DocumentInfo, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	result := make([]DocumentInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *info)
	}
	return result, nil
}

// Append watches the log key so the size check and the APPEND commit
// together or not at all.
func (s *RedisStore) Append(ctx context.Context, id string, chunk []byte, offset int64) error {
	logKey := s.logKey(id)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, s.metaKey(id)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		size, err := tx.StrLen(ctx, logKey).Result()
		if err != nil {
			return err
		}
		if size != offset {
			return fmt.Errorf("%w: %q at %d, size %d", ErrOffsetMismatch, id, offset, size)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Append(ctx, logKey, string(chunk))
			pipe.HSet(ctx, s.metaKey(id), "updatedAt", time.Now().UnixNano())
			return nil
		})
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: %q changed during append", ErrOffsetMismatch, id)
		}
		return err
	}, logKey)
}

func (s *RedisStore) ReadFrom(ctx context.Context, id string, offset int64) ([]byte, error) {
	info, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > info.Size {
		return nil, fmt.Errorf("invalid offset %d for %q of size %d", offset, id, info.Size)
	}
	if offset == info.Size {
		return []byte{}, nil
	}
	return s.rdb.GetRange(ctx, s.logKey(id), offset, -1).Bytes()
}
