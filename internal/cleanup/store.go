// Package cleanup は成果物・入力ファイルの遅延削除を扱います。
// 削除期限は Store に永続化され、再起動後も最初の Sweep で回収されます。
package cleanup

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store は削除期限の保存先です。
type Store interface {
	// Add は paths を dueAt に削除するよう記録します。既に記録済みのパスは期限を上書きします。
	Add(ctx context.Context, paths []string, dueAt time.Time) error
	// Due は now 時点で期限を過ぎたパスを期限の早い順に最大 limit 件返します。
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Remove は paths の記録を削除します。
	Remove(ctx context.Context, paths ...string) error
}

// MemoryStore はプロセス内メモリの Store です。再起動で記録は失われます。
type MemoryStore struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
}

// NewMemoryStore は空の MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deadlines: make(map[string]time.Time)}
}

func (s *MemoryStore) Add(_ context.Context, paths []string, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		s.deadlines[p] = dueAt
	}
	return nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		path string
		due  time.Time
	}
	var due []entry
	for p, at := range s.deadlines {
		if !at.After(now) {
			due = append(due, entry{p, at})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].path < due[j].path
		}
		return due[i].due.Before(due[j].due)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]string, len(due))
	for i, e := range due {
		out[i] = e.path
	}
	return out, nil
}

func (s *MemoryStore) Remove(_ context.Context, paths ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		delete(s.deadlines, p)
	}
	return nil
}

// Pending は記録中の件数を返します。
func (s *MemoryStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadlines)
}

// DefaultRedisKey は RedisStore が使うソート済みセットのキーです。
const DefaultRedisKey = "cleanup:deadlines"

// RedisStore は削除期限を Redis のソート済みセット（スコア = 期限の UnixMilli）に保存します。
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore は RedisStore を作成します。key が空の場合は DefaultRedisKey を使います。
func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

func (s *RedisStore) Add(ctx context.Context, paths []string, dueAt time.Time) error {
	if len(paths) == 0 {
		return nil
	}
	members := make([]redis.Z, len(paths))
	score := float64(dueAt.UnixMilli())
	for i, p := range paths {
		members[i] = redis.Z{Score: score, Member: p}
	}
	if err := s.rdb.ZAdd(ctx, s.key, members...).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	paths, err := s.rdb.ZRangeByScore(ctx, s.key, by).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", s.key, err)
	}
	return paths, nil
}

func (s *RedisStore) Remove(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	members := make([]any, len(paths))
	for i, p := range paths {
		members[i] = p
	}
	if err := s.rdb.ZRem(ctx, s.key, members...).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", s.key, err)
	}
	return nil
}
