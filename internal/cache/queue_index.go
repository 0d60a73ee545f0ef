package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/BoweryJG/repconnect/internal/models"
)

// QueueIndex lists recently built queues for resume. It is not
// authoritative; queued_calls is.
type QueueIndex interface {
	Put(ctx context.Context, meta models.QueueMeta) error
	Recent(ctx context.Context, n int) ([]models.QueueMeta, error)
	Remove(ctx context.Context, queueID string) error
}

const (
	recentQueuesKey   = "queue:recent"
	queueMetaPrefix   = "queue:meta:"
	defaultMaxEntries = 50
)

type RedisQueueIndex struct {
	rdb        *redis.Client
	maxEntries int64
}

func NewRedisQueueIndex(rdb *redis.Client, maxEntries int) *RedisQueueIndex {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &RedisQueueIndex{rdb: rdb, maxEntries: int64(maxEntries)}
}

func (x *RedisQueueIndex) Put(ctx context.Context, meta models.QueueMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	pipe := x.rdb.TxPipeline()
	pipe.Set(ctx, queueMetaPrefix+meta.QueueID, b, 0)
	pipe.ZAdd(ctx, recentQueuesKey, redis.Z{Score: float64(meta.CreatedAt.UnixMilli()), Member: meta.QueueID})
	// keep only the newest maxEntries
	pipe.ZRemRangeByRank(ctx, recentQueuesKey, 0, -x.maxEntries-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (x *RedisQueueIndex) Recent(ctx context.Context, n int) ([]models.QueueMeta, error) {
	if n <= 0 {
		n = 10
	}
	ids, err := x.rdb.ZRevRange(ctx, recentQueuesKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = queueMetaPrefix + id
	}
	vals, err := x.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.QueueMeta, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m models.QueueMeta
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (x *RedisQueueIndex) Remove(ctx context.Context, queueID string) error {
	pipe := x.rdb.TxPipeline()
	pipe.ZRem(ctx, recentQueuesKey, queueID)
	pipe.Del(ctx, queueMetaPrefix+queueID)
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// MemoryQueueIndex keeps the index in process.
type MemoryQueueIndex struct {
	mu      sync.Mutex
	entries map[string]models.QueueMeta
	max     int
}

func NewMemoryQueueIndex(maxEntries int) *MemoryQueueIndex {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryQueueIndex{entries: make(map[string]models.QueueMeta), max: maxEntries}
}

func (x *MemoryQueueIndex) Put(_ context.Context, meta models.QueueMeta) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[meta.QueueID] = meta
	if len(x.entries) > x.max {
		all := x.sorted()
		for _, m := range all[x.max:] {
			delete(x.entries, m.QueueID)
		}
	}
	return nil
}

func (x *MemoryQueueIndex) Recent(_ context.Context, n int) ([]models.QueueMeta, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	all := x.sorted()
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (x *MemoryQueueIndex) Remove(_ context.Context, queueID string) error {
	x.mu.Lock()
	delete(x.entries, queueID)
	x.mu.Unlock()
	return nil
}

func (x *MemoryQueueIndex) sorted() []models.QueueMeta {
	out := make([]models.QueueMeta, 0, len(x.entries))
	for _, m := range x.entries {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].QueueID < out[j].QueueID
	})
	return out
}
