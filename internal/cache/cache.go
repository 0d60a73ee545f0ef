package cache

import (
	"context"
	"time"
)

// Cache stores JSON snapshots. Entries are advisory: callers must be able
// to rebuild them from the database.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
