package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// SessionChannel is the pub/sub channel a console websocket listens on.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID + ":events"
}

// Publisher pushes session-scoped JSON payloads to out-of-process listeners.
type Publisher interface {
	PublishSession(ctx context.Context, sessionID string, payload any) error
}

type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) PublishSession(ctx context.Context, sessionID string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, SessionChannel(sessionID), b).Err()
}
