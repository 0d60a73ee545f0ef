package workers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/BoweryJG/repconnect/internal/clock"
	"github.com/BoweryJG/repconnect/internal/services"
)

// QueueRunnerPool drives queues unattended. Run requests arrive on a Redis
// stream so any API replica can start a queue and exactly one runner
// drives it.
type QueueRunnerPool struct {
	Redis      *redis.Client
	Queues     services.QueueService
	NumWorkers int

	Clock  clock.Clock
	Logger logrus.FieldLogger

	Stream         string
	Group          string
	ConsumerPrefix string

	// PollInterval is how often an in-flight call is checked.
	PollInterval time.Duration
	// MaxCallWait bounds how long a runner waits on one in-flight call.
	MaxCallWait time.Duration
}

func (p *QueueRunnerPool) defaults() {
	if p.Stream == "" {
		p.Stream = "queue:runs"
	}
	if p.Group == "" {
		p.Group = "queue-runners"
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = "r"
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 2
	}
	if p.Clock == nil {
		p.Clock = clock.Real()
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 5 * time.Second
	}
	if p.MaxCallWait <= 0 {
		p.MaxCallWait = 30 * time.Minute
	}
}

func (p *QueueRunnerPool) Start(ctx context.Context) error {
	if p.Redis == nil || p.Queues == nil {
		return errors.New("QueueRunnerPool missing dependency: Redis/Queues must be set")
	}
	p.defaults()

	_ = p.Redis.XGroupCreateMkStream(ctx, p.Stream, p.Group, "0").Err() // ignore BUSYGROUP

	for i := 0; i < p.NumWorkers; i++ {
		consumer := p.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		go p.runConsumer(ctx, consumer)
	}
	return nil
}

// Enqueue asks a runner to drive queueID.
func (p *QueueRunnerPool) Enqueue(ctx context.Context, queueID string) error {
	p.defaults()
	return p.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream,
		Values: map[string]any{"queue_id": queueID},
	}).Err()
}

func (p *QueueRunnerPool) runConsumer(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.Group,
			Consumer: consumer,
			Streams:  []string{p.Stream, ">"},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.Logger.WithError(err).Warn("queue run read failed")
			_ = p.Clock.Sleep(ctx, 500*time.Millisecond)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				queueID, _ := msg.Values["queue_id"].(string)
				if queueID != "" {
					p.Drive(ctx, queueID)
				}
				_ = p.Redis.XAck(ctx, p.Stream, p.Group, msg.ID).Err()
			}
		}
	}
}

// Drive places calls one at a time until the queue has nothing due. It
// waits while a call is in flight so a rep only ever has one live call.
func (p *QueueRunnerPool) Drive(ctx context.Context, queueID string) {
	p.defaults()
	log := p.Logger.WithField("queue_id", queueID)

	more, err := p.Queues.RecoverQueue(ctx, queueID)
	if err != nil {
		log.WithError(err).Warn("queue not recoverable")
		return
	}
	if !more {
		log.Info("queue has no pending work")
		return
	}

	placed := 0
	for ctx.Err() == nil {
		if !p.awaitIdle(ctx, queueID) {
			log.Warn("in-flight call did not finish; runner stopping")
			return
		}
		job, err := p.Queues.PlaceNextCall(ctx, queueID)
		if err != nil {
			log.WithError(err).Error("place next call failed")
			return
		}
		if job == nil {
			log.WithField("placed", placed).Info("queue drained")
			return
		}
		placed++
		log.WithFields(logrus.Fields{"call_id": job.ID, "status": job.Status}).Info("queue advanced")
	}
}

// awaitIdle reports whether the queue has no call in flight, waiting up to
// MaxCallWait for one to finish.
func (p *QueueRunnerPool) awaitIdle(ctx context.Context, queueID string) bool {
	deadline := p.Clock.Now().Add(p.MaxCallWait)
	for {
		prog, err := p.Queues.Progress(ctx, queueID)
		if err != nil {
			p.Logger.WithError(err).WithField("queue_id", queueID).Warn("progress check failed")
		} else if prog.Calling == 0 {
			return true
		}
		if !p.Clock.Now().Before(deadline) {
			return false
		}
		if err := p.Clock.Sleep(ctx, p.PollInterval); err != nil {
			return false
		}
	}
}
