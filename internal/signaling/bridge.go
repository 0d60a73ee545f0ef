package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/BoweryJG/repconnect/internal/events"
	"github.com/BoweryJG/repconnect/internal/retry"
	"github.com/BoweryJG/repconnect/internal/utils"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	// StatusUnreachable means reconnection gave up; Run has returned.
	StatusUnreachable Status = "unreachable"
	StatusClosed      Status = "closed"
)

// Bridge keeps one signaling connection alive and fans incoming messages
// out to subscribers. Sends while disconnected are dropped.
type Bridge struct {
	dialer Dialer
	policy retry.Policy
	log    logrus.FieldLogger

	mu     sync.Mutex
	conn   Conn
	status Status

	messages *events.Bus[Message]
	statuses *events.Bus[Status]
}

// NewBridge takes the reconnect policy, normally retry.Exponential.
func NewBridge(d Dialer, policy retry.Policy, log logrus.FieldLogger) *Bridge {
	return &Bridge{
		dialer:   d,
		policy:   policy,
		log:      log.WithField("component", "signaling"),
		status:   StatusIdle,
		messages: events.NewBus[Message](),
		statuses: events.NewBus[Status](),
	}
}

func (b *Bridge) Messages(buffer int) *events.Subscription[Message] {
	return b.messages.Subscribe(buffer)
}

func (b *Bridge) Statuses(buffer int) *events.Subscription[Status] {
	return b.statuses.Subscribe(buffer)
}

func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Send writes msg if a connection is up. Transport errors are returned,
// never retried.
func (b *Bridge) Send(msg Message) error {
	const op = "SignalingBridge.Send"

	if err := msg.validate(); err != nil {
		return utils.E(utils.CodeInvalidArgument, op, "invalid message", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return utils.E(utils.CodeInternal, op, "encode message", err)
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return utils.E(utils.CodeSignalingUnreachable, op, "signaling channel not connected; message dropped", nil)
	}
	if err := conn.Write(data); err != nil {
		return utils.E(utils.CodeSignalingUnreachable, op, "write failed", err)
	}
	return nil
}

// Run connects and keeps reconnecting until ctx ends or a reconnect cycle
// exhausts the policy. The backoff restarts after every successful connect.
func (b *Bridge) Run(ctx context.Context) error {
	const op = "SignalingBridge.Run"
	defer b.messages.Close()
	defer b.statuses.Close()

	for {
		b.setStatus(StatusConnecting)
		var conn Conn
		err := b.policy.Do(ctx, func(ctx context.Context, attempt int) error {
			c, err := b.dialer.Dial(ctx)
			if err != nil {
				b.log.WithError(err).WithField("attempt", attempt).Warn("signaling dial failed")
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				b.setStatus(StatusClosed)
				return nil
			}
			b.setStatus(StatusUnreachable)
			b.log.WithError(err).Error("signaling unreachable; giving up")
			return utils.E(utils.CodeSignalingUnreachable, op, "reconnect attempts exhausted", err)
		}

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		b.setStatus(StatusConnected)

		readErr := b.readLoop(ctx, conn)

		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			b.setStatus(StatusClosed)
			return nil
		}
		b.setStatus(StatusDisconnected)
		b.log.WithError(readErr).Info("signaling connection lost; reconnecting")
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		data, err := conn.Read()
		if err != nil {
			return err
		}
		msg, err := decodeMessage(data)
		if err != nil {
			b.log.WithError(err).Debug("dropping malformed signaling message")
			continue
		}
		b.messages.Publish(msg)
	}
}

func (b *Bridge) setStatus(s Status) {
	b.mu.Lock()
	changed := b.status != s
	b.status = s
	b.mu.Unlock()
	if changed {
		b.statuses.Publish(s)
	}
}

// IsUnreachable reports whether err came from a bridge that gave up or was
// not connected.
func IsUnreachable(err error) bool {
	return errors.Is(err, retry.ErrExhausted) || utils.IsCode(err, utils.CodeSignalingUnreachable)
}
