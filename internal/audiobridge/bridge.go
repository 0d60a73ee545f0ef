package audiobridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BoweryJG/repconnect/internal/clock"
	"github.com/BoweryJG/repconnect/internal/events"
	"github.com/BoweryJG/repconnect/internal/media"
	"github.com/BoweryJG/repconnect/internal/providers/stt"
	"github.com/BoweryJG/repconnect/internal/retry"
	"github.com/BoweryJG/repconnect/internal/session"
	"github.com/BoweryJG/repconnect/internal/utils"
)

const (
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultIdleAfter     = 30 * time.Second
	DefaultSampleRate    = 16000
)

// EventAudio carries a binary frame sent back by the backend.
const EventAudio stt.EventKind = "audio"

// Event is a demultiplexed backend message for one session.
type Event struct {
	SessionID  string
	Kind       stt.EventKind
	Text       string
	Confidence float64
	IsFinal    bool
	Message    string
	Audio      []byte
	At         time.Time
}

type Options struct {
	SampleRate    int
	FlushInterval time.Duration
	IdleAfter     time.Duration
	// MaxBuffered bounds the audio held per session while no connection is open.
	MaxBuffered time.Duration
	Policy      retry.Policy
	Clock       clock.Clock
	Logger      logrus.FieldLogger
}

// Bridge streams session audio to the transcription backend, one
// connection per session.
type Bridge struct {
	reg    *session.Registry
	dialer stt.StreamDialer
	opts   Options
	log    logrus.FieldLogger
	events *events.Bus[Event]

	// attachMu serializes get-or-create of the per-session stream.
	attachMu sync.Mutex
}

var streamKey = session.NewKey[*stream]("audiobridge.stream")

func New(reg *session.Registry, dialer stt.StreamDialer, opts Options) *Bridge {
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = DefaultIdleAfter
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = DefaultIdleAfter
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.Exponential(3, 250*time.Millisecond, opts.Clock)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Bridge{
		reg:    reg,
		dialer: dialer,
		opts:   opts,
		log:    opts.Logger.WithField("component", "audiobridge"),
		events: events.NewBus[Event](),
	}
}

// stream is the bridge state attached to a session. The registry closes it
// when the session is removed.
type stream struct {
	id string

	mu         sync.Mutex
	buf        *frameBuffer
	conn       stt.Stream
	connecting bool
	closed     bool
	// epoch moves on every Disconnect so an in-flight dial can tell it was
	// cancelled.
	epoch int
}

func (s *stream) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.closed = true
	s.buf.reset()
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *Bridge) Events(buffer int) *events.Subscription[Event] { return b.events.Subscribe(buffer) }

func (b *Bridge) attach(id string, create bool) *stream {
	sess, ok := b.reg.Get(id)
	if !ok {
		return nil
	}
	b.attachMu.Lock()
	defer b.attachMu.Unlock()
	if s, ok := session.Get(sess, streamKey); ok {
		return s
	}
	if !create {
		return nil
	}
	s := &stream{id: id, buf: newFrameBuffer(b.opts.MaxBuffered)}
	session.Set(sess, streamKey, s)
	return s
}

// PushFrame buffers a captured frame for the next flush. Frames for unknown
// sessions are dropped.
func (b *Bridge) PushFrame(id string, f media.Frame) {
	s := b.attach(id, true)
	if s == nil || len(f.Samples) == 0 {
		return
	}
	f.Samples = append([]int16(nil), f.Samples...)
	if f.SampleRate <= 0 {
		f.SampleRate = b.opts.SampleRate
	}
	s.mu.Lock()
	if !s.closed {
		s.buf.push(f, b.opts.Clock.Now())
	}
	s.mu.Unlock()
}

// Connect opens the session's backend connection. It is a no-op when one is
// already open or being opened.
func (b *Bridge) Connect(ctx context.Context, id string) error {
	const op = "AudioStreamBridge.Connect"

	s := b.attach(id, true)
	if s == nil {
		return utils.E(utils.CodeNotFound, op, "session not found", utils.ErrNotFound)
	}
	s.mu.Lock()
	if s.closed || s.conn != nil || s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	epoch := s.epoch
	s.mu.Unlock()

	var conn stt.Stream
	err := b.opts.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		c, err := b.dialer.Dial(ctx, id)
		if err != nil {
			b.log.WithError(err).WithFields(logrus.Fields{"session_id": id, "attempt": attempt}).Warn("transcription dial failed")
			return err
		}
		conn = c
		return nil
	})

	s.mu.Lock()
	s.connecting = false
	if err != nil {
		s.mu.Unlock()
		return utils.E(utils.CodeUnavailable, op, "transcription backend unreachable", err)
	}
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()

	b.log.WithField("session_id", id).Info("transcription stream connected")
	go b.read(s, conn)
	return nil
}

func (b *Bridge) read(s *stream, conn stt.Stream) {
	log := b.log.WithField("session_id", s.id)
	for msg := range conn.Messages() {
		now := b.opts.Clock.Now()
		if msg.Binary {
			b.events.Publish(Event{SessionID: s.id, Kind: EventAudio, Audio: msg.Data, At: now})
			continue
		}
		evs, err := stt.ParseEvents(msg.Data)
		if err != nil {
			log.WithError(utils.E(utils.CodeBackendProtocol, "AudioStreamBridge.read", "malformed backend event", err)).Warn("backend event dropped")
			continue
		}
		for _, ev := range evs {
			b.events.Publish(Event{
				SessionID:  s.id,
				Kind:       ev.Kind,
				Text:       ev.Text,
				Confidence: ev.Confidence,
				IsFinal:    ev.IsFinal,
				Message:    ev.Message,
				At:         now,
			})
		}
	}

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	log.Info("transcription stream closed")
}

// Flush sends every session's buffered audio. Sessions without an open
// connection keep their buffer; buffers idle past IdleAfter are collected.
func (b *Bridge) Flush(now time.Time) {
	for _, id := range b.reg.IDs() {
		s := b.attach(id, false)
		if s == nil {
			continue
		}
		s.mu.Lock()
		conn := s.conn
		var pcm []byte
		if conn != nil {
			pcm = s.buf.drain(b.opts.SampleRate)
		} else if !s.buf.empty() && s.buf.idle(now, b.opts.IdleAfter) {
			s.buf.reset()
			b.log.WithField("session_id", id).Debug("idle audio buffer collected")
		}
		s.mu.Unlock()

		if len(pcm) == 0 {
			continue
		}
		if err := conn.SendAudio(pcm); err != nil && !errors.Is(err, stt.ErrStreamClosed) {
			b.log.WithError(err).WithField("session_id", id).Warn("send audio failed")
		}
	}
}

// Run flushes on a fixed interval until ctx ends.
func (b *Bridge) Run(ctx context.Context) {
	t := time.NewTicker(b.opts.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Flush(b.opts.Clock.Now())
		}
	}
}

// Disconnect closes the session's backend connection and drops its buffer.
func (b *Bridge) Disconnect(id string) {
	s := b.attach(id, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.epoch++
	s.buf.reset()
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (b *Bridge) DisconnectAll() {
	for _, id := range b.reg.IDs() {
		b.Disconnect(id)
	}
}

// Speak relays text for the backend to voice into the session.
func (b *Bridge) Speak(id, text string) error {
	const op = "AudioStreamBridge.Speak"
	s := b.attach(id, true)
	if s == nil {
		return utils.E(utils.CodeNotFound, op, "session not found", utils.ErrNotFound)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return utils.E(utils.CodeUnavailable, op, "no transcription connection", nil)
	}
	if err := conn.SendText(text); err != nil {
		return utils.E(utils.CodeUnavailable, op, "send text", err)
	}
	return nil
}

func (b *Bridge) Connected(id string) bool {
	s := b.attach(id, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (b *Bridge) Close() {
	b.DisconnectAll()
	b.events.Close()
}
