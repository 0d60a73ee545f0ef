package audiobridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BoweryJG/repconnect/internal/clock"
	"github.com/BoweryJG/repconnect/internal/logger"
	"github.com/BoweryJG/repconnect/internal/media"
	"github.com/BoweryJG/repconnect/internal/providers/stt"
	"github.com/BoweryJG/repconnect/internal/retry"
	"github.com/BoweryJG/repconnect/internal/session"
	"github.com/BoweryJG/repconnect/internal/utils"
)

type fakeStream struct {
	mu     sync.Mutex
	audio  [][]byte
	text   []string
	msgs   chan stt.Message
	closed bool
	once   sync.Once
}

func newFakeStream() *fakeStream { return &fakeStream{msgs: make(chan stt.Message, 8)} }

func (s *fakeStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, append([]byte(nil), pcm...))
	return nil
}

func (s *fakeStream) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = append(s.text, text)
	return nil
}

func (s *fakeStream) Messages() <-chan stt.Message { return s.msgs }

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.msgs)
	})
	return nil
}

func (s *fakeStream) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	streams  []*fakeStream
	onDial   func(id string)
}

func (d *fakeDialer) Dial(ctx context.Context, id string) (stt.Stream, error) {
	if d.onDial != nil {
		d.onDial(id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	s := newFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

type fixture struct {
	bridge *Bridge
	reg    *session.Registry
	dialer *fakeDialer
	clk    *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	reg := session.NewRegistry(clk)
	d := &fakeDialer{}
	b := New(reg, d, Options{
		SampleRate: 16000,
		Policy:     retry.Fixed(3, 10*time.Millisecond, clk),
		Clock:      clk,
		Logger:     logger.Discard(),
	})
	t.Cleanup(b.Close)
	return &fixture{bridge: b, reg: reg, dialer: d, clk: clk}
}

func (f *fixture) open(t *testing.T, id string) {
	t.Helper()
	_, err := f.reg.Create(id)
	require.NoError(t, err)
}

func frame(rate int, samples ...int16) media.Frame {
	return media.Frame{Samples: samples, SampleRate: rate}
}

func TestFlushSendsFramesInOrder(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1")
	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))

	f.bridge.PushFrame("s1", frame(16000, 1, 2))
	f.bridge.PushFrame("s1", frame(16000, 3))
	f.bridge.Flush(f.clk.Now())

	sent := f.dialer.last().sent()
	require.Len(t, sent, 1)
	assert.Equal(t, media.PCM16ToBytes([]int16{1, 2, 3}), sent[0])

	// nothing buffered, nothing sent
	f.bridge.Flush(f.clk.Now())
	assert.Len(t, f.dialer.last().sent(), 1)
}

func TestFlushResamplesToBackendRate(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1")
	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))

	f.bridge.PushFrame("s1", frame(8000, 10, 20))
	f.bridge.Flush(f.clk.Now())

	sent := f.dialer.last().sent()
	require.Len(t, sent, 1)
	assert.Equal(t, media.PCM16ToBytes(media.Resample([]int16{10, 20}, 8000, 16000)), sent[0])
}

func TestFlushWithoutConnectionKeepsBuffer(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1")

	f.bridge.PushFrame("s1", frame(16000, 7))
	f.bridge.Flush(f.clk.Now())
	assert.Equal(t, 0, f.dialer.dials)

	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))
	f.bridge.Flush(f.clk.Now())
	assert.Equal(t, [][]byte{media.PCM16ToBytes([]int16{7})}, f.dialer.last().sent())
}

func TestIdleBufferCollected(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1")

	f.bridge.PushFrame("s1", frame(16000, 1))
	f.clk.Advance(31 * time.Second)
	f.bridge.Flush(f.clk.Now())

	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))
	f.bridge.Flush(f.clk.Now())
	assert.Empty(t, f.dialer.last().sent())
}

func TestPushForUnknownSessionDropped(t *testing.T) {
	f := newFixture(t)
	f.bridge.PushFrame("ghost", frame(16000, 1))
	f.bridge.Flush(f.clk.Now())
	assert.Equal(t, 0, f.dialer.dials)
}

func TestConnectIsIdempotentAndRetries(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1")
	f.dialer.failures = 2

	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))
	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))
	assert.Equal(t, 3, f.dialer.dials)
	assert.True(t, f.bridge.Connected("s1"))
}

func TestConnectGivesUp(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1")
	f.dialer.failures = 5

	err := f.bridge.Connect(context.Background(), "s1")
	require.Error(t, err)
	assert.Equal(t, utils.CodeUnavailable, utils.CodeOf(err))
	assert.Equal(t, 3, f.dialer.dials)
	assert.False(t, f.bridge.Connected("s1"))

	err = f.bridge.Connect(context.Background(), "missing")
	assert.Equal(t, utils.CodeNotFound, utils.CodeOf(err))
}

func TestEventsDemultiplexed(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1")
	sub := f.bridge.Events(16)
	defer sub.Close()
	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))

	s := f.dialer.last()
	s.msgs <- stt.Message{Data: []byte(`{"type":"SpeechStarted"}`)}
	s.msgs <- stt.Message{Data: []byte(`not json`)}
	s.msgs <- stt.Message{Data: []byte(`{"channel":{"alternatives":[{"transcript":"hello there","confidence":0.9}]},"is_final":true,"speech_final":true}`)}
	s.msgs <- stt.Message{Binary: true, Data: []byte{1, 2}}

	var kinds []stt.EventKind
	var final Event
	for len(kinds) < 4 {
		select {
		case ev := <-sub.C():
			assert.Equal(t, "s1", ev.SessionID)
			kinds = append(kinds, ev.Kind)
			if ev.Kind == stt.EventTranscript {
				final = ev
			}
		case <-time.After(time.Second):
			t.Fatalf("got only %v", kinds)
		}
	}
	assert.Equal(t, []stt.EventKind{stt.EventSpeechStarted, stt.EventTranscript, stt.EventSpeechEnded, EventAudio}, kinds)
	assert.Equal(t, "hello there", final.Text)
	assert.True(t, final.IsFinal)
}

func TestDisconnectAndRemove(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1")
	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))
	s := f.dialer.last()

	f.bridge.Disconnect("s1")
	f.bridge.Disconnect("s1")
	assert.True(t, s.isClosed())
	assert.False(t, f.bridge.Connected("s1"))

	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))
	second := f.dialer.last()
	f.reg.Remove("s1")
	assert.True(t, second.isClosed())

	f.bridge.Disconnect("s1")
	f.bridge.DisconnectAll()
}

func TestSpeak(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1")

	err := f.bridge.Speak("s1", "hi")
	assert.Equal(t, utils.CodeUnavailable, utils.CodeOf(err))

	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))
	require.NoError(t, f.bridge.Speak("s1", "hi"))
	s := f.dialer.last()
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []string{"hi"}, s.text)
}

func TestBufferBoundIsAudioTime(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1")

	second := make([]int16, 48000)
	for i := 0; i < 31; i++ {
		f.bridge.PushFrame("s1", media.Frame{Samples: second, SampleRate: 48000})
	}
	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))
	f.bridge.Flush(f.clk.Now())

	sent := f.dialer.last().sent()
	require.Len(t, sent, 1)
	// 30s retained at the 16 kHz backend rate
	assert.Len(t, sent[0], 30*16000*2)
}

func TestFlushResamplesAcrossFrameEdges(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1")
	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))

	var all []int16
	for i := 0; i < 10; i++ {
		chunk := make([]int16, 100)
		for j := range chunk {
			chunk[j] = int16(i*100 + j)
		}
		all = append(all, chunk...)
		f.bridge.PushFrame("s1", media.Frame{Samples: chunk, SampleRate: 44100})
	}
	f.bridge.PushFrame("s1", frame(8000, 5, 6))
	f.bridge.Flush(f.clk.Now())

	want := append(media.Resample(all, 44100, 16000), media.Resample([]int16{5, 6}, 8000, 16000)...)
	sent := f.dialer.last().sent()
	require.Len(t, sent, 1)
	assert.Len(t, sent[0], (362+4)*2)
	assert.Equal(t, media.PCM16ToBytes(want), sent[0])
}

func TestDisconnectDuringDialDiscardsConnection(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1")
	f.dialer.onDial = func(id string) { f.bridge.Disconnect(id) }

	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))
	assert.False(t, f.bridge.Connected("s1"))
	assert.True(t, f.dialer.last().isClosed())

	f.dialer.onDial = nil
	require.NoError(t, f.bridge.Connect(context.Background(), "s1"))
	assert.True(t, f.bridge.Connected("s1"))
	assert.Equal(t, 2, f.dialer.dials)
}
