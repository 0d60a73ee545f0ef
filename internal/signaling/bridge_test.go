package signaling

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BoweryJG/repconnect/internal/clock"
	"github.com/BoweryJG/repconnect/internal/logger"
	"github.com/BoweryJG/repconnect/internal/retry"
	"github.com/BoweryJG/repconnect/internal/utils"
)

type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 8), out: make(chan []byte, 8), closed: make(chan struct{})}
}

func (p *pipeConn) Read() ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeConn) Write(b []byte) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	p.out <- b
	return nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// scriptDialer hands out conns (or errors) in order.
type scriptDialer struct {
	mu    sync.Mutex
	steps []any
	dials int
}

func (d *scriptDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.steps) == 0 {
		return nil, errors.New("refused")
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	if err, ok := step.(error); ok {
		return nil, err
	}
	return step.(Conn), nil
}

func waitStatus(t *testing.T, sub <-chan Status, want Status) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-sub:
			if !ok {
				t.Fatalf("status stream closed before %s", want)
			}
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSendDroppedWhileDisconnected(t *testing.T) {
	b := NewBridge(&scriptDialer{}, retry.Exponential(1, time.Second, clock.NewFake(time.Unix(0, 0))), logger.Discard())
	msg, _ := NewMessage(TypeEndSession, "s1", nil)
	err := b.Send(msg)
	assert.True(t, utils.IsCode(err, utils.CodeSignalingUnreachable))
}

func TestDeliversMessagesAndDropsMalformed(t *testing.T) {
	conn := newPipeConn()
	b := NewBridge(&scriptDialer{steps: []any{conn}}, retry.Exponential(3, time.Second, clock.NewFake(time.Unix(0, 0))), logger.Discard())
	msgs := b.Messages(8)
	statuses := b.Statuses(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	waitStatus(t, statuses.C(), StatusConnected)

	conn.in <- []byte(`not json`)
	conn.in <- []byte(`{"type":"bogus","sessionId":"s1"}`)
	conn.in <- []byte(`{"type":"answer","sessionId":"s1","payload":{"type":"answer","sdp":"v=0"}}`)

	got := <-msgs.C()
	assert.Equal(t, TypeAnswer, got.Type)
	assert.Equal(t, "s1", got.SessionID)

	out, _ := NewMessage(TypeOffer, "s1", map[string]string{"sdp": "v=0"})
	require.NoError(t, b.Send(out))
	assert.JSONEq(t, `{"type":"offer","sessionId":"s1","payload":{"sdp":"v=0"}}`, string(<-conn.out))

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, StatusClosed, b.Status())
}

func TestGivesUpAfterBackoff(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	d := &scriptDialer{}
	b := NewBridge(d, retry.Exponential(4, 500*time.Millisecond, clk), logger.Discard())

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeSignalingUnreachable))
	assert.True(t, IsUnreachable(err))
	assert.Equal(t, StatusUnreachable, b.Status())
	assert.Equal(t, 4, d.dials)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestReconnectsAfterDrop(t *testing.T) {
	first, second := newPipeConn(), newPipeConn()
	clk := clock.NewFake(time.Unix(0, 0))
	d := &scriptDialer{steps: []any{first, errors.New("refused"), second}}
	b := NewBridge(d, retry.Exponential(3, time.Second, clk), logger.Discard())
	statuses := b.Statuses(16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	waitStatus(t, statuses.C(), StatusConnected)
	first.Close()
	waitStatus(t, statuses.C(), StatusDisconnected)
	waitStatus(t, statuses.C(), StatusConnected)

	msg, _ := NewMessage(TypeEndSession, "s9", nil)
	require.NoError(t, b.Send(msg))
	assert.Contains(t, string(<-second.out), `"end-session"`)
	assert.Equal(t, []time.Duration{time.Second}, clk.Sleeps())
}

func TestWSDialerEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			// echo offers back as answers
			reply := strings.Replace(string(data), `"offer"`, `"answer"`, 1)
			_ = c.WriteMessage(websocket.TextMessage, []byte(reply))
		}
	}))
	defer srv.Close()

	d := &WSDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	b := NewBridge(d, retry.Exponential(2, 10*time.Millisecond, clock.Real()), logger.Discard())
	msgs := b.Messages(4)
	statuses := b.Statuses(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	waitStatus(t, statuses.C(), StatusConnected)

	offer, _ := NewMessage(TypeOffer, "s1", map[string]string{"sdp": "x"})
	require.NoError(t, b.Send(offer))

	select {
	case m := <-msgs.C():
		assert.Equal(t, TypeAnswer, m.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}
