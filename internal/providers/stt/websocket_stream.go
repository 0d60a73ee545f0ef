package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait     = 10 * time.Second
	streamKeepAlive     = 8 * time.Second
	streamHandshakeWait = 10 * time.Second
)

var ErrStreamClosed = errors.New("transcription stream closed")

// WebsocketDialer opens Deepgram-style live transcription sockets.
type WebsocketDialer struct {
	URL        string
	APIKey     string
	SampleRate int
	Language   string
	Model      string
	Dialer     *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context, sessionID string) (Stream, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse transcription url: %w", err)
	}
	rate := d.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("punctuate", "true")
	if d.Language != "" {
		q.Set("language", d.Language)
	}
	if d.Model != "" {
		q.Set("model", d.Model)
	}
	q.Set("tag", sessionID)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if d.APIKey != "" {
		headers.Set("Authorization", "Token "+d.APIKey)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: streamHandshakeWait}
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("transcription connect (status %d): %s: %w", resp.StatusCode, body, err)
		}
		return nil, fmt.Errorf("transcription connect: %w", err)
	}
	return newWebsocketStream(conn), nil
}

type websocketStream struct {
	conn    *websocket.Conn
	msgs    chan Message
	done    chan struct{}
	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

func newWebsocketStream(conn *websocket.Conn) *websocketStream {
	s := &websocketStream{
		conn: conn,
		msgs: make(chan Message, 64),
		done: make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAlive()
	return s
}

func (s *websocketStream) Messages() <-chan Message { return s.msgs }

func (s *websocketStream) SendAudio(pcm []byte) error {
	return s.write(websocket.BinaryMessage, pcm)
}

func (s *websocketStream) SendText(text string) error {
	b, err := json.Marshal(map[string]string{"type": "Speak", "text": text})
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, b)
}

func (s *websocketStream) write(kind int, data []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return s.conn.WriteMessage(kind, data)
}

func (s *websocketStream) readLoop() {
	defer close(s.msgs)
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown()
			return
		}
		msg := Message{Binary: kind == websocket.BinaryMessage, Data: data}
		select {
		case s.msgs <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *websocketStream) keepAlive() {
	t := time.NewTicker(streamKeepAlive)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}
	}
}

func (s *websocketStream) Close() error {
	if !s.closed.Load() {
		_ = s.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	}
	s.shutdown()
	return nil
}

func (s *websocketStream) shutdown() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}
