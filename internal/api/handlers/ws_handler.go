package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/BoweryJG/repconnect/internal/events"
	"github.com/BoweryJG/repconnect/internal/media"
	"github.com/BoweryJG/repconnect/internal/utils"
	"github.com/BoweryJG/repconnect/internal/voice"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Microphone is fed by the console's binary frames.
type Microphone interface {
	SetGranted(v bool)
	Write(samples []int16, at time.Time) bool
}

// LevelSource exposes the voice manager's meter readings.
type LevelSource interface {
	Levels(buffer int) *events.Subscription[voice.Level]
}

// Speaker plays text back into the session.
type Speaker interface {
	Speak(sessionID, text string) error
}

// ConsoleHandler serves the agent console websocket. Binary frames are PCM16
// little-endian at the line-in rate; text frames are JSON control messages.
// Session events published to Redis are forwarded back down.
type ConsoleHandler struct {
	voice    VoiceControl
	mic      Microphone
	levels   LevelSource
	speaker  Speaker
	redis    *redis.Client
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

func NewConsoleHandler(v VoiceControl, mic Microphone, levels LevelSource, speaker Speaker, rdb *redis.Client, log logrus.FieldLogger) *ConsoleHandler {
	return &ConsoleHandler{
		voice:   v,
		mic:     mic,
		levels:  levels,
		speaker: speaker,
		redis:   rdb,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict to the console origin once it is configurable
		},
	}
}

type consoleMsg struct {
	Type     string          `json:"type"`
	Volume   float64         `json:"volume"`
	Text     string          `json:"text"`
	Metadata json.RawMessage `json:"metadata"`
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeText(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.writeText(b)
}

func (w *wsConn) writeError(code utils.Code, msg string) {
	_ = w.writeJSON(APIError{Code: code, Message: msg})
}

func (h *ConsoleHandler) ConsoleWS(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, "ConsoleHandler.ConsoleWS", "missing session_id", nil))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	log := h.log.WithField("session_id", sessionID)
	h.mic.SetGranted(true)
	defer h.mic.SetGranted(false)

	pubsub := h.redis.Subscribe(ctx, events.SessionChannel(sessionID))
	defer pubsub.Close()

	levels := h.levels.Levels(16)
	defer levels.Close()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case lv, ok := <-levels.C():
				if !ok {
					return
				}
				if lv.SessionID != sessionID {
					continue
				}
				if err := wc.writeJSON(gin.H{"type": "level", "local": lv.Local, "remote": lv.Remote}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})

		for {
			kind, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			if kind == websocket.BinaryMessage {
				h.mic.Write(media.BytesToPCM16(data), time.Now())
				continue
			}

			var msg consoleMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				wc.writeError(utils.CodeInvalidArgument, "invalid json")
				continue
			}

			switch msg.Type {
			case "mute", "unmute":
				if !h.voice.SetMuted(sessionID, msg.Type == "mute") {
					wc.writeError(utils.CodeNotFound, "session not found")
				}
			case "volume":
				if !h.voice.SetVolume(sessionID, msg.Volume) {
					wc.writeError(utils.CodeNotFound, "session not found")
				}
			case "metadata":
				if err := h.voice.SendMetadata(sessionID, msg.Metadata); err != nil {
					wc.writeError(utils.CodeOf(err), "failed to send metadata")
				}
			case "speak":
				if err := h.speaker.Speak(sessionID, msg.Text); err != nil {
					wc.writeError(utils.CodeOf(err), "failed to speak")
				}
			case "end_session":
				h.voice.EndSession(sessionID)
				return
			default:
				wc.writeError(utils.CodeInvalidArgument, "unknown message type")
			}
		}
	}()

	log.Info("console connected")
	defer log.Info("console disconnected")

	// writer: Redis Pub/Sub -> WS
	for {
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			return
		default:
			m, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			if werr := wc.writeText([]byte(m.Payload)); werr != nil {
				return
			}
		}
	}
}
