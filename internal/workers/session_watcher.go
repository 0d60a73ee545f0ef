package workers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BoweryJG/repconnect/internal/events"
	"github.com/BoweryJG/repconnect/internal/services"
	"github.com/BoweryJG/repconnect/internal/session"
)

// Connector opens a session's transcription stream.
type Connector interface {
	Connect(ctx context.Context, sessionID string) error
}

// SessionWatcher persists registry state changes, announces them to
// console listeners and starts transcription once a session connects.
type SessionWatcher struct {
	Changes  *events.Subscription[session.Change]
	Sessions services.VoiceSessionService
	Bridge   Connector
	Pub      events.Publisher
	Logger   logrus.FieldLogger
}

type stateEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

func (w *SessionWatcher) Run(ctx context.Context) {
	if w.Logger == nil {
		w.Logger = logrus.New()
	}
	defer w.Changes.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-w.Changes.C():
			if !ok {
				return
			}
			w.handle(ctx, ch)
		}
	}
}

func (w *SessionWatcher) handle(ctx context.Context, ch session.Change) {
	log := w.Logger.WithFields(logrus.Fields{"session_id": ch.SessionID, "state": ch.To})

	if err := w.Sessions.Record(ctx, ch); err != nil {
		log.WithError(err).Warn("session state not recorded")
	}
	if w.Pub != nil {
		ev := stateEvent{Type: "state", SessionID: ch.SessionID, State: ch.To.String(), Timestamp: ch.At}
		if err := w.Pub.PublishSession(ctx, ch.SessionID, ev); err != nil {
			log.WithError(err).Debug("state event not published")
		}
	}
	if ch.To == session.StateConnected && w.Bridge != nil {
		// dialing retries with backoff; keep the change stream moving
		go func() {
			if err := w.Bridge.Connect(ctx, ch.SessionID); err != nil {
				log.WithError(err).Warn("transcription unavailable for session")
			}
		}()
	}
}
