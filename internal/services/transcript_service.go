package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BoweryJG/repconnect/internal/audiobridge"
	"github.com/BoweryJG/repconnect/internal/events"
	"github.com/BoweryJG/repconnect/internal/models"
	mongorepo "github.com/BoweryJG/repconnect/internal/repositories/mongo"
	"github.com/BoweryJG/repconnect/internal/providers/stt"
)

const coachingTimeout = 15 * time.Second

// SessionEvent is the payload pushed to console listeners.
type SessionEvent struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	Text       string    `json:"text,omitempty"`
	IsFinal    bool      `json:"isFinal,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TranscriptService fans transcription events out to history, listeners,
// the peer and coaching.
type TranscriptService interface {
	Handle(ctx context.Context, ev audiobridge.Event)
}

type transcriptService struct {
	transcripts mongorepo.TranscriptRepository
	pub         events.Publisher
	control     MetadataSender
	coach       CoachingService
	log         logrus.FieldLogger
}

// NewTranscriptService accepts a nil control sender or coach.
func NewTranscriptService(transcripts mongorepo.TranscriptRepository, pub events.Publisher, control MetadataSender, coach CoachingService, log logrus.FieldLogger) TranscriptService {
	if log == nil {
		log = logrus.New()
	}
	return &transcriptService{
		transcripts: transcripts,
		pub:         pub,
		control:     control,
		coach:       coach,
		log:         log.WithField("component", "transcripts"),
	}
}

func (s *transcriptService) Handle(ctx context.Context, ev audiobridge.Event) {
	if ev.Kind == audiobridge.EventAudio {
		return
	}
	log := s.log.WithFields(logrus.Fields{"session_id": ev.SessionID, "kind": ev.Kind})

	out := SessionEvent{
		Type:       string(ev.Kind),
		SessionID:  ev.SessionID,
		Text:       ev.Text,
		IsFinal:    ev.IsFinal,
		Confidence: ev.Confidence,
		Message:    ev.Message,
		Timestamp:  ev.At,
	}

	final := ev.Kind == stt.EventTranscript && ev.IsFinal
	if final {
		if err := s.transcripts.Insert(ctx, &models.Transcript{
			SessionID:  ev.SessionID,
			Text:       ev.Text,
			IsFinal:    true,
			Confidence: ev.Confidence,
			Timestamp:  ev.At,
		}); err != nil {
			log.WithError(err).Error("failed to store transcript")
		}
	}

	if err := s.pub.PublishSession(ctx, ev.SessionID, out); err != nil {
		log.WithError(err).Warn("session event publish failed")
	}
	if s.control != nil && ev.Kind == stt.EventTranscript {
		if err := s.control.SendMetadata(ev.SessionID, out); err != nil {
			log.WithError(err).Debug("transcript not sent on control channel")
		}
	}
	if ev.Kind == stt.EventError {
		log.WithField("message", ev.Message).Warn("transcription backend error")
	}

	if final && s.coach != nil {
		// coaching is slow; it must not hold up the event stream
		go func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), coachingTimeout)
			defer cancel()
			if _, err := s.coach.Nudge(cctx, ev.SessionID, ev.Text); err != nil {
				log.WithError(err).Warn("coaching nudge failed")
			}
		}()
	}
}
