package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BoweryJG/repconnect/internal/clock"
	"github.com/BoweryJG/repconnect/internal/events"
	"github.com/BoweryJG/repconnect/internal/providers/llm"
	"github.com/BoweryJG/repconnect/internal/session"
	"github.com/BoweryJG/repconnect/internal/utils"
)

// MetadataSender delivers JSON metadata to a live session's control channel.
type MetadataSender interface {
	SendMetadata(sessionID string, v any) error
}

// Speaker voices text into a live session.
type Speaker interface {
	Speak(sessionID, text string) error
}

// CoachingEvent is published on the session channel and the control channel.
type CoachingEvent struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type CoachingService interface {
	// Nudge returns "" when the session is cooling down or the model has
	// nothing to add.
	Nudge(ctx context.Context, sessionID, utterance string) (string, error)
}

type CoachingConfig struct {
	Cooldown time.Duration
	// History is how many final utterances are kept as prompt context.
	History int
	// Speak also voices nudges into the session.
	Speak  bool
	Clock  clock.Clock
	Logger logrus.FieldLogger
}

type coachingService struct {
	reg     *session.Registry
	model   llm.Provider
	pub     events.Publisher
	control MetadataSender
	speaker Speaker
	cfg     CoachingConfig
	log     logrus.FieldLogger
}

type coachState struct {
	mu       sync.Mutex
	last     time.Time
	history  []string
	inFlight bool
}

var coachKey = session.NewKey[*coachState]("coaching.state")

func NewCoachingService(reg *session.Registry, model llm.Provider, pub events.Publisher, control MetadataSender, speaker Speaker, cfg CoachingConfig) CoachingService {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 20 * time.Second
	}
	if cfg.History <= 0 {
		cfg.History = 6
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &coachingService{
		reg:     reg,
		model:   model,
		pub:     pub,
		control: control,
		speaker: speaker,
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "coaching"),
	}
}

func (s *coachingService) state(sessionID string) *coachState {
	sess, ok := s.reg.Get(sessionID)
	if !ok {
		return nil
	}
	if st, ok := session.Get(sess, coachKey); ok {
		return st
	}
	st := &coachState{}
	session.Set(sess, coachKey, st)
	return st
}

func (s *coachingService) Nudge(ctx context.Context, sessionID, utterance string) (string, error) {
	const op = "CoachingService.Nudge"

	utterance = strings.TrimSpace(utterance)
	if sessionID == "" || utterance == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "session_id and utterance are required", nil)
	}
	st := s.state(sessionID)
	if st == nil {
		return "", nil
	}

	now := s.cfg.Clock.Now()
	st.mu.Lock()
	st.history = append(st.history, utterance)
	if len(st.history) > s.cfg.History {
		st.history = st.history[len(st.history)-s.cfg.History:]
	}
	if st.inFlight || (!st.last.IsZero() && now.Sub(st.last) < s.cfg.Cooldown) {
		st.mu.Unlock()
		return "", nil
	}
	st.inFlight = true
	st.last = now
	prompt := coachingPrompt(st.history)
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.inFlight = false
		st.mu.Unlock()
	}()

	msg, err := llm.Collect(ctx, s.model, prompt)
	if err != nil {
		return "", utils.E(utils.CodeUnavailable, op, "coaching model failed", err)
	}
	if msg == "" || strings.EqualFold(msg, "none") {
		return "", nil
	}

	ev := CoachingEvent{Type: "coaching", Message: msg, Timestamp: s.cfg.Clock.Now()}
	log := s.log.WithField("session_id", sessionID)
	if err := s.pub.PublishSession(ctx, sessionID, ev); err != nil {
		log.WithError(err).Warn("coaching publish failed")
	}
	if s.control != nil {
		if err := s.control.SendMetadata(sessionID, ev); err != nil {
			log.WithError(err).Debug("coaching not sent on control channel")
		}
	}
	if s.cfg.Speak && s.speaker != nil {
		if err := s.speaker.Speak(sessionID, msg); err != nil {
			log.WithError(err).Debug("coaching not voiced")
		}
	}
	return msg, nil
}

func coachingPrompt(history []string) string {
	var b strings.Builder
	b.WriteString("Live sales call. Latest lines from the call, oldest first:\n")
	for _, line := range history {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\nGive the rep one short nudge for what to say or ask next. Reply NONE if no nudge is needed.")
	return b.String()
}
