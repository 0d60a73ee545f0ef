package services

import (
	"context"
	"errors"

	"github.com/BoweryJG/repconnect/internal/models"
	mongorepo "github.com/BoweryJG/repconnect/internal/repositories/mongo"
	"github.com/BoweryJG/repconnect/internal/session"
	"github.com/BoweryJG/repconnect/internal/utils"
)

// VoiceSessionService keeps the persisted trail of live voice sessions.
type VoiceSessionService interface {
	// Record applies one registry state change.
	Record(ctx context.Context, ch session.Change) error
	// Link ties a session to the queued call it serves.
	Link(ctx context.Context, sessionID, callID, role string) error
	Get(ctx context.Context, sessionID string) (*models.VoiceSessionRecord, error)
	Transcripts(ctx context.Context, sessionID string, limit int64) ([]models.Transcript, error)
}

type voiceSessionService struct {
	sessions    mongorepo.VoiceSessionRepository
	transcripts mongorepo.TranscriptRepository
}

func NewVoiceSessionService(sessions mongorepo.VoiceSessionRepository, transcripts mongorepo.TranscriptRepository) VoiceSessionService {
	return &voiceSessionService{sessions: sessions, transcripts: transcripts}
}

func (s *voiceSessionService) Record(ctx context.Context, ch session.Change) error {
	const op = "VoiceSessionService.Record"

	if ch.SessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	if !ch.To.Terminal() {
		if err := s.sessions.SetState(ctx, ch.SessionID, ch.To.String(), ch.At); err != nil {
			return utils.E(utils.CodeInternal, op, "failed to update session state", err)
		}
		return nil
	}

	var talk int64
	rec, err := s.sessions.GetBySessionID(ctx, ch.SessionID)
	switch {
	case err == nil && rec.ConnectedAt != nil:
		talk = int64(ch.At.Sub(*rec.ConnectedAt).Seconds())
	case err != nil && !errors.Is(err, utils.ErrNotFound):
		return utils.E(utils.CodeInternal, op, "failed to load session", err)
	}
	if err := s.sessions.End(ctx, ch.SessionID, ch.To.String(), ch.At, max(talk, 0)); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to end session", err)
	}
	return nil
}

func (s *voiceSessionService) Link(ctx context.Context, sessionID, callID, role string) error {
	const op = "VoiceSessionService.Link"

	if sessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if err := s.sessions.Upsert(ctx, &models.VoiceSessionRecord{SessionID: sessionID, CallID: callID, Role: role}); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to link session", err)
	}
	return nil
}

func (s *voiceSessionService) Get(ctx context.Context, sessionID string) (*models.VoiceSessionRecord, error) {
	const op = "VoiceSessionService.Get"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	out, err := s.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}
	return out, nil
}

func (s *voiceSessionService) Transcripts(ctx context.Context, sessionID string, limit int64) ([]models.Transcript, error) {
	const op = "VoiceSessionService.Transcripts"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	out, err := s.transcripts.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list transcripts", err)
	}
	return out, nil
}
