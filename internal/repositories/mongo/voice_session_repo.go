package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BoweryJG/repconnect/internal/models"
	"github.com/BoweryJG/repconnect/internal/utils"
)

type VoiceSessionRepository interface {
	Upsert(ctx context.Context, s *models.VoiceSessionRecord) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.VoiceSessionRecord, error)
	SetState(ctx context.Context, sessionID, state string, at time.Time) error
	End(ctx context.Context, sessionID, state string, endedAt time.Time, durationSeconds int64) error
}

type voiceSessionRepo struct {
	col *mongo.Collection
}

func NewVoiceSessionRepo(db *mongo.Database) VoiceSessionRepository {
	return &voiceSessionRepo{col: db.Collection("voice_sessions")}
}

// Upsert creates the record or fills in the non-empty fields of s.
func (r *voiceSessionRepo) Upsert(ctx context.Context, s *models.VoiceSessionRecord) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	update := bson.M{"$setOnInsert": bson.M{"created_at": s.CreatedAt}}
	set := bson.M{}
	if s.CallID != "" {
		set["call_id"] = s.CallID
	}
	if s.Role != "" {
		set["role"] = s.Role
	}
	if s.State != "" {
		set["state"] = s.State
	}
	if len(set) > 0 {
		update["$set"] = set
	}
	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": s.SessionID},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *voiceSessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.VoiceSessionRecord, error) {
	var s models.VoiceSessionRecord
	err := r.col.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	return &s, err
}

func (r *voiceSessionRepo) SetState(ctx context.Context, sessionID, state string, at time.Time) error {
	set := bson.M{"state": state}
	if state == "connected" {
		set["connected_at"] = at.UTC()
	}
	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": set, "$setOnInsert": bson.M{"created_at": at.UTC()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *voiceSessionRepo) End(ctx context.Context, sessionID, state string, endedAt time.Time, durationSeconds int64) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{
			"state":            state,
			"ended_at":         endedAt.UTC(),
			"duration_seconds": durationSeconds,
		}},
	)
	return err
}
