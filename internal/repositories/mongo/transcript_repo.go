package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BoweryJG/repconnect/internal/models"
)

const transcriptRetention = 90 * 24 * time.Hour

type TranscriptRepository interface {
	Insert(ctx context.Context, t *models.Transcript) error
	ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.Transcript, error)
}

type transcriptRepo struct {
	col *mongo.Collection
}

func NewTranscriptRepo(db *mongo.Database) TranscriptRepository {
	return &transcriptRepo{col: db.Collection("transcripts")}
}

func (r *transcriptRepo) Insert(ctx context.Context, t *models.Transcript) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = t.Timestamp.Add(transcriptRetention)
	}
	_, err := r.col.InsertOne(ctx, t)
	return err
}

func (r *transcriptRepo) ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.Transcript, error) {
	if limit <= 0 {
		limit = 500
	}

	cur, err := r.col.Find(ctx,
		bson.M{"session_id": sessionID},
		options.Find().
			SetSort(bson.D{{Key: "timestamp", Value: 1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.Transcript
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
