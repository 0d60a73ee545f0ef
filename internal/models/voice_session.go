package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// VoiceSessionRecord is the persisted trail of a live voice session.
type VoiceSessionRecord struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID string             `bson:"session_id" json:"session_id"`
	CallID    string             `bson:"call_id,omitempty" json:"call_id,omitempty"`
	Role      string             `bson:"role" json:"role"`   // initiator|responder
	State     string             `bson:"state" json:"state"` // connecting|connected|disconnected|error

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	ConnectedAt *time.Time `bson:"connected_at,omitempty" json:"connected_at,omitempty"`
	EndedAt     *time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`

	DurationSeconds int64 `bson:"duration_seconds" json:"duration_seconds"`
}

type Transcript struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	SessionID  string             `bson:"session_id" json:"sessionId"`
	Text       string             `bson:"text" json:"text"`
	IsFinal    bool               `bson:"is_final" json:"isFinal"`
	Confidence float64            `bson:"confidence" json:"confidence"`
	Timestamp  time.Time          `bson:"timestamp" json:"timestamp"`

	ExpiresAt time.Time `bson:"expires_at" json:"-"`
}
