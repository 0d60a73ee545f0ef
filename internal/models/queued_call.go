package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallCalling   CallStatus = "calling"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
)

func (s CallStatus) Terminal() bool { return s == CallCompleted || s == CallFailed }

// CallbackPositionFloor keeps callbacks behind every regularly built job.
const CallbackPositionFloor = 10000

type QueuedCall struct {
	ID            string     `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	ContactID     string     `gorm:"column:contact_id;type:uuid;index" json:"contact_id"`
	PhoneNumber   string     `gorm:"column:phone_number;type:text" json:"phone_number"`
	QueueID       string     `gorm:"column:queue_id;type:uuid;index:idx_queue_position,priority:1" json:"queue_id"`
	Position      int        `gorm:"column:position;index:idx_queue_position,priority:2" json:"position"`
	Status        CallStatus `gorm:"column:status;type:text;index" json:"status"`
	Score         float64    `gorm:"column:score" json:"score"`
	AttemptCount  int        `gorm:"column:attempt_count" json:"attempt_count"`
	LastAttemptAt *time.Time `gorm:"column:last_attempt_at;type:timestamptz" json:"last_attempt_at,omitempty"`
	ScheduledFor  *time.Time `gorm:"column:scheduled_for;type:timestamptz" json:"scheduled_for,omitempty"`
	CallSID       string     `gorm:"column:call_sid;type:text" json:"call_sid,omitempty"`

	// Outcome is set once, when the job reaches a terminal status.
	Outcome datatypes.JSON `gorm:"column:outcome;type:jsonb" json:"outcome,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
}

func (QueuedCall) TableName() string { return "queued_calls" }

func (q *QueuedCall) HasOutcome() bool {
	return len(q.Outcome) > 0 && string(q.Outcome) != "null"
}

func (q *QueuedCall) DecodeOutcome() (*CallOutcome, error) {
	if !q.HasOutcome() {
		return nil, nil
	}
	var o CallOutcome
	if err := json.Unmarshal(q.Outcome, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func EncodeOutcome(o CallOutcome) (datatypes.JSON, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
