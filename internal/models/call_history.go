package models

import "time"

type CallHistory struct {
	ID           string    `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	ContactID    string    `gorm:"column:contact_id;type:uuid;index" json:"contact_id"`
	PhoneNumber  string    `gorm:"column:phone_number;type:text" json:"phone_number"`
	Direction    string    `gorm:"column:direction;type:text" json:"direction"` // outbound|inbound
	Status       string    `gorm:"column:status;type:text" json:"status"`
	Duration     int       `gorm:"column:duration" json:"duration"`
	Notes        string    `gorm:"column:notes;type:text" json:"notes"`
	RecordingURL string    `gorm:"column:recording_url;type:text" json:"recording_url,omitempty"`
	Transcript   string    `gorm:"column:transcript;type:text" json:"transcript,omitempty"`
	CallSID      string    `gorm:"column:call_sid;type:text;index" json:"call_sid,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz" json:"created_at"`
}

func (CallHistory) TableName() string { return "call_history" }
