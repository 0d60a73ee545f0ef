package models

import "time"

type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncSyncing   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncError     SyncStatus = "error"
)

type ScoredContact struct {
	Contact Contact  `json:"contact"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// SyncQueue is the result of turning one instruction into a call queue.
// It lives in the cache for polling and is rebuilt from queued_calls if lost.
type SyncQueue struct {
	ID          string          `json:"id"`
	QueueID     string          `json:"queueId"`
	Instruction string          `json:"instruction"`
	Query       any             `json:"parsedQuery,omitempty"`
	Status      SyncStatus      `json:"status"`
	Progress    int             `json:"progress"`
	Contacts    []ScoredContact `json:"contacts,omitempty"`
	Calls       []QueuedCall    `json:"queuedCalls,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// QueueMeta is the entry kept in the recent-queue index.
type QueueMeta struct {
	QueueID       string    `json:"queueId"`
	TotalContacts int       `json:"totalContacts"`
	Instruction   string    `json:"instruction,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type QueueProgress struct {
	QueueID   string `json:"queueId"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
	Calling   int    `json:"calling"`
	Percent   int    `json:"percent"`
}
