package domain

import (
	"encoding/json"
	"time"
)

// Envelope is the event wrapper shared by the relay channel and WebSocket frames.
type Envelope struct {
	ConversationID int64           `json:"conversation_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
}

const (
	EventMessageCreated      = "message_created"
	EventConversationCreated = "conversation_created"
	EventTyping              = "typing"
)

type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Job is a row of the job queue. Rows are never deleted.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Payload     []byte     `json:"-"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ScheduledTask is a named periodic task evaluated by the scheduler.
type ScheduledTask struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}
