package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an asynchronous turn: the user message is already persisted, the
// completion runs in the worker.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	UserID        uint64 `gorm:"not null;index;uniqueIndex:uniq_job_user_idempo,priority:1" json:"-"`
	SessionID     uint64 `gorm:"not null;index" json:"session_id"`
	UserMessageID uint64 `gorm:"not null" json:"user_message_id"`

	IdempotencyKey *string `gorm:"type:varchar(128);uniqueIndex:uniq_job_user_idempo,priority:2" json:"-"`

	// request-level overrides, applied when the job runs
	SystemPrompt *string  `gorm:"type:text" json:"-"`
	Temperature  *float64 `json:"-"`
	MaxTokens    *int     `json:"-"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// Filled when succeeded
	ResultMessageID *uint64 `json:"result_message_id,omitempty"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "chat_jobs" }

func (j *Job) Done() bool { return j.Status == JobSucceeded || j.Status == JobFailed }

func (j *Job) overrides() Overrides {
	return Overrides{SystemPrompt: j.SystemPrompt, Temperature: j.Temperature, MaxTokens: j.MaxTokens}
}
