package models

import "time"

const (
	SessionActive   = "active"
	SessionArchived = "archived"

	DefaultSessionTitle = "New Chat"
)

// Session is a conversation thread. MessageCount is maintained incrementally by the
// orchestrator and always equals the number of persisted messages in the thread.
type Session struct {
	ID              uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          uint64     `gorm:"index;not null" json:"user_id"`
	Title           string     `gorm:"type:varchar(255);not null" json:"title"`
	Status          string     `gorm:"type:varchar(16);not null;default:active" json:"status"`
	MessageCount    int        `gorm:"not null;default:0" json:"message_count"`
	LastMessageTime *time.Time `gorm:"index" json:"last_message_time,omitempty"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	SystemPrompt *string  `gorm:"type:text" json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	Provider     string   `gorm:"type:varchar(32)" json:"provider,omitempty"`
	Model        string   `gorm:"type:varchar(64)" json:"model,omitempty"`

	Messages []Message `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Session) TableName() string { return "sessions" }
