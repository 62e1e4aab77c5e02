package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageError     = "error"
)

type Message struct {
	ID           uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID    uint64            `gorm:"not null;index:idx_messages_session_created,priority:1" json:"session_id"`
	UserID       uint64            `gorm:"not null;index" json:"user_id"`
	Role         string            `gorm:"type:varchar(16);not null;index" json:"role"`
	Content      string            `gorm:"type:text;not null" json:"content"`
	Tokens       *int              `json:"tokens,omitempty"`
	Status       string            `gorm:"type:varchar(16);not null;default:sent" json:"status"`
	CreatedAt    time.Time         `gorm:"index:idx_messages_session_created,priority:2" json:"created_at"`
	ResponseTime *int64            `json:"response_time,omitempty"` // milliseconds
	ClientInfo   string            `gorm:"type:varchar(255)" json:"client_info,omitempty"`
	IPAddress    string            `gorm:"type:varchar(45)" json:"ip_address,omitempty"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
}

func (Message) TableName() string { return "messages" }
