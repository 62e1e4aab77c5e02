package models

import "time"

// DateLayout is the calendar-day key format used by Statistics.Date.
const DateLayout = "2006-01-02"

// Statistics is one usage row per (user, calendar day).
type Statistics struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          uint64    `gorm:"not null;uniqueIndex:unique_user_date,priority:1" json:"user_id"`
	Date            string    `gorm:"type:varchar(10);not null;index;uniqueIndex:unique_user_date,priority:2" json:"date"`
	ChatCount       int       `gorm:"not null;default:0" json:"chat_count"`
	MessageCount    int       `gorm:"not null;default:0" json:"message_count"`
	AvgResponseTime *float64  `json:"avg_response_time,omitempty"`
	TokenUsage      int64     `gorm:"not null;default:0" json:"token_usage"`
	ErrorCount      int       `gorm:"not null;default:0" json:"error_count"`
	CreatedAt       time.Time `json:"created_at"`
}

func (Statistics) TableName() string { return "statistics" }

// All lists every persisted model in dependency order, for AutoMigrate.
func All() []any {
	return []any{&User{}, &Session{}, &Message{}, &Statistics{}}
}
