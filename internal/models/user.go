package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	UserActive   = "active"
	UserDisabled = "disabled"
)

type User struct {
	ID           uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string            `gorm:"type:varchar(50);uniqueIndex;not null" json:"username"`
	Email        string            `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash string            `gorm:"column:password;type:varchar(255);not null" json:"-"`
	Avatar       string            `gorm:"type:varchar(255)" json:"avatar,omitempty"`
	Role         string            `gorm:"type:varchar(16);not null;default:user" json:"role"`
	Status       string            `gorm:"type:varchar(16);not null;default:active" json:"status"`
	CreatedAt    time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastLogin    *time.Time        `json:"last_login,omitempty"`
	Preferences  datatypes.JSONMap `json:"preferences,omitempty"`

	Sessions   []Session    `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Messages   []Message    `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Statistics []Statistics `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (User) TableName() string { return "users" }

func (u *User) Active() bool { return u.Status == UserActive }

func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }
