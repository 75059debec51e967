package models

import "time"

const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	StatusActive   = "active"
	StatusDisabled = "disabled"
	StatusPending  = "pending"
)

type User struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	Email        *string    `gorm:"type:varchar(255);uniqueIndex" json:"email,omitempty"`
	PasswordHash string     `gorm:"type:varchar(255);not null" json:"-"`
	Role         string     `gorm:"type:varchar(20);not null;default:user" json:"role"`
	Status       string     `gorm:"type:varchar(20);index;not null;default:pending" json:"status"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }

func (u *User) IsAdmin() bool    { return u.Role == RoleAdmin }
func (u *User) IsDisabled() bool { return u.Status == StatusDisabled }

type Invite struct {
	ID        uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Code      string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	CreatedBy *uint64    `gorm:"index" json:"created_by,omitempty"`
	UsedBy    *uint64    `json:"used_by,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	ExpiresAt time.Time  `gorm:"index;not null" json:"expires_at"`
	MaxUses   int        `gorm:"not null;default:1" json:"max_uses"`
	UseCount  int        `gorm:"not null;default:0" json:"use_count"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Invite) TableName() string { return "invites" }
