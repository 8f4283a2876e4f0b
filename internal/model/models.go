package model

import (
	"time"

	"gorm.io/datatypes"
)

type User struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	DisplayName string `gorm:"not null"`
	Language    string
	Status      string `gorm:"default:normal;not null"` // normal/banned
	LastSeenAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Admin struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"unique;not null"`
	PasswordHash string `gorm:"not null"`
	DisplayName  string
	Status       string `gorm:"default:active;not null"` // active/disabled
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	ID        string `gorm:"primaryKey;size:36"` // uuid
	Status    string `gorm:"default:open;not null"` // open/closed
	PairKey   string `gorm:"index;size:64"`         // "lowerID:higherID", for idempotent pair lookup
	MetaJSON  datatypes.JSON
	CreatedAt time.Time
	ClosedAt  *time.Time
}

type RoomMember struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	RoomID   string `gorm:"index;size:36;not null"`
	UserID   int64  `gorm:"index;not null"`
	JoinedAt time.Time
	LeftAt   *time.Time
}

type Message struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	RoomID    string `gorm:"index;size:36;not null"`
	UserID    int64  `gorm:"not null"`
	Content   string `gorm:"size:2000;not null"`
	CreatedAt time.Time
}
