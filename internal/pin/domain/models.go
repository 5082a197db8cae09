// Package domain holds the prepaid pin entity. A pin is a single
// replica with a fixed retention term charged in full at creation.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type PinStatus string

const (
	PinStatusQueued      PinStatus = "queued"
	PinStatusPinned      PinStatus = "pinned"
	PinStatusGracePeriod PinStatus = "grace_period"
)

// Pin is a prepaid content reference with an upfront-charged term.
type Pin struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AccountID snowflake.ID `gorm:"not null;index"`
	CID       string       `gorm:"column:cid;type:text;not null"`
	FileName  string       `gorm:"type:text;not null;default:''"`
	SizeBytes int64        `gorm:"not null"`
	IsPrivate bool         `gorm:"not null"`

	RetentionMonths int       `gorm:"not null"`
	Status          PinStatus `gorm:"type:text;not null;index"`

	// Set once the upfront charge lands. A charged pin is never
	// charged again for the same term, including after grace recovery.
	AlreadyCharged bool `gorm:"not null;default:false"`

	GraceStartedAt *time.Time
	ExpireAt       *time.Time `gorm:"index"`
	CreatedAt      time.Time  `gorm:"not null"`
}

// TableName sets the database table name.
func (Pin) TableName() string { return "pins" }
