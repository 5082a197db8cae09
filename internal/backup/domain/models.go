// Package domain holds the replicated backup entities. Replica count
// history is append-only so billing can reconstruct the count in
// effect at any instant.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type BackupStatus string

const (
	BackupStatusActive      BackupStatus = "active"
	BackupStatusGracePeriod BackupStatus = "grace_period"
	BackupStatusDeleted     BackupStatus = "deleted"
)

const (
	MinReplicaCount = 1
	MaxReplicaCount = 3
)

// ReplicatedBackup is a post-paid, replica-weighted content backup.
type ReplicatedBackup struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AccountID snowflake.ID `gorm:"not null;index"`
	CID       string       `gorm:"column:cid;type:text;not null"`
	FileName  string       `gorm:"type:text;not null;default:''"`
	SizeBytes int64        `gorm:"not null"`

	// Current replica count. Past values live in replica_changes.
	ReplicaCount int `gorm:"not null"`

	Status         BackupStatus `gorm:"type:text;not null;index"`
	GraceStartedAt *time.Time
	LastBilledAt   *time.Time `gorm:"index"`

	// Optional hard expiry for the prepaid cluster tier. Expired
	// backups are removed without a final charge.
	ExpireAt *time.Time `gorm:"index"`

	CreatedAt time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (ReplicatedBackup) TableName() string { return "replicated_backups" }

// ReplicaChange is one point in a backup's replica-count history.
// Rows are never updated or deleted.
type ReplicaChange struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	BackupID     snowflake.ID `gorm:"not null;index:idx_replica_changes_backup_time,priority:1"`
	ReplicaCount int          `gorm:"not null"`
	ChangedAt    time.Time    `gorm:"not null;index:idx_replica_changes_backup_time,priority:2"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ReplicaChange) TableName() string { return "replica_changes" }
