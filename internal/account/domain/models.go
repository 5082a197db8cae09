// Package domain contains the Account entity and its balance lines.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// BalanceLine identifies one of an account's per-service balances.
type BalanceLine string

const (
	// LineGeneral is the original pay-as-you-go balance. Bandwidth
	// overage and legacy backup-storage billing draw from it.
	LineGeneral BalanceLine = "general"
	// LinePinning is the prepaid pinning service line.
	LinePinning BalanceLine = "pinning"
	// LineCluster is the replicated backup service line.
	LineCluster BalanceLine = "cluster"
)

var ErrUnknownBalanceLine = errors.New("unknown balance line")

// Column returns the accounts column backing the line.
func (l BalanceLine) Column() (string, error) {
	switch l {
	case LineGeneral:
		return "credit_balance", nil
	case LinePinning:
		return "pin_balance", nil
	case LineCluster:
		return "cluster_balance", nil
	default:
		return "", ErrUnknownBalanceLine
	}
}

// Account is the billing identity owning pins, backups and payments.
// Balances are exact decimals; thousands of sub-cent debits must not
// drift.
type Account struct {
	ID snowflake.ID `gorm:"primaryKey"`

	CreditBalance  decimal.Decimal `gorm:"type:numeric(16,8);not null;default:0"`
	PinBalance     decimal.Decimal `gorm:"type:numeric(16,8);not null;default:0"`
	ClusterBalance decimal.Decimal `gorm:"type:numeric(16,8);not null;default:0"`

	// Cumulative transfer per network class for the current cycle.
	// Reset together on a rolling 30-day boundary, not calendar months.
	BandwidthUsedPrivateGB decimal.Decimal `gorm:"type:numeric(16,8);not null;default:0"`
	BandwidthUsedPublicGB  decimal.Decimal `gorm:"type:numeric(16,8);not null;default:0"`
	BandwidthCycleStart    time.Time       `gorm:"not null"`

	// Stamp for the legacy monthly backup-storage billing job.
	LastBackupBilledAt *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Balance returns the balance held on the given line.
func (a Account) Balance(line BalanceLine) (decimal.Decimal, error) {
	switch line {
	case LineGeneral:
		return a.CreditBalance, nil
	case LinePinning:
		return a.PinBalance, nil
	case LineCluster:
		return a.ClusterBalance, nil
	default:
		return decimal.Zero, ErrUnknownBalanceLine
	}
}
