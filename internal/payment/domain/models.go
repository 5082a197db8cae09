// Package domain defines confirmed-payment processing. Payments come
// in as gateway webhook notifications; the stored row's unique
// transaction id is the idempotency token.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

var (
	ErrMissingTxID      = errors.New("payment transaction id is required")
	ErrMissingAccount   = errors.New("payment account id is required")
	ErrInvalidAmount    = errors.New("payment amount must be positive")
	ErrInvalidBTCAmount = errors.New("payment btc amount must be positive")
)

type PaymentStatus string

const (
	PaymentStatusConfirmed PaymentStatus = "confirmed"
)

// Payment is the immutable record of one confirmed external payment.
type Payment struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	AccountID snowflake.ID      `gorm:"not null;index"`
	TxID      string            `gorm:"type:text;not null;uniqueIndex:ux_payments_tx_id"`
	Amount    decimal.Decimal   `gorm:"type:numeric(16,8);not null"`
	AmountBTC decimal.Decimal   `gorm:"type:numeric(16,8);not null"`
	Currency  string            `gorm:"type:text;not null"`
	Status    PaymentStatus     `gorm:"type:text;not null"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// Notification is the decoded webhook payload for a confirmed
// transaction. Amount is in the billing currency, AmountBTC in the
// coin actually paid.
type Notification struct {
	AccountID snowflake.ID
	TxID      string
	Amount    decimal.Decimal
	AmountBTC decimal.Decimal
	Currency  string
	Metadata  map[string]any
}

// Result reports what Process did. Duplicate means the transaction id
// was already credited and nothing changed.
type Result struct {
	Payment   *Payment
	Duplicate bool
}

type Service interface {
	// Process credits a confirmed payment to the account's pinning
	// balance exactly once per transaction id. A replayed notification
	// succeeds without crediting again.
	Process(ctx context.Context, n Notification) (Result, error)
}
