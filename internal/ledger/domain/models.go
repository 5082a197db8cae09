package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var bytesPerGB = decimal.NewFromInt(1 << 30)

// ToGB converts a byte count to gigabytes (2^30 bytes) as an exact
// decimal. All billing math runs on GB values.
func ToGB(bytes int64) decimal.Decimal {
	return decimal.NewFromInt(bytes).Div(bytesPerGB)
}

// Invoice is the record kept for every confirmed payment. Amounts are
// stored in the account currency, not satoshi.
type Invoice struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	AccountID snowflake.ID    `gorm:"not null;index"`
	TxID      string          `gorm:"type:text;not null;index"`
	Amount    decimal.Decimal `gorm:"type:numeric(16,8);not null"`
	Currency  string          `gorm:"type:text;not null"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }
