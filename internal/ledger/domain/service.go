package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	accountdomain "github.com/datahosting/pinbill/internal/account/domain"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidAmount   = errors.New("amount must be non-negative")
)

// Service moves money on account balance lines. All mutations run on
// the caller's transaction so a charge commits together with the state
// change it pays for. Debits are allowed to push a balance negative;
// the lifecycle orchestrator, not the ledger, decides what happens to
// overdrawn accounts.
type Service interface {
	// Credit adds amount to the line and returns the new balance.
	Credit(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, line accountdomain.BalanceLine, amount decimal.Decimal) (decimal.Decimal, error)
	// Debit subtracts amount from the line and returns the new balance,
	// which may be negative.
	Debit(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, line accountdomain.BalanceLine, amount decimal.Decimal) (decimal.Decimal, error)
	// Balance reads the current balance on the line.
	Balance(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, line accountdomain.BalanceLine) (decimal.Decimal, error)
	// RecordInvoice writes the invoice row for a confirmed payment.
	RecordInvoice(ctx context.Context, tx *gorm.DB, inv *Invoice) error
}
