package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrPinNotFound          = errors.New("pin not found")
	ErrUnknownRetentionTier = errors.New("unknown retention tier")
	ErrInvalidSize          = errors.New("size must be positive")
	ErrInsufficientBalance  = errors.New("pinning balance does not cover the term")
)

// Quote is the upfront price for one retention term.
type Quote struct {
	SizeGB          decimal.Decimal
	RatePerGBMonth  decimal.Decimal
	RetentionMonths int
	Total           decimal.Decimal
}

type Service interface {
	// QuotePrepaidCost prices a term from the fixed rate table keyed
	// by network class and retention tier.
	QuotePrepaidCost(sizeBytes int64, isPrivate bool, retentionMonths int) (Quote, error)

	// Create adds and pins the content, charges the full term against
	// the pinning balance and persists the pin. The charge lands only
	// after the content store succeeds.
	Create(ctx context.Context, accountID snowflake.ID, path string, sizeBytes int64, isPrivate bool, retentionMonths int) (*Pin, error)

	// ExpireDueTerms removes pins whose paid term has elapsed. Unpin
	// failures are logged, never blocking record deletion. Returns the
	// number of pins removed.
	ExpireDueTerms(ctx context.Context) (int, error)
}
