// Package domain defines the bandwidth metering contract. Transfer is
// metered per billing cycle with a shared free allowance across both
// network classes; only the overage is charged.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrNegativeBytes         = errors.New("bytes transferred must be non-negative")
	ErrInsufficientAllowance = errors.New("estimated transfer cost exceeds balance")
)

// Usage is the outcome of metering one transfer.
type Usage struct {
	GBTransferred decimal.Decimal
	FreeUsed      decimal.Decimal
	PaidUsed      decimal.Decimal
	Charged       decimal.Decimal
	NewBalance    decimal.Decimal
}

// Allowance is a pre-flight estimate for a transfer whose network
// class is not yet known. The estimate uses the public (higher) rate.
type Allowance struct {
	Allowed       bool
	FreeRemaining decimal.Decimal
	EstimatedCost decimal.Decimal
	Balance       decimal.Decimal
}

type Service interface {
	// TrackUsage meters a completed transfer, charges any overage to
	// the account's general balance and advances the cycle counters.
	// Free bytes still count toward cycle usage.
	TrackUsage(ctx context.Context, accountID snowflake.ID, bytes int64, isPrivate bool) (Usage, error)

	// CheckAllowance estimates the cost of a prospective transfer at
	// the conservative public rate and reports whether the account's
	// balance covers it.
	CheckAllowance(ctx context.Context, accountID snowflake.ID, bytes int64) (Allowance, error)

	// ResetCycle zeroes both per-class counters and re-anchors the
	// cycle start.
	ResetCycle(ctx context.Context, accountID snowflake.ID) error

	// ResetDueCycles resets every account whose cycle anchor is at
	// least one billing cycle old. Returns the number of accounts
	// reset.
	ResetDueCycles(ctx context.Context) (int, error)
}
