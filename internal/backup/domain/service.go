package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrBackupNotFound      = errors.New("backup not found")
	ErrInvalidReplicaCount = errors.New("replica count must be between 1 and 3")
	ErrInvalidRange        = errors.New("billing range end precedes start")
	ErrInvalidSize         = errors.New("size must be positive")
	ErrInsufficientBalance = errors.New("cluster balance must be positive to create a backup")
)

// BillAllResult summarizes one monthly billing sweep.
type BillAllResult struct {
	AccountsBilled int
	BackupsBilled  int
	Failed         int
	TotalCharged   decimal.Decimal
}

type Service interface {
	// Create registers an active backup and pins its content with the
	// requested replica bounds. The account needs a positive cluster
	// balance; no upfront charge is taken, the backup is billed by the
	// monthly sweep.
	Create(ctx context.Context, accountID snowflake.ID, cid, fileName string, sizeBytes int64, replicaCount int, expireAt *time.Time) (*ReplicatedBackup, error)

	// CostOf integrates the per-day-per-GB rate over [from, to),
	// weighted by the replica count in effect during each sub-interval.
	CostOf(ctx context.Context, backup *ReplicatedBackup, from, to time.Time) (decimal.Decimal, error)

	// UpdateReplicaCount appends a history record and moves the
	// backup's current count, both in one transaction.
	UpdateReplicaCount(ctx context.Context, backupID snowflake.ID, newCount int) error

	// BillAll charges every backup not billed within the last cycle,
	// aggregated into one debit per account.
	BillAll(ctx context.Context) (BillAllResult, error)

	// Delete applies the final prorated charge since the last billing
	// stamp, marks the backup deleted and unpins the content. The
	// backup must belong to accountID.
	Delete(ctx context.Context, accountID, backupID snowflake.ID) error

	// ExpireDue removes prepaid backups whose hard expiry has passed.
	// No charge is applied. Returns the number removed.
	ExpireDue(ctx context.Context) (int, error)

	// EstimateMonthlyCost projects thirty days of cost at the current
	// replica count.
	EstimateMonthlyCost(backup *ReplicatedBackup) decimal.Decimal

	// EstimateAccountMonthly sums the thirty-day projection over the
	// account's active backups.
	EstimateAccountMonthly(ctx context.Context, accountID snowflake.ID) (decimal.Decimal, error)

	// BillLegacyStorage runs the flat per-GB-month storage charge for
	// the old pay-as-you-go line. One debit per account against the
	// general balance, stamped on the account so a cycle is charged
	// once. Returns the number of accounts billed.
	BillLegacyStorage(ctx context.Context) (int, error)
}
