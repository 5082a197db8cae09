// Package domain defines the grace-period state machine. The same
// orchestration runs against every registered target entity (pins,
// replicated backups); a target adapts one table to the three steps.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	accountdomain "github.com/datahosting/pinbill/internal/account/domain"
)

// Target adapts one billable entity type to the orchestrator.
// Implementations live next to the entity they manage.
type Target interface {
	Name() string

	// BalanceLine is the account balance this entity type draws on.
	BalanceLine() accountdomain.BalanceLine

	// ActiveAccounts lists distinct accounts that still hold entities
	// in the active state.
	ActiveAccounts(ctx context.Context, tx *gorm.DB) ([]snowflake.ID, error)

	// GraceAccounts lists distinct accounts holding entities in grace.
	GraceAccounts(ctx context.Context, tx *gorm.DB) ([]snowflake.ID, error)

	// EnterGrace moves the account's active entities into grace,
	// stamping the start time. Entities already in grace keep their
	// original stamp. Returns the number transitioned.
	EnterGrace(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, now time.Time) (int, error)

	// Recover restores the account's grace entities to active at no
	// charge. Returns the number restored.
	Recover(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (int, error)

	// DeleteExpired removes entities whose grace started at or before
	// cutoff. Returns the number removed and the distinct owning
	// accounts.
	DeleteExpired(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int, []snowflake.ID, error)
}

// RunResult summarizes one orchestration pass.
type RunResult struct {
	EnteredGrace    int
	Recovered       int
	EntitiesDeleted int
	AccountsDeleted int
}

type Orchestrator interface {
	// RunOnce executes the three grace steps for every target. The
	// pass is idempotent and safe to re-invoke at any cadence.
	RunOnce(ctx context.Context) (RunResult, error)
}
