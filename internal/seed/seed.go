// Package seed bootstraps a demo account for development databases.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	accountdomain "github.com/datahosting/pinbill/internal/account/domain"
	"github.com/datahosting/pinbill/internal/clock"
)

var demoBalance = decimal.NewFromInt(10)

// EnsureDemoAccount creates one funded account on an empty database so
// a fresh development install has something the scheduler can bill.
// Existing data is never touched.
func EnsureDemoAccount(db *gorm.DB, clk clock.Clock) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&accountdomain.Account{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		acct := accountdomain.Account{
			ID:                  node.Generate(),
			CreditBalance:       demoBalance,
			PinBalance:          demoBalance,
			ClusterBalance:      demoBalance,
			BandwidthCycleStart: clk.Now().UTC(),
			CreatedAt:           clk.Now().UTC(),
		}
		return tx.Create(&acct).Error
	})
}
