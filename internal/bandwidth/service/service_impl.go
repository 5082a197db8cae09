package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/datahosting/pinbill/internal/account/domain"
	bandwidthdomain "github.com/datahosting/pinbill/internal/bandwidth/domain"
	"github.com/datahosting/pinbill/internal/clock"
	"github.com/datahosting/pinbill/internal/config"
	ledgerdomain "github.com/datahosting/pinbill/internal/ledger/domain"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Pricing *config.PricingHolder
	Ledger  ledgerdomain.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	pricing *config.PricingHolder
	ledger  ledgerdomain.Service
}

func NewService(p Params) bandwidthdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("bandwidth.service"),
		clock:   p.Clock,
		pricing: p.Pricing,
		ledger:  p.Ledger,
	}
}

func (s *Service) TrackUsage(ctx context.Context, accountID snowflake.ID, bytes int64, isPrivate bool) (bandwidthdomain.Usage, error) {
	if bytes < 0 {
		return bandwidthdomain.Usage{}, bandwidthdomain.ErrNegativeBytes
	}

	pricing := s.pricing.Get()
	gb := ledgerdomain.ToGB(bytes)

	var out bandwidthdomain.Usage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		freeUsed, paidUsed := split(gb, pricing.FreeBandwidthGB, acct.BandwidthUsedPrivateGB.Add(acct.BandwidthUsedPublicGB))
		charge := paidUsed.Mul(pricing.BandwidthRate(isPrivate))

		newBalance := acct.CreditBalance
		if charge.IsPositive() {
			newBalance, err = s.ledger.Debit(ctx, tx, accountID, accountdomain.LineGeneral, charge)
			if err != nil {
				return err
			}
		}

		// The full transfer counts toward cycle usage, including the
		// free portion.
		col := "bandwidth_used_public_gb"
		used := acct.BandwidthUsedPublicGB
		if isPrivate {
			col = "bandwidth_used_private_gb"
			used = acct.BandwidthUsedPrivateGB
		}
		if err := tx.WithContext(ctx).
			Model(&accountdomain.Account{}).
			Where("id = ?", accountID).
			Update(col, used.Add(gb)).Error; err != nil {
			return err
		}

		out = bandwidthdomain.Usage{
			GBTransferred: gb,
			FreeUsed:      freeUsed,
			PaidUsed:      paidUsed,
			Charged:       charge,
			NewBalance:    newBalance,
		}
		return nil
	})
	if err != nil {
		return bandwidthdomain.Usage{}, err
	}

	if out.Charged.IsPositive() {
		s.log.Info("bandwidth overage charged",
			zap.String("account_id", accountID.String()),
			zap.Bool("private", isPrivate),
			zap.String("gb", out.GBTransferred.String()),
			zap.String("charged", out.Charged.String()),
		)
	}
	return out, nil
}

func (s *Service) CheckAllowance(ctx context.Context, accountID snowflake.ID, bytes int64) (bandwidthdomain.Allowance, error) {
	if bytes < 0 {
		return bandwidthdomain.Allowance{}, bandwidthdomain.ErrNegativeBytes
	}

	pricing := s.pricing.Get()
	acct, err := loadAccount(ctx, s.db, accountID)
	if err != nil {
		return bandwidthdomain.Allowance{}, err
	}

	gb := ledgerdomain.ToGB(bytes)
	totalUsed := acct.BandwidthUsedPrivateGB.Add(acct.BandwidthUsedPublicGB)
	freeRemaining := pricing.FreeBandwidthGB.Sub(totalUsed)
	if freeRemaining.IsNegative() {
		freeRemaining = decimal.Zero
	}
	_, paidUsed := split(gb, pricing.FreeBandwidthGB, totalUsed)

	// Network class is unknown before the transfer happens, so the
	// estimate uses the public rate, never the cheaper private one.
	estimate := paidUsed.Mul(pricing.BandwidthPublicPerGB)

	// A transfer inside the free window costs nothing and is always
	// allowed, whatever the balance says.
	allowed := paidUsed.IsZero() || !estimate.GreaterThan(acct.CreditBalance)

	return bandwidthdomain.Allowance{
		Allowed:       allowed,
		FreeRemaining: freeRemaining,
		EstimatedCost: estimate,
		Balance:       acct.CreditBalance,
	}, nil
}

func (s *Service) ResetCycle(ctx context.Context, accountID snowflake.ID) error {
	result := s.db.WithContext(ctx).
		Model(&accountdomain.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]any{
			"bandwidth_used_private_gb": decimal.Zero,
			"bandwidth_used_public_gb":  decimal.Zero,
			"bandwidth_cycle_start":     s.clock.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ledgerdomain.ErrAccountNotFound
	}
	return nil
}

func (s *Service) ResetDueCycles(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.pricing.Get().BillingCycle)

	result := s.db.WithContext(ctx).
		Model(&accountdomain.Account{}).
		Where("bandwidth_cycle_start <= ?", cutoff).
		Updates(map[string]any{
			"bandwidth_used_private_gb": decimal.Zero,
			"bandwidth_used_public_gb":  decimal.Zero,
			"bandwidth_cycle_start":     now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("bandwidth cycles reset", zap.Int64("accounts", result.RowsAffected))
	}
	return int(result.RowsAffected), nil
}

// split applies the shared free allowance to a transfer given the
// usage already accumulated this cycle.
func split(gb, allowance, usedSoFar decimal.Decimal) (freeUsed, paidUsed decimal.Decimal) {
	freeRemaining := allowance.Sub(usedSoFar)
	if freeRemaining.IsNegative() {
		freeRemaining = decimal.Zero
	}
	freeUsed = decimal.Min(gb, freeRemaining)
	paidUsed = gb.Sub(freeUsed)
	return freeUsed, paidUsed
}

func loadAccount(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*accountdomain.Account, error) {
	var acct accountdomain.Account
	if err := tx.WithContext(ctx).First(&acct, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}
