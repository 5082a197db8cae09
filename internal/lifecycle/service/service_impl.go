package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/datahosting/pinbill/internal/account/domain"
	backupdomain "github.com/datahosting/pinbill/internal/backup/domain"
	backupservice "github.com/datahosting/pinbill/internal/backup/service"
	"github.com/datahosting/pinbill/internal/clock"
	"github.com/datahosting/pinbill/internal/config"
	ledgerdomain "github.com/datahosting/pinbill/internal/ledger/domain"
	lifecycledomain "github.com/datahosting/pinbill/internal/lifecycle/domain"
	paymentdomain "github.com/datahosting/pinbill/internal/payment/domain"
	pindomain "github.com/datahosting/pinbill/internal/pin/domain"
	pinservice "github.com/datahosting/pinbill/internal/pin/service"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Pricing      *config.PricingHolder
	PinTarget    *pinservice.GraceTarget
	BackupTarget *backupservice.GraceTarget
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	pricing *config.PricingHolder
	targets []lifecycledomain.Target
}

func NewService(p Params) lifecycledomain.Orchestrator {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("lifecycle.service"),
		clock:   p.Clock,
		pricing: p.Pricing,
		targets: []lifecycledomain.Target{p.PinTarget, p.BackupTarget},
	}
}

func (s *Service) RunOnce(ctx context.Context) (lifecycledomain.RunResult, error) {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.pricing.Get().GracePeriod)

	var result lifecycledomain.RunResult
	doomed := make(map[snowflake.ID]struct{})

	for _, target := range s.targets {
		entered, err := s.enterGrace(ctx, target, now)
		if err != nil {
			return result, err
		}
		result.EnteredGrace += entered

		recovered, err := s.recover(ctx, target)
		if err != nil {
			return result, err
		}
		result.Recovered += recovered

		var deleted int
		var accounts []snowflake.ID
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			deleted, accounts, txErr = target.DeleteExpired(ctx, tx, cutoff)
			return txErr
		})
		if err != nil {
			return result, err
		}
		result.EntitiesDeleted += deleted
		for _, id := range accounts {
			doomed[id] = struct{}{}
		}
	}

	// Entity removal above is already committed, so tearing the
	// accounts down afterwards matches the ordering guarantee: no
	// account goes away before its expired-grace entities did.
	for accountID := range doomed {
		removed, err := s.deleteAccount(ctx, accountID)
		if err != nil {
			s.log.Warn("account teardown failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
			continue
		}
		if removed {
			result.AccountsDeleted++
		}
	}

	if result != (lifecycledomain.RunResult{}) {
		s.log.Info("lifecycle pass finished",
			zap.Int("entered_grace", result.EnteredGrace),
			zap.Int("recovered", result.Recovered),
			zap.Int("entities_deleted", result.EntitiesDeleted),
			zap.Int("accounts_deleted", result.AccountsDeleted),
		)
	}
	return result, nil
}

func (s *Service) enterGrace(ctx context.Context, target lifecycledomain.Target, now time.Time) (int, error) {
	accounts, err := target.ActiveAccounts(ctx, s.db)
	if err != nil {
		return 0, err
	}

	entered := 0
	for _, accountID := range accounts {
		balance, err := s.lineBalance(ctx, accountID, target)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return entered, err
		}
		if balance.IsPositive() {
			continue
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			n, txErr := target.EnterGrace(ctx, tx, accountID, now)
			entered += n
			return txErr
		})
		if err != nil {
			s.log.Warn("grace entry failed",
				zap.String("target", target.Name()),
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
		}
	}
	return entered, nil
}

func (s *Service) recover(ctx context.Context, target lifecycledomain.Target) (int, error) {
	accounts, err := target.GraceAccounts(ctx, s.db)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, accountID := range accounts {
		balance, err := s.lineBalance(ctx, accountID, target)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return recovered, err
		}
		if !balance.IsPositive() {
			continue
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			n, txErr := target.Recover(ctx, tx, accountID)
			recovered += n
			return txErr
		})
		if err != nil {
			s.log.Warn("grace recovery failed",
				zap.String("target", target.Name()),
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
		}
	}
	return recovered, nil
}

func (s *Service) lineBalance(ctx context.Context, accountID snowflake.ID, target lifecycledomain.Target) (decimal.Decimal, error) {
	var acct accountdomain.Account
	if err := s.db.WithContext(ctx).First(&acct, "id = ?", accountID).Error; err != nil {
		return decimal.Zero, err
	}
	return acct.Balance(target.BalanceLine())
}

// deleteAccount tears down everything the account owns and then the
// account itself. Safe to call for an account that is already gone.
func (s *Service) deleteAccount(ctx context.Context, accountID snowflake.ID) (bool, error) {
	removed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		backupIDs := tx.Model(&backupdomain.ReplicatedBackup{}).
			Select("id").
			Where("account_id = ?", accountID)
		if err := tx.WithContext(ctx).
			Where("backup_id IN (?)", backupIDs).
			Delete(&backupdomain.ReplicaChange{}).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).
			Delete(&backupdomain.ReplicatedBackup{}, "account_id = ?", accountID).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).
			Delete(&pindomain.Pin{}, "account_id = ?", accountID).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).
			Delete(&paymentdomain.Payment{}, "account_id = ?", accountID).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).
			Delete(&ledgerdomain.Invoice{}, "account_id = ?", accountID).Error; err != nil {
			return err
		}

		res := tx.WithContext(ctx).Delete(&accountdomain.Account{}, "id = ?", accountID)
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		s.log.Info("account deleted after grace expiry", zap.String("account_id", accountID.String()))
	}
	return removed, nil
}
