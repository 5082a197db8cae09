package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/datahosting/pinbill/internal/account/domain"
	"github.com/datahosting/pinbill/internal/contentstore"
	pindomain "github.com/datahosting/pinbill/internal/pin/domain"
)

type GraceParams struct {
	fx.In

	Log   *zap.Logger
	Store contentstore.Store
}

// GraceTarget adapts pins to the grace-period orchestrator. Pins draw
// on the pinning balance; recovery re-pins without charging because
// the term was paid upfront.
type GraceTarget struct {
	log   *zap.Logger
	store contentstore.Store
}

func NewGraceTarget(p GraceParams) *GraceTarget {
	return &GraceTarget{
		log:   p.Log.Named("pin.grace"),
		store: p.Store,
	}
}

func (t *GraceTarget) Name() string { return "pin" }

func (t *GraceTarget) BalanceLine() accountdomain.BalanceLine { return accountdomain.LinePinning }

func (t *GraceTarget) ActiveAccounts(ctx context.Context, tx *gorm.DB) ([]snowflake.ID, error) {
	return distinctAccounts(ctx, tx, pindomain.PinStatusPinned)
}

func (t *GraceTarget) GraceAccounts(ctx context.Context, tx *gorm.DB) ([]snowflake.ID, error) {
	return distinctAccounts(ctx, tx, pindomain.PinStatusGracePeriod)
}

func (t *GraceTarget) EnterGrace(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, now time.Time) (int, error) {
	var pins []pindomain.Pin
	if err := tx.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, pindomain.PinStatusPinned).
		Find(&pins).Error; err != nil {
		return 0, err
	}

	moved := 0
	for _, pin := range pins {
		if err := t.store.Unpin(ctx, pin.CID); err != nil {
			t.log.Warn("unpin on grace entry failed", zap.String("cid", pin.CID), zap.Error(err))
		}
		// The status filter keeps the stamp from being overwritten on
		// repeated runs.
		if err := tx.WithContext(ctx).
			Model(&pindomain.Pin{}).
			Where("id = ? AND status = ?", pin.ID, pindomain.PinStatusPinned).
			Updates(map[string]any{
				"status":           pindomain.PinStatusGracePeriod,
				"grace_started_at": now,
			}).Error; err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (t *GraceTarget) Recover(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (int, error) {
	var pins []pindomain.Pin
	if err := tx.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, pindomain.PinStatusGracePeriod).
		Find(&pins).Error; err != nil {
		return 0, err
	}

	restored := 0
	for _, pin := range pins {
		if err := t.store.Pin(ctx, pin.CID, 1, 1); err != nil {
			t.log.Warn("re-pin on recovery failed", zap.String("cid", pin.CID), zap.Error(err))
			continue
		}
		// already_charged stays true: recovery is free.
		if err := tx.WithContext(ctx).
			Model(&pindomain.Pin{}).
			Where("id = ?", pin.ID).
			Updates(map[string]any{
				"status":           pindomain.PinStatusPinned,
				"grace_started_at": nil,
			}).Error; err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

func (t *GraceTarget) DeleteExpired(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int, []snowflake.ID, error) {
	var pins []pindomain.Pin
	if err := tx.WithContext(ctx).
		Where("status = ? AND grace_started_at IS NOT NULL AND grace_started_at <= ?", pindomain.PinStatusGracePeriod, cutoff).
		Find(&pins).Error; err != nil {
		return 0, nil, err
	}

	seen := make(map[snowflake.ID]struct{})
	accounts := make([]snowflake.ID, 0)
	deleted := 0
	for _, pin := range pins {
		if err := t.store.Unpin(ctx, pin.CID); err != nil {
			t.log.Warn("unpin of expired-grace pin failed", zap.String("cid", pin.CID), zap.Error(err))
		}
		if err := tx.WithContext(ctx).Delete(&pindomain.Pin{}, "id = ?", pin.ID).Error; err != nil {
			return deleted, accounts, err
		}
		deleted++
		if _, ok := seen[pin.AccountID]; !ok {
			seen[pin.AccountID] = struct{}{}
			accounts = append(accounts, pin.AccountID)
		}
	}
	return deleted, accounts, nil
}

func distinctAccounts(ctx context.Context, tx *gorm.DB, status pindomain.PinStatus) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := tx.WithContext(ctx).
		Model(&pindomain.Pin{}).
		Where("status = ?", status).
		Distinct("account_id").
		Pluck("account_id", &ids).Error
	return ids, err
}
