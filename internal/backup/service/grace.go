package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/datahosting/pinbill/internal/account/domain"
	backupdomain "github.com/datahosting/pinbill/internal/backup/domain"
	"github.com/datahosting/pinbill/internal/contentstore"
)

type GraceParams struct {
	fx.In

	Log   *zap.Logger
	Store contentstore.Store
}

// GraceTarget adapts replicated backups to the grace-period
// orchestrator. Backups draw on the cluster balance; resumption after
// top-up carries no managed fee.
type GraceTarget struct {
	log   *zap.Logger
	store contentstore.Store
}

func NewGraceTarget(p GraceParams) *GraceTarget {
	return &GraceTarget{
		log:   p.Log.Named("backup.grace"),
		store: p.Store,
	}
}

func (t *GraceTarget) Name() string { return "backup" }

func (t *GraceTarget) BalanceLine() accountdomain.BalanceLine { return accountdomain.LineCluster }

func (t *GraceTarget) ActiveAccounts(ctx context.Context, tx *gorm.DB) ([]snowflake.ID, error) {
	return distinctBackupAccounts(ctx, tx, backupdomain.BackupStatusActive)
}

func (t *GraceTarget) GraceAccounts(ctx context.Context, tx *gorm.DB) ([]snowflake.ID, error) {
	return distinctBackupAccounts(ctx, tx, backupdomain.BackupStatusGracePeriod)
}

func (t *GraceTarget) EnterGrace(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, now time.Time) (int, error) {
	var backups []backupdomain.ReplicatedBackup
	if err := tx.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, backupdomain.BackupStatusActive).
		Find(&backups).Error; err != nil {
		return 0, err
	}

	moved := 0
	for _, b := range backups {
		if err := t.store.Unpin(ctx, b.CID); err != nil {
			t.log.Warn("unpin on grace entry failed", zap.String("cid", b.CID), zap.Error(err))
		}
		if err := tx.WithContext(ctx).
			Model(&backupdomain.ReplicatedBackup{}).
			Where("id = ? AND status = ?", b.ID, backupdomain.BackupStatusActive).
			Updates(map[string]any{
				"status":           backupdomain.BackupStatusGracePeriod,
				"grace_started_at": now,
			}).Error; err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (t *GraceTarget) Recover(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (int, error) {
	var backups []backupdomain.ReplicatedBackup
	if err := tx.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, backupdomain.BackupStatusGracePeriod).
		Find(&backups).Error; err != nil {
		return 0, err
	}

	restored := 0
	for _, b := range backups {
		if err := t.store.Pin(ctx, b.CID, b.ReplicaCount, b.ReplicaCount); err != nil {
			t.log.Warn("re-pin on recovery failed", zap.String("cid", b.CID), zap.Error(err))
			continue
		}
		if err := tx.WithContext(ctx).
			Model(&backupdomain.ReplicatedBackup{}).
			Where("id = ?", b.ID).
			Updates(map[string]any{
				"status":           backupdomain.BackupStatusActive,
				"grace_started_at": nil,
			}).Error; err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

func (t *GraceTarget) DeleteExpired(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int, []snowflake.ID, error) {
	var backups []backupdomain.ReplicatedBackup
	if err := tx.WithContext(ctx).
		Where("status = ? AND grace_started_at IS NOT NULL AND grace_started_at <= ?", backupdomain.BackupStatusGracePeriod, cutoff).
		Find(&backups).Error; err != nil {
		return 0, nil, err
	}

	seen := make(map[snowflake.ID]struct{})
	accounts := make([]snowflake.ID, 0)
	deleted := 0
	for _, b := range backups {
		if err := t.store.Unpin(ctx, b.CID); err != nil {
			t.log.Warn("unpin of expired-grace backup failed", zap.String("cid", b.CID), zap.Error(err))
		}
		if err := tx.WithContext(ctx).
			Delete(&backupdomain.ReplicaChange{}, "backup_id = ?", b.ID).Error; err != nil {
			return deleted, accounts, err
		}
		if err := tx.WithContext(ctx).
			Delete(&backupdomain.ReplicatedBackup{}, "id = ?", b.ID).Error; err != nil {
			return deleted, accounts, err
		}
		deleted++
		if _, ok := seen[b.AccountID]; !ok {
			seen[b.AccountID] = struct{}{}
			accounts = append(accounts, b.AccountID)
		}
	}
	return deleted, accounts, nil
}

func distinctBackupAccounts(ctx context.Context, tx *gorm.DB, status backupdomain.BackupStatus) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := tx.WithContext(ctx).
		Model(&backupdomain.ReplicatedBackup{}).
		Where("status = ?", status).
		Distinct("account_id").
		Pluck("account_id", &ids).Error
	return ids, err
}
