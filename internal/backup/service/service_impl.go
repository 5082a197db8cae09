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
	"github.com/datahosting/pinbill/internal/clock"
	"github.com/datahosting/pinbill/internal/config"
	"github.com/datahosting/pinbill/internal/contentstore"
	ledgerdomain "github.com/datahosting/pinbill/internal/ledger/domain"
)

var dayNanos = decimal.NewFromInt(int64(24 * time.Hour))

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	GenID   *snowflake.Node
	Pricing *config.PricingHolder
	Ledger  ledgerdomain.Service
	Store   contentstore.Store
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	genID   *snowflake.Node
	pricing *config.PricingHolder
	ledger  ledgerdomain.Service
	store   contentstore.Store
}

func NewService(p Params) backupdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("backup.service"),
		clock:   p.Clock,
		genID:   p.GenID,
		pricing: p.Pricing,
		ledger:  p.Ledger,
		store:   p.Store,
	}
}

func (s *Service) Create(ctx context.Context, accountID snowflake.ID, cid, fileName string, sizeBytes int64, replicaCount int, expireAt *time.Time) (*backupdomain.ReplicatedBackup, error) {
	if sizeBytes <= 0 {
		return nil, backupdomain.ErrInvalidSize
	}
	if replicaCount < backupdomain.MinReplicaCount || replicaCount > backupdomain.MaxReplicaCount {
		return nil, backupdomain.ErrInvalidReplicaCount
	}

	balance, err := s.ledger.Balance(ctx, s.db, accountID, accountdomain.LineCluster)
	if err != nil {
		return nil, err
	}
	if !balance.IsPositive() {
		return nil, backupdomain.ErrInsufficientBalance
	}

	// Pin before persisting; a failed pin must not leave a billable row.
	if err := s.store.Pin(ctx, cid, replicaCount, replicaCount); err != nil {
		return nil, err
	}

	backup := &backupdomain.ReplicatedBackup{
		ID:           s.genID.Generate(),
		AccountID:    accountID,
		CID:          cid,
		FileName:     fileName,
		SizeBytes:    sizeBytes,
		ReplicaCount: replicaCount,
		Status:       backupdomain.BackupStatusActive,
		ExpireAt:     expireAt,
		CreatedAt:    s.clock.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(backup).Error; err != nil {
		return nil, err
	}

	s.log.Info("backup created",
		zap.String("backup_id", backup.ID.String()),
		zap.String("account_id", accountID.String()),
		zap.Int("replicas", replicaCount),
	)
	return backup, nil
}

func (s *Service) CostOf(ctx context.Context, backup *backupdomain.ReplicatedBackup, from, to time.Time) (decimal.Decimal, error) {
	return s.costOf(ctx, s.db, backup, from, to)
}

// costOf integrates rate * replicaCount over [from, to) as a
// piecewise-constant step function driven by the change history.
func (s *Service) costOf(ctx context.Context, tx *gorm.DB, backup *backupdomain.ReplicatedBackup, from, to time.Time) (decimal.Decimal, error) {
	if to.Before(from) {
		return decimal.Zero, backupdomain.ErrInvalidRange
	}

	rate := s.pricing.Get().BackupDailyPerGB
	sizeGB := ledgerdomain.ToGB(backup.SizeBytes)
	perReplicaDay := sizeGB.Mul(rate)

	var changes []backupdomain.ReplicaChange
	if err := tx.WithContext(ctx).
		Where("backup_id = ? AND changed_at >= ? AND changed_at <= ?", backup.ID, from, to).
		Order("changed_at ASC").
		Find(&changes).Error; err != nil {
		return decimal.Zero, err
	}

	if len(changes) == 0 {
		replicas := decimal.NewFromInt(int64(backup.ReplicaCount))
		return perReplicaDay.Mul(replicas).Mul(daysBetween(from, to)), nil
	}

	// The count in effect at the window start comes from the most
	// recent change strictly before it, defaulting to one replica.
	effective := backupdomain.MinReplicaCount
	var prior backupdomain.ReplicaChange
	err := tx.WithContext(ctx).
		Where("backup_id = ? AND changed_at < ?", backup.ID, from).
		Order("changed_at DESC").
		First(&prior).Error
	switch {
	case err == nil:
		effective = prior.ReplicaCount
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return decimal.Zero, err
	}

	cost := decimal.Zero
	segStart := from
	for _, change := range changes {
		cost = cost.Add(perReplicaDay.
			Mul(decimal.NewFromInt(int64(effective))).
			Mul(daysBetween(segStart, change.ChangedAt)))
		effective = change.ReplicaCount
		segStart = change.ChangedAt
	}
	cost = cost.Add(perReplicaDay.
		Mul(decimal.NewFromInt(int64(effective))).
		Mul(daysBetween(segStart, to)))
	return cost, nil
}

func (s *Service) UpdateReplicaCount(ctx context.Context, backupID snowflake.ID, newCount int) error {
	if newCount < backupdomain.MinReplicaCount || newCount > backupdomain.MaxReplicaCount {
		return backupdomain.ErrInvalidReplicaCount
	}

	now := s.clock.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		backup, err := loadBackup(ctx, tx, backupID)
		if err != nil {
			return err
		}

		change := backupdomain.ReplicaChange{
			ID:           s.genID.Generate(),
			BackupID:     backup.ID,
			ReplicaCount: newCount,
			ChangedAt:    now,
		}
		if err := tx.WithContext(ctx).Create(&change).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).
			Model(&backupdomain.ReplicatedBackup{}).
			Where("id = ?", backup.ID).
			Update("replica_count", newCount).Error; err != nil {
			return err
		}

		return s.store.Pin(ctx, backup.CID, newCount, newCount)
	})
}

func (s *Service) BillAll(ctx context.Context) (backupdomain.BillAllResult, error) {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.pricing.Get().BillingCycle)

	var due []backupdomain.ReplicatedBackup
	if err := s.db.WithContext(ctx).
		Where("status = ? AND (last_billed_at IS NULL OR last_billed_at <= ?)", backupdomain.BackupStatusActive, cutoff).
		Order("account_id ASC, id ASC").
		Find(&due).Error; err != nil {
		return backupdomain.BillAllResult{}, err
	}

	byAccount := make(map[snowflake.ID][]backupdomain.ReplicatedBackup)
	order := make([]snowflake.ID, 0)
	for _, b := range due {
		if _, seen := byAccount[b.AccountID]; !seen {
			order = append(order, b.AccountID)
		}
		byAccount[b.AccountID] = append(byAccount[b.AccountID], b)
	}

	result := backupdomain.BillAllResult{TotalCharged: decimal.Zero}
	for _, accountID := range order {
		backups := byAccount[accountID]
		charged, err := s.billAccount(ctx, accountID, backups, now)
		if err != nil {
			result.Failed++
			s.log.Warn("backup billing failed for account",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
			continue
		}
		result.AccountsBilled++
		result.BackupsBilled += len(backups)
		result.TotalCharged = result.TotalCharged.Add(charged)
	}

	if result.AccountsBilled > 0 || result.Failed > 0 {
		s.log.Info("backup billing sweep finished",
			zap.Int("accounts", result.AccountsBilled),
			zap.Int("backups", result.BackupsBilled),
			zap.Int("failed", result.Failed),
			zap.String("total", result.TotalCharged.String()),
		)
	}
	return result, nil
}

// billAccount charges one account for all of its due backups as a
// single debit, then stamps every backup. Stamping happens even when
// the cost is zero so the sweep does not revisit the same rows.
func (s *Service) billAccount(ctx context.Context, accountID snowflake.ID, backups []backupdomain.ReplicatedBackup, now time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]snowflake.ID, 0, len(backups))
		for i := range backups {
			b := backups[i]
			from := b.CreatedAt
			if b.LastBilledAt != nil {
				from = *b.LastBilledAt
			}
			cost, err := s.costOf(ctx, tx, &b, from, now)
			if err != nil {
				return err
			}
			total = total.Add(cost)
			ids = append(ids, b.ID)
		}

		if err := tx.WithContext(ctx).
			Model(&backupdomain.ReplicatedBackup{}).
			Where("id IN ?", ids).
			Update("last_billed_at", now).Error; err != nil {
			return err
		}

		if total.IsPositive() {
			if _, err := s.ledger.Debit(ctx, tx, accountID, accountdomain.LineCluster, total); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (s *Service) Delete(ctx context.Context, accountID, backupID snowflake.ID) error {
	now := s.clock.Now().UTC()

	var cid string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		backup, err := loadBackup(ctx, tx, backupID)
		if err != nil {
			return err
		}
		// Another account's backup is indistinguishable from a missing
		// one to the caller.
		if backup.AccountID != accountID {
			return backupdomain.ErrBackupNotFound
		}
		cid = backup.CID

		from := backup.CreatedAt
		if backup.LastBilledAt != nil {
			from = *backup.LastBilledAt
		}
		cost, err := s.costOf(ctx, tx, backup, from, now)
		if err != nil {
			return err
		}
		if cost.IsPositive() {
			if _, err := s.ledger.Debit(ctx, tx, backup.AccountID, accountdomain.LineCluster, cost); err != nil {
				return err
			}
		}

		return tx.WithContext(ctx).
			Model(&backupdomain.ReplicatedBackup{}).
			Where("id = ?", backup.ID).
			Updates(map[string]any{
				"status":         backupdomain.BackupStatusDeleted,
				"last_billed_at": now,
			}).Error
	})
	if err != nil {
		return err
	}

	// Unpin after commit. The charge is already durable; a failed
	// unpin only leaves stray content behind.
	if err := s.store.Unpin(ctx, cid); err != nil {
		s.log.Warn("unpin after backup deletion failed", zap.String("cid", cid), zap.Error(err))
	}
	return nil
}

func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()

	var due []backupdomain.ReplicatedBackup
	if err := s.db.WithContext(ctx).
		Where("status <> ? AND expire_at IS NOT NULL AND expire_at <= ?", backupdomain.BackupStatusDeleted, now).
		Find(&due).Error; err != nil {
		return 0, err
	}

	removed := 0
	for _, b := range due {
		if err := s.store.Unpin(ctx, b.CID); err != nil {
			s.log.Warn("unpin of expired backup failed", zap.String("cid", b.CID), zap.Error(err))
		}
		if err := s.db.WithContext(ctx).
			Model(&backupdomain.ReplicatedBackup{}).
			Where("id = ?", b.ID).
			Update("status", backupdomain.BackupStatusDeleted).Error; err != nil {
			s.log.Warn("expiring backup failed", zap.String("backup_id", b.ID.String()), zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		s.log.Info("expired prepaid backups removed", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *Service) BillLegacyStorage(ctx context.Context) (int, error) {
	pricing := s.pricing.Get()
	now := s.clock.Now().UTC()
	cutoff := now.Add(-pricing.BillingCycle)

	var accounts []accountdomain.Account
	if err := s.db.WithContext(ctx).
		Where("last_backup_billed_at IS NULL OR last_backup_billed_at <= ?", cutoff).
		Find(&accounts).Error; err != nil {
		return 0, err
	}

	billed := 0
	for _, acct := range accounts {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// Flat per-GB rate, replica count does not weigh in on the
			// legacy line.
			var totalBytes int64
			if err := tx.WithContext(ctx).
				Model(&backupdomain.ReplicatedBackup{}).
				Where("account_id = ? AND status = ?", acct.ID, backupdomain.BackupStatusActive).
				Select("COALESCE(SUM(size_bytes), 0)").
				Scan(&totalBytes).Error; err != nil {
				return err
			}

			charge := ledgerdomain.ToGB(totalBytes).Mul(pricing.LegacyBackupMonthlyPerGB)
			if charge.IsPositive() {
				if _, err := s.ledger.Debit(ctx, tx, acct.ID, accountdomain.LineGeneral, charge); err != nil {
					return err
				}
			}

			// Stamped even at zero so the sweep moves on.
			return tx.WithContext(ctx).
				Model(&accountdomain.Account{}).
				Where("id = ?", acct.ID).
				Update("last_backup_billed_at", now).Error
		})
		if err != nil {
			s.log.Warn("legacy storage billing failed for account",
				zap.String("account_id", acct.ID.String()),
				zap.Error(err),
			)
			continue
		}
		billed++
	}

	if billed > 0 {
		s.log.Info("legacy storage billing finished", zap.Int("accounts", billed))
	}
	return billed, nil
}

func (s *Service) EstimateMonthlyCost(backup *backupdomain.ReplicatedBackup) decimal.Decimal {
	return ledgerdomain.ToGB(backup.SizeBytes).
		Mul(s.pricing.Get().BackupDailyPerGB).
		Mul(decimal.NewFromInt(int64(backup.ReplicaCount))).
		Mul(decimal.NewFromInt(30))
}

func (s *Service) EstimateAccountMonthly(ctx context.Context, accountID snowflake.ID) (decimal.Decimal, error) {
	var backups []backupdomain.ReplicatedBackup
	if err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, backupdomain.BackupStatusActive).
		Find(&backups).Error; err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for i := range backups {
		total = total.Add(s.EstimateMonthlyCost(&backups[i]))
	}
	return total, nil
}

// daysBetween returns the fractional day count of [from, to].
func daysBetween(from, to time.Time) decimal.Decimal {
	return decimal.NewFromInt(int64(to.Sub(from))).Div(dayNanos)
}

func loadBackup(ctx context.Context, tx *gorm.DB, backupID snowflake.ID) (*backupdomain.ReplicatedBackup, error) {
	var backup backupdomain.ReplicatedBackup
	err := tx.WithContext(ctx).
		Where("id = ? AND status <> ?", backupID, backupdomain.BackupStatusDeleted).
		First(&backup).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, backupdomain.ErrBackupNotFound
		}
		return nil, err
	}
	return &backup, nil
}
