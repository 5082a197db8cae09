package service

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/datahosting/pinbill/internal/account/domain"
	"github.com/datahosting/pinbill/internal/clock"
	"github.com/datahosting/pinbill/internal/config"
	"github.com/datahosting/pinbill/internal/contentstore"
	ledgerdomain "github.com/datahosting/pinbill/internal/ledger/domain"
	pindomain "github.com/datahosting/pinbill/internal/pin/domain"
)

// A retention month is a fixed 30 days, not a calendar month.
const daysPerMonth = 30

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

func NewService(p Params) pindomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("pin.service"),
		clock:   p.Clock,
		genID:   p.GenID,
		pricing: p.Pricing,
		ledger:  p.Ledger,
		store:   p.Store,
	}
}

func (s *Service) QuotePrepaidCost(sizeBytes int64, isPrivate bool, retentionMonths int) (pindomain.Quote, error) {
	if sizeBytes <= 0 {
		return pindomain.Quote{}, pindomain.ErrInvalidSize
	}
	rate, ok := s.pricing.Get().PinRate(isPrivate, retentionMonths)
	if !ok {
		return pindomain.Quote{}, pindomain.ErrUnknownRetentionTier
	}

	sizeGB := ledgerdomain.ToGB(sizeBytes)
	return pindomain.Quote{
		SizeGB:          sizeGB,
		RatePerGBMonth:  rate,
		RetentionMonths: retentionMonths,
		Total:           sizeGB.Mul(rate).Mul(decimal.NewFromInt(int64(retentionMonths))),
	}, nil
}

func (s *Service) Create(ctx context.Context, accountID snowflake.ID, path string, sizeBytes int64, isPrivate bool, retentionMonths int) (*pindomain.Pin, error) {
	quote, err := s.QuotePrepaidCost(sizeBytes, isPrivate, retentionMonths)
	if err != nil {
		return nil, err
	}

	// Balance gate comes before any content-store work so a broke
	// account never has content added on its behalf.
	balance, err := s.ledger.Balance(ctx, s.db, accountID, accountdomain.LinePinning)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(quote.Total) {
		return nil, pindomain.ErrInsufficientBalance
	}

	now := s.clock.Now().UTC()
	pin := &pindomain.Pin{
		ID:              s.genID.Generate(),
		AccountID:       accountID,
		FileName:        filepath.Base(path),
		SizeBytes:       sizeBytes,
		IsPrivate:       isPrivate,
		RetentionMonths: retentionMonths,
		Status:          pindomain.PinStatusQueued,
		CreatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(pin).Error; err != nil {
		return nil, err
	}

	cid, err := s.store.Add(ctx, path)
	if err == nil {
		err = s.store.Pin(ctx, cid, 1, 1)
	}
	if err != nil {
		// Do not leave a queued row for content that never landed.
		if delErr := s.db.WithContext(ctx).Delete(&pindomain.Pin{}, "id = ?", pin.ID).Error; delErr != nil {
			s.log.Warn("removing queued pin after store failure failed",
				zap.String("pin_id", pin.ID.String()),
				zap.Error(delErr),
			)
		}
		return nil, err
	}

	// Store succeeded: charge the term and promote to pinned in one
	// commit.
	expireAt := now.Add(time.Duration(retentionMonths) * daysPerMonth * 24 * time.Hour)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.Debit(ctx, tx, accountID, accountdomain.LinePinning, quote.Total); err != nil {
			return err
		}
		return tx.WithContext(ctx).
			Model(&pindomain.Pin{}).
			Where("id = ?", pin.ID).
			Updates(map[string]any{
				"cid":             cid,
				"status":          pindomain.PinStatusPinned,
				"already_charged": true,
				"expire_at":       expireAt,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	pin.CID = cid
	pin.Status = pindomain.PinStatusPinned
	pin.AlreadyCharged = true
	pin.ExpireAt = &expireAt

	s.log.Info("pin created",
		zap.String("pin_id", pin.ID.String()),
		zap.String("account_id", accountID.String()),
		zap.String("cid", cid),
		zap.Int("retention_months", retentionMonths),
		zap.String("charged", quote.Total.String()),
	)
	return pin, nil
}

func (s *Service) ExpireDueTerms(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()

	var due []pindomain.Pin
	if err := s.db.WithContext(ctx).
		Where("status = ? AND expire_at IS NOT NULL AND expire_at <= ?", pindomain.PinStatusPinned, now).
		Find(&due).Error; err != nil {
		return 0, err
	}

	removed := 0
	for _, pin := range due {
		// Best effort: the paid term is over, so the record goes away
		// even when the store refuses the unpin.
		if err := s.store.Unpin(ctx, pin.CID); err != nil {
			s.log.Warn("unpin of expired pin failed", zap.String("cid", pin.CID), zap.Error(err))
		}
		if err := s.db.WithContext(ctx).Delete(&pindomain.Pin{}, "id = ?", pin.ID).Error; err != nil {
			s.log.Warn("deleting expired pin failed", zap.String("pin_id", pin.ID.String()), zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		s.log.Info("expired pins removed", zap.Int("count", removed))
	}
	return removed, nil
}
