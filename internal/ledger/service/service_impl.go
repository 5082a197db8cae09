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
	ledgerdomain "github.com/datahosting/pinbill/internal/ledger/domain"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
	}
}

func (s *Service) Credit(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, line accountdomain.BalanceLine, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ledgerdomain.ErrInvalidAmount
	}
	return s.apply(ctx, tx, accountID, line, amount)
}

func (s *Service) Debit(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, line accountdomain.BalanceLine, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ledgerdomain.ErrInvalidAmount
	}
	return s.apply(ctx, tx, accountID, line, amount.Neg())
}

func (s *Service) Balance(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, line accountdomain.BalanceLine) (decimal.Decimal, error) {
	acct, err := s.load(ctx, tx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance(line)
}

func (s *Service) RecordInvoice(ctx context.Context, tx *gorm.DB, inv *ledgerdomain.Invoice) error {
	if inv.ID == 0 {
		inv.ID = s.genID.Generate()
	}
	return tx.WithContext(ctx).Create(inv).Error
}

// apply adds delta to the line inside the caller's transaction. delta
// carries the sign already, so credits and debits share one path.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, line accountdomain.BalanceLine, delta decimal.Decimal) (decimal.Decimal, error) {
	col, err := line.Column()
	if err != nil {
		return decimal.Zero, err
	}

	acct, err := s.load(ctx, tx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	current, err := acct.Balance(line)
	if err != nil {
		return decimal.Zero, err
	}

	next := current.Add(delta)
	if err := tx.WithContext(ctx).
		Model(&accountdomain.Account{}).
		Where("id = ?", accountID).
		Update(col, next).Error; err != nil {
		return decimal.Zero, err
	}

	s.log.Debug("balance updated",
		zap.String("account_id", accountID.String()),
		zap.String("line", string(line)),
		zap.String("delta", delta.String()),
		zap.String("balance", next.String()),
	)
	return next, nil
}

func (s *Service) load(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*accountdomain.Account, error) {
	var acct accountdomain.Account
	if err := tx.WithContext(ctx).First(&acct, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}
