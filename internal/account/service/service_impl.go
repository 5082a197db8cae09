package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/datahosting/pinbill/internal/account/domain"
	"github.com/datahosting/pinbill/internal/clock"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node
}

func NewService(p Params) accountdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("account.service"),
		clock: p.Clock,
		genID: p.GenID,
	}
}

func (s *Service) Create(ctx context.Context) (*accountdomain.Account, error) {
	acct := &accountdomain.Account{
		ID:                  s.genID.Generate(),
		BandwidthCycleStart: s.clock.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(acct).Error; err != nil {
		return nil, err
	}

	s.log.Info("account created", zap.String("account_id", acct.ID.String()))
	return acct, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*accountdomain.Account, error) {
	var acct accountdomain.Account
	if err := s.db.WithContext(ctx).First(&acct, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, accountdomain.ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}
