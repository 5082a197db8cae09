package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/datahosting/pinbill/internal/account/domain"
	ledgerdomain "github.com/datahosting/pinbill/internal/ledger/domain"
	paymentdomain "github.com/datahosting/pinbill/internal/payment/domain"
	pkgdb "github.com/datahosting/pinbill/pkg/db"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Ledger ledgerdomain.Service
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	ledger ledgerdomain.Service
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("payment.service"),
		genID:  p.GenID,
		ledger: p.Ledger,
	}
}

func (s *Service) Process(ctx context.Context, n paymentdomain.Notification) (paymentdomain.Result, error) {
	txID := strings.TrimSpace(n.TxID)
	if txID == "" {
		return paymentdomain.Result{}, paymentdomain.ErrMissingTxID
	}
	if n.AccountID == 0 {
		return paymentdomain.Result{}, paymentdomain.ErrMissingAccount
	}
	if !n.Amount.IsPositive() {
		return paymentdomain.Result{}, paymentdomain.ErrInvalidAmount
	}
	if !n.AmountBTC.IsPositive() {
		return paymentdomain.Result{}, paymentdomain.ErrInvalidBTCAmount
	}

	payment := &paymentdomain.Payment{
		ID:        s.genID.Generate(),
		AccountID: n.AccountID,
		TxID:      txID,
		Amount:    n.Amount,
		AmountBTC: n.AmountBTC,
		Currency:  n.Currency,
		Status:    paymentdomain.PaymentStatusConfirmed,
		Metadata:  n.Metadata,
	}

	// The insert carries the idempotency check: a replayed tx_id trips
	// the unique index and rolls the whole credit back.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(payment).Error; err != nil {
			return err
		}
		if _, err := s.ledger.Credit(ctx, tx, n.AccountID, accountdomain.LinePinning, n.Amount); err != nil {
			return err
		}
		return s.ledger.RecordInvoice(ctx, tx, &ledgerdomain.Invoice{
			AccountID: n.AccountID,
			TxID:      txID,
			Amount:    n.Amount,
			Currency:  n.Currency,
		})
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			var existing paymentdomain.Payment
			if lookupErr := s.db.WithContext(ctx).First(&existing, "tx_id = ?", txID).Error; lookupErr != nil {
				return paymentdomain.Result{}, lookupErr
			}
			s.log.Info("duplicate payment notification ignored",
				zap.String("tx_id", txID),
				zap.String("account_id", n.AccountID.String()),
			)
			return paymentdomain.Result{Payment: &existing, Duplicate: true}, nil
		}
		return paymentdomain.Result{}, err
	}

	s.log.Info("payment credited",
		zap.String("tx_id", txID),
		zap.String("account_id", n.AccountID.String()),
		zap.String("amount", n.Amount.String()),
	)
	return paymentdomain.Result{Payment: payment}, nil
}
