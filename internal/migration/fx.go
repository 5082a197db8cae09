package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	accountdomain "github.com/datahosting/pinbill/internal/account/domain"
	backupdomain "github.com/datahosting/pinbill/internal/backup/domain"
	"github.com/datahosting/pinbill/internal/config"
	ledgerdomain "github.com/datahosting/pinbill/internal/ledger/domain"
	paymentdomain "github.com/datahosting/pinbill/internal/payment/domain"
	pindomain "github.com/datahosting/pinbill/internal/pin/domain"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// sqlite deployments (and tests) build the schema from the
			// models directly.
			return conn.AutoMigrate(
				&accountdomain.Account{},
				&pindomain.Pin{},
				&backupdomain.ReplicatedBackup{},
				&backupdomain.ReplicaChange{},
				&paymentdomain.Payment{},
				&ledgerdomain.Invoice{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
