package seed

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/datahosting/pinbill/internal/clock"
	"github.com/datahosting/pinbill/internal/config"
)

// Module seeds the demo account in development environments only.
var Module = fx.Module("seed",
	fx.Invoke(func(db *gorm.DB, clk clock.Clock, cfg config.Config) error {
		if cfg.Environment != "development" {
			return nil
		}
		return EnsureDemoAccount(db, clk)
	}),
)
