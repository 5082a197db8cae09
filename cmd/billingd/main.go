package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/datahosting/pinbill/internal/account"
	"github.com/datahosting/pinbill/internal/backup"
	"github.com/datahosting/pinbill/internal/bandwidth"
	"github.com/datahosting/pinbill/internal/clock"
	"github.com/datahosting/pinbill/internal/config"
	"github.com/datahosting/pinbill/internal/contentstore"
	"github.com/datahosting/pinbill/internal/ledger"
	"github.com/datahosting/pinbill/internal/lifecycle"
	"github.com/datahosting/pinbill/internal/migration"
	"github.com/datahosting/pinbill/internal/payment"
	"github.com/datahosting/pinbill/internal/pin"
	"github.com/datahosting/pinbill/internal/scheduler"
	"github.com/datahosting/pinbill/internal/seed"
	"github.com/datahosting/pinbill/pkg/db"
	"github.com/datahosting/pinbill/pkg/log"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		seed.Module,
		contentstore.Module,

		// Domain services driven by the scheduler
		account.Module,
		ledger.Module,
		bandwidth.Module,
		pin.Module,
		backup.Module,
		payment.Module,
		lifecycle.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
