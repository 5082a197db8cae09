package ledger

import (
	"go.uber.org/fx"

	"github.com/datahosting/pinbill/internal/ledger/service"
)

var Module = fx.Module("ledger.service",
	fx.Provide(service.NewService),
)
