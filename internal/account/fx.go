package account

import (
	"go.uber.org/fx"

	"github.com/datahosting/pinbill/internal/account/service"
)

var Module = fx.Module("account.service",
	fx.Provide(service.NewService),
)
