package pin

import (
	"go.uber.org/fx"

	"github.com/datahosting/pinbill/internal/pin/service"
)

var Module = fx.Module("pin.service",
	fx.Provide(service.NewService),
)
