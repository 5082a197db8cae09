package bandwidth

import (
	"go.uber.org/fx"

	"github.com/datahosting/pinbill/internal/bandwidth/service"
)

var Module = fx.Module("bandwidth.service",
	fx.Provide(service.NewService),
)
