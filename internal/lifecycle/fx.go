package lifecycle

import (
	"go.uber.org/fx"

	backupservice "github.com/datahosting/pinbill/internal/backup/service"
	"github.com/datahosting/pinbill/internal/lifecycle/service"
	pinservice "github.com/datahosting/pinbill/internal/pin/service"
)

var Module = fx.Module("lifecycle.service",
	fx.Provide(pinservice.NewGraceTarget),
	fx.Provide(backupservice.NewGraceTarget),
	fx.Provide(service.NewService),
)
