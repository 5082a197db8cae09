package backup

import (
	"go.uber.org/fx"

	"github.com/datahosting/pinbill/internal/backup/service"
)

var Module = fx.Module("backup.service",
	fx.Provide(service.NewService),
)
