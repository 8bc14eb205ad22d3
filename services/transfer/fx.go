package transfer

import (
	"go.uber.org/fx"
)

var Module = fx.Module("transfer.service",
	fx.Provide(NewService),
)
