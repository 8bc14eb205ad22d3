package asset

import (
	"go.uber.org/fx"
)

var Module = fx.Module("asset.service",
	fx.Provide(NewService),
)
