package liquidity

import (
	"go.uber.org/fx"
)

var Module = fx.Module("liquidity.service",
	fx.Provide(NewService),
)
