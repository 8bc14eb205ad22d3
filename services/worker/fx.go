package worker

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("payment.worker",
	fx.Provide(NewPoller),
	fx.Invoke(registerPoller),
)

func registerPoller(lc fx.Lifecycle, p *Poller) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Start()
			return nil
		},
		OnStop: p.Stop,
	})
}
