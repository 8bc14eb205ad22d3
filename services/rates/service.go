package rates

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"paynode/pkg/config"
)

// Provider supplies reference prices per asset code. Implementations may
// fail transiently; callers treat any error as prices-unavailable and retry.
type Provider interface {
	Prices(ctx context.Context) (map[string]float64, error)
}

// StaticProvider serves a fixed price table, typically from configuration.
type StaticProvider struct {
	prices map[string]float64
}

func NewStaticProvider(prices map[string]float64) *StaticProvider {
	return &StaticProvider{prices: prices}
}

func (p *StaticProvider) Prices(ctx context.Context) (map[string]float64, error) {
	if len(p.prices) == 0 {
		return nil, fmt.Errorf("rates: no prices configured")
	}
	return p.prices, nil
}

var Module = fx.Module("rates.provider",
	fx.Provide(func(cfg *config.Config) Provider {
		return NewStaticProvider(cfg.Prices)
	}),
)
