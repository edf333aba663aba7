package rest

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"live_quotes/internal/domain"

	"github.com/shopspring/decimal"
)

// SimulatedSource is a FallbackSource that answers with a jittered price
// around a fixed base, after an artificial latency.
type SimulatedSource struct {
	latency time.Duration

	mu     sync.Mutex
	prices map[string]float64
}

// NewSimulatedSource creates a simulated fallback.
func NewSimulatedSource(latency time.Duration) *SimulatedSource {
	return &SimulatedSource{
		latency: latency,
		prices: map[string]float64{
			"SPX": 5000,
			"XSP": 500,
			"NDX": 17500,
			"RUT": 2000,
			"VIX": 15,
		},
	}
}

func (s *SimulatedSource) Fetch(ctx context.Context, symbol string) (domain.PulledPrice, error) {
	sym := domain.NormalizeSymbol(symbol)
	if sym == "" {
		return domain.PulledPrice{}, domain.ErrInvalidSymbol
	}

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.PulledPrice{}, domain.NewNetworkError("fetch", ctx.Err())
		case <-timer.C:
		}
	}

	s.mu.Lock()
	base, ok := s.prices[sym]
	if !ok {
		base = 100
	}
	price := base * (1 + (rand.Float64()-0.5)*0.002)
	s.prices[sym] = price
	s.mu.Unlock()

	last := decimal.NewFromFloat(price).Round(2)
	return domain.PulledPrice{
		Symbol: sym,
		Last:   decimal.NewNullDecimal(last),
		Mark:   decimal.NewNullDecimal(last),
	}, nil
}
