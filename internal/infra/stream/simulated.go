package stream

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"live_quotes/internal/domain"

	"github.com/shopspring/decimal"
)

var simulatedBasePrices = map[string]float64{
	"SPX": 5000,
	"XSP": 500,
	"NDX": 17500,
	"RUT": 2000,
	"VIX": 15,
}

// SimulatedConnector produces random-walk quotes for local runs.
type SimulatedConnector struct {
	interval time.Duration
	spread   decimal.Decimal
}

// NewSimulatedConnector emits one quote per subscribed symbol every interval.
func NewSimulatedConnector(interval time.Duration) *SimulatedConnector {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &SimulatedConnector{
		interval: interval,
		spread:   decimal.RequireFromString("0.10"),
	}
}

func (c *SimulatedConnector) Open(ctx context.Context) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &simSession{
		interval: c.interval,
		spread:   c.spread,
		prices:   make(map[string]float64),
		closed:   make(chan struct{}),
	}, nil
}

type simSession struct {
	interval time.Duration
	spread   decimal.Decimal

	mu      sync.Mutex
	symbols []string
	prices  map[string]float64
	next    int
	seq     uint64
	lastAt  time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *simSession) Subscribe(_ context.Context, symbols []string) error {
	return s.add(symbols)
}

func (s *simSession) AddSymbols(_ context.Context, symbols []string) error {
	return s.add(symbols)
}

func (s *simSession) add(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sym := range symbols {
		if _, ok := s.prices[sym]; ok {
			continue
		}
		base, ok := simulatedBasePrices[sym]
		if !ok {
			base = 100
		}
		s.prices[sym] = base
		s.symbols = append(s.symbols, sym)
	}
	return nil
}

// Receive waits until the next tick and returns a quote for the next symbol
// in round-robin order.
func (s *simSession) Receive(ctx context.Context) (domain.RawEvent, error) {
	s.mu.Lock()
	wait := s.interval - time.Since(s.lastAt)
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.RawEvent{}, ctx.Err()
		case <-s.closed:
			return domain.RawEvent{}, domain.ErrNotConnected
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastAt = time.Now()
	if len(s.symbols) == 0 {
		return domain.RawEvent{}, domain.ErrEmptySymbols
	}

	sym := s.symbols[s.next%len(s.symbols)]
	s.next++

	// +/- 0.05% step
	price := s.prices[sym] * (1 + (rand.Float64()-0.5)*0.001)
	s.prices[sym] = price
	s.seq++

	mid := decimal.NewFromFloat(price).Round(2)
	half := s.spread.Div(decimal.NewFromInt(2))
	return domain.RawEvent{
		Symbol: sym,
		Bid:    decimal.NewNullDecimal(mid.Sub(half)),
		Ask:    decimal.NewNullDecimal(mid.Add(half)),
		Seq:    s.seq,
	}, nil
}

func (s *simSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
