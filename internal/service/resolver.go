package service

import (
	"context"
	"log/slog"
	"time"

	"live_quotes/internal/domain"
	"live_quotes/internal/infra"
)

const defaultPollInterval = 25 * time.Millisecond

// QuoteResolver picks a price for a symbol: a fresh stream snapshot first,
// then the throttled fallback, otherwise an unavailable quote.
// Resolve never returns an error; failures become SourceUnavailable.
type QuoteResolver struct {
	cache    *SnapshotCache
	fallback domain.FallbackSource // usually a *ThrottledFallback; nil disables fallback

	maxAge       time.Duration
	waitBudget   time.Duration
	pollInterval time.Duration

	metrics *infra.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// ResolverOption configures a QuoteResolver.
type ResolverOption func(*QuoteResolver)

// WithDefaults sets the max age and wait budget used by ResolveDefault.
func WithDefaults(maxAge, waitBudget time.Duration) ResolverOption {
	return func(r *QuoteResolver) {
		r.maxAge = maxAge
		r.waitBudget = waitBudget
	}
}

// WithPollInterval sets how often the cache is re-checked during a bounded wait.
func WithPollInterval(d time.Duration) ResolverOption {
	return func(r *QuoteResolver) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithResolverMetrics attaches metrics.
func WithResolverMetrics(m *infra.Metrics) ResolverOption {
	return func(r *QuoteResolver) {
		r.metrics = m
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *QuoteResolver) {
		if l != nil {
			r.logger = l.With("module", "resolver")
		}
	}
}

// WithResolverClock replaces time.Now for freshness checks.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *QuoteResolver) {
		r.now = now
	}
}

// NewQuoteResolver creates a resolver reading from cache. fallback may be nil.
func NewQuoteResolver(cache *SnapshotCache, fallback domain.FallbackSource, opts ...ResolverOption) *QuoteResolver {
	r := &QuoteResolver{
		cache:        cache,
		fallback:     fallback,
		maxAge:       3 * time.Second,
		pollInterval: defaultPollInterval,
		logger:       slog.Default().With("module", "resolver"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveDefault resolves with the configured max age and wait budget.
func (r *QuoteResolver) ResolveDefault(ctx context.Context, symbol string) domain.ResolvedQuote {
	return r.Resolve(ctx, symbol, r.maxAge, r.waitBudget)
}

// Resolve returns the best available quote for symbol. It blocks for at most
// waitBudget waiting on the stream, plus one fallback pull.
func (r *QuoteResolver) Resolve(ctx context.Context, symbol string, maxAge, waitBudget time.Duration) domain.ResolvedQuote {
	sym := domain.NormalizeSymbol(symbol)
	if sym == "" {
		r.metrics.RecordResolution(string(domain.SourceUnavailable))
		return domain.UnavailableQuote(symbol)
	}

	q := r.resolve(ctx, sym, maxAge, waitBudget)
	r.metrics.RecordResolution(string(q.Source))
	return q
}

func (r *QuoteResolver) resolve(ctx context.Context, sym string, maxAge, waitBudget time.Duration) domain.ResolvedQuote {
	if s, ok := r.fresh(sym, maxAge); ok {
		return domain.QuoteFromSnapshot(s)
	}

	if waitBudget > 0 {
		if s, ok := r.waitFresh(ctx, sym, maxAge, waitBudget); ok {
			return domain.QuoteFromSnapshot(s)
		}
	}

	if r.fallback == nil || ctx.Err() != nil {
		return domain.UnavailableQuote(sym)
	}

	p, err := r.fallback.Fetch(ctx, sym)
	if err != nil {
		// Already logged once per episode by the throttle.
		return domain.UnavailableQuote(sym)
	}
	if _, ok := p.Price(); !ok {
		return domain.UnavailableQuote(sym)
	}
	return domain.QuoteFromPull(sym, p, r.now())
}

func (r *QuoteResolver) fresh(sym string, maxAge time.Duration) (domain.Snapshot, bool) {
	s, ok := r.cache.Get(sym)
	if !ok || !s.IsFresh(r.now(), maxAge) {
		return domain.Snapshot{}, false
	}
	return s, true
}

// waitFresh polls the cache until a fresh snapshot shows up, the budget runs
// out, or ctx is done.
func (r *QuoteResolver) waitFresh(ctx context.Context, sym string, maxAge, budget time.Duration) (domain.Snapshot, bool) {
	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return domain.Snapshot{}, false
		case <-deadline.C:
			// One last look before giving up.
			return r.fresh(sym, maxAge)
		case <-ticker.C:
			if s, ok := r.fresh(sym, maxAge); ok {
				return s, true
			}
		}
	}
}
