package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"live_quotes/internal/domain"
	"live_quotes/internal/infra"

	"golang.org/x/sync/singleflight"
)

// pullResult is the cached outcome of the last real pull for a symbol.
type pullResult struct {
	attemptedAt time.Time
	price       domain.PulledPrice
	err         error
}

// ThrottledFallback allows at most one FallbackSource call per symbol per
// cooldown window. Calls inside the window replay the previous outcome,
// including errors. Rate-limit errors do not change the window.
type ThrottledFallback struct {
	source   domain.FallbackSource
	cooldown time.Duration
	timeout  time.Duration
	recorder domain.PullRecorder
	metrics  *infra.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	results map[string]pullResult

	flight singleflight.Group
}

// ThrottleOption configures a ThrottledFallback.
type ThrottleOption func(*ThrottledFallback)

// WithFetchTimeout bounds each underlying pull.
func WithFetchTimeout(d time.Duration) ThrottleOption {
	return func(t *ThrottledFallback) {
		t.timeout = d
	}
}

// WithPullRecorder persists every real pull.
func WithPullRecorder(r domain.PullRecorder) ThrottleOption {
	return func(t *ThrottledFallback) {
		t.recorder = r
	}
}

// WithThrottleMetrics attaches metrics.
func WithThrottleMetrics(m *infra.Metrics) ThrottleOption {
	return func(t *ThrottledFallback) {
		t.metrics = m
	}
}

// WithThrottleLogger sets the logger.
func WithThrottleLogger(l *slog.Logger) ThrottleOption {
	return func(t *ThrottledFallback) {
		if l != nil {
			t.logger = l.With("module", "throttled_fallback")
		}
	}
}

// WithThrottleClock replaces time.Now (tests).
func WithThrottleClock(now func() time.Time) ThrottleOption {
	return func(t *ThrottledFallback) {
		t.now = now
	}
}

// NewThrottledFallback wraps source with a per-symbol cooldown.
func NewThrottledFallback(source domain.FallbackSource, cooldown time.Duration, opts ...ThrottleOption) (*ThrottledFallback, error) {
	if source == nil {
		return nil, &domain.ConfigError{Field: "fallback.source", Err: fmt.Errorf("source is nil")}
	}
	if cooldown <= 0 {
		return nil, &domain.ConfigError{Field: "fallback.cooldown", Err: fmt.Errorf("must be positive, got %s", cooldown)}
	}

	t := &ThrottledFallback{
		source:   source,
		cooldown: cooldown,
		logger:   slog.Default().With("module", "throttled_fallback"),
		now:      time.Now,
		results:  make(map[string]pullResult),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Cooldown returns the configured window.
func (t *ThrottledFallback) Cooldown() time.Duration {
	return t.cooldown
}

// Fetch returns the pulled price for symbol, calling the source only when the
// last attempt is older than the cooldown. Concurrent callers for the same
// symbol share one pull; each returns early if its own ctx ends first.
func (t *ThrottledFallback) Fetch(ctx context.Context, symbol string) (domain.PulledPrice, error) {
	sym := domain.NormalizeSymbol(symbol)
	if sym == "" {
		return domain.PulledPrice{}, &domain.FetchError{Symbol: symbol, Err: domain.ErrInvalidSymbol}
	}

	if res, ok := t.cached(sym); ok {
		t.metrics.RecordThrottled()
		return res.price, res.err
	}

	if err := ctx.Err(); err != nil {
		return domain.PulledPrice{}, &domain.FetchError{Symbol: sym, Err: err}
	}

	ch := t.flight.DoChan(sym, func() (interface{}, error) {
		// Another flight may have finished between the check above and now.
		if res, ok := t.cached(sym); ok {
			t.metrics.RecordThrottled()
			return res, nil
		}
		return t.pull(ctx, sym), nil
	})

	// A caller that gives up leaves the pull running for the others.
	select {
	case r := <-ch:
		res := r.Val.(pullResult)
		return res.price, res.err
	case <-ctx.Done():
		return domain.PulledPrice{}, &domain.FetchError{Symbol: sym, Err: ctx.Err()}
	}
}

// cached returns the stored result if it is still inside the window.
func (t *ThrottledFallback) cached(sym string) (pullResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, ok := t.results[sym]
	if !ok {
		return pullResult{}, false
	}
	if t.now().Sub(res.attemptedAt) < t.cooldown {
		return res, true
	}
	return pullResult{}, false
}

// pull performs one real source call and records its outcome.
func (t *ThrottledFallback) pull(ctx context.Context, sym string) pullResult {
	attemptedAt := t.now()

	// The pull is shared by every waiting caller, so it must not die with the
	// first caller's context.
	pullCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if t.timeout > 0 {
		pullCtx, cancel = context.WithTimeout(pullCtx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	price, err := t.source.Fetch(pullCtx, sym)
	if err == nil {
		if _, ok := price.Price(); !ok {
			err = domain.ErrNoPrice
		}
	}
	if err != nil {
		err = &domain.FetchError{Symbol: sym, Err: err}
	}
	rateLimited := domain.IsRateLimited(err)
	t.metrics.RecordPull(time.Since(start), err != nil, rateLimited)

	res := pullResult{attemptedAt: attemptedAt, price: price, err: err}
	if err != nil {
		res.price = domain.PulledPrice{}
	}

	t.mu.Lock()
	t.results[sym] = res
	t.mu.Unlock()

	switch {
	case rateLimited:
		t.logger.Warn("fallback rate limited",
			slog.String("symbol", sym),
			slog.Duration("cooldown", t.cooldown),
			slog.Any("error", err),
		)
	case err != nil:
		t.logger.Warn("fallback pull failed",
			slog.String("symbol", sym),
			slog.Duration("cooldown", t.cooldown),
			slog.Any("error", err),
		)
	default:
		t.logger.Debug("fallback pull", slog.String("symbol", sym))
	}

	if t.recorder != nil {
		if rerr := t.recorder.RecordPull(pullCtx, sym, res.price, err, attemptedAt); rerr != nil {
			t.logger.Warn("failed to record pull", slog.String("symbol", sym), slog.Any("error", rerr))
		}
	}

	return res
}
