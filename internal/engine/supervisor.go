package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"live_quotes/internal/domain"
	"live_quotes/internal/infra"
	"live_quotes/internal/service"

	"github.com/cenkalti/backoff/v5"
)

// errResubscribe ends a session so the next one subscribes to the grown set.
var errResubscribe = errors.New("symbol set changed")

// Config holds the supervisor timings.
type Config struct {
	ReceivePoll        time.Duration // max time one Receive call may block
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Jitter             float64 // backoff randomization factor, 0 disables
	IdleRetry          time.Duration
	StopTimeout        time.Duration
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		ReceivePoll:        time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		Jitter:             infra.DefaultJitter,
		IdleRetry:          time.Second,
		StopTimeout:        5 * time.Second,
	}
}

func (c Config) validate() error {
	if c.ReceivePoll <= 0 {
		return &domain.ConfigError{Field: "stream.receive_poll", Err: errors.New("must be positive")}
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectBaseDelay > c.ReconnectMaxDelay {
		return &domain.ConfigError{
			Field: "stream.reconnect_base_delay",
			Err:   fmt.Errorf("base delay %s must be positive and <= max delay %s", c.ReconnectBaseDelay, c.ReconnectMaxDelay),
		}
	}
	if c.IdleRetry <= 0 || c.StopTimeout <= 0 {
		return &domain.ConfigError{Field: "stream", Err: errors.New("idle retry and stop timeout must be positive")}
	}
	return nil
}

// Supervisor keeps one stream session alive for the configured symbols and
// writes every event into the SnapshotCache. It is the only owner of the
// session; everything else reads the cache.
type Supervisor struct {
	connector domain.StreamConnector
	cache     *service.SnapshotCache
	cfg       Config
	sinks     []domain.SnapshotSink
	metrics   *infra.Metrics
	logger    *slog.Logger
	now       func() time.Time

	lifecycle sync.Mutex // serializes Start and Stop

	mu       sync.Mutex
	symbols  []string
	pending  []string // added while connected, not yet sent
	cancel   context.CancelFunc
	done     chan struct{}
	draining chan struct{} // done of a loop that outlived StopTimeout

	resubscribe chan struct{}
	healthy     atomic.Bool
	generation  atomic.Uint64 // stamped on every snapshot of a session
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSinks registers sinks notified after each cache write.
func WithSinks(sinks ...domain.SnapshotSink) Option {
	return func(s *Supervisor) {
		s.sinks = append(s.sinks, sinks...)
	}
}

// WithMetrics attaches metrics.
func WithMetrics(m *infra.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l.With("module", "supervisor")
		}
	}
}

// WithClock replaces time.Now for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// NewSupervisor creates a stopped supervisor.
func NewSupervisor(connector domain.StreamConnector, cache *service.SnapshotCache, cfg Config, opts ...Option) (*Supervisor, error) {
	if connector == nil {
		return nil, &domain.ConfigError{Field: "stream.connector", Err: errors.New("connector is nil")}
	}
	if cache == nil {
		return nil, &domain.ConfigError{Field: "stream.cache", Err: errors.New("cache is nil")}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		connector:   connector,
		cache:       cache,
		cfg:         cfg,
		logger:      slog.Default().With("module", "supervisor"),
		now:         time.Now,
		resubscribe: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start merges symbols into the subscription set and starts the ingestion
// loop if it is not running. Calling it again while running grows the set;
// a live session picks the new symbols up without reconnecting when the
// connector supports it.
func (s *Supervisor) Start(symbols []string) error {
	syms := domain.NormalizeSymbols(symbols)
	if len(syms) == 0 {
		return &domain.ConfigError{Field: "stream.symbols", Err: domain.ErrEmptySymbols}
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.waitDraining()

	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for _, sym := range syms {
		if !slices.Contains(s.symbols, sym) {
			s.symbols = append(s.symbols, sym)
			added = append(added, sym)
		}
	}

	if s.cancel != nil {
		if len(added) > 0 {
			s.pending = append(s.pending, added...)
			select {
			case s.resubscribe <- struct{}{}:
			default:
			}
			s.logger.Info("symbols added", slog.Any("symbols", added))
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.pending = nil

	go s.run(ctx, s.done)

	s.logger.Info("supervisor started", slog.Any("symbols", s.symbols))
	return nil
}

// Stop cancels the loop and waits up to StopTimeout for it to exit.
// Safe to call multiple times. The cache is left intact.
func (s *Supervisor) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info("supervisor stopped")
	case <-timer.C:
		s.logger.Error("supervisor did not stop in time", slog.Duration("timeout", s.cfg.StopTimeout))
		s.mu.Lock()
		s.draining = done
		s.mu.Unlock()
	}
	s.healthy.Store(false)
}

// waitDraining blocks until a loop abandoned by a timed-out Stop has exited,
// so at most one loop ever holds a session.
func (s *Supervisor) waitDraining() {
	s.mu.Lock()
	draining := s.draining
	s.draining = nil
	s.mu.Unlock()

	if draining == nil {
		return
	}
	select {
	case <-draining:
	default:
		s.logger.Warn("waiting for previous ingestion loop to exit")
		<-draining
	}
}

// IsHealthy reports whether an event has been ingested since the current
// session connected.
func (s *Supervisor) IsHealthy() bool {
	return s.healthy.Load()
}

// Running reports whether the ingestion loop has been started and not stopped.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Symbols returns a copy of the subscription set.
func (s *Supervisor) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.symbols)
}

// Reset drops every cached snapshot.
func (s *Supervisor) Reset() {
	s.cache.Clear()
	s.logger.Info("snapshot cache cleared")
}

// run is the outer reconnect loop.
func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.healthy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervisor panic recovered", slog.Any("panic", r))
		}
	}()

	bo := infra.NewReconnectBackoff(s.cfg.ReconnectBaseDelay, s.cfg.ReconnectMaxDelay, s.cfg.Jitter)
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		symbols := s.takeSymbols()
		if len(symbols) == 0 {
			if !sleep(ctx, s.cfg.IdleRetry) {
				return
			}
			continue
		}

		err := s.session(ctx, symbols, func() {
			if failures > 0 {
				s.logger.Info("stream recovered", slog.Int("attempts", failures))
			} else {
				s.logger.Info("stream connected", slog.Int("symbols", len(symbols)))
			}
			failures = 0
			bo.Reset()
		})
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errResubscribe) {
			s.logger.Info("reconnecting to apply new symbols")
			continue
		}

		s.metrics.RecordConnectorError()
		failures++
		delay := s.nextDelay(bo)

		// One line per episode; retries inside it go to debug.
		if failures == 1 {
			s.logger.Warn("stream failure, reconnecting",
				slog.Any("error", err),
				slog.Duration("retry_in", delay),
			)
		} else {
			s.logger.Debug("stream reconnect failed",
				slog.Any("error", err),
				slog.Int("attempt", failures),
				slog.Duration("retry_in", delay),
			)
		}

		if !sleep(ctx, delay) {
			return
		}
	}
}

func (s *Supervisor) nextDelay(bo *backoff.ExponentialBackOff) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		return s.cfg.ReconnectMaxDelay
	}
	return d
}

// takeSymbols snapshots the full set for a fresh subscribe; anything pending
// is covered by it.
func (s *Supervisor) takeSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return slices.Clone(s.symbols)
}

func (s *Supervisor) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

func (s *Supervisor) takePending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

// session runs one connect/subscribe/receive cycle. onConnected is called
// once the subscribe succeeded. It always returns a non-nil error.
func (s *Supervisor) session(ctx context.Context, symbols []string, onConnected func()) error {
	sess, err := s.connector.Open(ctx)
	if err != nil {
		return domain.NewNetworkError("connect", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			s.logger.Debug("session close failed", slog.Any("error", cerr))
		}
	}()

	if err := sess.Subscribe(ctx, symbols); err != nil {
		return domain.NewNetworkError("subscribe", err)
	}

	gen := s.generation.Add(1)
	s.healthy.Store(false)
	s.metrics.RecordConnect()
	s.metrics.IncrementSessions()
	defer s.metrics.DecrementSessions()
	defer s.healthy.Store(false)
	onConnected()

	for {
		select {
		case <-s.resubscribe:
			if err := s.addSymbols(ctx, sess); err != nil {
				return err
			}
		default:
		}

		rctx, cancel := context.WithTimeout(ctx, s.cfg.ReceivePoll)
		ev, err := sess.Receive(rctx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return domain.NewNetworkError("receive", err)
		}

		s.ingest(ev, gen)
	}
}

// addSymbols sends pending symbols on the live session. Sessions without
// incremental subscribe are ended so the reconnect picks up the full set.
func (s *Supervisor) addSymbols(ctx context.Context, sess domain.Session) error {
	inc, ok := sess.(domain.IncrementalSubscriber)
	if !ok {
		if s.hasPending() {
			return errResubscribe
		}
		return nil
	}

	added := s.takePending()
	if len(added) == 0 {
		return nil
	}
	if err := inc.AddSymbols(ctx, added); err != nil {
		return domain.NewNetworkError("subscribe", err)
	}
	s.logger.Info("resubscribed", slog.Any("added", added))
	return nil
}

// ingest turns one raw event into a snapshot of session gen and stores it.
func (s *Supervisor) ingest(ev domain.RawEvent, gen uint64) {
	snap := domain.NewSnapshotFromEvent(ev, s.now()).InSession(gen)
	if snap.Symbol() == "" {
		return
	}

	if !s.cache.PutIfNewer(snap) {
		s.metrics.RecordDiscard()
		return
	}
	s.metrics.RecordEvent()
	s.healthy.Store(true)

	for _, sink := range s.sinks {
		sink.Publish(snap)
	}
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
