package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"live_quotes/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const writeTimeout = 2 * time.Second

// Store is the key-value write side the mirror needs.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// snapshotRecord is the JSON stored under each key.
type snapshotRecord struct {
	Symbol     string              `json:"symbol"`
	Bid        decimal.NullDecimal `json:"bid"`
	Ask        decimal.NullDecimal `json:"ask"`
	Mid        decimal.NullDecimal `json:"mid"`
	Seq        uint64              `json:"seq,omitempty"`
	ObservedAt time.Time           `json:"observed_at"`
}

// Key returns the key a symbol's snapshot is mirrored under.
func Key(symbol string) string {
	return "quotes:snapshot:" + symbol
}

// Mirror copies ingested snapshots to an external store so other processes
// can read them. Publish never blocks; snapshots are dropped when the buffer
// is full.
type Mirror struct {
	store  Store
	ttl    time.Duration
	queue  chan domain.Snapshot
	logger *slog.Logger

	dropped atomic.Uint64
	written atomic.Uint64
}

// NewMirror creates a mirror writing to store.
func NewMirror(store Store, ttl time.Duration, buffer int, logger *slog.Logger) *Mirror {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		store:  store,
		ttl:    ttl,
		queue:  make(chan domain.Snapshot, buffer),
		logger: logger.With("module", "mirror"),
	}
}

// NewRedisMirror connects to Redis and returns a mirror backed by it.
func NewRedisMirror(ctx context.Context, addr, password string, db int, ttl time.Duration, buffer int, logger *slog.Logger) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Perform a ping to ensure Redis is reachable
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewMirror(&redisStore{rdb: rdb}, ttl, buffer, logger), nil
}

// Publish queues s for writing. It implements domain.SnapshotSink.
func (m *Mirror) Publish(s domain.Snapshot) {
	select {
	case m.queue <- s:
	default:
		if m.dropped.Add(1) == 1 {
			m.logger.Warn("mirror queue full, dropping snapshots")
		}
	}
}

// Run writes queued snapshots until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-m.queue:
			err := m.write(ctx, s)
			switch {
			case err != nil && !failing:
				failing = true
				m.logger.Warn("mirror write failed", slog.String("symbol", s.Symbol()), slog.Any("error", err))
			case err != nil:
				m.logger.Debug("mirror write failed", slog.String("symbol", s.Symbol()), slog.Any("error", err))
			case failing:
				failing = false
				m.logger.Info("mirror writes recovered")
			}
		}
	}
}

func (m *Mirror) write(ctx context.Context, s domain.Snapshot) error {
	b, err := json.Marshal(snapshotRecord{
		Symbol:     s.Symbol(),
		Bid:        s.Bid(),
		Ask:        s.Ask(),
		Mid:        s.Mid(),
		Seq:        s.Seq(),
		ObservedAt: s.ObservedAt(),
	})
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := m.store.Set(wctx, Key(s.Symbol()), b, m.ttl); err != nil {
		return err
	}
	m.written.Add(1)
	return nil
}

// Stats returns how many snapshots were written and dropped.
func (m *Mirror) Stats() (written, dropped uint64) {
	return m.written.Load(), m.dropped.Load()
}

// Close releases the store.
func (m *Mirror) Close() error {
	return m.store.Close()
}

type redisStore struct {
	rdb *redis.Client
}

func (r *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *redisStore) Close() error {
	return r.rdb.Close()
}
