package domain

import (
	"context"
	"time"
)

// StreamConnector opens sessions on a push feed.
type StreamConnector interface {
	Open(ctx context.Context) (Session, error)
}

// Session is one live connection to the push feed. It is owned by a single
// goroutine; implementations need not be safe for concurrent use.
type Session interface {
	Subscribe(ctx context.Context, symbols []string) error
	// Receive blocks until the next event arrives, the feed ends (ErrEndOfStream),
	// or ctx is done. It must return promptly once ctx is cancelled.
	Receive(ctx context.Context) (RawEvent, error)
	Close() error
}

// IncrementalSubscriber is implemented by sessions that can add symbols to a
// live subscription without reconnecting.
type IncrementalSubscriber interface {
	AddSymbols(ctx context.Context, symbols []string) error
}

// FallbackSource pulls a single instrument's price synchronously.
// Implementations bound their own latency via ctx or a client timeout.
type FallbackSource interface {
	Fetch(ctx context.Context, symbol string) (PulledPrice, error)
}

// SnapshotSink observes every snapshot the ingestion loop stores.
// Implementations must not block.
type SnapshotSink interface {
	Publish(s Snapshot)
}

// PullRecorder persists fallback pull outcomes for audit.
type PullRecorder interface {
	RecordPull(ctx context.Context, symbol string, price PulledPrice, err error, at time.Time) error
}
