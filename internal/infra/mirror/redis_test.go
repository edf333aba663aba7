package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"live_quotes/internal/domain"

	"github.com/shopspring/decimal"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
	err  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) get(key string) ([]byte, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	return b, f.ttls[key], ok
}

func testSnapshot(symbol string) domain.Snapshot {
	return domain.NewSnapshotFromEvent(domain.RawEvent{
		Symbol: symbol,
		Bid:    decimal.NewNullDecimal(decimal.RequireFromString("99.9")),
		Ask:    decimal.NewNullDecimal(decimal.RequireFromString("100.1")),
		Seq:    42,
	}, time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC))
}

func TestMirror_WritesSnapshots(t *testing.T) {
	store := newFakeStore()
	m := NewMirror(store, time.Minute, 8, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	m.Publish(testSnapshot("SPX"))

	deadline := time.Now().Add(2 * time.Second)
	var raw []byte
	var ttl time.Duration
	for time.Now().Before(deadline) {
		var ok bool
		if raw, ttl, ok = store.get("quotes:snapshot:SPX"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if raw == nil {
		t.Fatal("snapshot was not mirrored")
	}
	if ttl != time.Minute {
		t.Errorf("ttl = %s, want 1m", ttl)
	}

	var rec snapshotRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("bad mirrored json: %v", err)
	}
	if rec.Symbol != "SPX" || rec.Seq != 42 || !rec.Mid.Decimal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("mirrored record = %+v", rec)
	}
}

func TestMirror_DropsWhenFull(t *testing.T) {
	m := NewMirror(newFakeStore(), time.Minute, 2, nil)

	// Run is not started, so the queue only holds two.
	for i := 0; i < 5; i++ {
		m.Publish(testSnapshot("SPX"))
	}

	if _, dropped := m.Stats(); dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
}

func TestMirror_WriteFailureKeepsRunning(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")
	m := NewMirror(store, time.Minute, 8, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.Publish(testSnapshot("SPX"))
	time.Sleep(20 * time.Millisecond)

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	m.Publish(testSnapshot("XSP"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if written, _ := m.Stats(); written == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if written, _ := m.Stats(); written != 1 {
		t.Errorf("written = %d, want 1", written)
	}
	if _, _, ok := store.get(Key("XSP")); !ok {
		t.Error("XSP should be mirrored after recovery")
	}
}
