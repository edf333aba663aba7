package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"live_quotes/internal/domain"

	"github.com/shopspring/decimal"
)

func setupTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "data", "journal.db"))
	if err != nil {
		t.Fatalf("failed to open test journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestNewJournal_EmptyPath(t *testing.T) {
	var ce *domain.ConfigError
	if _, err := NewJournal(""); !errors.As(err, &ce) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestJournal_RecordPullAndRecent(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

	ok := domain.PulledPrice{
		Bid:  decimal.NewNullDecimal(decimal.RequireFromString("100.0")),
		Ask:  decimal.NewNullDecimal(decimal.RequireFromString("102.0")),
		Mark: decimal.NewNullDecimal(decimal.RequireFromString("101.25")),
	}
	if err := j.RecordPull(ctx, "SPX", ok, nil, base); err != nil {
		t.Fatalf("RecordPull failed: %v", err)
	}

	rateErr := &domain.FetchError{Symbol: "SPX", Err: &domain.RateLimitError{Symbol: "SPX"}}
	if err := j.RecordPull(ctx, "SPX", domain.PulledPrice{}, rateErr, base.Add(10*time.Second)); err != nil {
		t.Fatalf("RecordPull failed: %v", err)
	}
	if err := j.RecordPull(ctx, "XSP", ok, nil, base.Add(20*time.Second)); err != nil {
		t.Fatalf("RecordPull failed: %v", err)
	}

	records, err := j.Recent(ctx, "spx", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 SPX records, got %d", len(records))
	}

	newest, oldest := records[0], records[1]
	if !newest.RateLimited || newest.Error == "" || newest.Succeeded() {
		t.Errorf("newest record should be the rate-limited failure: %+v", newest)
	}
	if !oldest.Succeeded() || !oldest.Mid.Decimal.Equal(decimal.RequireFromString("101.25")) {
		t.Errorf("oldest record mid = %v", oldest.Mid)
	}
	if !oldest.Bid.Valid || !oldest.Bid.Decimal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("oldest record bid = %v", oldest.Bid)
	}

	all, err := j.Recent(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Symbol != "XSP" {
		t.Errorf("unexpected journal contents: %+v", all)
	}
}

func TestJournal_Prune(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := domain.PulledPrice{Last: decimal.NewNullDecimal(decimal.NewFromInt(1))}
	j.RecordPull(ctx, "SPX", p, nil, now.Add(-48*time.Hour))
	j.RecordPull(ctx, "SPX", p, nil, now)

	n, err := j.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}

	left, _ := j.Recent(ctx, "SPX", 10)
	if len(left) != 1 {
		t.Errorf("expected 1 row left, got %d", len(left))
	}
}
