package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// Snapshot is the most recently observed price state of one instrument.
// It is immutable: fields are unexported and a new Snapshot replaces the old one
// on every update, so concurrent readers never observe a torn value.
type Snapshot struct {
	symbol     string
	bid        decimal.NullDecimal
	ask        decimal.NullDecimal
	mid        decimal.NullDecimal
	seq        uint64
	session    uint64
	observedAt time.Time
}

// NewSnapshot builds a Snapshot. The symbol is normalized and mid is derived
// from bid/ask; it cannot be supplied directly.
func NewSnapshot(symbol string, bid, ask decimal.NullDecimal, observedAt time.Time) Snapshot {
	return Snapshot{
		symbol:     NormalizeSymbol(symbol),
		bid:        bid,
		ask:        ask,
		mid:        MidPrice(bid, ask),
		observedAt: observedAt,
	}
}

// NewSnapshotFromEvent converts a feed event observed at the given local time.
func NewSnapshotFromEvent(ev RawEvent, observedAt time.Time) Snapshot {
	s := NewSnapshot(ev.Symbol, ev.Bid, ev.Ask, observedAt)
	s.seq = ev.Seq
	return s
}

func (s Snapshot) Symbol() string { return s.symbol }
func (s Snapshot) Bid() decimal.NullDecimal { return s.bid }
func (s Snapshot) Ask() decimal.NullDecimal { return s.ask }
func (s Snapshot) Mid() decimal.NullDecimal { return s.mid }
func (s Snapshot) ObservedAt() time.Time { return s.observedAt }

// Seq is the feed-side sequence number, 0 when the connector does not provide one.
func (s Snapshot) Seq() uint64 { return s.seq }

// Session identifies the stream session that produced s. Sequence numbers are
// only comparable between snapshots of the same session.
func (s Snapshot) Session() uint64 { return s.session }

// InSession returns a copy of s stamped with session.
func (s Snapshot) InSession(session uint64) Snapshot {
	s.session = session
	return s
}

// IsZero reports whether s is the empty Snapshot.
func (s Snapshot) IsZero() bool {
	return s.symbol == "" && s.observedAt.IsZero()
}

// Age returns how long ago the snapshot was observed, relative to now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.observedAt)
}

// IsFresh reports whether the snapshot is at most maxAge old at now.
// The boundary counts as fresh.
func (s Snapshot) IsFresh(now time.Time, maxAge time.Duration) bool {
	return s.Age(now) <= maxAge
}

// MidPrice returns (bid+ask)/2 when both sides are present and strictly positive.
func MidPrice(bid, ask decimal.NullDecimal) decimal.NullDecimal {
	if !bid.Valid || !ask.Valid {
		return decimal.NullDecimal{}
	}
	if !bid.Decimal.IsPositive() || !ask.Decimal.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(bid.Decimal.Add(ask.Decimal).Div(two))
}

// NormalizeSymbol trims and uppercases an instrument identifier.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeSymbols normalizes, drops empties and de-duplicates, preserving order.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := NormalizeSymbol(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
