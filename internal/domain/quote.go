package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source tags where a resolved quote came from.
type Source string

const (
	SourceStream      Source = "stream"
	SourceFallback    Source = "fallback"
	SourceUnavailable Source = "unavailable"
)

// RawEvent is one price update delivered by a StreamConnector session.
type RawEvent struct {
	Symbol string
	Bid    decimal.NullDecimal
	Ask    decimal.NullDecimal
	Seq    uint64 // 0 if the feed has no sequence numbers
}

// PulledPrice is the result of a single FallbackSource pull.
// At least one of Mid, Last or Mark is expected to be set.
type PulledPrice struct {
	Symbol string
	Bid    decimal.NullDecimal
	Ask    decimal.NullDecimal
	Mid    decimal.NullDecimal
	Last   decimal.NullDecimal
	Mark   decimal.NullDecimal
}

// Price picks the representative price: mid, then mark, then the bid/ask
// midpoint, then last.
func (p PulledPrice) Price() (decimal.Decimal, bool) {
	if p.Mid.Valid {
		return p.Mid.Decimal, true
	}
	if p.Mark.Valid {
		return p.Mark.Decimal, true
	}
	if m := MidPrice(p.Bid, p.Ask); m.Valid {
		return m.Decimal, true
	}
	if p.Last.Valid {
		return p.Last.Decimal, true
	}
	return decimal.Zero, false
}

// ResolvedQuote is what QuoteResolver hands to callers.
type ResolvedQuote struct {
	Symbol string              `json:"symbol"`
	Bid    decimal.NullDecimal `json:"bid"`
	Ask    decimal.NullDecimal `json:"ask"`
	Mid    decimal.NullDecimal `json:"mid"`
	Source Source              `json:"source"`
	AsOf   time.Time           `json:"as_of,omitzero"`
}

// Available reports whether the quote carries a price.
func (q ResolvedQuote) Available() bool {
	return q.Source != SourceUnavailable
}

// QuoteFromSnapshot tags a snapshot as a stream quote.
func QuoteFromSnapshot(s Snapshot) ResolvedQuote {
	return ResolvedQuote{
		Symbol: s.Symbol(),
		Bid:    s.Bid(),
		Ask:    s.Ask(),
		Mid:    s.Mid(),
		Source: SourceStream,
		AsOf:   s.ObservedAt(),
	}
}

// QuoteFromPull tags a pulled price as a fallback quote. The mid field carries
// the representative price chosen by PulledPrice.Price.
func QuoteFromPull(symbol string, p PulledPrice, at time.Time) ResolvedQuote {
	q := ResolvedQuote{
		Symbol: symbol,
		Bid:    p.Bid,
		Ask:    p.Ask,
		Source: SourceFallback,
		AsOf:   at,
	}
	if price, ok := p.Price(); ok {
		q.Mid = decimal.NewNullDecimal(price)
	}
	return q
}

// UnavailableQuote has no price fields set.
func UnavailableQuote(symbol string) ResolvedQuote {
	return ResolvedQuote{Symbol: symbol, Source: SourceUnavailable}
}
