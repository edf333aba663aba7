package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PullRecord is one real fallback pull as stored in the journal.
// Replays served from the cooldown window are not recorded.
type PullRecord struct {
	ID          uint                `gorm:"primaryKey" json:"id"`
	Symbol      string              `gorm:"size:32;index:idx_pull_symbol_time,priority:1" json:"symbol"`
	Mid         decimal.NullDecimal `gorm:"type:text" json:"mid"`
	Bid         decimal.NullDecimal `gorm:"type:text" json:"bid"`
	Ask         decimal.NullDecimal `gorm:"type:text" json:"ask"`
	Error       string              `json:"error,omitempty"`
	RateLimited bool                `gorm:"index" json:"rate_limited"`
	AttemptedAt time.Time           `gorm:"index:idx_pull_symbol_time,priority:2" json:"attempted_at"`
}

// NewPullRecord builds a journal row from a pull outcome.
func NewPullRecord(symbol string, p PulledPrice, err error, at time.Time) PullRecord {
	rec := PullRecord{
		Symbol:      symbol,
		Bid:         p.Bid,
		Ask:         p.Ask,
		AttemptedAt: at,
	}
	if price, ok := p.Price(); ok {
		rec.Mid = decimal.NewNullDecimal(price)
	}
	if err != nil {
		rec.Error = err.Error()
		rec.RateLimited = IsRateLimited(err)
	}
	return rec
}

// Succeeded reports whether the pull produced a price.
func (r PullRecord) Succeeded() bool {
	return r.Error == "" && r.Mid.Valid
}
