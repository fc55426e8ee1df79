package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency is a tracked symbol with the earliest minute samples should exist for.
type Currency struct {
	ID          int64
	Symbol      string
	MonitorFrom time.Time
	CreatedAt   time.Time
}

// PriceSample is one reconciled observation for a (currency, minute) pair.
// Sources holds only the sources that returned a usable price.
type PriceSample struct {
	ID         int64
	CurrencyID int64
	Timestamp  time.Time
	Sources    map[string]decimal.Decimal
	Average    decimal.Decimal
	CreatedAt  time.Time
}

// SourcePrice returns the stored price for one source when present.
func (s PriceSample) SourcePrice(name string) (decimal.Decimal, bool) {
	price, ok := s.Sources[name]
	return price, ok
}

// MinuteOf truncates an instant to its wall-clock UTC minute boundary.
// All sample timestamps are stored and compared at this granularity.
func MinuteOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// MinutesBetween counts whole minutes in the half-open range [from, to).
func MinutesBetween(from, to time.Time) int64 {
	if !from.Before(to) {
		return 0
	}
	return int64(to.Sub(from) / time.Minute)
}
