package gapfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coti-io/price-service/internal/rates"
	"github.com/coti-io/price-service/internal/source"
	"github.com/coti-io/price-service/internal/storage"
)

type sampleKey struct {
	currencyID int64
	minute     time.Time
}

type minuteStore struct {
	mu      sync.Mutex
	samples map[sampleKey]storage.PriceSample
	nextID  int64
}

func newMinuteStore() *minuteStore {
	return &minuteStore{samples: make(map[sampleKey]storage.PriceSample)}
}

func (m *minuteStore) put(currencyID int64, minute time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	key := sampleKey{currencyID, storage.MinuteOf(minute)}
	m.samples[key] = storage.PriceSample{ID: m.nextID, CurrencyID: currencyID, Timestamp: key.minute}
}

func (m *minuteStore) SampleExists(ctx context.Context, currencyID int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.samples[sampleKey{currencyID, storage.MinuteOf(at)}]
	return ok, nil
}

func (m *minuteStore) InsertSampleIfAbsent(ctx context.Context, currencyID int64, at time.Time, prices map[string]decimal.Decimal, average decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sampleKey{currencyID, storage.MinuteOf(at)}
	if _, ok := m.samples[key]; ok {
		return nil
	}
	m.nextID++
	m.samples[key] = storage.PriceSample{
		ID:         m.nextID,
		CurrencyID: currencyID,
		Timestamp:  key.minute,
		Sources:    prices,
		Average:    average,
	}
	return nil
}

func (m *minuteStore) GetSampleAt(ctx context.Context, currencyID int64, at time.Time) (*storage.PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sample, ok := m.samples[sampleKey{currencyID, storage.MinuteOf(at)}]; ok {
		return &sample, nil
	}
	return nil, nil
}

func (m *minuteStore) GetLatestSample(ctx context.Context, currencyID int64) (*storage.PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *storage.PriceSample
	for key, sample := range m.samples {
		if key.currencyID != currencyID {
			continue
		}
		if latest == nil || sample.Timestamp.After(latest.Timestamp) {
			s := sample
			latest = &s
		}
	}
	return latest, nil
}

func (m *minuteStore) CountSamplesInRange(ctx context.Context, currencyID int64, from, to time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for key := range m.samples {
		if key.currencyID != currencyID {
			continue
		}
		if !key.minute.Before(from) && key.minute.Before(to) {
			count++
		}
	}
	return count, nil
}

type currencyList []storage.Currency

func (c currencyList) CreateCurrency(ctx context.Context, symbol string, monitorFrom time.Time) (storage.Currency, error) {
	return storage.Currency{}, errors.New("not implemented")
}

func (c currencyList) GetCurrencyBySymbol(ctx context.Context, symbol string) (*storage.Currency, error) {
	for _, currency := range c {
		if currency.Symbol == symbol {
			cc := currency
			return &cc, nil
		}
	}
	return nil, nil
}

func (c currencyList) ListCurrencies(ctx context.Context) ([]storage.Currency, error) {
	return c, nil
}

type recordingFetcher struct {
	mu      sync.Mutex
	fetched []time.Time
	fail    map[string]bool
}

func (f *recordingFetcher) Fetch(ctx context.Context, currency string, at time.Time, canonicalOnly bool) (rates.Quote, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, at)
	f.mu.Unlock()
	if f.fail[currency] {
		return rates.Quote{}, errors.New("source adapter failed")
	}
	price := decimal.NewFromFloat(0.07)
	return rates.Quote{
		Sources: map[string]decimal.Decimal{source.CoinMarketCap: price},
		Average: price,
	}, nil
}

var fixedNow = time.Date(2023, 5, 31, 12, 0, 30, 0, time.UTC)

func newTestReconciler(store *minuteStore, currencies currencyList, fetcher *recordingFetcher, windowDays int) *Reconciler {
	r := New(store, currencies, fetcher, Options{
		WindowDays:   windowDays,
		SafetyOffset: 2 * time.Minute,
		Throttle:     0,
	}, zerolog.Nop())
	r.now = func() time.Time { return fixedNow }
	return r
}

func fillRange(store *minuteStore, currencyID int64, from, to time.Time) {
	for minute := storage.MinuteOf(from); minute.Before(to); minute = minute.Add(time.Minute) {
		store.put(currencyID, minute)
	}
}

func TestCompleteWindowPerformsNoFetches(t *testing.T) {
	store := newMinuteStore()
	currency := storage.Currency{ID: 1, Symbol: "COTI", MonitorFrom: fixedNow.AddDate(0, -3, 0)}

	from := storage.MinuteOf(fixedNow.AddDate(0, 0, -2))
	to := storage.MinuteOf(fixedNow.Add(-2 * time.Minute))
	fillRange(store, currency.ID, from, to)

	fetcher := &recordingFetcher{}
	r := newTestReconciler(store, currencyList{currency}, fetcher, 2)

	require.NoError(t, r.ReconcileAll(context.Background()))
	assert.Empty(t, fetcher.fetched, "coarse pass must short-circuit")
}

func TestSingleMissingMinuteBackfilledExactlyOnce(t *testing.T) {
	store := newMinuteStore()
	currency := storage.Currency{ID: 1, Symbol: "COTI", MonitorFrom: fixedNow.AddDate(0, -3, 0)}

	from := storage.MinuteOf(fixedNow.AddDate(0, 0, -2))
	to := storage.MinuteOf(fixedNow.Add(-2 * time.Minute))
	missing := from.Add(26 * time.Hour)
	for minute := from; minute.Before(to); minute = minute.Add(time.Minute) {
		if minute.Equal(missing) {
			continue
		}
		store.put(currency.ID, minute)
	}

	fetcher := &recordingFetcher{}
	r := newTestReconciler(store, currencyList{currency}, fetcher, 2)

	require.NoError(t, r.ReconcileAll(context.Background()))

	require.Len(t, fetcher.fetched, 1, "exactly one fetch for the missing minute")
	assert.True(t, fetcher.fetched[0].Equal(missing))

	exists, err := store.SampleExists(context.Background(), currency.ID, missing)
	require.NoError(t, err)
	assert.True(t, exists)

	// Window now complete: a second pass performs no work.
	require.NoError(t, r.ReconcileAll(context.Background()))
	assert.Len(t, fetcher.fetched, 1)
}

func TestWindowClampedToMonitorFrom(t *testing.T) {
	store := newMinuteStore()
	// Registered one day ago, well inside the 30-day window.
	monitorFrom := storage.MinuteOf(fixedNow.AddDate(0, 0, -1))
	currency := storage.Currency{ID: 1, Symbol: "COTI", MonitorFrom: monitorFrom}

	to := storage.MinuteOf(fixedNow.Add(-2 * time.Minute))
	fillRange(store, currency.ID, monitorFrom, to)

	fetcher := &recordingFetcher{}
	r := newTestReconciler(store, currencyList{currency}, fetcher, 30)

	require.NoError(t, r.ReconcileAll(context.Background()))
	assert.Empty(t, fetcher.fetched, "minutes before monitorFrom must not be expected")
}

func TestCurrencyFailuresAreIsolated(t *testing.T) {
	store := newMinuteStore()
	broken := storage.Currency{ID: 1, Symbol: "COTI", MonitorFrom: fixedNow.AddDate(0, 0, -1)}
	healthy := storage.Currency{ID: 2, Symbol: "ETH", MonitorFrom: fixedNow.AddDate(0, 0, -1)}

	to := storage.MinuteOf(fixedNow.Add(-2 * time.Minute))
	missingHealthy := storage.MinuteOf(healthy.MonitorFrom).Add(3 * time.Hour)
	for minute := storage.MinuteOf(broken.MonitorFrom); minute.Before(to); minute = minute.Add(time.Minute) {
		if !minute.Equal(missingHealthy) {
			store.put(healthy.ID, minute)
		}
		// broken currency has no samples at all
	}

	fetcher := &recordingFetcher{fail: map[string]bool{"COTI": true}}
	r := newTestReconciler(store, currencyList{broken, healthy}, fetcher, 30)

	err := r.ReconcileAll(context.Background())
	require.Error(t, err, "broken currency's pass must be reported")
	assert.Contains(t, err.Error(), "COTI")

	exists, existsErr := store.SampleExists(context.Background(), healthy.ID, missingHealthy)
	require.NoError(t, existsErr)
	assert.True(t, exists, "healthy currency must still be reconciled")
}

func TestFreshCurrencyWithEmptyWindow(t *testing.T) {
	store := newMinuteStore()
	// monitorFrom after the window end: nothing is expected yet.
	currency := storage.Currency{ID: 1, Symbol: "COTI", MonitorFrom: fixedNow.Add(time.Hour)}

	fetcher := &recordingFetcher{}
	r := newTestReconciler(store, currencyList{currency}, fetcher, 30)

	require.NoError(t, r.ReconcileAll(context.Background()))
	assert.Empty(t, fetcher.fetched)
}
