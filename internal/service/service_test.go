package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coti-io/price-service/internal/apperror"
	"github.com/coti-io/price-service/internal/rates"
	"github.com/coti-io/price-service/internal/source"
	"github.com/coti-io/price-service/internal/storage"
)

type sampleKey struct {
	currencyID int64
	minute     time.Time
}

type memStore struct {
	mu      sync.Mutex
	samples map[sampleKey]storage.PriceSample
	inserts atomic.Int64
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{samples: make(map[sampleKey]storage.PriceSample)}
}

func (m *memStore) SampleExists(ctx context.Context, currencyID int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.samples[sampleKey{currencyID, storage.MinuteOf(at)}]
	return ok, nil
}

func (m *memStore) InsertSampleIfAbsent(ctx context.Context, currencyID int64, at time.Time, prices map[string]decimal.Decimal, average decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sampleKey{currencyID, storage.MinuteOf(at)}
	if _, ok := m.samples[key]; ok {
		return nil
	}
	m.inserts.Add(1)
	m.nextID++
	copied := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		copied[k] = v
	}
	m.samples[key] = storage.PriceSample{
		ID:         m.nextID,
		CurrencyID: currencyID,
		Timestamp:  key.minute,
		Sources:    copied,
		Average:    average,
	}
	return nil
}

func (m *memStore) GetSampleAt(ctx context.Context, currencyID int64, at time.Time) (*storage.PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sample, ok := m.samples[sampleKey{currencyID, storage.MinuteOf(at)}]; ok {
		return &sample, nil
	}
	return nil, nil
}

func (m *memStore) GetLatestSample(ctx context.Context, currencyID int64) (*storage.PriceSample, error) {
	return nil, errors.New("not implemented")
}

func (m *memStore) CountSamplesInRange(ctx context.Context, currencyID int64, from, to time.Time) (int64, error) {
	return 0, errors.New("not implemented")
}

type currencyRegistry struct {
	mu         sync.Mutex
	currencies []storage.Currency
	nextID     int64
}

func (c *currencyRegistry) CreateCurrency(ctx context.Context, symbol string, monitorFrom time.Time) (storage.Currency, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, currency := range c.currencies {
		if currency.Symbol == symbol {
			return storage.Currency{}, apperror.New(apperror.Conflict, "currency "+symbol+" already exists")
		}
	}
	c.nextID++
	currency := storage.Currency{ID: c.nextID, Symbol: symbol, MonitorFrom: storage.MinuteOf(monitorFrom)}
	c.currencies = append(c.currencies, currency)
	return currency, nil
}

func (c *currencyRegistry) GetCurrencyBySymbol(ctx context.Context, symbol string) (*storage.Currency, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, currency := range c.currencies {
		if currency.Symbol == symbol {
			cc := currency
			return &cc, nil
		}
	}
	return nil, nil
}

func (c *currencyRegistry) ListCurrencies(ctx context.Context) ([]storage.Currency, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]storage.Currency(nil), c.currencies...), nil
}

type stubFetcher struct {
	calls atomic.Int64
	quote rates.Quote
	err   error
}

func (f *stubFetcher) Fetch(ctx context.Context, currency string, at time.Time, canonicalOnly bool) (rates.Quote, error) {
	f.calls.Add(1)
	if f.err != nil {
		return rates.Quote{}, f.err
	}
	return f.quote, nil
}

// recordingGate captures FetchAndStore calls and optionally writes the
// configured sample into the backing store before returning it.
type recordingGate struct {
	store *memStore

	mu            sync.Mutex
	calls         int
	lastAt        time.Time
	canonicalOnly []bool

	sample *storage.PriceSample
	err    error
}

func (g *recordingGate) FetchAndStore(ctx context.Context, currency storage.Currency, at time.Time, canonicalOnly bool) (*storage.PriceSample, error) {
	g.mu.Lock()
	g.calls++
	g.lastAt = at
	g.canonicalOnly = append(g.canonicalOnly, canonicalOnly)
	g.mu.Unlock()

	if g.err != nil {
		return nil, g.err
	}
	if g.sample != nil && g.store != nil {
		_ = g.store.InsertSampleIfAbsent(ctx, currency.ID, g.sample.Timestamp, g.sample.Sources, g.sample.Average)
	}
	return g.sample, nil
}

var fixedNow = time.Date(2023, 5, 31, 12, 0, 30, 0, time.UTC)

func newTestService(store *memStore, currencies *currencyRegistry, fetcher rates.Fetcher, gate FetchGate) *Service {
	s := New(store, currencies, fetcher, gate, zerolog.Nop())
	s.now = func() time.Time { return fixedNow }
	return s
}

func registerCurrency(t *testing.T, currencies *currencyRegistry, symbol string) storage.Currency {
	t.Helper()
	currency, err := currencies.CreateCurrency(context.Background(), symbol, fixedNow.AddDate(0, -1, 0))
	require.NoError(t, err)
	return currency
}

func canonicalSample(currencyID int64, minute time.Time, price int64) storage.PriceSample {
	p := decimal.NewFromInt(price)
	return storage.PriceSample{
		CurrencyID: currencyID,
		Timestamp:  storage.MinuteOf(minute),
		Sources:    map[string]decimal.Decimal{source.CoinMarketCap: p},
		Average:    p,
	}
}

func requireCode(t *testing.T, err error, code apperror.Code) {
	t.Helper()
	require.Error(t, err)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, code, appErr.Code())
}

func TestCreateCurrencyRequiresSymbol(t *testing.T) {
	s := newTestService(newMemStore(), &currencyRegistry{}, &stubFetcher{}, &recordingGate{})

	_, err := s.CreateCurrency(context.Background(), "", fixedNow)
	requireCode(t, err, apperror.BadRequest)
}

func TestCreateCurrencyDuplicateConflicts(t *testing.T) {
	currencies := &currencyRegistry{}
	s := newTestService(newMemStore(), currencies, &stubFetcher{}, &recordingGate{})

	_, err := s.CreateCurrency(context.Background(), "COTI", fixedNow.AddDate(0, -1, 0))
	require.NoError(t, err)

	_, err = s.CreateCurrency(context.Background(), "COTI", fixedNow.AddDate(0, -1, 0))
	requireCode(t, err, apperror.Conflict)
}

func TestQueryRejectsFutureInstant(t *testing.T) {
	currencies := &currencyRegistry{}
	registerCurrency(t, currencies, "COTI")
	gate := &recordingGate{}
	s := newTestService(newMemStore(), currencies, &stubFetcher{}, gate)

	_, _, err := s.GetPriceBySource(context.Background(), "COTI", source.CoinMarketCap, fixedNow.Add(time.Minute))
	requireCode(t, err, apperror.FutureInstant)

	_, err = s.GetPriceAllSources(context.Background(), "COTI", fixedNow.Add(time.Minute))
	requireCode(t, err, apperror.FutureInstant)

	assert.Zero(t, gate.calls)
}

func TestQueryUnknownCurrency(t *testing.T) {
	s := newTestService(newMemStore(), &currencyRegistry{}, &stubFetcher{}, &recordingGate{})

	_, _, err := s.GetPriceBySource(context.Background(), "DOGE", source.Binance, fixedNow.Add(-time.Hour))
	requireCode(t, err, apperror.NotFound)
}

func TestQueryUnknownSource(t *testing.T) {
	currencies := &currencyRegistry{}
	registerCurrency(t, currencies, "COTI")
	s := newTestService(newMemStore(), currencies, &stubFetcher{}, &recordingGate{})

	_, _, err := s.GetPriceBySource(context.Background(), "COTI", "bitfinex", fixedNow.Add(-time.Hour))
	requireCode(t, err, apperror.BadRequest)
}

func TestStoredSampleAnsweredWithoutFetch(t *testing.T) {
	store := newMemStore()
	currencies := &currencyRegistry{}
	currency := registerCurrency(t, currencies, "COTI")

	at := fixedNow.Add(-time.Hour)
	sample := canonicalSample(currency.ID, at, 7)
	require.NoError(t, store.InsertSampleIfAbsent(context.Background(), currency.ID, at, sample.Sources, sample.Average))

	gate := &recordingGate{}
	s := newTestService(store, currencies, &stubFetcher{}, gate)

	price, ts, err := s.GetPriceBySource(context.Background(), "COTI", source.CoinMarketCap, at)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(7)))
	assert.True(t, ts.Equal(storage.MinuteOf(at)))
	assert.Zero(t, gate.calls, "stored sample must not trigger a fetch")
}

func TestMissingNonCanonicalSourceIsTerminal(t *testing.T) {
	store := newMemStore()
	currencies := &currencyRegistry{}
	currency := registerCurrency(t, currencies, "COTI")

	// Sample exists but holds only the canonical figure.
	at := fixedNow.Add(-time.Hour)
	sample := canonicalSample(currency.ID, at, 7)
	require.NoError(t, store.InsertSampleIfAbsent(context.Background(), currency.ID, at, sample.Sources, sample.Average))

	gate := &recordingGate{}
	s := newTestService(store, currencies, &stubFetcher{}, gate)

	_, _, err := s.GetPriceBySource(context.Background(), "COTI", source.Binance, at)
	requireCode(t, err, apperror.NotFound)
	assert.Zero(t, gate.calls, "non-canonical misses must not re-fetch")
}

func TestMissingCanonicalFallsThroughGate(t *testing.T) {
	store := newMemStore()
	currencies := &currencyRegistry{}
	currency := registerCurrency(t, currencies, "COTI")

	at := fixedNow.Add(-time.Hour)
	fetched := canonicalSample(currency.ID, at, 9)
	gate := &recordingGate{store: store, sample: &fetched}
	s := newTestService(store, currencies, &stubFetcher{}, gate)

	price, _, err := s.GetPriceBySource(context.Background(), "COTI", source.CoinMarketCap, at)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(9)))

	require.Equal(t, 1, gate.calls)
	assert.Equal(t, []bool{true}, gate.canonicalOnly, "single-source query fetches the canonical source only")
	assert.True(t, gate.lastAt.Equal(at))
}

func TestAllSourcesQueryFetchesFullFanOut(t *testing.T) {
	store := newMemStore()
	currencies := &currencyRegistry{}
	currency := registerCurrency(t, currencies, "COTI")

	at := fixedNow.Add(-time.Hour)
	fetched := canonicalSample(currency.ID, at, 11)
	gate := &recordingGate{store: store, sample: &fetched}
	s := newTestService(store, currencies, &stubFetcher{}, gate)

	sample, err := s.GetPriceAllSources(context.Background(), "COTI", at)
	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.True(t, sample.Average.Equal(decimal.NewFromInt(11)))

	require.Equal(t, 1, gate.calls)
	assert.Equal(t, []bool{false}, gate.canonicalOnly, "all-sources query fans out to every source")
}

func TestScheduledCycleStoresOneSamplePerCurrency(t *testing.T) {
	store := newMemStore()
	currencies := &currencyRegistry{}
	coti := registerCurrency(t, currencies, "COTI")
	eth := registerCurrency(t, currencies, "ETH")

	price := decimal.NewFromFloat(0.07)
	fetcher := &stubFetcher{quote: rates.Quote{
		Sources: map[string]decimal.Decimal{source.CoinMarketCap: price, source.Binance: price},
		Average: price,
	}}
	s := newTestService(store, currencies, fetcher, &recordingGate{})

	require.NoError(t, s.InsertPriceSamples(context.Background()))

	minute := storage.MinuteOf(fixedNow)
	for _, currency := range []storage.Currency{coti, eth} {
		exists, err := store.SampleExists(context.Background(), currency.ID, minute)
		require.NoError(t, err)
		assert.True(t, exists, "cycle must store the current minute for %s", currency.Symbol)
	}
	assert.EqualValues(t, 2, fetcher.calls.Load())

	// Re-running within the same minute is a no-op.
	require.NoError(t, s.InsertPriceSamples(context.Background()))
	assert.EqualValues(t, 2, fetcher.calls.Load())
	assert.EqualValues(t, 2, store.inserts.Load())
}

func TestScheduledCycleSkipsMinuteWhenAllSourcesFail(t *testing.T) {
	store := newMemStore()
	currencies := &currencyRegistry{}
	registerCurrency(t, currencies, "COTI")

	fetcher := &stubFetcher{quote: rates.Quote{Sources: map[string]decimal.Decimal{}}}
	s := newTestService(store, currencies, fetcher, &recordingGate{})

	require.NoError(t, s.InsertPriceSamples(context.Background()), "an empty quote is skipped, not an error")
	assert.EqualValues(t, 0, store.inserts.Load())
}

func TestScheduledCycleIsolatesCurrencyFailures(t *testing.T) {
	store := newMemStore()
	currencies := &currencyRegistry{}
	registerCurrency(t, currencies, "COTI")
	eth := registerCurrency(t, currencies, "ETH")

	price := decimal.NewFromInt(3)
	fetcher := &flakyFetcher{failFor: "COTI", quote: rates.Quote{
		Sources: map[string]decimal.Decimal{source.CoinMarketCap: price},
		Average: price,
	}}
	s := newTestService(store, currencies, fetcher, &recordingGate{})

	err := s.InsertPriceSamples(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COTI")

	exists, existsErr := store.SampleExists(context.Background(), eth.ID, fixedNow)
	require.NoError(t, existsErr)
	assert.True(t, exists, "healthy currency must still be sampled")
}

type flakyFetcher struct {
	failFor string
	quote   rates.Quote
}

func (f *flakyFetcher) Fetch(ctx context.Context, currency string, at time.Time, canonicalOnly bool) (rates.Quote, error) {
	if currency == f.failFor {
		return rates.Quote{}, errors.New("upstream unavailable")
	}
	return f.quote, nil
}
