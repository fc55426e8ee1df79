package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/coti-io/price-service/internal/apperror"
	"github.com/coti-io/price-service/internal/rates"
	"github.com/coti-io/price-service/internal/storage"
)

// Gate serializes the on-demand check-then-fetch-then-insert sequence so
// concurrent callers requesting the same missing minute produce exactly one
// upstream call and one stored row.
type Gate struct {
	name           string
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	store          storage.SampleStore
	fetcher        rates.Fetcher
	logger         zerolog.Logger
	now            func() time.Time
}

// New constructs a single-slot gate over the named lock scope.
func New(name string, acquireTimeout time.Duration, store storage.SampleStore, fetcher rates.Fetcher, logger zerolog.Logger) *Gate {
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	return &Gate{
		name:           name,
		sem:            semaphore.NewWeighted(1),
		acquireTimeout: acquireTimeout,
		store:          store,
		fetcher:        fetcher,
		logger:         logger.With().Str("component", "fetch_gate").Str("lock", name).Logger(),
		now:            time.Now,
	}
}

// FetchAndStore resolves a missing sample for the minute containing at.
// The hold is exclusive: after acquiring, the store is re-checked before any
// upstream call, since another holder may have just inserted the sample.
// Acquisition timeout surfaces as a retryable contention error.
func (g *Gate) FetchAndStore(ctx context.Context, currency storage.Currency, at time.Time, canonicalOnly bool) (*storage.PriceSample, error) {
	minute := storage.MinuteOf(at)

	acquireCtx, cancel := context.WithTimeout(ctx, g.acquireTimeout)
	defer cancel()
	if err := g.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, apperror.Wrap(apperror.LockContention, "fetch gate busy", err)
	}
	defer g.sem.Release(1)

	sample, err := g.store.GetSampleAt(ctx, currency.ID, minute)
	if err != nil {
		return nil, err
	}
	if sample != nil {
		g.logger.Debug().Str("currency", currency.Symbol).Time("minute", minute).Msg("sample appeared while waiting for gate")
		return sample, nil
	}

	// The current minute is fetched live; anything older goes through the
	// historical path.
	fetchAt := minute
	if minute.Equal(storage.MinuteOf(g.now())) {
		fetchAt = time.Time{}
	}

	quote, err := g.fetcher.Fetch(ctx, currency.Symbol, fetchAt, canonicalOnly)
	if err != nil {
		return nil, err
	}
	if quote.Empty() {
		return nil, apperror.New(apperror.NoSourcesAvailable, fmt.Sprintf("no source returned a price for %s", currency.Symbol))
	}
	if _, ok := quote.Canonical(); !ok {
		return nil, apperror.New(apperror.NotFound, fmt.Sprintf("could not resolve canonical price for %s at %s", currency.Symbol, minute.Format(time.RFC3339)))
	}

	if err := g.store.InsertSampleIfAbsent(ctx, currency.ID, minute, quote.Sources, quote.Average); err != nil {
		return nil, err
	}

	g.logger.Info().Str("currency", currency.Symbol).Time("minute", minute).Int("sources", len(quote.Sources)).Msg("sample fetched and stored on demand")

	return g.store.GetSampleAt(ctx, currency.ID, minute)
}
