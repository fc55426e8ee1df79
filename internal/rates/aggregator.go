package rates

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/coti-io/price-service/internal/source"
)

// Quote is the reconciled multi-source result for one currency at one instant.
type Quote struct {
	Sources map[string]decimal.Decimal
	Average decimal.Decimal
}

// Canonical returns the canonical source's price when present.
func (q Quote) Canonical() (decimal.Decimal, bool) {
	price, ok := q.Sources[source.Canonical]
	return price, ok
}

// Empty reports whether no source produced a usable price.
func (q Quote) Empty() bool {
	return len(q.Sources) == 0
}

// Fetcher is the aggregation contract consumed by the write paths.
type Fetcher interface {
	Fetch(ctx context.Context, currency string, at time.Time, canonicalOnly bool) (Quote, error)
}

// Aggregator fans a quote request out to every configured source.
type Aggregator struct {
	sources []source.Source
	logger  zerolog.Logger
}

// NewAggregator constructs an Aggregator over the given sources.
func NewAggregator(sources []source.Source, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		sources: sources,
		logger:  logger.With().Str("component", "aggregator").Logger(),
	}
}

type sourceResult struct {
	name  string
	price decimal.Decimal
	err   error
}

// Fetch races all applicable sources concurrently and waits for every one to
// settle. Failed sources and non-positive prices are excluded from both the
// per-source map and the average; a source failure never fails the call.
// A non-zero `at` restricts the fan-out to sources that serve historical
// quotes; canonicalOnly restricts it to the canonical source.
func (a *Aggregator) Fetch(ctx context.Context, currency string, at time.Time, canonicalOnly bool) (Quote, error) {
	applicable := make([]source.Source, 0, len(a.sources))
	for _, src := range a.sources {
		if canonicalOnly && src.Name() != source.Canonical {
			continue
		}
		if !at.IsZero() && !src.SupportsHistorical() {
			continue
		}
		applicable = append(applicable, src)
	}

	results := make([]sourceResult, len(applicable))
	var wg sync.WaitGroup
	for i, src := range applicable {
		wg.Add(1)
		go func(i int, src source.Source) {
			defer wg.Done()
			price, err := src.Quote(ctx, currency, at)
			results[i] = sourceResult{name: src.Name(), price: price, err: err}
		}(i, src)
	}
	wg.Wait()

	quote := Quote{Sources: make(map[string]decimal.Decimal, len(results))}
	sum := decimal.Zero
	for _, res := range results {
		if res.err != nil {
			a.logger.Warn().Err(res.err).Str("source", res.name).Str("currency", currency).Msg("source failed")
			continue
		}
		if res.price.Sign() <= 0 {
			a.logger.Warn().Str("source", res.name).Str("currency", currency).Str("price", res.price.String()).Msg("dropping non-positive price")
			continue
		}
		quote.Sources[res.name] = res.price
		sum = sum.Add(res.price)
	}

	if n := len(quote.Sources); n > 0 {
		quote.Average = sum.Div(decimal.NewFromInt(int64(n)))
	}

	return quote, nil
}

var _ Fetcher = (*Aggregator)(nil)
