package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/coti-io/price-service/internal/apperror"
	"github.com/coti-io/price-service/internal/rates"
	"github.com/coti-io/price-service/internal/source"
	"github.com/coti-io/price-service/internal/storage"
)

// FetchGate is the serialized on-demand fetch path.
type FetchGate interface {
	FetchAndStore(ctx context.Context, currency storage.Currency, at time.Time, canonicalOnly bool) (*storage.PriceSample, error)
}

// Service orchestrates scheduled sampling, currency registration, and
// point-in-time price queries.
type Service struct {
	store      storage.SampleStore
	currencies storage.CurrencyStore
	fetcher    rates.Fetcher
	gate       FetchGate
	logger     zerolog.Logger
	now        func() time.Time
}

// New constructs the price service.
func New(store storage.SampleStore, currencies storage.CurrencyStore, fetcher rates.Fetcher, gate FetchGate, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		currencies: currencies,
		fetcher:    fetcher,
		gate:       gate,
		logger:     logger.With().Str("component", "service").Logger(),
		now:        time.Now,
	}
}

// CreateCurrency registers a currency for monitoring.
func (s *Service) CreateCurrency(ctx context.Context, symbol string, monitorFrom time.Time) (storage.Currency, error) {
	if symbol == "" {
		return storage.Currency{}, apperror.New(apperror.BadRequest, "symbol is required")
	}
	currency, err := s.currencies.CreateCurrency(ctx, symbol, monitorFrom)
	if err != nil {
		return storage.Currency{}, err
	}
	s.logger.Info().Str("currency", currency.Symbol).Time("monitor_from", currency.MonitorFrom).Msg("currency registered")
	return currency, nil
}

// InsertPriceSamples runs one scheduled sampling cycle over every tracked
// currency. Failures are isolated per currency; the cycle continues and the
// collected errors are reported to the task boundary.
func (s *Service) InsertPriceSamples(ctx context.Context) error {
	currencies, err := s.currencies.ListCurrencies(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, currency := range currencies {
		if err := s.insertSampleFor(ctx, currency); err != nil {
			s.logger.Error().Err(err).Str("currency", currency.Symbol).Msg("scheduled sample failed")
			errs = append(errs, fmt.Errorf("sample %s: %w", currency.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// insertSampleFor writes the sample for the current minute. The scheduled
// path is single-writer by construction, so the existence check alone keeps
// the write idempotent without going through the fetch gate.
func (s *Service) insertSampleFor(ctx context.Context, currency storage.Currency) error {
	minute := storage.MinuteOf(s.now())

	exists, err := s.store.SampleExists(ctx, currency.ID, minute)
	if err != nil {
		return err
	}
	if exists {
		s.logger.Debug().Str("currency", currency.Symbol).Time("minute", minute).Msg("sample already exists, skipping")
		return nil
	}

	quote, err := s.fetcher.Fetch(ctx, currency.Symbol, time.Time{}, false)
	if err != nil {
		return err
	}
	if quote.Empty() {
		s.logger.Warn().Str("currency", currency.Symbol).Time("minute", minute).Msg("no source returned a price, skipping minute")
		return nil
	}

	if err := s.store.InsertSampleIfAbsent(ctx, currency.ID, minute, quote.Sources, quote.Average); err != nil {
		return err
	}

	s.logger.Debug().Str("currency", currency.Symbol).Time("minute", minute).Int("sources", len(quote.Sources)).Msg("sample stored")
	return nil
}

// GetPriceAllSources answers a point-in-time query with the full per-source
// price map, fetching on demand when the minute has no stored sample.
func (s *Service) GetPriceAllSources(ctx context.Context, symbol string, at time.Time) (*storage.PriceSample, error) {
	currency, err := s.validateQuery(ctx, symbol, at)
	if err != nil {
		return nil, err
	}

	sample, err := s.store.GetSampleAt(ctx, currency.ID, at)
	if err != nil {
		return nil, err
	}
	if sample != nil {
		if _, ok := sample.SourcePrice(source.Canonical); ok {
			return sample, nil
		}
	}

	sample, err = s.gate.FetchAndStore(ctx, *currency, at, false)
	if err != nil {
		return nil, err
	}
	if sample == nil {
		return nil, apperror.New(apperror.NotFound, fmt.Sprintf("could not get price for %s at %s", symbol, at.Format(time.RFC3339)))
	}
	return sample, nil
}

// GetPriceBySource answers a point-in-time query for one source's figure.
// Only the canonical source falls through to a live fetch; a missing
// non-canonical value is terminal.
func (s *Service) GetPriceBySource(ctx context.Context, symbol, sourceName string, at time.Time) (decimal.Decimal, time.Time, error) {
	if !source.IsKnown(sourceName) {
		return decimal.Decimal{}, time.Time{}, apperror.New(apperror.BadRequest, fmt.Sprintf("unknown source %q", sourceName))
	}

	currency, err := s.validateQuery(ctx, symbol, at)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	sample, err := s.store.GetSampleAt(ctx, currency.ID, at)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}
	if sample != nil {
		if price, ok := sample.SourcePrice(sourceName); ok {
			return price, sample.Timestamp, nil
		}
	}

	if sourceName != source.Canonical {
		// The canonical sample (if any) already covers this minute; the
		// design does not re-fetch one missing non-canonical figure.
		return decimal.Decimal{}, time.Time{}, apperror.New(apperror.NotFound, fmt.Sprintf("price for %s on source %s not available", symbol, sourceName))
	}

	sample, err = s.gate.FetchAndStore(ctx, *currency, at, true)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}
	if sample != nil {
		if price, ok := sample.SourcePrice(sourceName); ok {
			return price, sample.Timestamp, nil
		}
	}
	return decimal.Decimal{}, time.Time{}, apperror.New(apperror.NotFound, fmt.Sprintf("could not get price for %s at %s", symbol, at.Format(time.RFC3339)))
}

// validateQuery rejects future instants and unknown currencies.
func (s *Service) validateQuery(ctx context.Context, symbol string, at time.Time) (*storage.Currency, error) {
	if at.After(s.now()) {
		return nil, apperror.New(apperror.FutureInstant, fmt.Sprintf("cannot determine future price at %s", at.Format(time.RFC3339)))
	}

	currency, err := s.currencies.GetCurrencyBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if currency == nil {
		return nil, apperror.New(apperror.NotFound, fmt.Sprintf("currency %s not found", symbol))
	}
	return currency, nil
}
