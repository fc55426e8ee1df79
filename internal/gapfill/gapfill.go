package gapfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coti-io/price-service/internal/apperror"
	"github.com/coti-io/price-service/internal/rates"
	"github.com/coti-io/price-service/internal/storage"
)

// Options tune the reconciliation window and pacing.
type Options struct {
	// WindowDays is the trailing scan window.
	WindowDays int
	// SafetyOffset keeps the window end away from the live scheduler.
	SafetyOffset time.Duration
	// Throttle is the mandatory delay between minute-level backfill fetches.
	// Upstream quotas assume sequential historical requests; this is a hard
	// sequencing constraint, not an optimisation.
	Throttle time.Duration
}

// Reconciler detects and fills missing minute samples over a trailing window
// using a coarse count check before any minute-level scanning.
type Reconciler struct {
	store      storage.SampleStore
	currencies storage.CurrencyStore
	fetcher    rates.Fetcher
	opts       Options
	logger     zerolog.Logger
	now        func() time.Time
}

// New constructs a Reconciler.
func New(store storage.SampleStore, currencies storage.CurrencyStore, fetcher rates.Fetcher, opts Options, logger zerolog.Logger) *Reconciler {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 30
	}
	if opts.SafetyOffset <= 0 {
		opts.SafetyOffset = 2 * time.Minute
	}
	return &Reconciler{
		store:      store,
		currencies: currencies,
		fetcher:    fetcher,
		opts:       opts,
		logger:     logger.With().Str("component", "gap_reconciler").Logger(),
		now:        time.Now,
	}
}

// ReconcileAll runs one reconciliation pass over every tracked currency.
// Currencies are isolated: one currency's failure does not stop the others,
// and all failures are reported together.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	currencies, err := r.currencies.ListCurrencies(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, currency := range currencies {
		if err := r.ReconcileCurrency(ctx, currency); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				errs = append(errs, err)
				break
			}
			r.logger.Error().Err(err).Str("currency", currency.Symbol).Msg("reconciliation pass failed")
			errs = append(errs, fmt.Errorf("reconcile %s: %w", currency.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// ReconcileCurrency scans one currency's trailing window and backfills
// missing minutes.
func (r *Reconciler) ReconcileCurrency(ctx context.Context, currency storage.Currency) error {
	from, to := r.window(currency)
	if !from.Before(to) {
		return nil
	}

	complete, err := r.rangeComplete(ctx, currency.ID, from, to)
	if err != nil {
		return err
	}
	if complete {
		r.logger.Debug().Str("currency", currency.Symbol).Msg("trailing window complete, nothing to fill")
		return nil
	}

	r.logger.Info().Str("currency", currency.Symbol).Time("from", from).Time("to", to).Msg("gap detected in trailing window")

	// Fine pass: walk the window in day-sized sub-windows and backfill only
	// the ones whose counts mismatch.
	for subFrom := from; subFrom.Before(to); subFrom = subFrom.AddDate(0, 0, 1) {
		subTo := subFrom.AddDate(0, 0, 1)
		if subTo.After(to) {
			subTo = to
		}

		subComplete, err := r.rangeComplete(ctx, currency.ID, subFrom, subTo)
		if err != nil {
			return err
		}
		if subComplete {
			continue
		}

		if err := r.backfillRange(ctx, currency, subFrom, subTo); err != nil {
			return err
		}

		complete, err := r.rangeComplete(ctx, currency.ID, from, to)
		if err != nil {
			return err
		}
		if complete {
			break
		}
	}

	return nil
}

// window resolves the coarse scan range. The start is clamped to the
// currency's monitorFrom so a recently registered currency is not expected
// to have samples predating its registration.
func (r *Reconciler) window(currency storage.Currency) (time.Time, time.Time) {
	now := r.now().UTC()
	to := storage.MinuteOf(now.Add(-r.opts.SafetyOffset))
	from := storage.MinuteOf(now.AddDate(0, 0, -r.opts.WindowDays))
	if monitorFrom := storage.MinuteOf(currency.MonitorFrom); monitorFrom.After(from) {
		from = monitorFrom
	}
	return from, to
}

func (r *Reconciler) rangeComplete(ctx context.Context, currencyID int64, from, to time.Time) (bool, error) {
	expected := storage.MinutesBetween(from, to)
	count, err := r.store.CountSamplesInRange(ctx, currencyID, from, to)
	if err != nil {
		return false, err
	}
	return count == expected, nil
}

func (r *Reconciler) backfillRange(ctx context.Context, currency storage.Currency, from, to time.Time) error {
	for minute := from; minute.Before(to); minute = minute.Add(time.Minute) {
		exists, err := r.store.SampleExists(ctx, currency.ID, minute)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		r.logger.Debug().Str("currency", currency.Symbol).Time("minute", minute).Msg("backfilling missing minute")

		quote, err := r.fetcher.Fetch(ctx, currency.Symbol, minute, false)
		if err != nil {
			return err
		}
		if _, ok := quote.Canonical(); !ok {
			return apperror.New(apperror.NoSourcesAvailable, fmt.Sprintf("no canonical price for %s at %s", currency.Symbol, minute.Format(time.RFC3339)))
		}

		if err := r.store.InsertSampleIfAbsent(ctx, currency.ID, minute, quote.Sources, quote.Average); err != nil {
			return err
		}

		if err := r.throttle(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) throttle(ctx context.Context) error {
	if r.opts.Throttle <= 0 {
		return nil
	}
	timer := time.NewTimer(r.opts.Throttle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
