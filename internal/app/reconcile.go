package app

import (
	"context"
	"fmt"

	"github.com/coti-io/price-service/internal/rates"
)

// Reconcile runs one gap-reconciliation pass and exits. With a currency set
// only that currency's window is scanned.
func (a *App) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.InitSchema(ctx); err != nil {
		return err
	}

	aggregator := rates.NewAggregator(a.newSources(), a.Logger)
	reconciler := a.newReconciler(store, aggregator)

	if opts.Currency == "" {
		return reconciler.ReconcileAll(ctx)
	}

	currency, err := store.GetCurrencyBySymbol(ctx, opts.Currency)
	if err != nil {
		return err
	}
	if currency == nil {
		return fmt.Errorf("currency %s not found", opts.Currency)
	}
	return reconciler.ReconcileCurrency(ctx, *currency)
}
