package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coti-io/price-service/internal/source"
	"github.com/coti-io/price-service/internal/storage"
)

// Show prints the most recent samples for one currency.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Currency == "" {
		return errors.New("--currency is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	currency, err := store.GetCurrencyBySymbol(ctx, opts.Currency)
	if err != nil {
		return err
	}
	if currency == nil {
		return fmt.Errorf("currency %s not found", opts.Currency)
	}

	samples, err := store.ListRecentSamples(ctx, currency.ID, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBinance\tKuCoin\tCoinbase\tCrypto.com\tCoinMarketCap\tAverage")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.Timestamp.UTC().Format(time.RFC3339),
			formatSourcePrice(sample, source.Binance),
			formatSourcePrice(sample, source.KuCoin),
			formatSourcePrice(sample, source.Coinbase),
			formatSourcePrice(sample, source.CryptoCom),
			formatSourcePrice(sample, source.CoinMarketCap),
			formatDecimal(sample.Average, 6),
		)
	}

	writer.Flush()
	return nil
}

func formatSourcePrice(sample storage.PriceSample, name string) string {
	price, ok := sample.SourcePrice(name)
	if !ok {
		return "-"
	}
	return formatDecimal(price, 6)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
