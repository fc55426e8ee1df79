package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coti-io/price-service/internal/apperror"
)

// Source names double as the per-source column keys in stored samples.
const (
	Binance       = "binance"
	KuCoin        = "kucoin"
	Coinbase      = "coinbase"
	CryptoCom     = "crypto"
	CoinMarketCap = "coinMarketCap"
)

// Canonical is the source used for fallback and gap-fill decisions.
const Canonical = CoinMarketCap

// Names lists every configured source in column order.
var Names = []string{Binance, KuCoin, Coinbase, CryptoCom, CoinMarketCap}

// Source fetches a single USD quote from one upstream.
// A zero `at` requests the live price; otherwise the nearest supported
// historical granularity at or before `at` is requested.
type Source interface {
	Name() string
	SupportsHistorical() bool
	Quote(ctx context.Context, currency string, at time.Time) (decimal.Decimal, error)
}

const historicalGranularity = 5 * time.Minute

// Upstream quote caches lag behind real time; back off before snapping
// to a granularity boundary so the bucket is guaranteed to be published.
const historicalLag = 90 * time.Second

// HistoricalBucket snaps an instant to the upstream's cached quote window.
func HistoricalBucket(at time.Time) time.Time {
	return at.UTC().Add(-historicalLag).Truncate(historicalGranularity)
}

// IsKnown reports whether name is a configured source.
func IsKnown(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

func unavailable(name string, err error) error {
	return apperror.Wrap(apperror.SourceUnavailable, name+" quote failed", err)
}

func errHistoricalUnsupported(name string) error {
	return apperror.New(apperror.SourceUnavailable, name+" does not serve historical quotes")
}

// getJSON performs a GET with the shared header set and decodes a 2xx body.
func getJSON(ctx context.Context, client *http.Client, url, userAgent string, headers map[string]string, decode func([]byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return httpError(resp.StatusCode, payload)
	}

	return decode(payload)
}

func httpError(status int, payload []byte) error {
	if len(payload) > 0 {
		body := strings.TrimSpace(string(payload))
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("unexpected status %d: %s", status, body)
	}
	return fmt.Errorf("unexpected status %d", status)
}

func positivePrice(name string, price decimal.Decimal) (decimal.Decimal, error) {
	if price.Sign() <= 0 {
		return decimal.Decimal{}, unavailable(name, fmt.Errorf("non-positive price %s", price))
	}
	return price, nil
}
