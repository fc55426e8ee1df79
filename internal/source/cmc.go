package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CMCOptions parameterise the CoinMarketCap adapter.
type CMCOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// CMCSource reads quotes from the CoinMarketCap pro API. It is the only
// source that serves historical quotes and is the canonical source for
// fallback and gap-fill pricing.
type CMCSource struct {
	opts    CMCOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCMC constructs a CoinMarketCap adapter.
func NewCMC(opts CMCOptions, logger zerolog.Logger) *CMCSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://pro-api.coinmarketcap.com"
	}
	return &CMCSource{
		opts:    opts,
		logger:  logger.With().Str("component", "source_cmc").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (s *CMCSource) Name() string { return CoinMarketCap }

func (s *CMCSource) SupportsHistorical() bool { return true }

func (s *CMCSource) Quote(ctx context.Context, currency string, at time.Time) (decimal.Decimal, error) {
	if at.IsZero() {
		return s.liveQuote(ctx, currency)
	}
	return s.historicalQuote(ctx, currency, at)
}

func (s *CMCSource) liveQuote(ctx context.Context, currency string) (decimal.Decimal, error) {
	symbol := UpstreamSymbol(CoinMarketCap, currency)
	endpoint := s.baseURL + "/v2/cryptocurrency/quotes/latest?convert=USD&symbol=" + url.QueryEscape(symbol)

	var payload struct {
		Status cmcStatus                 `json:"status"`
		Data   map[string][]cmcQuoteItem `json:"data"`
	}
	err := getJSON(ctx, s.client, endpoint, s.opts.UserAgent, s.headers(), func(body []byte) error {
		return json.Unmarshal(body, &payload)
	})
	if err != nil {
		return decimal.Decimal{}, unavailable(CoinMarketCap, err)
	}
	if err := payload.Status.check(); err != nil {
		return decimal.Decimal{}, unavailable(CoinMarketCap, err)
	}

	items := payload.Data[symbol]
	if len(items) == 0 {
		return decimal.Decimal{}, unavailable(CoinMarketCap, errors.New("symbol not found"))
	}

	usd, ok := items[0].Quote["USD"]
	if !ok {
		return decimal.Decimal{}, unavailable(CoinMarketCap, errors.New("missing USD quote"))
	}
	return positivePrice(CoinMarketCap, usd.Price)
}

// historicalQuote requests the 5-minute bucket at or before the instant,
// matching the upstream's caching granularity.
func (s *CMCSource) historicalQuote(ctx context.Context, currency string, at time.Time) (decimal.Decimal, error) {
	symbol := UpstreamSymbol(CoinMarketCap, currency)
	bucket := HistoricalBucket(at)

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("convert", "USD")
	query.Set("interval", "5m")
	query.Set("count", "1")
	query.Set("time_end", strconv.FormatInt(bucket.Unix(), 10))
	endpoint := s.baseURL + "/v2/cryptocurrency/quotes/historical?" + query.Encode()

	s.logger.Debug().Time("at", at).Time("bucket", bucket).Str("symbol", symbol).Msg("requesting historical quote")

	var payload struct {
		Status cmcStatus `json:"status"`
		Data   struct {
			Quotes []struct {
				Timestamp time.Time               `json:"timestamp"`
				Quote     map[string]cmcUSDQuote `json:"quote"`
			} `json:"quotes"`
		} `json:"data"`
	}
	err := getJSON(ctx, s.client, endpoint, s.opts.UserAgent, s.headers(), func(body []byte) error {
		return json.Unmarshal(body, &payload)
	})
	if err != nil {
		return decimal.Decimal{}, unavailable(CoinMarketCap, err)
	}
	if err := payload.Status.check(); err != nil {
		return decimal.Decimal{}, unavailable(CoinMarketCap, err)
	}

	quotes := payload.Data.Quotes
	if len(quotes) == 0 {
		return decimal.Decimal{}, unavailable(CoinMarketCap, fmt.Errorf("no quote for bucket %s", bucket.Format(time.RFC3339)))
	}

	usd, ok := quotes[len(quotes)-1].Quote["USD"]
	if !ok {
		return decimal.Decimal{}, unavailable(CoinMarketCap, errors.New("missing USD quote"))
	}
	return positivePrice(CoinMarketCap, usd.Price)
}

func (s *CMCSource) headers() map[string]string {
	return map[string]string{"X-CMC_PRO_API_KEY": s.opts.APIKey}
}

type cmcStatus struct {
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (st cmcStatus) check() error {
	if st.ErrorCode != 0 {
		return fmt.Errorf("api error %d: %s", st.ErrorCode, st.ErrorMessage)
	}
	return nil
}

type cmcUSDQuote struct {
	Price decimal.Decimal `json:"price"`
}

type cmcQuoteItem struct {
	Quote map[string]cmcUSDQuote `json:"quote"`
}

var _ Source = (*CMCSource)(nil)
