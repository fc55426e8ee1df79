package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ExchangeOptions parameterise a plain exchange ticker adapter.
type ExchangeOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// BinanceSource reads spot ticker prices from the Binance public API.
type BinanceSource struct {
	opts    ExchangeOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewBinance constructs a Binance adapter.
func NewBinance(opts ExchangeOptions, logger zerolog.Logger) *BinanceSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &BinanceSource{
		opts:    opts,
		logger:  logger.With().Str("component", "source_binance").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (s *BinanceSource) Name() string { return Binance }

func (s *BinanceSource) SupportsHistorical() bool { return false }

// Quote returns the live spot price for the currency's USDT pair.
func (s *BinanceSource) Quote(ctx context.Context, currency string, at time.Time) (decimal.Decimal, error) {
	if !at.IsZero() {
		return decimal.Decimal{}, errHistoricalUnsupported(Binance)
	}

	endpoint := s.baseURL + "/api/v3/ticker/price?symbol=" + url.QueryEscape(UpstreamSymbol(Binance, currency))

	var payload struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	err := getJSON(ctx, s.client, endpoint, s.opts.UserAgent, nil, func(body []byte) error {
		return json.Unmarshal(body, &payload)
	})
	if err != nil {
		return decimal.Decimal{}, unavailable(Binance, err)
	}

	return positivePrice(Binance, payload.Price)
}

var _ Source = (*BinanceSource)(nil)
