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

// CoinbaseSource reads spot prices from the Coinbase public API.
type CoinbaseSource struct {
	opts    ExchangeOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCoinbase constructs a Coinbase adapter.
func NewCoinbase(opts ExchangeOptions, logger zerolog.Logger) *CoinbaseSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coinbase.com"
	}
	return &CoinbaseSource{
		opts:    opts,
		logger:  logger.With().Str("component", "source_coinbase").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (s *CoinbaseSource) Name() string { return Coinbase }

func (s *CoinbaseSource) SupportsHistorical() bool { return false }

func (s *CoinbaseSource) Quote(ctx context.Context, currency string, at time.Time) (decimal.Decimal, error) {
	if !at.IsZero() {
		return decimal.Decimal{}, errHistoricalUnsupported(Coinbase)
	}

	pair := url.PathEscape(UpstreamSymbol(Coinbase, currency))
	endpoint := s.baseURL + "/v2/prices/" + pair + "/spot"

	var payload struct {
		Data struct {
			Amount   decimal.Decimal `json:"amount"`
			Currency string          `json:"currency"`
		} `json:"data"`
	}
	err := getJSON(ctx, s.client, endpoint, s.opts.UserAgent, nil, func(body []byte) error {
		return json.Unmarshal(body, &payload)
	})
	if err != nil {
		return decimal.Decimal{}, unavailable(Coinbase, err)
	}

	return positivePrice(Coinbase, payload.Data.Amount)
}

var _ Source = (*CoinbaseSource)(nil)
