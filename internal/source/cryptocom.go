package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CryptoComSource reads ticker prices from the Crypto.com public API.
type CryptoComSource struct {
	opts    ExchangeOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCryptoCom constructs a Crypto.com adapter.
func NewCryptoCom(opts ExchangeOptions, logger zerolog.Logger) *CryptoComSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.crypto.com"
	}
	return &CryptoComSource{
		opts:    opts,
		logger:  logger.With().Str("component", "source_cryptocom").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (s *CryptoComSource) Name() string { return CryptoCom }

func (s *CryptoComSource) SupportsHistorical() bool { return false }

func (s *CryptoComSource) Quote(ctx context.Context, currency string, at time.Time) (decimal.Decimal, error) {
	if !at.IsZero() {
		return decimal.Decimal{}, errHistoricalUnsupported(CryptoCom)
	}

	endpoint := s.baseURL + "/v2/public/get-ticker?instrument_name=" + url.QueryEscape(UpstreamSymbol(CryptoCom, currency))

	var payload struct {
		Code   int `json:"code"`
		Result struct {
			Data []struct {
				LastTrade decimal.Decimal `json:"a"`
			} `json:"data"`
		} `json:"result"`
	}
	err := getJSON(ctx, s.client, endpoint, s.opts.UserAgent, nil, func(body []byte) error {
		return json.Unmarshal(body, &payload)
	})
	if err != nil {
		return decimal.Decimal{}, unavailable(CryptoCom, err)
	}

	if payload.Code != 0 {
		return decimal.Decimal{}, unavailable(CryptoCom, fmt.Errorf("api code %d", payload.Code))
	}
	if len(payload.Result.Data) == 0 {
		return decimal.Decimal{}, unavailable(CryptoCom, errors.New("empty ticker data"))
	}

	return positivePrice(CryptoCom, payload.Result.Data[0].LastTrade)
}

var _ Source = (*CryptoComSource)(nil)
