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

// KuCoinSource reads level-1 orderbook prices from the KuCoin public API.
type KuCoinSource struct {
	opts    ExchangeOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewKuCoin constructs a KuCoin adapter.
func NewKuCoin(opts ExchangeOptions, logger zerolog.Logger) *KuCoinSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.kucoin.com"
	}
	return &KuCoinSource{
		opts:    opts,
		logger:  logger.With().Str("component", "source_kucoin").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (s *KuCoinSource) Name() string { return KuCoin }

func (s *KuCoinSource) SupportsHistorical() bool { return false }

func (s *KuCoinSource) Quote(ctx context.Context, currency string, at time.Time) (decimal.Decimal, error) {
	if !at.IsZero() {
		return decimal.Decimal{}, errHistoricalUnsupported(KuCoin)
	}

	endpoint := s.baseURL + "/api/v1/market/orderbook/level1?symbol=" + url.QueryEscape(UpstreamSymbol(KuCoin, currency))

	var payload struct {
		Code string `json:"code"`
		Data *struct {
			Price decimal.Decimal `json:"price"`
		} `json:"data"`
	}
	err := getJSON(ctx, s.client, endpoint, s.opts.UserAgent, nil, func(body []byte) error {
		return json.Unmarshal(body, &payload)
	})
	if err != nil {
		return decimal.Decimal{}, unavailable(KuCoin, err)
	}

	if payload.Code != "200000" {
		return decimal.Decimal{}, unavailable(KuCoin, fmt.Errorf("api code %s", payload.Code))
	}
	if payload.Data == nil {
		return decimal.Decimal{}, unavailable(KuCoin, errors.New("symbol not found"))
	}

	return positivePrice(KuCoin, payload.Data.Price)
}

var _ Source = (*KuCoinSource)(nil)
