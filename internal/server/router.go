package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/coti-io/price-service/internal/apperror"
	"github.com/coti-io/price-service/internal/storage"
	"github.com/coti-io/price-service/internal/version"
)

// PriceService is the application surface the transport exposes.
type PriceService interface {
	CreateCurrency(ctx context.Context, symbol string, monitorFrom time.Time) (storage.Currency, error)
	GetPriceBySource(ctx context.Context, symbol, sourceName string, at time.Time) (decimal.Decimal, time.Time, error)
	GetPriceAllSources(ctx context.Context, symbol string, at time.Time) (*storage.PriceSample, error)
}

type createCurrencyRequest struct {
	Symbol      string    `json:"symbol" binding:"required"`
	MonitorFrom time.Time `json:"monitorFrom" binding:"required"`
}

type createCurrencyResponse struct {
	Symbol      string    `json:"symbol"`
	MonitorFrom time.Time `json:"monitorFrom"`
}

type priceByDexRequest struct {
	Dex      string    `json:"dex" binding:"required"`
	Currency string    `json:"currency" binding:"required"`
	Date     time.Time `json:"date" binding:"required"`
}

type priceByDexResponse struct {
	Price string    `json:"price"`
	Date  time.Time `json:"date"`
}

type priceAllSourcesRequest struct {
	Currency string    `json:"currency" binding:"required"`
	Date     time.Time `json:"date" binding:"required"`
}

type priceAllSourcesResponse struct {
	Prices  map[string]string `json:"prices"`
	Average string            `json:"average"`
	Date    time.Time         `json:"date"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRouter wires the HTTP routes onto a gin engine.
func NewRouter(svc PriceService, logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(logger), gin.Recovery())

	h := &handlers{svc: svc}
	router.POST("/create-currency", h.createCurrency)
	router.POST("/price-by-dex", h.priceByDex)
	router.POST("/price-all-sources", h.priceAllSources)
	router.GET("/health", h.health)

	return router
}

type handlers struct {
	svc PriceService
}

func (h *handlers) createCurrency(c *gin.Context) {
	var req createCurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperror.Wrap(apperror.BadRequest, "invalid request body", err))
		return
	}

	currency, err := h.svc.CreateCurrency(c.Request.Context(), req.Symbol, req.MonitorFrom)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createCurrencyResponse{
		Symbol:      currency.Symbol,
		MonitorFrom: currency.MonitorFrom,
	})
}

func (h *handlers) priceByDex(c *gin.Context) {
	var req priceByDexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperror.Wrap(apperror.BadRequest, "invalid request body", err))
		return
	}

	price, at, err := h.svc.GetPriceBySource(c.Request.Context(), req.Currency, req.Dex, req.Date)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, priceByDexResponse{Price: price.String(), Date: at})
}

func (h *handlers) priceAllSources(c *gin.Context) {
	var req priceAllSourcesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperror.Wrap(apperror.BadRequest, "invalid request body", err))
		return
	}

	sample, err := h.svc.GetPriceAllSources(c.Request.Context(), req.Currency, req.Date)
	if err != nil {
		writeError(c, err)
		return
	}

	prices := make(map[string]string, len(sample.Sources))
	for name, price := range sample.Sources {
		prices[name] = price.String()
	}
	c.JSON(http.StatusOK, priceAllSourcesResponse{
		Prices:  prices,
		Average: sample.Average.String(),
		Date:    sample.Timestamp,
	})
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
}

func writeError(c *gin.Context, err error) {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus(), errorResponse{Code: string(appErr.Code()), Message: appErr.Message()})
		return
	}
	c.JSON(http.StatusInternalServerError, errorResponse{Code: string(apperror.StorageFailure), Message: "internal error"})
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	}
}
