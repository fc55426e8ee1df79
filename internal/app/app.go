package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/coti-io/price-service/internal/config"
	"github.com/coti-io/price-service/internal/gapfill"
	"github.com/coti-io/price-service/internal/gate"
	"github.com/coti-io/price-service/internal/rates"
	"github.com/coti-io/price-service/internal/scheduler"
	"github.com/coti-io/price-service/internal/server"
	"github.com/coti-io/price-service/internal/service"
	"github.com/coti-io/price-service/internal/source"
	"github.com/coti-io/price-service/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSources() []source.Source {
	srcCfg := a.Config.Sources
	exchange := func(baseURL string) source.ExchangeOptions {
		return source.ExchangeOptions{
			BaseURL:   baseURL,
			Timeout:   srcCfg.RequestTimeout,
			UserAgent: srcCfg.UserAgent,
		}
	}

	return []source.Source{
		source.NewBinance(exchange(srcCfg.BinanceBaseURL), a.Logger),
		source.NewKuCoin(exchange(srcCfg.KuCoinBaseURL), a.Logger),
		source.NewCoinbase(exchange(srcCfg.CoinbaseBaseURL), a.Logger),
		source.NewCryptoCom(exchange(srcCfg.CryptoComBaseURL), a.Logger),
		source.NewCMC(source.CMCOptions{
			BaseURL:   srcCfg.CMCBaseURL,
			APIKey:    srcCfg.CMCAPIKey,
			Timeout:   srcCfg.RequestTimeout,
			UserAgent: srcCfg.UserAgent,
		}, a.Logger),
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) newReconciler(store *storage.Store, fetcher rates.Fetcher) *gapfill.Reconciler {
	return gapfill.New(store, store, fetcher, gapfill.Options{
		WindowDays:   a.Config.GapFill.WindowDays,
		SafetyOffset: a.Config.GapFill.SafetyOffset,
		Throttle:     a.Config.GapFill.Throttle,
	}, a.Logger)
}

// Run executes the long-running sampling service: schema bootstrap, optional
// startup reconciliation, the sampling and gap-fill task loops, and the HTTP
// listener, all bound to one signal-aware context.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.InitSchema(ctx); err != nil {
		return err
	}

	aggregator := rates.NewAggregator(a.newSources(), a.Logger)
	fetchGate := gate.New(storage.PriceFetchLock, a.Config.Gate.AcquireTimeout, store, aggregator, a.Logger)
	svc := service.New(store, store, aggregator, fetchGate, a.Logger)
	reconciler := a.newReconciler(store, aggregator)

	if a.Config.GapFill.FillAtStartup {
		a.Logger.Info().Msg("running startup reconciliation pass")
		if err := reconciler.ReconcileAll(ctx); err != nil {
			if a.Config.GapFill.EnforceAtStartup {
				return err
			}
			a.Logger.Error().Err(err).Msg("startup reconciliation incomplete, continuing")
		}
	}

	runner := scheduler.New(a.Logger)
	runner.Start(ctx,
		scheduler.Task{
			Name:     "price-sample",
			Interval: a.Config.Scheduler.SampleInterval,
			Enabled:  true,
			Run:      svc.InsertPriceSamples,
		},
		scheduler.Task{
			Name:     "gap-fill",
			Interval: a.Config.Scheduler.GapFillInterval,
			Enabled:  a.Config.GapFill.Enabled,
			Run:      reconciler.ReconcileAll,
		},
	)

	srv := server.New(a.Config.Server, server.NewRouter(svc, a.Logger), a.Logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Run(groupCtx) })
	group.Go(func() error {
		runner.Wait()
		return nil
	})

	a.Logger.Info().Msg("price service started")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("price service stopped")
	return nil
}

// ReconcileOptions configure the one-shot reconcile command.
type ReconcileOptions struct {
	Currency string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Currency string
	Limit    int
}

// ExportOptions hold parameters for exporting stored samples.
type ExportOptions struct {
	Currency  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
