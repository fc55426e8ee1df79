package storage

import (
	"context"

	"github.com/coti-io/price-service/internal/apperror"
)

// PriceFetchLock names the coordination row serializing on-demand fetches.
const PriceFetchLock = "price-fetch"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS currencies (
        id BIGSERIAL PRIMARY KEY,
        symbol TEXT NOT NULL UNIQUE,
        monitor_from TIMESTAMPTZ NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE TABLE IF NOT EXISTS price_samples (
        id BIGSERIAL PRIMARY KEY,
        currency_id BIGINT NOT NULL REFERENCES currencies (id),
        sample_ts TIMESTAMPTZ NOT NULL,
        binance NUMERIC,
        kucoin NUMERIC,
        coinbase NUMERIC,
        crypto NUMERIC,
        coin_market_cap NUMERIC,
        average NUMERIC NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        CONSTRAINT price_samples_currency_minute_key UNIQUE (currency_id, sample_ts)
    );`,
	`CREATE TABLE IF NOT EXISTS system_locks (
        id BIGSERIAL PRIMARY KEY,
        name TEXT NOT NULL UNIQUE,
        value TEXT NOT NULL
    );`,
}

// InitSchema creates the persisted layout and seeds the fetch lock row.
func (s *Store) InitSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	for _, stmt := range schemaStatements {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return apperror.Wrap(apperror.StorageFailure, "init schema", execErr)
		}
	}

	return s.SeedSystemLock(ctx, PriceFetchLock)
}
