package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coti-io/price-service/internal/apperror"
	"github.com/coti-io/price-service/internal/source"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertCurrencySQL = `INSERT INTO currencies (symbol, monitor_from)
    VALUES ($1, $2)
    RETURNING id, symbol, monitor_from, created_at;`

	selectCurrencyBySymbolSQL = `SELECT id, symbol, monitor_from, created_at
    FROM currencies
    WHERE symbol = $1;`

	listCurrenciesSQL = `SELECT id, symbol, monitor_from, created_at
    FROM currencies
    ORDER BY id;`

	sampleColumns = `id, currency_id, sample_ts, binance, kucoin, coinbase, crypto, coin_market_cap, average, created_at`

	sampleExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM price_samples WHERE currency_id = $1 AND sample_ts = $2
    );`

	insertSampleSQL = `INSERT INTO price_samples (
        currency_id,
        sample_ts,
        binance,
        kucoin,
        coinbase,
        crypto,
        coin_market_cap,
        average
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (currency_id, sample_ts) DO NOTHING;`

	selectSampleAtSQL = `SELECT ` + sampleColumns + `
    FROM price_samples
    WHERE currency_id = $1
      AND sample_ts = $2;`

	selectLatestSampleSQL = `SELECT ` + sampleColumns + `
    FROM price_samples
    WHERE currency_id = $1
    ORDER BY sample_ts DESC
    LIMIT 1;`

	countSamplesInRangeSQL = `SELECT COUNT(*)
    FROM price_samples
    WHERE currency_id = $1
      AND sample_ts >= $2
      AND sample_ts < $3;`

	listSamplesBetweenSQL = `SELECT ` + sampleColumns + `
    FROM price_samples
    WHERE currency_id = $1
      AND sample_ts >= $2
      AND sample_ts < $3
    ORDER BY sample_ts;`

	listRecentSamplesSQL = `SELECT ` + sampleColumns + `
    FROM price_samples
    WHERE currency_id = $1
    ORDER BY sample_ts DESC
    LIMIT $2;`

	seedSystemLockSQL = `INSERT INTO system_locks (name, value)
    VALUES ($1, '1')
    ON CONFLICT (name) DO NOTHING;`
)

// CurrencyStore defines the tracked-currency registry.
type CurrencyStore interface {
	CreateCurrency(ctx context.Context, symbol string, monitorFrom time.Time) (Currency, error)
	GetCurrencyBySymbol(ctx context.Context, symbol string) (*Currency, error)
	ListCurrencies(ctx context.Context) ([]Currency, error)
}

// SampleStore defines idempotent persistence of per-minute price samples.
type SampleStore interface {
	SampleExists(ctx context.Context, currencyID int64, at time.Time) (bool, error)
	InsertSampleIfAbsent(ctx context.Context, currencyID int64, at time.Time, prices map[string]decimal.Decimal, average decimal.Decimal) error
	GetSampleAt(ctx context.Context, currencyID int64, at time.Time) (*PriceSample, error)
	GetLatestSample(ctx context.Context, currencyID int64) (*PriceSample, error)
	CountSamplesInRange(ctx context.Context, currencyID int64, fromInclusive, toExclusive time.Time) (int64, error)
}

// SampleSeries exposes range reads for operator tooling.
type SampleSeries interface {
	ListSamplesBetween(ctx context.Context, currencyID int64, from, to time.Time) ([]PriceSample, error)
	ListRecentSamples(ctx context.Context, currencyID int64, limit int) ([]PriceSample, error)
}

// Store aggregates access to currencies, samples, and system locks.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CreateCurrency registers a new tracked currency. Registering an already
// known symbol fails with a conflict.
func (s *Store) CreateCurrency(ctx context.Context, symbol string, monitorFrom time.Time) (Currency, error) {
	pool, err := s.getPool()
	if err != nil {
		return Currency{}, err
	}

	existing, err := s.GetCurrencyBySymbol(ctx, symbol)
	if err != nil {
		return Currency{}, err
	}
	if existing != nil {
		return Currency{}, apperror.New(apperror.Conflict, fmt.Sprintf("currency %s already exists", symbol))
	}

	var currency Currency
	row := pool.QueryRow(ctx, insertCurrencySQL, symbol, MinuteOf(monitorFrom))
	if scanErr := row.Scan(&currency.ID, &currency.Symbol, &currency.MonitorFrom, &currency.CreatedAt); scanErr != nil {
		return Currency{}, apperror.Wrap(apperror.StorageFailure, "create currency", scanErr)
	}
	return currency, nil
}

// GetCurrencyBySymbol looks a currency up by symbol; nil when unknown.
func (s *Store) GetCurrencyBySymbol(ctx context.Context, symbol string) (*Currency, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var currency Currency
	row := pool.QueryRow(ctx, selectCurrencyBySymbolSQL, symbol)
	if scanErr := row.Scan(&currency.ID, &currency.Symbol, &currency.MonitorFrom, &currency.CreatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.Wrap(apperror.StorageFailure, "get currency", scanErr)
	}
	return &currency, nil
}

// ListCurrencies returns every tracked currency.
func (s *Store) ListCurrencies(ctx context.Context) ([]Currency, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCurrenciesSQL)
	if queryErr != nil {
		return nil, apperror.Wrap(apperror.StorageFailure, "list currencies", queryErr)
	}
	defer rows.Close()

	currencies := make([]Currency, 0)
	for rows.Next() {
		var currency Currency
		if scanErr := rows.Scan(&currency.ID, &currency.Symbol, &currency.MonitorFrom, &currency.CreatedAt); scanErr != nil {
			return nil, apperror.Wrap(apperror.StorageFailure, "scan currency", scanErr)
		}
		currencies = append(currencies, currency)
	}
	if rows.Err() != nil {
		return nil, apperror.Wrap(apperror.StorageFailure, "list currencies", rows.Err())
	}
	return currencies, nil
}

// SampleExists reports whether a sample is stored for the minute containing at.
func (s *Store) SampleExists(ctx context.Context, currencyID int64, at time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var exists bool
	if scanErr := pool.QueryRow(ctx, sampleExistsSQL, currencyID, MinuteOf(at)).Scan(&exists); scanErr != nil {
		return false, apperror.Wrap(apperror.StorageFailure, "sample exists", scanErr)
	}
	return exists, nil
}

// InsertSampleIfAbsent stores one sample for the minute containing at.
// Writing an already sampled minute is a silent no-op.
func (s *Store) InsertSampleIfAbsent(ctx context.Context, currencyID int64, at time.Time, prices map[string]decimal.Decimal, average decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	minute := MinuteOf(at)

	exists, err := s.SampleExists(ctx, currencyID, minute)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	args := []interface{}{currencyID, minute}
	for _, name := range source.Names {
		args = append(args, nullablePrice(prices, name))
	}
	args = append(args, average.String())

	if _, execErr := pool.Exec(ctx, insertSampleSQL, args...); execErr != nil {
		return apperror.Wrap(apperror.StorageFailure, "insert sample", execErr)
	}
	return nil
}

// GetSampleAt returns the sample for the minute containing at; nil when absent.
func (s *Store) GetSampleAt(ctx context.Context, currencyID int64, at time.Time) (*PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return scanOptionalSample(pool.QueryRow(ctx, selectSampleAtSQL, currencyID, MinuteOf(at)))
}

// GetLatestSample returns the most recent sample for a currency; nil when none.
func (s *Store) GetLatestSample(ctx context.Context, currencyID int64) (*PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return scanOptionalSample(pool.QueryRow(ctx, selectLatestSampleSQL, currencyID))
}

// CountSamplesInRange counts samples in [fromInclusive, toExclusive).
func (s *Store) CountSamplesInRange(ctx context.Context, currencyID int64, fromInclusive, toExclusive time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var count int64
	row := pool.QueryRow(ctx, countSamplesInRangeSQL, currencyID, MinuteOf(fromInclusive), MinuteOf(toExclusive))
	if scanErr := row.Scan(&count); scanErr != nil {
		return 0, apperror.Wrap(apperror.StorageFailure, "count samples", scanErr)
	}
	return count, nil
}

// ListSamplesBetween lists samples within [from, to) ordered by time.
func (s *Store) ListSamplesBetween(ctx context.Context, currencyID int64, from, to time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, currencyID, from, to)
	if queryErr != nil {
		return nil, apperror.Wrap(apperror.StorageFailure, "list samples between", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples ordered by descending time.
func (s *Store) ListRecentSamples(ctx context.Context, currencyID int64, limit int) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, currencyID, limit)
	if queryErr != nil {
		return nil, apperror.Wrap(apperror.StorageFailure, "list recent samples", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

// SeedSystemLock creates the named coordination row when missing.
func (s *Store) SeedSystemLock(ctx context.Context, name string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, seedSystemLockSQL, name); execErr != nil {
		return apperror.Wrap(apperror.StorageFailure, "seed system lock", execErr)
	}
	return nil
}

func nullablePrice(prices map[string]decimal.Decimal, name string) interface{} {
	if price, ok := prices[name]; ok {
		return price.String()
	}
	return nil
}

func collectSamples(rows pgx.Rows, capacityHint int) ([]PriceSample, error) {
	samples := make([]PriceSample, 0, capacityHint)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, apperror.Wrap(apperror.StorageFailure, "iterate samples", rows.Err())
	}
	return samples, nil
}

func scanOptionalSample(row pgx.Row) (*PriceSample, error) {
	sample, err := scanSample(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sample, nil
}

func scanSample(row pgx.Row) (PriceSample, error) {
	var (
		sample     PriceSample
		binance    sql.NullString
		kucoin     sql.NullString
		coinbase   sql.NullString
		crypto     sql.NullString
		cmc        sql.NullString
		averageStr string
	)

	if err := row.Scan(
		&sample.ID,
		&sample.CurrencyID,
		&sample.Timestamp,
		&binance,
		&kucoin,
		&coinbase,
		&crypto,
		&cmc,
		&averageStr,
		&sample.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PriceSample{}, err
		}
		return PriceSample{}, apperror.Wrap(apperror.StorageFailure, "scan sample", err)
	}

	sample.Sources = make(map[string]decimal.Decimal, len(source.Names))
	columns := map[string]sql.NullString{
		source.Binance:       binance,
		source.KuCoin:        kucoin,
		source.Coinbase:      coinbase,
		source.CryptoCom:     crypto,
		source.CoinMarketCap: cmc,
	}
	for name, value := range columns {
		if !value.Valid {
			continue
		}
		price, convErr := decimal.NewFromString(value.String)
		if convErr != nil {
			return PriceSample{}, apperror.Wrap(apperror.StorageFailure, "parse "+name+" price", convErr)
		}
		sample.Sources[name] = price
	}

	average, convErr := decimal.NewFromString(averageStr)
	if convErr != nil {
		return PriceSample{}, apperror.Wrap(apperror.StorageFailure, "parse average", convErr)
	}
	sample.Average = average

	return sample, nil
}
