package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool. All repositories are methods on
// this type; per-key atomicity is enforced through unique indexes and
// ON CONFLICT upserts.
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		// Closed 1-minute candles. Idempotent upserts key on
		// (symbol, interval, open_time); reads go through close_time.
		`CREATE TABLE IF NOT EXISTS candles_1m (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			interval VARCHAR(10) NOT NULL,
			open_time BIGINT NOT NULL,
			close_time BIGINT NOT NULL,
			open DECIMAL(30, 12) NOT NULL,
			high DECIMAL(30, 12) NOT NULL,
			low DECIMAL(30, 12) NOT NULL,
			close DECIMAL(30, 12) NOT NULL,
			volume DECIMAL(30, 12) NOT NULL DEFAULT 0,
			trades BIGINT NOT NULL DEFAULT 0,
			is_closed BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_candles_1m_key ON candles_1m(symbol, interval, open_time)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_1m_close_time ON candles_1m(symbol, interval, close_time DESC)`,

		// Indicator snapshots, one row per (symbol, ts, cfg_hash).
		`CREATE TABLE IF NOT EXISTS indicators_1m (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			ts BIGINT NOT NULL,
			cfg_hash VARCHAR(16) NOT NULL,
			open DECIMAL(30, 12) NOT NULL,
			high DECIMAL(30, 12) NOT NULL,
			low DECIMAL(30, 12) NOT NULL,
			close DECIMAL(30, 12) NOT NULL,
			ema_fast DECIMAL(30, 12) NOT NULL,
			ema_slow DECIMAL(30, 12) NOT NULL,
			atr_pct DECIMAL(30, 12) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_indicators_1m_key ON indicators_1m(symbol, ts, cfg_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_indicators_1m_ts ON indicators_1m(symbol, ts DESC)`,

		// Indicator set catalog, deduplicated on the defining tuple.
		`CREATE TABLE IF NOT EXISTS indicator_sets (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			ema_fast INT NOT NULL,
			ema_slow INT NOT NULL,
			atr_window INT NOT NULL,
			cfg_hash VARCHAR(16) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'ACTIVE',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_indicator_sets_tuple ON indicator_sets(symbol, ema_fast, ema_slow, atr_window)`,
		`CREATE INDEX IF NOT EXISTS idx_indicator_sets_status ON indicator_sets(symbol, status)`,
		`CREATE INDEX IF NOT EXISTS idx_indicator_sets_hash ON indicator_sets(cfg_hash)`,

		// Strategies bound to an indicator set and an on-chain vault.
		`CREATE TABLE IF NOT EXISTS strategies (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'ACTIVE',
			indicator_set_id BIGINT NOT NULL REFERENCES indicator_sets(id),
			cfg_hash VARCHAR(16) NOT NULL,
			params JSONB NOT NULL DEFAULT '{}',
			dex VARCHAR(20),
			alias VARCHAR(100),
			token0_address VARCHAR(64),
			token1_address VARCHAR(64),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_strategies_name_symbol ON strategies(name, symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_status ON strategies(status, symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_set ON strategies(indicator_set_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_cfg_hash ON strategies(cfg_hash, status)`,

		// Episodes. At most one OPEN row per strategy, enforced by a partial
		// unique index.
		`CREATE TABLE IF NOT EXISTS strategy_episodes (
			id BIGSERIAL PRIMARY KEY,
			strategy_id BIGINT NOT NULL REFERENCES strategies(id),
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			open_time BIGINT NOT NULL,
			open_price DECIMAL(30, 12) NOT NULL,
			pa DECIMAL(30, 12) NOT NULL,
			pb DECIMAL(30, 12) NOT NULL,
			pool_type VARCHAR(40) NOT NULL,
			mode_on_open VARCHAR(12) NOT NULL,
			majority_on_open VARCHAR(10) NOT NULL,
			target_major_pct DECIMAL(12, 8) NOT NULL,
			target_minor_pct DECIMAL(12, 8) NOT NULL,
			target_major_raw DECIMAL(12, 8) NOT NULL DEFAULT 0,
			last_event_bar INT NOT NULL DEFAULT 0,
			out_above_streak INT NOT NULL DEFAULT 0,
			out_below_streak INT NOT NULL DEFAULT 0,
			atr_streak JSONB NOT NULL DEFAULT '{}',
			close_time BIGINT,
			close_price DECIMAL(30, 12),
			close_reason VARCHAR(60),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_strategy_status ON strategy_episodes(strategy_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_strategy_open ON strategy_episodes(strategy_id, open_time DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_episodes_one_open ON strategy_episodes(strategy_id) WHERE status = 'OPEN'`,

		// Durable signal queue. Re-emission for the same key updates in place.
		`CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			strategy_id BIGINT NOT NULL,
			ts BIGINT NOT NULL,
			signal_type VARCHAR(30) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'PENDING',
			attempts INT NOT NULL DEFAULT 0,
			cfg_hash VARCHAR(16) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			steps JSONB NOT NULL DEFAULT '[]',
			episode JSONB NOT NULL DEFAULT '{}',
			last_error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_signals_key ON signals(strategy_id, ts, signal_type)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status, created_at DESC)`,

		// Ingestion watermarks.
		`CREATE TABLE IF NOT EXISTS processing_offsets (
			id BIGSERIAL PRIMARY KEY,
			stream VARCHAR(100) NOT NULL,
			last_closed_open_time BIGINT NOT NULL,
			last_sync_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_processing_offsets_stream ON processing_offsets(stream)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
