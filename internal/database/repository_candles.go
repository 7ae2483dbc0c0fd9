package database

import (
	"context"
	"fmt"
	"time"
)

// UpsertCandle writes a closed candle idempotently. Re-delivery of the same
// (symbol, interval, open_time) overwrites with identical values.
func (db *DB) UpsertCandle(ctx context.Context, c *Candle) error {
	if db.Pool == nil {
		return nil // No database configured
	}

	query := `
		INSERT INTO candles_1m (
			symbol, interval, open_time, close_time,
			open, high, low, close, volume, trades, is_closed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
			close_time = EXCLUDED.close_time,
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			trades = EXCLUDED.trades,
			is_closed = EXCLUDED.is_closed`

	_, err := db.Pool.Exec(ctx, query,
		c.Symbol, c.Interval, c.OpenTime, c.CloseTime,
		c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades, c.IsClosed,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert candle: %w", err)
	}
	return nil
}

// GetLastCandles returns the last n closed candles for (symbol, interval),
// ascending by close_time.
func (db *DB) GetLastCandles(ctx context.Context, symbol, interval string, n int) ([]Candle, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT symbol, interval, open_time, close_time,
			open, high, low, close, volume, trades, is_closed
		FROM candles_1m
		WHERE symbol = $1 AND interval = $2 AND is_closed = TRUE
		ORDER BY close_time DESC
		LIMIT $3`

	rows, err := db.Pool.Query(ctx, query, symbol, interval, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []Candle
	for rows.Next() {
		var c Candle
		if err := rows.Scan(
			&c.Symbol, &c.Interval, &c.OpenTime, &c.CloseTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Trades, &c.IsClosed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending close_time order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// UpsertOffset advances the ingestion watermark for a stream key.
func (db *DB) UpsertOffset(ctx context.Context, stream string, lastClosedOpenTime int64) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO processing_offsets (stream, last_closed_open_time, last_sync_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (stream) DO UPDATE SET
			last_closed_open_time = EXCLUDED.last_closed_open_time,
			last_sync_at = EXCLUDED.last_sync_at`

	_, err := db.Pool.Exec(ctx, query, stream, lastClosedOpenTime, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert offset: %w", err)
	}
	return nil
}

// GetOffset returns the watermark for a stream key, or nil when none exists.
func (db *DB) GetOffset(ctx context.Context, stream string) (*StreamOffset, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT stream, last_closed_open_time, last_sync_at
		FROM processing_offsets
		WHERE stream = $1`

	var off StreamOffset
	err := db.Pool.QueryRow(ctx, query, stream).Scan(
		&off.Stream, &off.LastClosedOpenTime, &off.LastSyncAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query offset: %w", err)
	}
	return &off, nil
}
