package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// UpsertActiveSet inserts an indicator set or reactivates an existing one
// with the same defining tuple. The id is written back into set.
func (db *DB) UpsertActiveSet(ctx context.Context, set *IndicatorSet) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO indicator_sets (symbol, ema_fast, ema_slow, atr_window, cfg_hash, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'ACTIVE', $6)
		ON CONFLICT (symbol, ema_fast, ema_slow, atr_window) DO UPDATE SET
			status = 'ACTIVE',
			cfg_hash = EXCLUDED.cfg_hash,
			updated_at = EXCLUDED.updated_at
		RETURNING id`

	err := db.Pool.QueryRow(ctx, query,
		set.Symbol, set.EMAFast, set.EMASlow, set.ATRWindow, set.CfgHash, time.Now(),
	).Scan(&set.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert indicator set: %w", err)
	}
	set.Status = SetStatusActive
	return nil
}

// GetActiveSetsBySymbol returns all ACTIVE indicator sets for a symbol.
func (db *DB) GetActiveSetsBySymbol(ctx context.Context, symbol string) ([]IndicatorSet, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT id, symbol, ema_fast, ema_slow, atr_window, cfg_hash, status
		FROM indicator_sets
		WHERE symbol = $1 AND status = 'ACTIVE'
		ORDER BY id`

	rows, err := db.Pool.Query(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query indicator sets: %w", err)
	}
	defer rows.Close()

	var sets []IndicatorSet
	for rows.Next() {
		var s IndicatorSet
		if err := rows.Scan(&s.ID, &s.Symbol, &s.EMAFast, &s.EMASlow, &s.ATRWindow, &s.CfgHash, &s.Status); err != nil {
			return nil, fmt.Errorf("failed to scan indicator set: %w", err)
		}
		sets = append(sets, s)
	}
	return sets, rows.Err()
}

// FindSetByTuple returns the set matching the defining tuple, or nil.
func (db *DB) FindSetByTuple(ctx context.Context, symbol string, emaFast, emaSlow, atrWindow int) (*IndicatorSet, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT id, symbol, ema_fast, ema_slow, atr_window, cfg_hash, status
		FROM indicator_sets
		WHERE symbol = $1 AND ema_fast = $2 AND ema_slow = $3 AND atr_window = $4`

	var s IndicatorSet
	err := db.Pool.QueryRow(ctx, query, symbol, emaFast, emaSlow, atrWindow).Scan(
		&s.ID, &s.Symbol, &s.EMAFast, &s.EMASlow, &s.ATRWindow, &s.CfgHash, &s.Status,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query indicator set: %w", err)
	}
	return &s, nil
}

// UpsertSnapshot writes an indicator snapshot idempotently.
func (db *DB) UpsertSnapshot(ctx context.Context, snap *IndicatorSnapshot) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO indicators_1m (
			symbol, ts, cfg_hash, open, high, low, close, ema_fast, ema_slow, atr_pct
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, ts, cfg_hash) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			ema_fast = EXCLUDED.ema_fast,
			ema_slow = EXCLUDED.ema_slow,
			atr_pct = EXCLUDED.atr_pct`

	_, err := db.Pool.Exec(ctx, query,
		snap.Symbol, snap.Ts, snap.CfgHash,
		snap.Open, snap.High, snap.Low, snap.Close,
		snap.EMAFast, snap.EMASlow, snap.ATRPct,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}
