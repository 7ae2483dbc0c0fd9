package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

func scanStrategy(row interface {
	Scan(dest ...interface{}) error
}) (*Strategy, error) {
	var s Strategy
	var paramsJSON []byte
	var dex, alias, token0, token1 *string
	err := row.Scan(
		&s.ID, &s.Name, &s.Symbol, &s.Status, &s.IndicatorSetID, &s.CfgHash,
		&paramsJSON, &dex, &alias, &token0, &token1, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &s.Params); err != nil {
			return nil, fmt.Errorf("failed to decode strategy params: %w", err)
		}
	}
	s.Params.Defaults()
	if dex != nil {
		s.Vault.Dex = *dex
	}
	if alias != nil {
		s.Vault.Alias = *alias
	}
	if token0 != nil {
		s.Vault.Token0Address = *token0
	}
	if token1 != nil {
		s.Vault.Token1Address = *token1
	}
	return &s, nil
}

const strategyColumns = `id, name, symbol, status, indicator_set_id, cfg_hash,
	params, dex, alias, token0_address, token1_address, created_at, updated_at`

// UpsertStrategy inserts a strategy or updates the existing (name, symbol) row.
func (db *DB) UpsertStrategy(ctx context.Context, s *Strategy) error {
	if db.Pool == nil {
		return nil
	}

	paramsJSON, err := json.Marshal(s.Params)
	if err != nil {
		return fmt.Errorf("failed to encode strategy params: %w", err)
	}

	query := `
		INSERT INTO strategies (
			name, symbol, status, indicator_set_id, cfg_hash, params,
			dex, alias, token0_address, token1_address, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name, symbol) DO UPDATE SET
			status = EXCLUDED.status,
			indicator_set_id = EXCLUDED.indicator_set_id,
			cfg_hash = EXCLUDED.cfg_hash,
			params = EXCLUDED.params,
			dex = EXCLUDED.dex,
			alias = EXCLUDED.alias,
			token0_address = EXCLUDED.token0_address,
			token1_address = EXCLUDED.token1_address,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`

	if s.Status == "" {
		s.Status = StrategyStatusActive
	}
	err = db.Pool.QueryRow(ctx, query,
		s.Name, s.Symbol, s.Status, s.IndicatorSetID, s.CfgHash, paramsJSON,
		s.Vault.Dex, s.Vault.Alias, s.Vault.Token0Address, s.Vault.Token1Address,
		time.Now(),
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy: %w", err)
	}
	return nil
}

// GetActiveByIndicatorSet returns the ACTIVE strategies bound to a cfg_hash.
// This is the hot-path query of the ingestion dispatch chain.
func (db *DB) GetActiveByIndicatorSet(ctx context.Context, cfgHash string) ([]*Strategy, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + strategyColumns + `
		FROM strategies
		WHERE cfg_hash = $1 AND status = 'ACTIVE'
		ORDER BY id`

	rows, err := db.Pool.Query(ctx, query, cfgHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var out []*Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetStrategyByID returns one strategy, or nil when it does not exist.
func (db *DB) GetStrategyByID(ctx context.Context, id int64) (*Strategy, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE id = $1`
	s, err := scanStrategy(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query strategy: %w", err)
	}
	return s, nil
}

// ListStrategies returns all strategies, newest first.
func (db *DB) ListStrategies(ctx context.Context) ([]*Strategy, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + strategyColumns + ` FROM strategies ORDER BY created_at DESC`
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var out []*Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetStrategyStatus flips a strategy between ACTIVE and PAUSED.
func (db *DB) SetStrategyStatus(ctx context.Context, id int64, status string) error {
	if db.Pool == nil {
		return nil
	}

	query := `UPDATE strategies SET status = $2, updated_at = $3 WHERE id = $1`
	tag, err := db.Pool.Exec(ctx, query, id, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update strategy status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("strategy %d not found", id)
	}
	return nil
}
