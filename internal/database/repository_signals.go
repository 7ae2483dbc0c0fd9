package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const signalColumns = `id, strategy_id, ts, signal_type, status, attempts,
	cfg_hash, symbol, steps, episode, last_error, created_at, updated_at`

func scanSignal(row interface {
	Scan(dest ...interface{}) error
}) (*Signal, error) {
	var sig Signal
	var stepsJSON, episodeJSON []byte
	var lastError *string
	err := row.Scan(
		&sig.ID, &sig.StrategyID, &sig.Ts, &sig.SignalType, &sig.Status, &sig.Attempts,
		&sig.CfgHash, &sig.Symbol, &stepsJSON, &episodeJSON, &lastError,
		&sig.CreatedAt, &sig.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &sig.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode signal steps: %w", err)
		}
	}
	if len(episodeJSON) > 0 {
		if err := json.Unmarshal(episodeJSON, &sig.Episode); err != nil {
			return nil, fmt.Errorf("failed to decode signal episode: %w", err)
		}
	}
	if lastError != nil {
		sig.LastError = *lastError
	}
	return &sig, nil
}

// UpsertSignal writes a plan as PENDING. Re-emission for the same
// (strategy_id, ts, signal_type) replaces steps and episode snapshot in
// place and resets the status, which is how a FAILED plan gets retried.
func (db *DB) UpsertSignal(ctx context.Context, sig *Signal) error {
	if db.Pool == nil {
		return nil
	}

	stepsJSON, err := json.Marshal(sig.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode signal steps: %w", err)
	}
	episodeJSON, err := json.Marshal(sig.Episode)
	if err != nil {
		return fmt.Errorf("failed to encode signal episode: %w", err)
	}
	if sig.Status == "" {
		sig.Status = SignalStatusPending
	}

	query := `
		INSERT INTO signals (
			strategy_id, ts, signal_type, status, attempts,
			cfg_hash, symbol, steps, episode, updated_at
		) VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $9)
		ON CONFLICT (strategy_id, ts, signal_type) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = 0,
			cfg_hash = EXCLUDED.cfg_hash,
			symbol = EXCLUDED.symbol,
			steps = EXCLUDED.steps,
			episode = EXCLUDED.episode,
			last_error = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`

	err = db.Pool.QueryRow(ctx, query,
		sig.StrategyID, sig.Ts, sig.SignalType, sig.Status,
		sig.CfgHash, sig.Symbol, stepsJSON, episodeJSON, time.Now(),
	).Scan(&sig.ID, &sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert signal: %w", err)
	}
	return nil
}

// ListPendingSignals returns up to limit PENDING signals, oldest first.
func (db *DB) ListPendingSignals(ctx context.Context, limit int) ([]*Signal, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + signalColumns + `
		FROM signals
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending signals: %w", err)
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ListSignals returns recent signals, optionally filtered by status.
func (db *DB) ListSignals(ctx context.Context, status string, limit int) ([]*Signal, error) {
	if db.Pool == nil {
		return nil, nil
	}

	var rows pgx.Rows
	var err error
	if status != "" {
		query := `SELECT ` + signalColumns + ` FROM signals
			WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		rows, err = db.Pool.Query(ctx, query, status, limit)
	} else {
		query := `SELECT ` + signalColumns + ` FROM signals
			ORDER BY created_at DESC LIMIT $1`
		rows, err = db.Pool.Query(ctx, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// MarkSignalSuccess records completion of every step of a signal.
func (db *DB) MarkSignalSuccess(ctx context.Context, sig *Signal) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		UPDATE signals SET
			status = 'EXECUTED',
			attempts = $2,
			last_error = NULL,
			updated_at = $3
		WHERE id = $1`

	_, err := db.Pool.Exec(ctx, query, sig.ID, sig.Attempts, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark signal success: %w", err)
	}
	sig.Status = SignalStatusExecuted
	return nil
}

// MarkSignalFailure records a terminal failure and its cause.
func (db *DB) MarkSignalFailure(ctx context.Context, sig *Signal, lastError string) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		UPDATE signals SET
			status = 'FAILED',
			attempts = $2,
			last_error = $3,
			updated_at = $4
		WHERE id = $1`

	_, err := db.Pool.Exec(ctx, query, sig.ID, sig.Attempts, lastError, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark signal failure: %w", err)
	}
	sig.Status = SignalStatusFailed
	sig.LastError = lastError
	return nil
}
