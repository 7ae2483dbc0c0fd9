package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const episodeColumns = `id, strategy_id, status, open_time, open_price, pa, pb,
	pool_type, mode_on_open, majority_on_open,
	target_major_pct, target_minor_pct, target_major_raw,
	last_event_bar, out_above_streak, out_below_streak, atr_streak,
	close_time, close_price, close_reason`

func scanEpisode(row interface {
	Scan(dest ...interface{}) error
}) (*Episode, error) {
	var ep Episode
	var streakJSON []byte
	var closeTime *int64
	var closePrice *float64
	var closeReason *string
	err := row.Scan(
		&ep.ID, &ep.StrategyID, &ep.Status, &ep.OpenTime, &ep.OpenPrice, &ep.Pa, &ep.Pb,
		&ep.PoolType, &ep.ModeOnOpen, &ep.MajorityOnOpen,
		&ep.TargetMajorPct, &ep.TargetMinorPct, &ep.TargetMajorRaw,
		&ep.LastEventBar, &ep.OutAboveStreak, &ep.OutBelowStreak, &streakJSON,
		&closeTime, &closePrice, &closeReason,
	)
	if err != nil {
		return nil, err
	}
	ep.ATRStreak = make(map[string]int)
	if len(streakJSON) > 0 {
		if err := json.Unmarshal(streakJSON, &ep.ATRStreak); err != nil {
			return nil, fmt.Errorf("failed to decode atr streaks: %w", err)
		}
	}
	if closeTime != nil {
		ep.CloseTime = *closeTime
	}
	if closePrice != nil {
		ep.ClosePrice = *closePrice
	}
	if closeReason != nil {
		ep.CloseReason = *closeReason
	}
	return &ep, nil
}

// GetOpenEpisode returns the strategy's OPEN episode, or nil when none.
func (db *DB) GetOpenEpisode(ctx context.Context, strategyID int64) (*Episode, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + episodeColumns + `
		FROM strategy_episodes
		WHERE strategy_id = $1 AND status = 'OPEN'`

	ep, err := scanEpisode(db.Pool.QueryRow(ctx, query, strategyID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open episode: %w", err)
	}
	return ep, nil
}

// InsertEpisode creates a new OPEN episode. The unique partial index on
// (strategy_id) WHERE status='OPEN' rejects a second open episode.
func (db *DB) InsertEpisode(ctx context.Context, ep *Episode) error {
	if db.Pool == nil {
		return nil
	}

	if ep.ATRStreak == nil {
		ep.ATRStreak = make(map[string]int)
	}
	streakJSON, err := json.Marshal(ep.ATRStreak)
	if err != nil {
		return fmt.Errorf("failed to encode atr streaks: %w", err)
	}

	query := `
		INSERT INTO strategy_episodes (
			strategy_id, status, open_time, open_price, pa, pb,
			pool_type, mode_on_open, majority_on_open,
			target_major_pct, target_minor_pct, target_major_raw,
			last_event_bar, out_above_streak, out_below_streak, atr_streak
		) VALUES ($1, 'OPEN', $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`

	err = db.Pool.QueryRow(ctx, query,
		ep.StrategyID, ep.OpenTime, ep.OpenPrice, ep.Pa, ep.Pb,
		ep.PoolType, ep.ModeOnOpen, ep.MajorityOnOpen,
		ep.TargetMajorPct, ep.TargetMinorPct, ep.TargetMajorRaw,
		ep.LastEventBar, ep.OutAboveStreak, ep.OutBelowStreak, streakJSON,
	).Scan(&ep.ID)
	if err != nil {
		return fmt.Errorf("failed to insert episode: %w", err)
	}
	ep.Status = EpisodeStatusOpen
	return nil
}

// CloseEpisode marks an episode CLOSED with its close attributes.
func (db *DB) CloseEpisode(ctx context.Context, id int64, closeTime int64, closePrice float64, reason string) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		UPDATE strategy_episodes SET
			status = 'CLOSED',
			close_time = $2,
			close_price = $3,
			close_reason = $4,
			updated_at = $5
		WHERE id = $1`

	_, err := db.Pool.Exec(ctx, query, id, closeTime, closePrice, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to close episode: %w", err)
	}
	return nil
}

// UpdateEpisodeCounters persists the mutable per-bar counters of an open
// episode.
func (db *DB) UpdateEpisodeCounters(ctx context.Context, ep *Episode) error {
	if db.Pool == nil {
		return nil
	}

	streakJSON, err := json.Marshal(ep.ATRStreak)
	if err != nil {
		return fmt.Errorf("failed to encode atr streaks: %w", err)
	}

	query := `
		UPDATE strategy_episodes SET
			last_event_bar = $2,
			out_above_streak = $3,
			out_below_streak = $4,
			atr_streak = $5,
			updated_at = $6
		WHERE id = $1`

	_, err = db.Pool.Exec(ctx, query,
		ep.ID, ep.LastEventBar, ep.OutAboveStreak, ep.OutBelowStreak, streakJSON, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update episode counters: %w", err)
	}
	return nil
}

// ListEpisodes returns the most recent episodes for a strategy.
func (db *DB) ListEpisodes(ctx context.Context, strategyID int64, limit int) ([]*Episode, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + episodeColumns + `
		FROM strategy_episodes
		WHERE strategy_id = $1
		ORDER BY open_time DESC
		LIMIT $2`

	rows, err := db.Pool.Query(ctx, query, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}
