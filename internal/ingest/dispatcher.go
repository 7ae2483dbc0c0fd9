package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cl-range-bot/internal/database"
	"cl-range-bot/internal/events"
	"cl-range-bot/internal/indicator"
	"cl-range-bot/internal/logging"
)

// CandleStore persists bars and the ingestion watermark.
type CandleStore interface {
	UpsertCandle(ctx context.Context, c *database.Candle) error
	GetLastCandles(ctx context.Context, symbol, interval string, n int) ([]database.Candle, error)
	UpsertOffset(ctx context.Context, stream string, lastClosedOpenTime int64) error
}

// Catalog resolves the active indicator sets for a symbol and the active
// strategies bound to a set.
type Catalog interface {
	GetActiveSetsBySymbol(ctx context.Context, symbol string) ([]database.IndicatorSet, error)
	GetActiveByIndicatorSet(ctx context.Context, cfgHash string) ([]*database.Strategy, error)
}

// SnapshotSink persists computed indicator snapshots.
type SnapshotSink interface {
	UpsertSnapshot(ctx context.Context, snap *database.IndicatorSnapshot) error
}

// EpisodeEngine receives one tick per (strategy, closed bar).
type EpisodeEngine interface {
	OnSnapshot(ctx context.Context, strat *database.Strategy, snap *database.IndicatorSnapshot) error
}

// Dispatcher runs the per-bar chain: persist candle, advance the watermark,
// compute and persist a snapshot per active indicator set, and tick every
// bound strategy. Processing is sequential; bar N+1 never overtakes bar N.
type Dispatcher struct {
	candles  CandleStore
	catalog  Catalog
	sink     SnapshotSink
	episodes EpisodeEngine
	bus      *events.Bus
	logger   *logging.Logger
}

// NewDispatcher wires the dispatch chain.
func NewDispatcher(candles CandleStore, catalog Catalog, sink SnapshotSink, episodes EpisodeEngine, bus *events.Bus, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.WithComponent("dispatch")
	}
	return &Dispatcher{
		candles:  candles,
		catalog:  catalog,
		sink:     sink,
		episodes: episodes,
		bus:      bus,
		logger:   logger,
	}
}

// Run drains the candle channel until it closes or the context is cancelled.
// A failed bar is logged and skipped; the stream's idempotent upserts make
// re-delivery after restart safe.
func (d *Dispatcher) Run(ctx context.Context, in <-chan database.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			if err := d.HandleCandle(ctx, &c); err != nil {
				d.logger.Error("candle dispatch failed",
					"symbol", c.Symbol, "open_time", c.OpenTime, "error", err)
			}
		}
	}
}

// HandleCandle processes exactly one closed bar.
func (d *Dispatcher) HandleCandle(ctx context.Context, c *database.Candle) error {
	if err := d.candles.UpsertCandle(ctx, c); err != nil {
		return fmt.Errorf("persist candle: %w", err)
	}

	stream := streamKey(c.Symbol, c.Interval)
	if err := d.candles.UpsertOffset(ctx, stream, c.OpenTime); err != nil {
		return fmt.Errorf("advance offset: %w", err)
	}

	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type: events.EventCandleIngested,
			Data: map[string]interface{}{
				"symbol": c.Symbol, "close": c.Close, "close_time": c.CloseTime,
			},
		})
	}

	sets, err := d.catalog.GetActiveSetsBySymbol(ctx, c.Symbol)
	if err != nil {
		return fmt.Errorf("load indicator sets: %w", err)
	}

	for _, set := range sets {
		if err := d.runSet(ctx, set, c); err != nil {
			d.logger.Error("indicator set failed",
				"symbol", c.Symbol, "cfg_hash", set.CfgHash, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) runSet(ctx context.Context, set database.IndicatorSet, c *database.Candle) error {
	history, err := d.candles.GetLastCandles(ctx, c.Symbol, c.Interval, lookback(set))
	if err != nil {
		return fmt.Errorf("load candle history: %w", err)
	}

	snap, err := indicator.ComputeSnapshot(set, history)
	if errors.Is(err, indicator.ErrInsufficientData) {
		d.logger.Debug("indicator warming up",
			"symbol", c.Symbol, "cfg_hash", set.CfgHash, "bars", len(history))
		return nil
	}
	if err != nil {
		return fmt.Errorf("compute snapshot: %w", err)
	}

	if err := d.sink.UpsertSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	strategies, err := d.catalog.GetActiveByIndicatorSet(ctx, set.CfgHash)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	for _, strat := range strategies {
		if err := d.episodes.OnSnapshot(ctx, strat, snap); err != nil {
			d.logger.Error("strategy tick failed",
				"strategy", strat.Name, "symbol", strat.Symbol, "error", err)
		}
	}
	return nil
}

// lookback is the candle history window fed to the indicator engine: a
// multiple of the slowest window so EMA warm-up weights have decayed, with a
// floor for short windows and a cap to bound the query.
func lookback(set database.IndicatorSet) int {
	maxWindow := set.EMASlow
	if set.ATRWindow > maxWindow {
		maxWindow = set.ATRWindow
	}
	n := 4 * maxWindow
	if n < 200 {
		n = 200
	}
	if n > 1000 {
		n = 1000
	}
	return n
}

func streamKey(symbol, interval string) string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
}
