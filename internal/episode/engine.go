// Package episode drives the per-strategy regime state machine. One tick per
// (strategy, closed bar): the engine reads the open episode, updates breakout
// and calm streaks, and either keeps the band, rotates it, or opens the first
// one. Rotations are handed to the planner and the resulting plan is queued
// as a PENDING signal.
package episode

import (
	"context"
	"fmt"

	"cl-range-bot/internal/database"
	"cl-range-bot/internal/events"
	"cl-range-bot/internal/logging"
)

// Store is the episode persistence surface the engine needs.
type Store interface {
	GetOpenEpisode(ctx context.Context, strategyID int64) (*database.Episode, error)
	InsertEpisode(ctx context.Context, ep *database.Episode) error
	CloseEpisode(ctx context.Context, id int64, closeTime int64, closePrice float64, reason string) error
	UpdateEpisodeCounters(ctx context.Context, ep *database.Episode) error
}

// Planner converts a desired episode into an execution plan, or nil when the
// live position already matches.
type Planner interface {
	Plan(ctx context.Context, strat *database.Strategy, ep *database.Episode) (*database.Signal, error)
}

// SignalSink queues plans for the execution pipeline.
type SignalSink interface {
	UpsertSignal(ctx context.Context, sig *database.Signal) error
}

// Engine is the per-strategy episode state machine.
type Engine struct {
	store   Store
	planner Planner
	signals SignalSink
	bus     *events.Bus
	logger  *logging.Logger
}

// NewEngine wires the state machine to its stores and planner.
func NewEngine(store Store, planner Planner, signals SignalSink, bus *events.Bus, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.WithComponent("episode")
	}
	return &Engine{store: store, planner: planner, signals: signals, bus: bus, logger: logger}
}

// trigger is a fired transition: why the episode closes and which pool type
// the next one opens under.
type trigger struct {
	reason      string
	newPoolType string
}

// OnSnapshot processes exactly one closed bar for one strategy.
func (e *Engine) OnSnapshot(ctx context.Context, strat *database.Strategy, snap *database.IndicatorSnapshot) error {
	params := strat.Params
	trendUp := snap.EMAFast > snap.EMASlow

	ep, err := e.store.GetOpenEpisode(ctx, strat.ID)
	if err != nil {
		return fmt.Errorf("load open episode: %w", err)
	}

	if ep == nil {
		newEp := e.buildEpisode(strat, snap, database.PoolTypeStandard, trendUp)
		if err := e.store.InsertEpisode(ctx, newEp); err != nil {
			return fmt.Errorf("open first episode: %w", err)
		}
		e.publish(events.EventEpisodeOpened, strat, newEp, "")
		e.logger.Info("first episode opened",
			"strategy", strat.Name, "symbol", strat.Symbol,
			"pa", newEp.Pa, "pb", newEp.Pb, "pool_type", newEp.PoolType)
		return e.emit(ctx, strat, newEp)
	}

	e.updateStreaks(ep, snap, params)
	ep.LastEventBar++

	trig := e.evaluate(ep, snap, params)
	if trig == nil {
		if err := e.store.UpdateEpisodeCounters(ctx, ep); err != nil {
			return fmt.Errorf("persist episode counters: %w", err)
		}
		return nil
	}

	if err := e.store.CloseEpisode(ctx, ep.ID, snap.Ts, snap.Close, trig.reason); err != nil {
		return fmt.Errorf("close episode: %w", err)
	}
	e.publish(events.EventEpisodeClosed, strat, ep, trig.reason)

	newEp := e.buildEpisode(strat, snap, trig.newPoolType, trendUp)
	if err := e.store.InsertEpisode(ctx, newEp); err != nil {
		return fmt.Errorf("open episode after %s: %w", trig.reason, err)
	}
	e.publish(events.EventEpisodeOpened, strat, newEp, trig.reason)
	e.logger.Info("episode rotated",
		"strategy", strat.Name, "reason", trig.reason,
		"pool_type", newEp.PoolType, "pa", newEp.Pa, "pb", newEp.Pb)

	return e.emit(ctx, strat, newEp)
}

// updateStreaks advances the breakout streak counters for one bar. Streaks
// move every bar, including during cooloff, so a breakout can be pre-armed
// before events are allowed to fire.
func (e *Engine) updateStreaks(ep *database.Episode, snap *database.IndicatorSnapshot, params database.StrategyParams) {
	p := snap.Close
	switch {
	case p > ep.Pb*(1+params.Eps):
		ep.OutAboveStreak++
		ep.OutBelowStreak = 0
	case p < ep.Pa*(1-params.Eps):
		ep.OutBelowStreak++
		ep.OutAboveStreak = 0
	default:
		ep.OutAboveStreak = 0
		ep.OutBelowStreak = 0
	}
}

// evaluate applies the per-bar event checks in their fixed precedence order:
// confirmed breakout, high-vol gate, tier tightening. Tier calm streaks are
// maintained here as well and persist whether or not anything fires.
func (e *Engine) evaluate(ep *database.Episode, snap *database.IndicatorSnapshot, params database.StrategyParams) *trigger {
	canFire := ep.LastEventBar >= params.CooloffBars

	if canFire && ep.OutAboveStreak >= params.BreakoutConfirmBars {
		return &trigger{reason: database.CloseReasonCrossMax, newPoolType: e.breakoutPoolType(params)}
	}
	if canFire && ep.OutBelowStreak >= params.BreakoutConfirmBars {
		return &trigger{reason: database.CloseReasonCrossMin, newPoolType: e.breakoutPoolType(params)}
	}

	if canFire && params.VolHighThresholdPct > 0 &&
		snap.ATRPct > params.VolHighThresholdPct &&
		ep.PoolType != database.PoolTypeHighVol {
		return &trigger{reason: database.CloseReasonHighVol, newPoolType: database.PoolTypeHighVol}
	}

	inside := snap.Close > ep.Pa && snap.Close < ep.Pb
	if !inside {
		return nil
	}
	if ep.ATRStreak == nil {
		ep.ATRStreak = make(map[string]int)
	}
	var fired *trigger
	for _, tier := range sortedTiers(params.Tiers) {
		if !tierAllowed(tier, ep.PoolType) {
			continue
		}
		if snap.ATRPct <= tier.ATRPctThreshold {
			ep.ATRStreak[tier.Name]++
		} else {
			ep.ATRStreak[tier.Name] = 0
		}
		if fired == nil && canFire && tier.BarsRequired > 0 &&
			ep.ATRStreak[tier.Name] >= tier.BarsRequired {
			fired = &trigger{
				reason:      "tighten_" + tier.Name,
				newPoolType: tier.Name,
			}
		}
	}
	return fired
}

// breakoutPoolType is the pool type a confirmed breakout rotates into: the
// strictest tier, or standard when the strategy has no tiers.
func (e *Engine) breakoutPoolType(params database.StrategyParams) string {
	if t := narrowestTier(params.Tiers); t != nil {
		return t.Name
	}
	return database.PoolTypeStandard
}

func tierAllowed(tier database.Tier, poolType string) bool {
	if tier.Name == poolType {
		return true
	}
	for _, from := range tier.AllowedFrom {
		if from == poolType {
			return true
		}
	}
	return false
}

// buildEpisode constructs a fresh OPEN episode around the snapshot close.
func (e *Engine) buildEpisode(strat *database.Strategy, snap *database.IndicatorSnapshot, poolType string, trendUp bool) *database.Episode {
	band := BuildBand(snap.Close, poolType, trendUp, strat.Params)
	major, minor, raw := targetSplit(band.PctBelowBase, band.PctAboveBase, trendUp)

	mode := database.ModeTrendDown
	majority := database.MajorityToken1
	if trendUp {
		mode = database.ModeTrendUp
		majority = database.MajorityToken2
	}

	return &database.Episode{
		StrategyID:     strat.ID,
		Status:         database.EpisodeStatusOpen,
		OpenTime:       snap.Ts,
		OpenPrice:      snap.Close,
		Pa:             band.Pa,
		Pb:             band.Pb,
		PoolType:       poolType,
		ModeOnOpen:     mode,
		MajorityOnOpen: majority,
		TargetMajorPct: major,
		TargetMinorPct: minor,
		TargetMajorRaw: raw,
		ATRStreak:      make(map[string]int),
	}
}

// emit asks the planner for a plan and queues it when non-nil.
func (e *Engine) emit(ctx context.Context, strat *database.Strategy, ep *database.Episode) error {
	if e.planner == nil {
		return nil
	}
	sig, err := e.planner.Plan(ctx, strat, ep)
	if err != nil {
		return fmt.Errorf("plan episode %d: %w", ep.ID, err)
	}
	if sig == nil {
		return nil
	}
	if err := e.signals.UpsertSignal(ctx, sig); err != nil {
		return fmt.Errorf("queue signal: %w", err)
	}
	e.logger.Info("signal queued",
		"strategy", strat.Name, "signal_type", sig.SignalType, "steps", len(sig.Steps))
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type: events.EventSignalEmitted,
			Data: map[string]interface{}{
				"strategy_id": strat.ID,
				"signal_type": sig.SignalType,
				"symbol":      sig.Symbol,
				"ts":          sig.Ts,
			},
		})
	}
	return nil
}

func (e *Engine) publish(eventType events.EventType, strat *database.Strategy, ep *database.Episode, reason string) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"strategy_id": strat.ID,
		"symbol":      strat.Symbol,
		"pool_type":   ep.PoolType,
		"pa":          ep.Pa,
		"pb":          ep.Pb,
	}
	if reason != "" {
		data["reason"] = reason
	}
	e.bus.Publish(events.Event{Type: eventType, Data: data})
}
