package episode

import (
	"context"
	"fmt"
	"testing"

	"cl-range-bot/internal/database"
)

type closeCall struct {
	id         int64
	closeTime  int64
	closePrice float64
	reason     string
}

// fakeStore is an in-memory Store that enforces the one-open-episode rule.
type fakeStore struct {
	open           *database.Episode
	inserted       []*database.Episode
	closed         []closeCall
	counterUpdates int
	nextID         int64
}

func (s *fakeStore) GetOpenEpisode(ctx context.Context, strategyID int64) (*database.Episode, error) {
	return s.open, nil
}

func (s *fakeStore) InsertEpisode(ctx context.Context, ep *database.Episode) error {
	if s.open != nil {
		return fmt.Errorf("strategy %d already has an open episode", ep.StrategyID)
	}
	s.nextID++
	ep.ID = s.nextID
	s.open = ep
	s.inserted = append(s.inserted, ep)
	return nil
}

func (s *fakeStore) CloseEpisode(ctx context.Context, id int64, closeTime int64, closePrice float64, reason string) error {
	if s.open == nil || s.open.ID != id {
		return fmt.Errorf("episode %d is not open", id)
	}
	s.closed = append(s.closed, closeCall{id, closeTime, closePrice, reason})
	s.open = nil
	return nil
}

func (s *fakeStore) UpdateEpisodeCounters(ctx context.Context, ep *database.Episode) error {
	s.counterUpdates++
	return nil
}

type fakePlanner struct {
	plans []*database.Episode
}

func (p *fakePlanner) Plan(ctx context.Context, strat *database.Strategy, ep *database.Episode) (*database.Signal, error) {
	p.plans = append(p.plans, ep)
	return &database.Signal{
		StrategyID: strat.ID,
		Ts:         ep.OpenTime,
		SignalType: database.SignalOpenNewRange,
		Symbol:     strat.Symbol,
	}, nil
}

type fakeSink struct {
	signals []*database.Signal
}

func (s *fakeSink) UpsertSignal(ctx context.Context, sig *database.Signal) error {
	s.signals = append(s.signals, sig)
	return nil
}

func testStrategy(params database.StrategyParams) *database.Strategy {
	return &database.Strategy{
		ID:      1,
		Name:    "eth-1m",
		Symbol:  "ETHUSDT",
		Status:  database.StrategyStatusActive,
		CfgHash: "abcd1234abcd1234",
		Params:  params,
	}
}

func snapshot(ts int64, close, emaFast, emaSlow, atrPct float64) *database.IndicatorSnapshot {
	return &database.IndicatorSnapshot{
		Symbol:  "ETHUSDT",
		Ts:      ts,
		CfgHash: "abcd1234abcd1234",
		Close:   close,
		EMAFast: emaFast,
		EMASlow: emaSlow,
		ATRPct:  atrPct,
	}
}

func newTestEngine(store *fakeStore) (*Engine, *fakePlanner, *fakeSink) {
	planner := &fakePlanner{}
	sink := &fakeSink{}
	return NewEngine(store, planner, sink, nil, nil), planner, sink
}

func TestFirstEpisodeOpen(t *testing.T) {
	store := &fakeStore{}
	engine, planner, sink := newTestEngine(store)
	strat := testStrategy(bandParams())

	err := engine.OnSnapshot(context.Background(), strat, snapshot(1000, 100, 101, 99, 0.004))
	if err != nil {
		t.Fatal(err)
	}

	if store.open == nil {
		t.Fatal("no episode opened")
	}
	ep := store.open
	if ep.Status != database.EpisodeStatusOpen || ep.PoolType != database.PoolTypeStandard {
		t.Errorf("episode = status %s, pool %s", ep.Status, ep.PoolType)
	}
	if !(ep.Pa < 100 && 100 < ep.Pb) {
		t.Errorf("band (%v, %v) does not contain open price", ep.Pa, ep.Pb)
	}
	if ep.ModeOnOpen != database.ModeTrendUp || ep.MajorityOnOpen != database.MajorityToken2 {
		t.Errorf("trend fields = (%s, %s)", ep.ModeOnOpen, ep.MajorityOnOpen)
	}
	if len(planner.plans) != 1 || len(sink.signals) != 1 {
		t.Errorf("plans %d, queued signals %d, want 1 each", len(planner.plans), len(sink.signals))
	}
}

func TestBreakoutConfirmation(t *testing.T) {
	params := bandParams()
	params.BreakoutConfirmBars = 2
	params.CooloffBars = 1
	strat := testStrategy(params)

	store := &fakeStore{}
	engine, _, _ := newTestEngine(store)
	ctx := context.Background()

	store.open = &database.Episode{
		ID: 1, StrategyID: 1, Status: database.EpisodeStatusOpen,
		OpenTime: 0, OpenPrice: 100, Pa: 98.75, Pb: 103.75,
		PoolType: database.PoolTypeStandard, LastEventBar: 3,
	}
	store.nextID = 1

	// First bar above Pb: streak 1, below confirm threshold.
	if err := engine.OnSnapshot(ctx, strat, snapshot(1000, 103.76, 101, 99, 0.004)); err != nil {
		t.Fatal(err)
	}
	if len(store.closed) != 0 {
		t.Fatal("episode closed before confirmation")
	}
	if store.open.OutAboveStreak != 1 {
		t.Errorf("out-above streak = %d, want 1", store.open.OutAboveStreak)
	}
	if store.counterUpdates != 1 {
		t.Errorf("counter updates = %d, want 1", store.counterUpdates)
	}

	// Second confirming bar rotates the episode.
	if err := engine.OnSnapshot(ctx, strat, snapshot(2000, 103.80, 101, 99, 0.004)); err != nil {
		t.Fatal(err)
	}
	if len(store.closed) != 1 {
		t.Fatalf("closed %d episodes, want 1", len(store.closed))
	}
	if store.closed[0].reason != database.CloseReasonCrossMax {
		t.Errorf("close reason = %s, want %s", store.closed[0].reason, database.CloseReasonCrossMax)
	}
	if store.closed[0].closePrice != 103.80 {
		t.Errorf("close price = %v", store.closed[0].closePrice)
	}
	if store.open == nil {
		t.Fatal("no replacement episode opened")
	}
	// No tiers configured: breakout rotates into standard.
	if store.open.PoolType != database.PoolTypeStandard {
		t.Errorf("new pool type = %s, want standard", store.open.PoolType)
	}
}

func TestBreakoutIntoStrictestTier(t *testing.T) {
	params := bandParams()
	params.BreakoutConfirmBars = 1
	params.Tiers = []database.Tier{
		{Name: "calm", ATRPctThreshold: 0.008, BarsRequired: 3, MaxMajorSidePct: 0.03},
		{Name: "tight", ATRPctThreshold: 0.004, BarsRequired: 3, MaxMajorSidePct: 0.02},
	}
	strat := testStrategy(params)

	store := &fakeStore{}
	engine, _, _ := newTestEngine(store)
	store.open = &database.Episode{
		ID: 1, StrategyID: 1, Status: database.EpisodeStatusOpen,
		OpenPrice: 100, Pa: 98.75, Pb: 103.75,
		PoolType: database.PoolTypeStandard, LastEventBar: 5,
	}
	store.nextID = 1

	if err := engine.OnSnapshot(context.Background(), strat, snapshot(1000, 95, 99, 101, 0.004)); err != nil {
		t.Fatal(err)
	}
	if len(store.closed) != 1 || store.closed[0].reason != database.CloseReasonCrossMin {
		t.Fatalf("closed = %+v, want one cross_min", store.closed)
	}
	if store.open.PoolType != "calm" {
		t.Errorf("new pool type = %s, want narrowest tier", store.open.PoolType)
	}
}

func TestCooloffPreArmsBreakout(t *testing.T) {
	params := bandParams()
	params.BreakoutConfirmBars = 2
	params.CooloffBars = 5
	strat := testStrategy(params)

	store := &fakeStore{}
	engine, _, _ := newTestEngine(store)
	ctx := context.Background()

	store.open = &database.Episode{
		ID: 1, StrategyID: 1, Status: database.EpisodeStatusOpen,
		OpenPrice: 100, Pa: 98.75, Pb: 103.75,
		PoolType: database.PoolTypeStandard, LastEventBar: 0,
	}
	store.nextID = 1

	// Streaks accumulate during cooloff; the rotation fires on the first
	// bar the cooloff gate opens.
	for bar := 1; bar <= 5; bar++ {
		if err := engine.OnSnapshot(ctx, strat, snapshot(int64(bar)*1000, 104, 101, 99, 0.004)); err != nil {
			t.Fatal(err)
		}
		if bar < 5 && len(store.closed) != 0 {
			t.Fatalf("rotation fired at bar %d, before cooloff", bar)
		}
	}
	if len(store.closed) != 1 {
		t.Fatalf("closed %d episodes, want 1 at cooloff end", len(store.closed))
	}
}

func TestHighVolGate(t *testing.T) {
	params := bandParams()
	params.VolHighThresholdPct = 0.01
	strat := testStrategy(params)

	store := &fakeStore{}
	engine, _, _ := newTestEngine(store)
	ctx := context.Background()

	store.open = &database.Episode{
		ID: 1, StrategyID: 1, Status: database.EpisodeStatusOpen,
		OpenPrice: 100, Pa: 98.75, Pb: 103.75,
		PoolType: database.PoolTypeStandard, LastEventBar: 3,
	}
	store.nextID = 1

	if err := engine.OnSnapshot(ctx, strat, snapshot(1000, 100, 101, 99, 0.02)); err != nil {
		t.Fatal(err)
	}
	if len(store.closed) != 1 || store.closed[0].reason != database.CloseReasonHighVol {
		t.Fatalf("closed = %+v, want one high_vol", store.closed)
	}
	if store.open.PoolType != database.PoolTypeHighVol {
		t.Errorf("new pool type = %s, want high_vol", store.open.PoolType)
	}

	// Already running high_vol: the gate must not re-fire.
	store.open.LastEventBar = 3
	if err := engine.OnSnapshot(ctx, strat, snapshot(2000, 100, 101, 99, 0.03)); err != nil {
		t.Fatal(err)
	}
	if len(store.closed) != 1 {
		t.Errorf("high_vol re-fired from high_vol pool")
	}
}

func TestTierTightening(t *testing.T) {
	params := bandParams()
	params.Tiers = []database.Tier{{
		Name:            "tight",
		ATRPctThreshold: 0.005,
		BarsRequired:    3,
		AllowedFrom:     []string{database.PoolTypeStandard},
		MaxMajorSidePct: 0.02,
	}}
	strat := testStrategy(params)

	store := &fakeStore{}
	engine, _, _ := newTestEngine(store)
	ctx := context.Background()

	store.open = &database.Episode{
		ID: 1, StrategyID: 1, Status: database.EpisodeStatusOpen,
		OpenPrice: 100, Pa: 98.75, Pb: 103.75,
		PoolType: database.PoolTypeStandard, LastEventBar: 3,
	}
	store.nextID = 1

	for bar := 1; bar <= 3; bar++ {
		if err := engine.OnSnapshot(ctx, strat, snapshot(int64(bar)*1000, 100, 101, 99, 0.003)); err != nil {
			t.Fatal(err)
		}
		if bar < 3 && len(store.closed) != 0 {
			t.Fatalf("tier fired at bar %d, want bar 3", bar)
		}
	}
	if len(store.closed) != 1 {
		t.Fatalf("closed %d episodes, want 1", len(store.closed))
	}
	if store.closed[0].reason != "tighten_tight" {
		t.Errorf("close reason = %s, want tighten_tight", store.closed[0].reason)
	}
	if store.open.PoolType != "tight" {
		t.Errorf("new pool type = %s, want tight", store.open.PoolType)
	}
}

func TestTierStreakResetsOnHighATR(t *testing.T) {
	params := bandParams()
	params.Tiers = []database.Tier{{
		Name:            "tight",
		ATRPctThreshold: 0.005,
		BarsRequired:    2,
		AllowedFrom:     []string{database.PoolTypeStandard},
		MaxMajorSidePct: 0.02,
	}}
	strat := testStrategy(params)

	store := &fakeStore{}
	engine, _, _ := newTestEngine(store)
	ctx := context.Background()

	store.open = &database.Episode{
		ID: 1, StrategyID: 1, Status: database.EpisodeStatusOpen,
		OpenPrice: 100, Pa: 98.75, Pb: 103.75,
		PoolType: database.PoolTypeStandard, LastEventBar: 3,
	}
	store.nextID = 1

	// Calm bar, loud bar, calm bar: the streak never reaches 2.
	for _, atr := range []float64{0.003, 0.009, 0.003} {
		if err := engine.OnSnapshot(ctx, strat, snapshot(1000, 100, 101, 99, atr)); err != nil {
			t.Fatal(err)
		}
	}
	if len(store.closed) != 0 {
		t.Errorf("tier fired despite streak reset")
	}
	if store.open.ATRStreak["tight"] != 1 {
		t.Errorf("streak = %d, want 1", store.open.ATRStreak["tight"])
	}
}

func TestStreakResetOnReentry(t *testing.T) {
	params := bandParams()
	params.BreakoutConfirmBars = 3
	strat := testStrategy(params)

	store := &fakeStore{}
	engine, _, _ := newTestEngine(store)
	ctx := context.Background()

	store.open = &database.Episode{
		ID: 1, StrategyID: 1, Status: database.EpisodeStatusOpen,
		OpenPrice: 100, Pa: 98.75, Pb: 103.75,
		PoolType: database.PoolTypeStandard, LastEventBar: 3,
	}
	store.nextID = 1

	for _, close := range []float64{104, 104, 100, 95, 104} {
		if err := engine.OnSnapshot(ctx, strat, snapshot(1000, close, 101, 99, 0.004)); err != nil {
			t.Fatal(err)
		}
	}
	if len(store.closed) != 0 {
		t.Fatal("rotation fired without a confirmed streak")
	}
	if store.open.OutAboveStreak != 1 || store.open.OutBelowStreak != 0 {
		t.Errorf("streaks = (%d, %d), want (1, 0)",
			store.open.OutAboveStreak, store.open.OutBelowStreak)
	}
}
