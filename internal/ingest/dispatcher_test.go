package ingest

import (
	"context"
	"testing"

	"cl-range-bot/internal/database"
	"cl-range-bot/internal/indicator"
)

type fakeCandleStore struct {
	candles []database.Candle
	offsets map[string]int64
}

func (s *fakeCandleStore) UpsertCandle(ctx context.Context, c *database.Candle) error {
	s.candles = append(s.candles, *c)
	return nil
}

func (s *fakeCandleStore) GetLastCandles(ctx context.Context, symbol, interval string, n int) ([]database.Candle, error) {
	if n < len(s.candles) {
		return s.candles[len(s.candles)-n:], nil
	}
	return s.candles, nil
}

func (s *fakeCandleStore) UpsertOffset(ctx context.Context, stream string, lastClosedOpenTime int64) error {
	if s.offsets == nil {
		s.offsets = make(map[string]int64)
	}
	s.offsets[stream] = lastClosedOpenTime
	return nil
}

type fakeCatalog struct {
	sets       []database.IndicatorSet
	strategies []*database.Strategy
}

func (c *fakeCatalog) GetActiveSetsBySymbol(ctx context.Context, symbol string) ([]database.IndicatorSet, error) {
	return c.sets, nil
}

func (c *fakeCatalog) GetActiveByIndicatorSet(ctx context.Context, cfgHash string) ([]*database.Strategy, error) {
	return c.strategies, nil
}

type fakeSnapshotSink struct {
	snaps []*database.IndicatorSnapshot
}

func (s *fakeSnapshotSink) UpsertSnapshot(ctx context.Context, snap *database.IndicatorSnapshot) error {
	s.snaps = append(s.snaps, snap)
	return nil
}

type fakeEpisodeEngine struct {
	ticks []*database.IndicatorSnapshot
}

func (e *fakeEpisodeEngine) OnSnapshot(ctx context.Context, strat *database.Strategy, snap *database.IndicatorSnapshot) error {
	e.ticks = append(e.ticks, snap)
	return nil
}

func bar(i int) database.Candle {
	c := float64(i + 1)
	return database.Candle{
		Symbol:    "ETHUSDT",
		Interval:  "1m",
		OpenTime:  int64(i) * 60_000,
		CloseTime: int64(i+1)*60_000 - 1,
		Open:      c,
		High:      c + 1,
		Low:       c - 1,
		Close:     c,
		IsClosed:  true,
	}
}

func TestHandleCandlePersistsAndAdvancesOffset(t *testing.T) {
	store := &fakeCandleStore{}
	d := NewDispatcher(store, &fakeCatalog{}, &fakeSnapshotSink{}, &fakeEpisodeEngine{}, nil, nil)

	c := bar(0)
	if err := d.HandleCandle(context.Background(), &c); err != nil {
		t.Fatal(err)
	}

	if len(store.candles) != 1 {
		t.Fatalf("persisted %d candles, want 1", len(store.candles))
	}
	if got := store.offsets["ethusdt@kline_1m"]; got != c.OpenTime {
		t.Errorf("offset = %d, want %d", got, c.OpenTime)
	}
}

func TestHandleCandleComputesSnapshotAndTicksStrategies(t *testing.T) {
	set := database.IndicatorSet{
		Symbol: "ETHUSDT", EMAFast: 3, EMASlow: 5, ATRWindow: 4,
		CfgHash: indicator.CfgHash("ETHUSDT", 3, 5, 4),
	}
	catalog := &fakeCatalog{
		sets: []database.IndicatorSet{set},
		strategies: []*database.Strategy{
			{ID: 1, Name: "a", Symbol: "ETHUSDT", CfgHash: set.CfgHash},
			{ID: 2, Name: "b", Symbol: "ETHUSDT", CfgHash: set.CfgHash},
		},
	}
	store := &fakeCandleStore{}
	sink := &fakeSnapshotSink{}
	engine := &fakeEpisodeEngine{}
	d := NewDispatcher(store, catalog, sink, engine, nil, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c := bar(i)
		if err := d.HandleCandle(ctx, &c); err != nil {
			t.Fatal(err)
		}
	}

	// The first bars are warm-up; once enough history exists every bar
	// produces one snapshot and two strategy ticks.
	if len(sink.snaps) == 0 {
		t.Fatal("no snapshots persisted")
	}
	last := sink.snaps[len(sink.snaps)-1]
	if last.CfgHash != set.CfgHash || last.Close != 10 {
		t.Errorf("last snapshot = %+v", last)
	}
	if len(engine.ticks) != 2*len(sink.snaps) {
		t.Errorf("ticks = %d, want %d", len(engine.ticks), 2*len(sink.snaps))
	}
}

func TestHandleCandleWarmupIsNotAnError(t *testing.T) {
	set := database.IndicatorSet{
		Symbol: "ETHUSDT", EMAFast: 3, EMASlow: 5, ATRWindow: 4,
		CfgHash: indicator.CfgHash("ETHUSDT", 3, 5, 4),
	}
	catalog := &fakeCatalog{sets: []database.IndicatorSet{set}}
	sink := &fakeSnapshotSink{}
	engine := &fakeEpisodeEngine{}
	d := NewDispatcher(&fakeCandleStore{}, catalog, sink, engine, nil, nil)

	c := bar(0)
	if err := d.HandleCandle(context.Background(), &c); err != nil {
		t.Fatalf("warm-up bar returned error: %v", err)
	}
	if len(sink.snaps) != 0 || len(engine.ticks) != 0 {
		t.Error("warm-up bar produced output")
	}
}

func TestRunDrainsUntilChannelCloses(t *testing.T) {
	store := &fakeCandleStore{}
	d := NewDispatcher(store, &fakeCatalog{}, &fakeSnapshotSink{}, &fakeEpisodeEngine{}, nil, nil)

	in := make(chan database.Candle, 3)
	for i := 0; i < 3; i++ {
		in <- bar(i)
	}
	close(in)

	d.Run(context.Background(), in)
	if len(store.candles) != 3 {
		t.Errorf("dispatched %d candles, want 3", len(store.candles))
	}
}

func TestLookback(t *testing.T) {
	cases := []struct {
		emaSlow, atrWindow, want int
	}{
		{5, 4, 200},     // floored
		{100, 14, 400},  // 4x slowest window
		{400, 14, 1000}, // capped
		{50, 300, 1000}, // ATR window dominates
	}
	for _, tc := range cases {
		set := database.IndicatorSet{EMASlow: tc.emaSlow, ATRWindow: tc.atrWindow}
		if got := lookback(set); got != tc.want {
			t.Errorf("lookback(slow=%d, atr=%d) = %d, want %d",
				tc.emaSlow, tc.atrWindow, got, tc.want)
		}
	}
}
