package database

import (
	"time"
)

// Candle is a closed 1-minute bar keyed by (symbol, interval, open_time).
// Fields are immutable once written; re-delivery upserts the same values.
type Candle struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	OpenTime  int64   `json:"open_time"` // epoch ms
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
	IsClosed  bool    `json:"is_closed"`
}

// IndicatorSet is a deduplicated (symbol, ema_fast, ema_slow, atr_window)
// tuple identified by its cfg_hash.
type IndicatorSet struct {
	ID        int64  `json:"id"`
	Symbol    string `json:"symbol"`
	EMAFast   int    `json:"ema_fast"`
	EMASlow   int    `json:"ema_slow"`
	ATRWindow int    `json:"atr_window"`
	CfgHash   string `json:"cfg_hash"`
	Status    string `json:"status"` // ACTIVE, RETIRED
}

const (
	SetStatusActive  = "ACTIVE"
	SetStatusRetired = "RETIRED"
)

// IndicatorSnapshot is the indicator state at one closed bar for one set.
type IndicatorSnapshot struct {
	Symbol  string  `json:"symbol"`
	Ts      int64   `json:"ts"` // close_time, epoch ms
	CfgHash string  `json:"cfg_hash"`
	Open    float64 `json:"open"`
	High    float64 `json:"high"`
	Low     float64 `json:"low"`
	Close   float64 `json:"close"`
	EMAFast float64 `json:"ema_fast"`
	EMASlow float64 `json:"ema_slow"`
	ATRPct  float64 `json:"atr_pct"`
}

// Tier is a named regime inside a strategy: when ATR% stays at or below the
// threshold for bars_required consecutive bars (starting from an allowed pool
// type), the band tightens to the tier's total width.
type Tier struct {
	Name            string   `json:"name"`
	ATRPctThreshold float64  `json:"atr_pct_threshold"`
	BarsRequired    int      `json:"bars_required"`
	AllowedFrom     []string `json:"allowed_from"`
	MaxMajorSidePct float64  `json:"max_major_side_pct"`
}

// StrategyParams is the per-strategy tuning knob set, stored as JSONB.
type StrategyParams struct {
	Eps                     float64 `json:"eps"`
	CooloffBars             int     `json:"cooloff_bars"`
	BreakoutConfirmBars     int     `json:"breakout_confirm_bars"`
	VolHighThresholdPct     float64 `json:"vol_high_threshold_pct"`
	Tiers                   []Tier  `json:"tiers"`
	SkewLowPct              float64 `json:"skew_low_pct"`
	SkewHighPct             float64 `json:"skew_high_pct"`
	StandardMaxMajorSidePct float64 `json:"standard_max_major_side_pct"`
	HighVolMaxMajorSidePct  float64 `json:"high_vol_max_major_side_pct"`
	InrangeResizeMode       string  `json:"inrange_resize_mode,omitempty"` // reserved
}

// Defaults fills zero-valued knobs that have documented defaults.
func (p *StrategyParams) Defaults() {
	if p.Eps <= 0 {
		p.Eps = 1e-6
	}
	if p.CooloffBars <= 0 {
		p.CooloffBars = 1
	}
	if p.BreakoutConfirmBars <= 0 {
		p.BreakoutConfirmBars = 1
	}
}

// VaultBinding ties a strategy to an on-chain vault position.
type VaultBinding struct {
	Dex           string `json:"dex"` // uniswap, aerodrome, pancake
	Alias         string `json:"alias"`
	Token0Address string `json:"token0_address"`
	Token1Address string `json:"token1_address"`
}

// Strategy binds one indicator set (by cfg_hash) to a vault position and a
// parameter set. Unique on (name, symbol).
type Strategy struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Symbol         string         `json:"symbol"`
	Status         string         `json:"status"` // ACTIVE, PAUSED
	IndicatorSetID int64          `json:"indicator_set_id"`
	CfgHash        string         `json:"cfg_hash"`
	Params         StrategyParams `json:"params"`
	Vault          VaultBinding   `json:"vault"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

const (
	StrategyStatusActive = "ACTIVE"
	StrategyStatusPaused = "PAUSED"
)

// Pool types an episode can run under. Tier names extend this set.
const (
	PoolTypeStandard = "standard"
	PoolTypeHighVol  = "high_vol"
)

// Majority sides and trend modes.
const (
	MajorityToken1 = "token1" // trend down
	MajorityToken2 = "token2" // trend up

	ModeTrendUp   = "trend_up"
	ModeTrendDown = "trend_down"
)

// Episode statuses and close reasons.
const (
	EpisodeStatusOpen   = "OPEN"
	EpisodeStatusClosed = "CLOSED"

	CloseReasonCrossMax = "cross_max"
	CloseReasonCrossMin = "cross_min"
	CloseReasonHighVol  = "high_vol"
	// Tighten reasons are "tighten_<tier name>".
)

// Episode is one lifetime of a band for a strategy. At most one OPEN episode
// exists per strategy at any time.
type Episode struct {
	ID             int64   `json:"id"`
	StrategyID     int64   `json:"strategy_id"`
	Status         string  `json:"status"`
	OpenTime       int64   `json:"open_time"` // epoch ms
	OpenPrice      float64 `json:"open_price"`
	Pa             float64 `json:"pa"`
	Pb             float64 `json:"pb"`
	PoolType       string  `json:"pool_type"`
	ModeOnOpen     string  `json:"mode_on_open"`
	MajorityOnOpen string  `json:"majority_on_open"`
	TargetMajorPct float64 `json:"target_major_pct"`
	TargetMinorPct float64 `json:"target_minor_pct"`
	// Raw pre-clamp value of the target-major computation, kept for
	// observability.
	TargetMajorRaw float64 `json:"target_major_raw"`

	// Mutable per-bar counters.
	LastEventBar   int            `json:"last_event_bar"`
	OutAboveStreak int            `json:"out_above_streak"`
	OutBelowStreak int            `json:"out_below_streak"`
	ATRStreak      map[string]int `json:"atr_streak"`

	CloseTime   int64   `json:"close_time,omitempty"`
	ClosePrice  float64 `json:"close_price,omitempty"`
	CloseReason string  `json:"close_reason,omitempty"`
}

// Signal types and statuses.
const (
	SignalStatusPending  = "PENDING"
	SignalStatusExecuted = "EXECUTED"
	SignalStatusFailed   = "FAILED"

	SignalOpenNewRange     = "OPEN_NEW_RANGE"
	SignalRebalanceToRange = "REBALANCE_TO_RANGE"
	SignalFullMaintenance  = "FULL_MAINTENANCE"
)

// Step actions.
const (
	ActionCollect     = "COLLECT"
	ActionWithdraw    = "WITHDRAW"
	ActionSwapExactIn = "SWAP_EXACT_IN"
	ActionRebalance   = "REBALANCE"
	ActionNoopLegacy  = "NOOP_LEGACY"
)

// StepPayload carries only the routing fields known at plan time. Swap
// amounts and rebalance caps are derived at runtime from live vault state.
type StepPayload struct {
	Dex           string  `json:"dex,omitempty"`
	Alias         string  `json:"alias,omitempty"`
	LowerPrice    float64 `json:"lower_price,omitempty"`
	UpperPrice    float64 `json:"upper_price,omitempty"`
	WithdrawMode  string  `json:"withdraw_mode,omitempty"`
	Token0Address string  `json:"token0_address,omitempty"`
	Token1Address string  `json:"token1_address,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// Step is one vault operation inside a signal's ordered plan.
type Step struct {
	Action  string      `json:"action"`
	Payload StepPayload `json:"payload"`
}

// EpisodeRef is the snapshot of the producing episode embedded into a signal,
// so the plan survives later strategy or episode edits.
type EpisodeRef struct {
	EpisodeID      int64   `json:"episode_id"`
	Pa             float64 `json:"pa"`
	Pb             float64 `json:"pb"`
	PoolType       string  `json:"pool_type"`
	MajorityOnOpen string  `json:"majority_on_open"`
	TargetMajorPct float64 `json:"target_major_pct"`
	OpenPrice      float64 `json:"open_price"`
}

// Signal is a durable execution plan keyed by (strategy_id, ts, signal_type).
type Signal struct {
	ID         int64      `json:"id"`
	StrategyID int64      `json:"strategy_id"`
	Ts         int64      `json:"ts"` // epoch ms of the producing bar
	SignalType string     `json:"signal_type"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	CfgHash    string     `json:"cfg_hash"`
	Symbol     string     `json:"symbol"`
	Steps      []Step     `json:"steps"`
	Episode    EpisodeRef `json:"episode"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// StreamOffset is the ingestion watermark for one stream key.
type StreamOffset struct {
	Stream             string    `json:"stream"`
	LastClosedOpenTime int64     `json:"last_closed_open_time"`
	LastSyncAt         time.Time `json:"last_sync_at"`
}
