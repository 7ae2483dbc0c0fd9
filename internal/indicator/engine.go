// Package indicator computes the EMA fast/slow pair and ATR% over closed
// candles for one indicator set. The smoothing is span-based exponential
// weighting with a warm-up gate of max(2, span/2) bars; before the gate no
// value is emitted.
package indicator

import (
	"errors"
	"math"

	"cl-range-bot/internal/database"
)

// ErrInsufficientData is returned when fewer candles are available than the
// slowest window of the set requires.
var ErrInsufficientData = errors.New("indicator: insufficient candles for snapshot")

// ema is a span-weighted exponential average: each step folds the new sample
// into a numerator/denominator pair so that during warm-up the value equals
// the alpha-weighted running mean of all samples so far.
type ema struct {
	alpha      float64
	minPeriods int
	num        float64
	den        float64
	n          int
}

func newEMA(span int) *ema {
	minPeriods := span / 2
	if minPeriods < 2 {
		minPeriods = 2
	}
	return &ema{
		alpha:      2.0 / float64(span+1),
		minPeriods: minPeriods,
	}
}

func (e *ema) push(x float64) {
	decay := 1 - e.alpha
	e.num = x + decay*e.num
	e.den = 1 + decay*e.den
	e.n++
}

// value returns NaN until the warm-up gate is reached.
func (e *ema) value() float64 {
	if e.n < e.minPeriods || e.den == 0 {
		return math.NaN()
	}
	return e.num / e.den
}

// ComputeSnapshot runs the indicator set over candles (ascending by
// close_time) and returns the snapshot at the latest bar. It needs at least
// max(ema_slow, atr_window) candles; fewer yields ErrInsufficientData.
func ComputeSnapshot(set database.IndicatorSet, candles []database.Candle) (*database.IndicatorSnapshot, error) {
	need := set.EMASlow
	if set.ATRWindow > need {
		need = set.ATRWindow
	}
	if len(candles) < need || need == 0 {
		return nil, ErrInsufficientData
	}

	fast := newEMA(set.EMAFast)
	slow := newEMA(set.EMASlow)
	atr := newEMA(set.ATRWindow)

	var prevClose float64
	havePrev := false
	atrPct := math.NaN()

	for _, c := range candles {
		high, low, close := c.High, c.Low, c.Close

		// Non-finite prices propagate the previous close before TR.
		if !isFinite(close) && havePrev {
			close = prevClose
		}
		if !isFinite(high) {
			high = close
		}
		if !isFinite(low) {
			low = close
		}

		fast.push(close)
		slow.push(close)

		tr := high - low
		if havePrev {
			if d := math.Abs(high - prevClose); d > tr {
				tr = d
			}
			if d := math.Abs(low - prevClose); d > tr {
				tr = d
			}
		}
		atr.push(tr)

		if v := atr.value(); !math.IsNaN(v) && close > 0 {
			// Forward-fill: once a value exists it persists through any
			// later gap.
			atrPct = v / close
		}

		prevClose = close
		havePrev = true
	}

	last := candles[len(candles)-1]
	emaFast := fast.value()
	emaSlow := slow.value()
	if math.IsNaN(emaFast) || math.IsNaN(emaSlow) {
		return nil, ErrInsufficientData
	}
	if math.IsNaN(atrPct) {
		atrPct = 0
	}

	return &database.IndicatorSnapshot{
		Symbol:  set.Symbol,
		Ts:      last.CloseTime,
		CfgHash: set.CfgHash,
		Open:    last.Open,
		High:    last.High,
		Low:     last.Low,
		Close:   last.Close,
		EMAFast: emaFast,
		EMASlow: emaSlow,
		ATRPct:  atrPct,
	}, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
