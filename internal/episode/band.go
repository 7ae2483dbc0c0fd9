package episode

import (
	"sort"

	"cl-range-bot/internal/database"
)

const (
	// bandEps is the clamping epsilon of ensureValidBand.
	bandEps = 1e-12
	// minTotalWidth floors the target total band width.
	minTotalWidth = 2e-6
)

// Band is a candidate price range around an open price, together with the
// base skew fractions it was scaled from.
type Band struct {
	Pa           float64
	Pb           float64
	PctBelowBase float64
	PctAboveBase float64
	TotalWidth   float64
}

// sortedTiers returns the strategy tiers ascending by ATR threshold.
func sortedTiers(tiers []database.Tier) []database.Tier {
	out := make([]database.Tier, len(tiers))
	copy(out, tiers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ATRPctThreshold < out[j].ATRPctThreshold
	})
	return out
}

// narrowestTier returns the strictest tier (last after ascending sort) or nil.
func narrowestTier(tiers []database.Tier) *database.Tier {
	if len(tiers) == 0 {
		return nil
	}
	sorted := sortedTiers(tiers)
	return &sorted[len(sorted)-1]
}

func findTier(tiers []database.Tier, name string) *database.Tier {
	for i := range tiers {
		if tiers[i].Name == name {
			return &tiers[i]
		}
	}
	return nil
}

// baseSkew returns the unscaled (below, above) width fractions for a pool
// type and trend direction.
func baseSkew(poolType string, trendUp bool, params database.StrategyParams) (below, above float64) {
	if poolType == database.PoolTypeHighVol {
		if trendUp {
			return 0.01, 0.09
		}
		return 0.09, 0.01
	}
	if t := narrowestTier(params.Tiers); t != nil && poolType == t.Name {
		// The strictest tier is symmetric irrespective of trend.
		return 0.05, 0.05
	}
	if trendUp {
		return params.SkewHighPct, params.SkewLowPct
	}
	return params.SkewLowPct, params.SkewHighPct
}

// totalWidth returns the target total band width fraction for a pool type,
// floored to minTotalWidth.
func totalWidth(poolType string, params database.StrategyParams) float64 {
	var w float64
	switch poolType {
	case database.PoolTypeStandard:
		w = params.StandardMaxMajorSidePct
	case database.PoolTypeHighVol:
		w = params.HighVolMaxMajorSidePct
	default:
		if t := findTier(params.Tiers, poolType); t != nil {
			w = t.MaxMajorSidePct
		} else {
			w = params.StandardMaxMajorSidePct
		}
	}
	if w < minTotalWidth {
		w = minTotalWidth
	}
	return w
}

// BuildBand constructs the candidate band around p for the given pool type
// and trend, scaling the base skew so below+above equals the target total
// width, then clamping so p sits strictly inside (Pa, Pb).
func BuildBand(p float64, poolType string, trendUp bool, params database.StrategyParams) Band {
	belowBase, aboveBase := baseSkew(poolType, trendUp, params)
	total := totalWidth(poolType, params)

	baseSum := belowBase + aboveBase
	var below, above float64
	if baseSum == 0 {
		below = total / 2
		above = total / 2
	} else {
		below = belowBase * total / baseSum
		above = aboveBase * total / baseSum
	}

	pa := p * (1 - below)
	pb := p * (1 + above)
	pa, pb = ensureValidBand(pa, pb, p)

	return Band{
		Pa:           pa,
		Pb:           pb,
		PctBelowBase: belowBase,
		PctAboveBase: aboveBase,
		TotalWidth:   total,
	}
}

// ensureValidBand clamps a candidate band so that Pa >= eps, Pb >= Pa + eps,
// and p is strictly inside (Pa, Pb) with a mid pad of eps*max(1, p).
func ensureValidBand(pa, pb, p float64) (float64, float64) {
	if pa < bandEps {
		pa = bandEps
	}
	if pb < pa+bandEps {
		pb = pa + bandEps
	}
	midPad := bandEps
	if p > 1 {
		midPad = bandEps * p
	}
	if pa > p-midPad {
		pa = p - midPad
	}
	if pb < p+midPad {
		pb = p + midPad
	}
	return pa, pb
}

// targetSplit derives the clamped target major/minor percentages from the
// base skew. The raw value keeps the source's x10 scaling before the clamp.
func targetSplit(belowBase, aboveBase float64, trendUp bool) (major, minor, raw float64) {
	if trendUp {
		raw = aboveBase * 10
	} else {
		raw = belowBase * 10
	}
	major = raw
	if major > 1 {
		major = 1
	}
	if major <= 0 {
		major = 0.5
	}
	return major, 1 - major, raw
}
