// Package clmath implements the fixed-point math used by Uniswap-v3-family
// pools: tick <-> sqrt-price conversions in Q64.96 and token amounts for a
// given liquidity and price band. All functions are pure; callers own the
// big.Int inputs and outputs.
package clmath

import (
	"fmt"
	"math"
	"math/big"
)

const (
	// MinTick and MaxTick bound the valid tick domain.
	MinTick = -887272
	MaxTick = 887272
)

var (
	// Q96 = 2^96, the fixed-point scale of sqrtPriceX96.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	maxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	u256Mask   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// Prefactor table for sqrtRatio: entry i is applied when bit i of |tick|
	// is set. Values are the canonical Q128 constants.
	tickPrefactors = mustHexInts(
		"fffcb933bd6fad37aa2d162d1a594001",
		"fff97272373d413259a46990580e213a",
		"fff2e50f5f656932ef12357cf3c7fdcc",
		"ffe5caca7e10e4e61c3624eaa0941cd0",
		"ffcb9843d60f6159c9db58835c926644",
		"ff973b41fa98c081472e6896dfb254c0",
		"ff2ea16466c96a3843ec78b326b52861",
		"fe5dee046a99a2a811c461f1969c3053",
		"fcbe86c7900a88aedcffc83b479aa3a4",
		"f987a7253ac413176f2b074cf7815e54",
		"f3392b0822b70005940c7a398e4b70f3",
		"e7159475a2c29b7443b29c7fa6e889d9",
		"d097f3bdfd2022b8845ad8f792aa5825",
		"a9f746462d870fdf8a65dc1f90e061e5",
		"70d869a156d2a1b890bb3df62baf32f7",
		"31be135f97d08fd981231505542fcfa6",
		"9aa508b5b7a84e1c677de54f3e99bc9",
		"5d6af8dedb81196699c329225ee604",
		"2216e584f5fa1ea926041bedfe98",
		"48a170391f7dc42444e8fa2",
	)
)

func mustHexInts(hexes ...string) []*big.Int {
	out := make([]*big.Int, len(hexes))
	for i, h := range hexes {
		v, ok := new(big.Int).SetString(h, 16)
		if !ok {
			panic("clmath: bad prefactor constant " + h)
		}
		out[i] = v
	}
	return out
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 fixed-point value.
func SqrtRatioAtTick(tick int) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("tick %d out of range [%d, %d]", tick, MinTick, MaxTick)
	}

	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	// Start from Q128 one and fold in a prefactor per set bit of |tick|.
	ratio := new(big.Int).Lsh(big.NewInt(1), 128)
	if absTick&1 != 0 {
		ratio.Set(tickPrefactors[0])
	}
	for i := 1; i < len(tickPrefactors); i++ {
		if absTick&(1<<uint(i)) != 0 {
			ratio.Mul(ratio, tickPrefactors[i])
			ratio.Rsh(ratio, 128)
			ratio.And(ratio, u256Mask)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Q128 -> Q64.96, rounding up when any of the low 32 bits is set.
	rem := new(big.Int).And(ratio, big.NewInt(0xffffffff))
	ratio.Rsh(ratio, 32)
	if rem.Sign() != 0 {
		ratio.Add(ratio, big.NewInt(1))
	}

	if ratio.Cmp(maxUint160) > 0 {
		return nil, fmt.Errorf("sqrt ratio at tick %d overflows uint160", tick)
	}
	return ratio, nil
}

// AmountsForLiquidity returns the token0/token1 amounts a position of
// liquidity l holds at the current sqrt price, given its band [sqrtA, sqrtB].
// sqrtA and sqrtB are swapped if passed out of order.
func AmountsForLiquidity(sqrtP, sqrtA, sqrtB, l *big.Int) (amount0, amount1 *big.Int) {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}

	amount0 = new(big.Int)
	amount1 = new(big.Int)

	switch {
	case sqrtP.Cmp(sqrtA) <= 0:
		amount0 = amount0ForLiquidity(sqrtA, sqrtB, l)
	case sqrtP.Cmp(sqrtB) < 0:
		amount0 = amount0ForLiquidity(sqrtP, sqrtB, l)
		amount1 = amount1ForLiquidity(sqrtA, sqrtP, l)
	default:
		amount1 = amount1ForLiquidity(sqrtA, sqrtB, l)
	}
	return amount0, amount1
}

// amount0 = l * (sqrtB - sqrtA) * Q96 / (sqrtB * sqrtA)
func amount0ForLiquidity(sqrtA, sqrtB, l *big.Int) *big.Int {
	num := new(big.Int).Sub(sqrtB, sqrtA)
	num.Mul(num, l)
	num.Mul(num, Q96)
	den := new(big.Int).Mul(sqrtB, sqrtA)
	return num.Div(num, den)
}

// amount1 = l * (sqrtB - sqrtA) / Q96
func amount1ForLiquidity(sqrtA, sqrtB, l *big.Int) *big.Int {
	num := new(big.Int).Sub(sqrtB, sqrtA)
	num.Mul(num, l)
	return num.Div(num, Q96)
}

// TickToPrice converts a tick to a decimals-adjusted token1-per-token0 price.
func TickToPrice(tick int, decimals0, decimals1 int) float64 {
	scale := math.Pow10(decimals0 - decimals1)
	return math.Pow(1.0001, float64(tick)) * scale
}

// PriceToTick converts a decimals-adjusted token1-per-token0 price to the
// nearest tick. Returns an error for non-positive prices.
func PriceToTick(price float64, decimals0, decimals1 int) (int, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("price %v is not convertible to a tick", price)
	}
	scale := math.Pow10(decimals0 - decimals1)
	tick := int(math.Round(math.Log(price/scale) / math.Log(1.0001)))
	if tick < MinTick {
		tick = MinTick
	} else if tick > MaxTick {
		tick = MaxTick
	}
	return tick, nil
}

// SqrtRatioToPrice converts a Q64.96 sqrt price to a decimals-adjusted
// token1-per-token0 float price. Precision is limited by float64; callers
// needing exact amounts should stay in big.Int space.
func SqrtRatioToPrice(sqrtRatioX96 *big.Int, decimals0, decimals1 int) float64 {
	f := new(big.Float).SetInt(sqrtRatioX96)
	f.Quo(f, new(big.Float).SetInt(Q96))
	v, _ := f.Float64()
	scale := math.Pow10(decimals0 - decimals1)
	return v * v * scale
}
