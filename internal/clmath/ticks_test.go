package clmath

import (
	"math"
	"math/big"
	"testing"
)

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad test constant %q", s)
	}
	return v
}

func TestSqrtRatioAtTick(t *testing.T) {
	cases := []struct {
		tick int
		want string
	}{
		{0, "79228162514264337593543950336"},
		{1, "79232123823359799118286999568"},
		{-1, "79224201403219477170569942574"},
		{60, "79466191966197645195421774833"},
		{MinTick, "4295128739"},
		{MaxTick, "1461446703485210103287273052203988822378723970342"},
	}

	for _, tc := range cases {
		got, err := SqrtRatioAtTick(tc.tick)
		if err != nil {
			t.Errorf("SqrtRatioAtTick(%d) unexpected error: %v", tc.tick, err)
			continue
		}
		if want := mustBig(t, tc.want); got.Cmp(want) != 0 {
			t.Errorf("SqrtRatioAtTick(%d) = %s, want %s", tc.tick, got, want)
		}
	}
}

func TestSqrtRatioAtTickOutOfRange(t *testing.T) {
	for _, tick := range []int{MinTick - 1, MaxTick + 1} {
		if _, err := SqrtRatioAtTick(tick); err == nil {
			t.Errorf("SqrtRatioAtTick(%d) expected error, got nil", tick)
		}
	}
}

func TestSqrtRatioAtTickMonotone(t *testing.T) {
	prev, err := SqrtRatioAtTick(-1000)
	if err != nil {
		t.Fatal(err)
	}
	for tick := -999; tick <= 1000; tick += 7 {
		cur, err := SqrtRatioAtTick(tick)
		if err != nil {
			t.Fatal(err)
		}
		if cur.Cmp(prev) <= 0 {
			t.Fatalf("sqrt ratio not strictly increasing at tick %d", tick)
		}
		prev = cur
	}
}

func TestAmountsForLiquidity(t *testing.T) {
	l := mustBig(t, "1000000000000000000")
	sqrtA := new(big.Int).Set(Q96)
	sqrtB := new(big.Int).Lsh(Q96, 1) // 2*Q96, price 4

	// Below the band: only token0.
	below := new(big.Int).Rsh(Q96, 1)
	amount0, amount1 := AmountsForLiquidity(below, sqrtA, sqrtB, l)
	if want := mustBig(t, "500000000000000000"); amount0.Cmp(want) != 0 {
		t.Errorf("below band amount0 = %s, want %s", amount0, want)
	}
	if amount1.Sign() != 0 {
		t.Errorf("below band amount1 = %s, want 0", amount1)
	}

	// Above the band: only token1, exactly l for this band.
	above := new(big.Int).Mul(Q96, big.NewInt(3))
	amount0, amount1 = AmountsForLiquidity(above, sqrtA, sqrtB, l)
	if amount0.Sign() != 0 {
		t.Errorf("above band amount0 = %s, want 0", amount0)
	}
	if amount1.Cmp(l) != 0 {
		t.Errorf("above band amount1 = %s, want %s", amount1, l)
	}

	// Inside the band at sqrtP = 1.5*Q96: both sides funded.
	inside := new(big.Int).Add(Q96, new(big.Int).Rsh(Q96, 1))
	amount0, amount1 = AmountsForLiquidity(inside, sqrtA, sqrtB, l)
	if want := mustBig(t, "166666666666666666"); amount0.Cmp(want) != 0 {
		t.Errorf("inside band amount0 = %s, want %s", amount0, want)
	}
	if want := mustBig(t, "500000000000000000"); amount1.Cmp(want) != 0 {
		t.Errorf("inside band amount1 = %s, want %s", amount1, want)
	}
}

func TestAmountsForLiquiditySwappedBounds(t *testing.T) {
	l := big.NewInt(1e9)
	sqrtA := new(big.Int).Set(Q96)
	sqrtB := new(big.Int).Lsh(Q96, 1)
	p := new(big.Int).Mul(Q96, big.NewInt(3))

	a0, a1 := AmountsForLiquidity(p, sqrtA, sqrtB, l)
	b0, b1 := AmountsForLiquidity(p, sqrtB, sqrtA, l)
	if a0.Cmp(b0) != 0 || a1.Cmp(b1) != 0 {
		t.Errorf("amounts differ when bounds are swapped: (%s,%s) vs (%s,%s)", a0, a1, b0, b1)
	}
}

func TestTickPriceRoundTrip(t *testing.T) {
	for _, tick := range []int{-202500, -60, 0, 60, 100, 202500} {
		price := TickToPrice(tick, 18, 6)
		got, err := PriceToTick(price, 18, 6)
		if err != nil {
			t.Fatalf("PriceToTick(%v): %v", price, err)
		}
		if got != tick {
			t.Errorf("round trip tick %d -> %v -> %d", tick, price, got)
		}
	}
}

func TestPriceToTickInvalid(t *testing.T) {
	for _, price := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := PriceToTick(price, 18, 18); err == nil {
			t.Errorf("PriceToTick(%v) expected error", price)
		}
	}
}

func TestSqrtRatioToPrice(t *testing.T) {
	ratio, err := SqrtRatioAtTick(0)
	if err != nil {
		t.Fatal(err)
	}
	if got := SqrtRatioToPrice(ratio, 18, 18); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("SqrtRatioToPrice at tick 0 = %v, want 1.0", got)
	}
	if got := SqrtRatioToPrice(ratio, 18, 6); math.Abs(got-1e12) > 1 {
		t.Errorf("decimals-adjusted price = %v, want 1e12", got)
	}
}
