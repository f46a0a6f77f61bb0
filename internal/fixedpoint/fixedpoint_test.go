package fixedpoint_test

import (
	"PerpVenue/internal/fixedpoint"
	"testing"
)

// ============================================================================
// Test: DivideInt128 rounding
// ============================================================================

func TestDivideInt128_BankersRounding(t *testing.T) {
	cases := []struct {
		a, b, want int64
	}{
		{5, 2, 2},   // 2.5 rounds to even 2
		{7, 2, 4},   // 3.5 rounds to even 4
		{-5, 2, -2}, // -2.5 rounds to even -2
		{-7, 2, -4}, // -3.5 rounds to even -4
		{9, 4, 2},   // 2.25 rounds down
		{11, 4, 3},  // 2.75 rounds up
		{-11, 4, -3},
		{10, 5, 2}, // exact
	}

	for _, c := range cases {
		num := fixedpoint.MultiplyInt128(c.a, 1)
		got := fixedpoint.DivideInt128(num, c.b, fixedpoint.RoundHalfEven)
		if got != c.want {
			t.Errorf("%d / %d: got %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestMulDiv_LargeIntermediate(t *testing.T) {
	// 9e18-ish intermediate would overflow int64 without the int128 path.
	got := fixedpoint.MulDiv(3_000_000_000, 3_000_000_000, 1_000_000_000)
	if got != 9_000_000_000 {
		t.Errorf("got %d, want 9_000_000_000", got)
	}
}

func TestRescale(t *testing.T) {
	// 1.5 at 1e6 scale -> 1e8 scale
	got := fixedpoint.Rescale(1_500_000, 1_000_000, 100_000_000)
	if got != 150_000_000 {
		t.Errorf("got %d, want 150_000_000", got)
	}
	if fixedpoint.Rescale(42, 10, 10) != 42 {
		t.Error("same-scale rescale should be identity")
	}
}

// ============================================================================
// Test: entry price
// ============================================================================

func TestComputeEntryPrice_WeightedAverage(t *testing.T) {
	// 100 units opened at $50, 100 more added at $70 -> $60 entry.
	oldSize := int64(100_000_000)  // 100 quote units
	oldEntry := int64(50 * 1e8)    // $50
	addSize := int64(100_000_000)  // 100 quote units
	fillPrice := int64(70 * 1e8)   // $70

	got := fixedpoint.ComputeEntryPrice(oldSize, oldEntry, addSize, fillPrice)
	want := int64(60 * 1e8)
	if got != want {
		t.Errorf("entry price: got %d, want %d", got, want)
	}
}

func TestComputeEntryPrice_FirstFill(t *testing.T) {
	got := fixedpoint.ComputeEntryPrice(0, 0, 500_000_000, 123_45_000_000)
	if got != 123_45_000_000 {
		t.Errorf("first fill should take the fill price, got %d", got)
	}
}

func TestComputeEntryPrice_UnevenWeights(t *testing.T) {
	// 300@$10 + 100@$30 -> (300*10 + 100*30)/400 = $15
	got := fixedpoint.ComputeEntryPrice(300_000_000, 10*1e8, 100_000_000, 30*1e8)
	if got != 15*1e8 {
		t.Errorf("got %d, want %d", got, int64(15*1e8))
	}
}

// ============================================================================
// Test: PnL (percentage of entry)
// ============================================================================

func TestComputePnL_LongGain(t *testing.T) {
	// size 1000, entry $100, current $110 -> +10% of size = +100
	got := fixedpoint.ComputePnL(true, 1000_000_000, 100*1e8, 110*1e8)
	if got != 100_000_000 {
		t.Errorf("long pnl: got %d, want 100_000_000", got)
	}
}

func TestComputePnL_ShortGain(t *testing.T) {
	// short profits when price falls
	got := fixedpoint.ComputePnL(false, 1000_000_000, 100*1e8, 90*1e8)
	if got != 100_000_000 {
		t.Errorf("short pnl: got %d, want 100_000_000", got)
	}
}

func TestComputePnL_LongLoss(t *testing.T) {
	got := fixedpoint.ComputePnL(true, 500_000_000, 200*1e8, 150*1e8)
	// -25% of 500 = -125
	if got != -125_000_000 {
		t.Errorf("long loss: got %d, want -125_000_000", got)
	}
}

func TestComputePnL_ZeroEntry(t *testing.T) {
	if got := fixedpoint.ComputePnL(true, 1_000_000, 0, 100); got != 0 {
		t.Errorf("zero entry must yield zero pnl, got %d", got)
	}
}

func TestComputePnL_ScaleAgnostic(t *testing.T) {
	// The price scale cancels: same relative move at different scales.
	a := fixedpoint.ComputePnL(true, 1000_000_000, 100*1e8, 110*1e8)
	b := fixedpoint.ComputePnL(true, 1000_000_000, 100*1e2, 110*1e2)
	if a != b {
		t.Errorf("pnl should not depend on price scale: %d vs %d", a, b)
	}
}

// ============================================================================
// Test: funding amount
// ============================================================================

func TestFundingAmount(t *testing.T) {
	// 0.01% rate on size 1000 -> 0.1 quote units
	rate := fixedpoint.RateConfig.Scale / 10_000
	got := fixedpoint.FundingAmount(rate, 1000_000_000)
	if got != 100_000 {
		t.Errorf("got %d, want 100_000", got)
	}
}

func TestFundingAmount_NegativeRate(t *testing.T) {
	rate := -fixedpoint.RateConfig.Scale / 10_000
	got := fixedpoint.FundingAmount(rate, 1000_000_000)
	if got != -100_000 {
		t.Errorf("got %d, want -100_000", got)
	}
}

// ============================================================================
// Test: margin ratio
// ============================================================================

func TestComputeMarginRatio(t *testing.T) {
	current, ratio := fixedpoint.ComputeMarginRatio(100_000_000, -30_000_000)
	if current != 70_000_000 {
		t.Errorf("current margin: got %d, want 70_000_000", current)
	}
	if ratio != 70 {
		t.Errorf("ratio: got %d, want 70", ratio)
	}
}

func TestComputeMarginRatio_FlooredAtZero(t *testing.T) {
	current, ratio := fixedpoint.ComputeMarginRatio(100_000_000, -150_000_000)
	if current != 0 || ratio != 0 {
		t.Errorf("got current=%d ratio=%d, want 0/0", current, ratio)
	}
}

func TestComputeMarginRatio_Profit(t *testing.T) {
	_, ratio := fixedpoint.ComputeMarginRatio(100_000_000, 50_000_000)
	if ratio != 150 {
		t.Errorf("ratio: got %d, want 150", ratio)
	}
}

// ============================================================================
// Test: liquidation price
// ============================================================================

func TestComputeLiquidationPrice_Long(t *testing.T) {
	// entry $100, 10x, threshold 80 -> $98 (a -2% move eats 20% of margin)
	got := fixedpoint.ComputeLiquidationPrice(true, 100*1e8, 10, 80)
	if got != 98*1e8 {
		t.Errorf("got %d, want %d", got, int64(98*1e8))
	}

	// Verify the ratio at that price is exactly the threshold.
	size := int64(10 * 100_000_000) // margin 100 at 10x
	pnl := fixedpoint.ComputePnL(true, size, 100*1e8, got)
	_, ratio := fixedpoint.ComputeMarginRatio(100_000_000, pnl)
	if ratio != 80 {
		t.Errorf("ratio at liquidation price: got %d, want 80", ratio)
	}
}

func TestComputeLiquidationPrice_Short(t *testing.T) {
	got := fixedpoint.ComputeLiquidationPrice(false, 100*1e8, 10, 80)
	if got != 102*1e8 {
		t.Errorf("got %d, want %d", got, int64(102*1e8))
	}
}

func TestComputeLiquidationPrice_Directional(t *testing.T) {
	entry := int64(250 * 1e8)
	long := fixedpoint.ComputeLiquidationPrice(true, entry, 5, 70)
	short := fixedpoint.ComputeLiquidationPrice(false, entry, 5, 70)
	if long >= entry {
		t.Errorf("long liquidation price %d should be below entry %d", long, entry)
	}
	if short <= entry {
		t.Errorf("short liquidation price %d should be above entry %d", short, entry)
	}
}

// ============================================================================
// Test: skew and shares
// ============================================================================

func TestComputeSkewPercent(t *testing.T) {
	if got := fixedpoint.ComputeSkewPercent(80, 20); got != 60 {
		t.Errorf("80/20 skew: got %d, want 60", got)
	}
	if got := fixedpoint.ComputeSkewPercent(50, 50); got != 0 {
		t.Errorf("balanced skew: got %d, want 0", got)
	}
	if got := fixedpoint.ComputeSkewPercent(0, 0); got != 0 {
		t.Errorf("empty book skew: got %d, want 0", got)
	}
}

func TestShareRatio(t *testing.T) {
	got := fixedpoint.ShareRatio(80, 100)
	want := fixedpoint.RateConfig.Scale / 10 * 8
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	if fixedpoint.ShareRatio(1, 0) != 0 {
		t.Error("zero total should yield zero share")
	}
}

func TestApplyPercentAndBps(t *testing.T) {
	if got := fixedpoint.ApplyPercent(500, 5); got != 25 {
		t.Errorf("5%% of 500: got %d, want 25", got)
	}
	if got := fixedpoint.ApplyBps(1_000_000, 30); got != 3_000 {
		t.Errorf("30bps of 1e6: got %d, want 3_000", got)
	}
}

func TestWeightedSum(t *testing.T) {
	// 20% of 100 plus 80% of 50 = 60
	if got := fixedpoint.WeightedSum(100, 20, 50, 80); got != 60 {
		t.Errorf("got %d, want 60", got)
	}
}
