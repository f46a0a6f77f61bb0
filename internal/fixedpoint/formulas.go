package fixedpoint

// ComputeEntryPrice calculates the size-weighted average entry price after an
// increase: (oldSize*oldEntry + addSize*fillPrice) / (oldSize + addSize).
// Sizes are quote scale, prices are price scale.
func ComputeEntryPrice(oldSize, oldEntry, addSize, fillPrice int64) int64 {
	if oldSize == 0 {
		return fillPrice
	}

	term1 := MultiplyInt128(oldSize, oldEntry)
	term2 := MultiplyInt128(addSize, fillPrice)
	numerator := getInt128()
	numerator.Add(term1, term2)

	result := DivideInt128(numerator, oldSize+addSize, RoundHalfEven)

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	return result
}

// ComputePnL calculates profit or loss for a position slice as a fraction of
// the entry price: size * (currentPrice - entryPrice) / entryPrice, negated
// for shorts. The result carries the size's quote scale; the price scale
// cancels out, which keeps the formula independent of oracle decimals.
func ComputePnL(isLong bool, size, entryPrice, currentPrice int64) int64 {
	if entryPrice == 0 || size == 0 {
		return 0
	}

	diff := currentPrice - entryPrice
	if !isLong {
		diff = -diff
	}

	num := MultiplyInt128(size, diff)
	result := DivideInt128(num, entryPrice, RoundHalfEven)
	putInt128(num)

	return result
}

// FundingAmount converts a funding rate applied to a position size into quote
// units: rate * size / rateScale. The sign of the rate carries through; the
// caller applies position direction.
func FundingAmount(rate, size int64) int64 {
	if rate == 0 || size == 0 {
		return 0
	}
	num := MultiplyInt128(rate, size)
	result := DivideInt128(num, RateConfig.Scale, RoundHalfEven)
	putInt128(num)
	return result
}

// ComputeMarginRatio returns the margin ratio in integer percent:
// currentMargin * 100 / initialMargin, where currentMargin is the initial
// margin plus signed PnL and funding, floored at zero. A zero initial margin
// yields a zero ratio.
func ComputeMarginRatio(initialMargin, unrealized int64) (currentMargin, ratio int64) {
	currentMargin = initialMargin + unrealized
	if currentMargin < 0 {
		currentMargin = 0
	}
	if initialMargin <= 0 {
		return currentMargin, 0
	}
	ratio = MulDiv(currentMargin, 100, initialMargin)
	return currentMargin, ratio
}

// ComputeLiquidationPrice solves the price at which the margin ratio equals
// threshold (integer percent). At that price pnl = margin*(threshold-100)/100,
// and with size = margin*leverage the relative move is
// (threshold-100)/(100*leverage). Longs liquidate below entry, shorts above.
func ComputeLiquidationPrice(isLong bool, entryPrice, leverage, threshold int64) int64 {
	if leverage <= 0 || entryPrice <= 0 {
		return 0
	}

	denom := 100 * leverage
	var factor int64
	if isLong {
		factor = denom + threshold - 100
	} else {
		factor = denom - threshold + 100
	}
	if factor < 0 {
		factor = 0
	}

	num := MultiplyInt128(entryPrice, factor)
	result := DivideInt128(num, denom, RoundHalfEven)
	putInt128(num)

	return result
}

// ComputeSkewPercent returns |longOI - shortOI| * 100 / (longOI + shortOI)
// as integer percent, zero when there is no open interest.
func ComputeSkewPercent(longOI, shortOI int64) int64 {
	total := longOI + shortOI
	if total == 0 {
		return 0
	}
	return MulDiv(Abs(longOI-shortOI), 100, total)
}

// ShareRatio returns part/total at rate scale (1e18), zero when total is zero.
// Used for open-interest share ratios feeding the funding premium index.
func ShareRatio(part, total int64) int64 {
	if total == 0 {
		return 0
	}
	return MulDiv(part, RateConfig.Scale, total)
}

// ApplyPercent computes value * percent / 100.
func ApplyPercent(value, percent int64) int64 {
	return MulDiv(value, percent, 100)
}

// ApplyBps computes value * bps / 10_000.
func ApplyBps(value, bps int64) int64 {
	return MulDiv(value, bps, 10_000)
}

// WeightedSum computes (a*wa + b*wb) / 100 for integer percent weights.
// Values may exceed the int64 product range, so the sum runs through int128.
func WeightedSum(a, wa, b, wb int64) int64 {
	ta := MultiplyInt128(a, wa)
	tb := MultiplyInt128(b, wb)
	sum := getInt128()
	sum.Add(ta, tb)

	result := DivideInt128(sum, 100, RoundHalfEven)

	putInt128(ta)
	putInt128(tb)
	putInt128(sum)

	return result
}
