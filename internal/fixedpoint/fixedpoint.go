package fixedpoint

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	PriceConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // oracle prices
	QuoteConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // collateral, margins, position sizes
	RateConfig  = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000} // funding rates
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
// Callers own numerator and must return it to the pool themselves.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)

	result := quotient.Int64()

	if roundingMode == RoundHalfEven {
		// Banker's rounding on the absolute remainder
		absRem := getInt128().Abs(remainder)
		absDenom := denominator
		if absDenom < 0 {
			absDenom = -absDenom
		}
		half := big.NewInt(absDenom / 2)
		cmp := absRem.Cmp(half)

		neg := (numerator.Sign() < 0) != (denominator < 0)
		if cmp > 0 {
			if neg {
				result--
			} else {
				result++
			}
		} else if cmp == 0 && absDenom%2 == 0 {
			if result%2 != 0 {
				if neg {
					result--
				} else {
					result++
				}
			}
		}
		putInt128(absRem)
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// MulDiv computes a * b / denominator through int128 with banker's rounding.
func MulDiv(a, b, denominator int64) int64 {
	num := MultiplyInt128(a, b)
	result := DivideInt128(num, denominator, RoundHalfEven)
	putInt128(num)
	return result
}

// Rescale converts a fixed-point value between scales.
func Rescale(value, fromScale, toScale int64) int64 {
	if fromScale == toScale {
		return value
	}
	return MulDiv(value, toScale, fromScale)
}

// Abs returns |v|.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Clamp bounds v to [-limit, +limit]. limit must be non-negative.
func Clamp(v, limit int64) int64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
