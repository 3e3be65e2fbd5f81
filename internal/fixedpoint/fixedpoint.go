package fixedpoint

import (
	"math/big"
	"sync"
)

// All monetary quantities in the clearing core are int64 fixed-point values.
// USD amounts, prices, and token sizes share a 1e6 scale; ratios use basis
// points (1/10000). Intermediate products are computed in big.Int to avoid
// overflow, then divided back down with truncation toward zero.
const (
	USDScale   int64 = 1_000_000
	TokenScale int64 = 1_000_000
	PriceScale int64 = 1_000_000
	ShareScale int64 = 1_000_000

	BpsDenominator int64 = 10_000

	// Microseconds per second, for per-second fee-rate caps.
	MicrosPerSecond int64 = 1_000_000
)

var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// MulDiv computes a * b / den with a big.Int intermediate.
// The quotient truncates toward zero (big.Int Quo semantics), which on
// unsigned operands is floor division. den must be non-zero.
func MulDiv(a, b, den int64) int64 {
	num := getBig()
	num.Mul(big.NewInt(a), big.NewInt(b))

	d := getBig()
	d.SetInt64(den)

	q := getBig()
	q.Quo(num, d)

	result := q.Int64()

	putBig(num)
	putBig(d)
	putBig(q)

	return result
}

// USDValue converts a token size at a price into a USD amount.
// value = size * price / TokenScale.
func USDValue(size, price int64) int64 {
	return MulDiv(size, price, TokenScale)
}

// Prorate scales amount by num/den, truncating toward zero.
// Used for proportional fee realization and P&L on partial decreases:
// the magnitude is floored, so the residual stays on the position.
func Prorate(amount, num, den int64) int64 {
	if den == 0 {
		return 0
	}
	return MulDiv(amount, num, den)
}

// ApplyBps computes amount * bps / 10000, truncating toward zero.
func ApplyBps(amount, bps int64) int64 {
	return MulDiv(amount, bps, BpsDenominator)
}

// Min returns the smaller of two int64 values.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of two int64 values.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Abs returns the absolute value. Callers never pass math.MinInt64 here;
// all fixed-point quantities are far below that range.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Clamp0 floors a value at zero.
func Clamp0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
