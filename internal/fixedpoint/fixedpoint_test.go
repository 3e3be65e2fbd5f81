package fixedpoint_test

import (
	"PerpClearing/internal/fixedpoint"
	"testing"
)

func TestMulDiv_TruncatesTowardZero(t *testing.T) {
	// 7 * 1 / 2 = 3.5 -> 3
	if got := fixedpoint.MulDiv(7, 1, 2); got != 3 {
		t.Errorf("MulDiv(7,1,2) = %d, want 3", got)
	}
	// -7 * 1 / 2 = -3.5 -> -3 (toward zero, not floor)
	if got := fixedpoint.MulDiv(-7, 1, 2); got != -3 {
		t.Errorf("MulDiv(-7,1,2) = %d, want -3", got)
	}
}

func TestMulDiv_NoOverflow(t *testing.T) {
	// 2^40 * 2^40 overflows int64 but must survive the big.Int intermediate.
	a := int64(1) << 40
	got := fixedpoint.MulDiv(a, a, a)
	if got != a {
		t.Errorf("MulDiv(2^40, 2^40, 2^40) = %d, want %d", got, a)
	}
}

func TestUSDValue(t *testing.T) {
	// 100 tokens (100e6) at price 50 USD (50e6) = 5000 USD (5000e6)
	got := fixedpoint.USDValue(100_000_000, 50_000_000)
	if got != 5_000_000_000 {
		t.Errorf("USDValue = %d, want 5_000_000_000", got)
	}
}

func TestProrate(t *testing.T) {
	cases := []struct {
		name             string
		amount, num, den int64
		want             int64
	}{
		{"half", 1000, 50, 100, 500},
		{"truncates", 1001, 1, 2, 500},
		{"negative truncates toward zero", -1001, 1, 2, -500},
		{"zero denominator", 1000, 1, 0, 0},
		{"full", 777, 777, 777, 777},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fixedpoint.Prorate(tc.amount, tc.num, tc.den); got != tc.want {
				t.Errorf("Prorate(%d, %d, %d) = %d, want %d", tc.amount, tc.num, tc.den, got, tc.want)
			}
		})
	}
}

func TestApplyBps(t *testing.T) {
	// 100 bps of 1_000_000 = 10_000
	if got := fixedpoint.ApplyBps(1_000_000, 100); got != 10_000 {
		t.Errorf("ApplyBps = %d, want 10_000", got)
	}
}
