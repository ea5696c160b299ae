package data

import (
	"fmt"
	"math"
	"math/bits"
)

// Fixed is a signed fixed-point number with six decimal places. Scores are
// computed exclusively in Fixed so that every node derives identical values.
type Fixed int64

const (
	// Scale is the fixed-point representation of 1.0.
	Scale Fixed = 1_000_000
	One         = Scale
	Zero  Fixed = 0
)

// FromRatio returns num/den, truncated toward zero. A zero denominator yields zero.
func FromRatio(num, den int64) Fixed {
	if den == 0 {
		return Zero
	}
	return Fixed(num * int64(Scale) / den)
}

// FromPercent returns p/100.
func FromPercent(p int64) Fixed {
	return FromRatio(p, 100)
}

// RatioU returns num/den for unsigned operands without overflowing, saturating at One.
func RatioU(num, den uint64) Fixed {
	if den == 0 {
		return Zero
	}
	if num >= den {
		return One
	}
	hi, lo := bits.Mul64(num, uint64(Scale))
	q, _ := bits.Div64(hi, lo, den)
	return Fixed(q)
}

func (f Fixed) Mul(g Fixed) Fixed {
	return f * g / Scale
}

func (f Fixed) Div(g Fixed) Fixed {
	if g == 0 {
		return Zero
	}
	return f * Scale / g
}

// MulInt scales by an integer factor.
func (f Fixed) MulInt(n int64) Fixed {
	return f * Fixed(n)
}

func (f Fixed) Clamp(lo, hi Fixed) Fixed {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

// Unit clamps to [0, 1].
func (f Fixed) Unit() Fixed {
	return f.Clamp(Zero, One)
}

func (f Fixed) Abs() Fixed {
	if f < 0 {
		return -f
	}
	return f
}

// Points converts a [0,1] value to an integer on the 0..100 scale, rounding half up.
func (f Fixed) Points() int {
	v := f.Unit()
	return int((v*100 + Scale/2) / Scale)
}

func (f Fixed) String() string {
	sign := ""
	v := int64(f)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/int64(Scale), v%int64(Scale))
}

func MinFixed(a, b Fixed) Fixed {
	if a < b {
		return a
	}
	return b
}

func MaxFixed(a, b Fixed) Fixed {
	if a > b {
		return a
	}
	return b
}

// MulFixed scales an amount by f in [0, 1] without overflowing.
func (a Amount) MulFixed(f Fixed) Amount {
	f = f.Unit()
	hi, lo := bits.Mul64(uint64(a), uint64(f))
	q, _ := bits.Div64(hi, lo, uint64(Scale))
	return Amount(q)
}

// SaturatingAdd returns a+b, pinned at the largest Amount on overflow.
func (a Amount) SaturatingAdd(b Amount) Amount {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return Amount(math.MaxUint64)
	}
	return Amount(sum)
}
