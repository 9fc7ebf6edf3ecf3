// Fixed-point decimal arithmetic for reward amounts: 6 fractional digits,
// round-half-even, built on math/big.Rat so intermediate results stay
// exact and rounding happens once at the edges.
package reward

import (
	"fmt"
	"math/big"
)

// Scale is the fixed number of fractional digits every reward amount is
// rounded to.
const Scale = 6

var scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)

// Decimal is an exact rational number, compared exactly and formatted at
// 6 fractional digits of precision.
type Decimal struct {
	r *big.Rat
}

// Zero is the additive identity.
func Zero() Decimal { return Decimal{r: new(big.Rat)} }

// FromInt64 builds a Decimal from a whole number.
func FromInt64(v int64) Decimal { return Decimal{r: new(big.Rat).SetInt64(v)} }

// FromFloat64 builds a Decimal from a float64, useful for multipliers like
// 1.5 and 2.0 that are exact in binary and decimal alike.
func FromFloat64(v float64) Decimal {
	r := new(big.Rat)
	r.SetFloat64(v)
	return Decimal{r: r}
}

// ParseDecimal parses a base-10 decimal string (e.g. "10", "0.15") exactly.
func ParseDecimal(s string) (Decimal, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return Decimal{}, fmt.Errorf("invalid decimal %q", s)
	}
	return Decimal{r: r}, nil
}

// rat returns d's underlying *big.Rat, treating the zero-value Decimal{}
// (as produced by a missing map entry or an ineligible Result) as exact
// zero rather than a nil pointer.
func (d Decimal) rat() *big.Rat {
	if d.r == nil {
		return new(big.Rat)
	}
	return d.r
}

func (d Decimal) Add(o Decimal) Decimal { return Decimal{r: new(big.Rat).Add(d.rat(), o.rat())} }
func (d Decimal) Sub(o Decimal) Decimal { return Decimal{r: new(big.Rat).Sub(d.rat(), o.rat())} }
func (d Decimal) Mul(o Decimal) Decimal { return Decimal{r: new(big.Rat).Mul(d.rat(), o.rat())} }

// Cmp returns -1, 0, +1 comparing d to o.
func (d Decimal) Cmp(o Decimal) int { return d.rat().Cmp(o.rat()) }

// Sign returns -1, 0, or +1.
func (d Decimal) Sign() int { return d.rat().Sign() }

// Float64 returns the nearest float64 approximation, for metrics/logging only.
func (d Decimal) Float64() float64 {
	f, _ := d.rat().Float64()
	return f
}

// Round6 rounds d to 6 fractional digits using round-half-even (banker's
// rounding), returning a new Decimal whose underlying value is an exact
// multiple of 10^-6.
func (d Decimal) Round6() Decimal {
	// scaled = d * 10^6
	scaled := new(big.Rat).Mul(d.rat(), new(big.Rat).SetInt(scaleFactor))
	num := scaled.Num()
	den := scaled.Denom()

	quotient, remainder := new(big.Int).QuoRem(num, den, new(big.Int))
	twiceRemainder := new(big.Int).Mul(remainder, big.NewInt(2))
	absTwice := new(big.Int).Abs(twiceRemainder)
	absDen := new(big.Int).Abs(den)

	cmp := absTwice.Cmp(absDen)
	roundUp := false
	switch {
	case cmp > 0:
		roundUp = true
	case cmp == 0:
		// Exactly halfway: round to even.
		if quotient.Bit(0) == 1 {
			roundUp = true
		}
	}
	if roundUp {
		if scaled.Sign() >= 0 {
			quotient.Add(quotient, big.NewInt(1))
		} else {
			quotient.Sub(quotient, big.NewInt(1))
		}
	}
	rounded := new(big.Rat).SetFrac(quotient, scaleFactor)
	return Decimal{r: rounded}
}

// String renders d rounded to 6 fractional digits as a plain decimal
// string, e.g. "24.500000".
func (d Decimal) String() string {
	rounded := d.Round6()
	return rounded.r.FloatString(Scale)
}
