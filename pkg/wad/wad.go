// Package wad implements checked 1e18-scaled fixed-point arithmetic.
//
// Values are plain *uint256.Int. Raw token amounts and WAD ratios share the
// representation; the functions below decide the scale. Every operation
// multiplies before it divides, rounds toward zero and reports overflow or a
// zero divisor as an error instead of wrapping.
package wad

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of a WAD value.
const Decimals = 18

var (
	ErrOverflow       = errors.New("wad: arithmetic overflow")
	ErrUnderflow      = errors.New("wad: arithmetic underflow")
	ErrDivisionByZero = errors.New("wad: division by zero")
	ErrInvalidDecimal = errors.New("wad: invalid decimal")
)

var one = uint256.NewInt(1_000_000_000_000_000_000)

// One returns 1.0 as a WAD.
func One() *uint256.Int { return new(uint256.Int).Set(one) }

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// FromUint64 returns n as a raw (unscaled) value.
func FromUint64(n uint64) *uint256.Int { return uint256.NewInt(n) }

// Units returns n whole units scaled by 1e18.
func Units(n uint64) *uint256.Int {
	z, _ := new(uint256.Int).MulOverflow(uint256.NewInt(n), one)
	return z
}

// Add returns x + y.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// Sub returns x - y.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, fmt.Errorf("%w: %s - %s", ErrUnderflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// SubFloor returns x - y, or zero when y > x.
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if y.Gt(x) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// MulRaw returns x * y without rescaling.
func MulRaw(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s", ErrOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// DivRaw returns floor(x / y).
func DivRaw(x, y *uint256.Int) (*uint256.Int, error) {
	if y.IsZero() {
		return nil, ErrDivisionByZero
	}
	return new(uint256.Int).Div(x, y), nil
}

// MulDiv returns floor(x * y / d) using a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s", ErrOverflow, x.Dec(), y.Dec(), d.Dec())
	}
	return z, nil
}

// Mul returns floor(x * y / 1e18).
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, one)
}

// Div returns floor(x * 1e18 / y).
func Div(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, one, y)
}

// Pow returns x^n for a WAD base and an integer exponent.
func Pow(x *uint256.Int, n uint64) (*uint256.Int, error) {
	result := One()
	base := new(uint256.Int).Set(x)
	for n > 0 {
		var err error
		if n&1 == 1 {
			if result, err = Mul(result, base); err != nil {
				return nil, err
			}
		}
		n >>= 1
		if n > 0 {
			if base, err = Mul(base, base); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// Min returns the smaller of x and y.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// Format renders a WAD value as a decimal string, e.g. "1.5".
func Format(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x.ToBig(), -Decimals).String()
}

// Parse converts a decimal string such as "2.5" into a WAD value.
func Parse(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidDecimal, s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidDecimal, s)
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidDecimal, s, Decimals)
	}
	z, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return z, nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) *uint256.Int {
	z, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return z
}
