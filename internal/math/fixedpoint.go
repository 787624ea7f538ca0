package math

import (
	"errors"
	"time"

	"github.com/holiman/uint256"
)

// BaseUnits is the fixed-point scale: 1.0 == 10^18.
const BaseUnits uint64 = 1_000_000_000_000_000_000

// SecondsPerYear is the annualization constant used by the rate curve.
const SecondsPerYear uint64 = 31_536_000

var (
	ErrOverflow       = errors.New("fixed point: value exceeds bounded domain")
	ErrUnderflow      = errors.New("fixed point: subtraction underflow")
	ErrDivisionByZero = errors.New("fixed point: division by zero")
)

var (
	base    = uint256.NewInt(BaseUnits)
	maxU32  = uint256.NewInt(0xFFFFFFFF)
	maxU128 = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 128), 1)
)

// Base returns a fresh copy of BASE.
func Base() *uint256.Int {
	return new(uint256.Int).Set(base)
}

// MaxU128 returns the largest value a stored amount may hold.
func MaxU128() *uint256.Int {
	return new(uint256.Int).Set(maxU128)
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Clone copies v; a nil v clones as zero.
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// FromUint64 wraps a machine integer.
func FromUint64(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// FromDecimal parses a base-10 string. Empty input parses as zero.
func FromDecimal(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// CheckedAdd returns a + b or ErrOverflow on 256-bit wraparound.
func CheckedAdd(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// CheckedSub returns a - b or ErrUnderflow when b > a.
func CheckedSub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// CheckedMul returns a * b or ErrOverflow on 256-bit wraparound.
func CheckedMul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDiv computes floor(a * b / d) with a 512-bit intermediate product.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// FractionOf computes floor(amount * fraction / BASE).
func FractionOf(amount, fraction *uint256.Int) (*uint256.Int, error) {
	return MulDiv(amount, fraction, base)
}

// CheckU128 fails with ErrOverflow when v does not fit in 128 bits.
func CheckU128(v *uint256.Int) error {
	if v.Gt(maxU128) {
		return ErrOverflow
	}
	return nil
}

// AddU128 adds two stored amounts and keeps the result in the 128-bit domain.
func AddU128(a, b *uint256.Int) (*uint256.Int, error) {
	z, err := CheckedAdd(a, b)
	if err != nil {
		return nil, err
	}
	if err := CheckU128(z); err != nil {
		return nil, err
	}
	return z, nil
}

// ToU32 narrows a timestamp to 32 bits.
func ToU32(v uint64) (uint32, error) {
	if v > 0xFFFFFFFF {
		return 0, ErrOverflow
	}
	return uint32(v), nil
}

// UnixSeconds narrows a wall-clock time to the 32-bit timestamp domain.
// Times before 1970 or past 2106 fail with ErrOverflow.
func UnixSeconds(t time.Time) (uint32, error) {
	sec := t.Unix()
	if sec < 0 {
		return 0, ErrOverflow
	}
	return ToU32(uint64(sec))
}

// ToU32Int narrows a 256-bit value to 32 bits.
func ToU32Int(v *uint256.Int) (uint32, error) {
	if v.Gt(maxU32) {
		return 0, ErrOverflow
	}
	return uint32(v.Uint64()), nil
}
