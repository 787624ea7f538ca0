package math

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// MaxCoefficients is the number of weight slots a curve can carry.
const MaxCoefficients = 8

// CoefficientSum is the required total of all weights.
const CoefficientSum = 100

var ErrInvalidCoefficients = errors.New("rate curve: coefficients must sum to 100 across at most 8 weights")

// RateCurve is a polynomial in the utilization ratio. Weight i (i >= 1)
// multiplies u^(2^(i-1)); weight 0 is a constant term.
// Immutable after construction.
type RateCurve struct {
	coefficients []uint8
}

// NewRateCurve validates and stores the weights with trailing zeros trimmed.
func NewRateCurve(coefficients []uint8) (*RateCurve, error) {
	if len(coefficients) > MaxCoefficients {
		return nil, fmt.Errorf("%w: got %d weights", ErrInvalidCoefficients, len(coefficients))
	}

	sum := 0
	for _, c := range coefficients {
		sum += int(c)
	}
	if sum != CoefficientSum {
		return nil, fmt.Errorf("%w: sum=%d", ErrInvalidCoefficients, sum)
	}

	n := len(coefficients)
	for n > 0 && coefficients[n-1] == 0 {
		n--
	}

	stored := make([]uint8, n)
	copy(stored, coefficients[:n])
	return &RateCurve{coefficients: stored}, nil
}

// CoefficientsFromInts converts wire/config integers into byte weights.
func CoefficientsFromInts(values []int) ([]uint8, error) {
	out := make([]uint8, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: weight %d out of byte range: %d", ErrInvalidCoefficients, i, v)
		}
		out[i] = uint8(v)
	}
	return out, nil
}

// Coefficients returns a copy of the trimmed weights.
func (c *RateCurve) Coefficients() []uint8 {
	out := make([]uint8, len(c.coefficients))
	copy(out, c.coefficients)
	return out
}

// Evaluate returns the per-second premium rate scaled by BASE.
//
// Zero utilization prices at zero; utilization above total saturates at BASE.
func (c *RateCurve) Evaluate(utilized, total *uint256.Int) *uint256.Int {
	if utilized.IsZero() {
		return new(uint256.Int)
	}
	if utilized.Gt(total) {
		return Base()
	}

	// total >= utilized > 0, so the divisions below are safe. u <= BASE
	// keeps every product well inside 256 bits.
	u := new(uint256.Int).Mul(base, utilized)
	u.Div(u, total)

	result := new(uint256.Int)
	if len(c.coefficients) > 0 {
		result.Mul(uint256.NewInt(uint64(c.coefficients[0])), base)
	}

	term := new(uint256.Int)
	for i := 1; i < len(c.coefficients); i++ {
		if w := c.coefficients[i]; w != 0 {
			term.Mul(uint256.NewInt(uint64(w)), u)
			result.Add(result, term)
		}
		u.Mul(u, u)
		u.Div(u, base)
	}

	return result.Div(result, uint256.NewInt(SecondsPerYear*CoefficientSum))
}

func (c *RateCurve) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(c.coefficients))
	for i, w := range c.coefficients {
		ints[i] = int(w)
	}
	return json.Marshal(ints)
}

func (c *RateCurve) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	weights, err := CoefficientsFromInts(ints)
	if err != nil {
		return err
	}
	curve, err := NewRateCurve(weights)
	if err != nil {
		return err
	}
	*c = *curve
	return nil
}
