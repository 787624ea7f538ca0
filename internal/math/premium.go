package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var ErrDurationExceeded = errors.New("pricing: duration exceeds maximum coverage duration")

// Quote is the result of pricing a coverage request.
type Quote struct {
	Premium     *uint256.Int
	Rate        *uint256.Int // per-second, BASE-scaled
	NewUtilized *uint256.Int
}

// Price computes floor(coverage * rate * duration / BASE) where rate is the
// curve evaluated at the post-purchase utilization. Pure.
func Price(curve *RateCurve, coverage *uint256.Int, duration, maxDuration uint64, utilized, reserves *uint256.Int) (*Quote, error) {
	if duration > maxDuration {
		return nil, fmt.Errorf("%w: duration=%d max=%d", ErrDurationExceeded, duration, maxDuration)
	}

	newUtilized, err := AddU128(utilized, coverage)
	if err != nil {
		return nil, fmt.Errorf("new utilized: %w", err)
	}

	rate := curve.Evaluate(newUtilized, reserves)

	premium, err := CheckedMul(coverage, rate)
	if err != nil {
		return nil, fmt.Errorf("premium: %w", err)
	}
	premium, err = CheckedMul(premium, uint256.NewInt(duration))
	if err != nil {
		return nil, fmt.Errorf("premium: %w", err)
	}
	premium.Div(premium, base)
	if err := CheckU128(premium); err != nil {
		return nil, fmt.Errorf("premium: %w", err)
	}

	return &Quote{
		Premium:     premium,
		Rate:        rate,
		NewUtilized: newUtilized,
	}, nil
}
