package pool

import (
	fpmath "CoverLedger/internal/math"

	"github.com/holiman/uint256"
)

// enter mints shares for amount deposited by p. The first deposit, or any
// deposit into an empty reserve, mints 1:1; otherwise shares are minted
// pro rata, rounded down.
func (r *Registry) enter(p *ProviderAccount, amount *uint256.Int, now uint32) (*uint256.Int, error) {
	s := &r.state

	var minted *uint256.Int
	if s.TotalShares.IsZero() || s.Reserves.IsZero() {
		minted = fpmath.Clone(amount)
	} else {
		var err error
		minted, err = fpmath.MulDiv(amount, s.TotalShares, s.Reserves)
		if err != nil {
			return nil, fromMath(err)
		}
	}

	reserves, err := fpmath.AddU128(s.Reserves, amount)
	if err != nil {
		return nil, fromMath(err)
	}
	totalShares, err := fpmath.AddU128(s.TotalShares, minted)
	if err != nil {
		return nil, fromMath(err)
	}
	shares, err := fpmath.AddU128(p.Shares, minted)
	if err != nil {
		return nil, fromMath(err)
	}

	s.Reserves = reserves
	s.TotalShares = totalShares
	p.Shares = shares
	p.LastProvide = now
	return minted, nil
}

// exit burns shares owned by p and returns the underlying amount, rounded down.
func (r *Registry) exit(p *ProviderAccount, shares *uint256.Int) (*uint256.Int, error) {
	s := &r.state
	if p.Shares.Lt(shares) {
		return nil, ErrInsufficientShares
	}

	underlying, err := fpmath.MulDiv(shares, s.Reserves, s.TotalShares)
	if err != nil {
		return nil, fromMath(err)
	}

	p.Shares = new(uint256.Int).Sub(p.Shares, shares)
	s.TotalShares = new(uint256.Int).Sub(s.TotalShares, shares)
	s.Reserves = new(uint256.Int).Sub(s.Reserves, underlying)
	return underlying, nil
}
