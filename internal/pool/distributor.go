package pool

import (
	fpmath "CoverLedger/internal/math"

	"github.com/holiman/uint256"
)

// claimableFor computes floor((accum - index) * tokenSeconds / tps).
func claimableFor(accum, tps *uint256.Int, p *ProviderAccount) (*uint256.Int, error) {
	if tps.IsZero() {
		return new(uint256.Int), nil
	}
	delta, err := fpmath.CheckedSub(accum, p.PremiumIndex)
	if err != nil {
		return nil, fromMath(err)
	}
	amount, err := fpmath.MulDiv(delta, p.TokenSeconds, tps)
	if err != nil {
		return nil, fromMath(err)
	}
	return amount, nil
}

// claimPremium settles p's share of premium income. The caller must have
// accrued p first and is responsible for paying the returned amount out.
func (r *Registry) claimPremium(p *ProviderAccount, now uint32) (*uint256.Int, error) {
	s := &r.state
	if p.TokenSeconds.IsZero() {
		p.PremiumIndex = fpmath.Clone(s.PremiumsAccum)
		return new(uint256.Int), nil
	}

	amount, err := claimableFor(s.PremiumsAccum, s.TotalProtectionSeconds, p)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return amount, nil
	}
	if err := fpmath.CheckU128(amount); err != nil {
		return nil, fromMath(err)
	}

	p.PremiumIndex = fpmath.Clone(s.PremiumsAccum)
	r.emit(Record{
		Type:   RecordPremiumClaim,
		At:     now,
		Actor:  p.Address,
		Amount: fpmath.Clone(amount),
	})
	return amount, nil
}

// settleSweepOrClaim splits premium income into arbiter and creator fees,
// a rollover added straight to reserves, and a remainder credited to the
// premium index.
func (r *Registry) settleSweepOrClaim(premiumsPaid *uint256.Int) error {
	s := &r.state

	arbFees := new(uint256.Int)
	createFees := new(uint256.Int)
	rolloverAmt := new(uint256.Int)
	var err error

	if !s.ArbiterFee.IsZero() {
		if arbFees, err = fpmath.FractionOf(premiumsPaid, s.ArbiterFee); err != nil {
			return fromMath(err)
		}
	}
	if !s.CreatorFee.IsZero() {
		if createFees, err = fpmath.FractionOf(premiumsPaid, s.CreatorFee); err != nil {
			return fromMath(err)
		}
	}
	if !s.Rollover.IsZero() {
		if rolloverAmt, err = fpmath.FractionOf(premiumsPaid, s.Rollover); err != nil {
			return fromMath(err)
		}
	}

	remainder, err := fpmath.CheckedSub(premiumsPaid, arbFees)
	if err == nil {
		remainder, err = fpmath.CheckedSub(remainder, createFees)
	}
	if err == nil {
		remainder, err = fpmath.CheckedSub(remainder, rolloverAmt)
	}
	if err != nil {
		return fromMath(err)
	}

	pendingArb, err := fpmath.AddU128(s.PendingArbiterFees, arbFees)
	if err != nil {
		return fromMath(err)
	}
	pendingCreate, err := fpmath.AddU128(s.PendingCreatorFees, createFees)
	if err != nil {
		return fromMath(err)
	}
	reserves, err := fpmath.AddU128(s.Reserves, rolloverAmt)
	if err != nil {
		return fromMath(err)
	}
	accum, err := fpmath.CheckedAdd(s.PremiumsAccum, remainder)
	if err != nil {
		return fromMath(err)
	}

	s.PendingArbiterFees = pendingArb
	s.PendingCreatorFees = pendingCreate
	s.Reserves = reserves
	s.PremiumsAccum = accum
	return nil
}

// pendingPremium previews claimPremium at now without mutating anything.
func (r *Registry) pendingPremium(p *ProviderAccount, now uint32) (*uint256.Int, error) {
	s := r.state
	tps := s.TotalProtectionSeconds
	if now > s.LastUpdatedTPS {
		var err error
		if tps, err = integrate(tps, s.Reserves, now-s.LastUpdatedTPS); err != nil {
			return nil, fromMath(err)
		}
	}

	view := p.Clone()
	if now > p.LastUpdate {
		ts, err := integrate(p.TokenSeconds, p.Shares, now-p.LastUpdate)
		if err != nil {
			return nil, fromMath(err)
		}
		view.TokenSeconds = ts
	}
	if view.TokenSeconds.IsZero() {
		return new(uint256.Int), nil
	}
	return claimableFor(s.PremiumsAccum, tps, view)
}
