package pool

import (
	"fmt"

	fpmath "CoverLedger/internal/math"

	"github.com/holiman/uint256"
)

// Provide deposits amount into the reserve and mints shares to the caller.
// Any premium already earned is paid out in the same step.
func (r *Registry) Provide(c Call, amount *uint256.Int, native bool) (minted *uint256.Int, err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if err := r.requireInitialized(); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if err := fpmath.CheckU128(amount); err != nil {
		return nil, fromMath(err)
	}

	p := r.touchProvider(c.Caller)
	if err := r.accrueProvider(p, c.Now); err != nil {
		return nil, err
	}
	minted, err = r.enter(p, amount, c.Now)
	if err != nil {
		return nil, err
	}
	premium, err := r.claimPremium(p, c.Now)
	if err != nil {
		return nil, err
	}

	r.emit(Record{
		Type:   RecordProvide,
		At:     c.Now,
		Actor:  c.Caller,
		Amount: fpmath.Clone(amount),
		Shares: fpmath.Clone(minted),
	})

	if err := r.pull(c.Caller, amount, native); err != nil {
		return nil, err
	}
	if err := r.pay(c.Caller, premium); err != nil {
		return nil, err
	}
	return minted, nil
}

// InitiateWithdraw starts the caller's withdrawal lock.
func (r *Registry) InitiateWithdraw(c Call) (err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if err := r.requireInitialized(); err != nil {
		return err
	}
	existing, ok := r.providers[c.Caller]
	if !ok || existing.Shares.IsZero() {
		return ErrInsufficientShares
	}

	p := r.touchProvider(c.Caller)
	p.WithdrawInitiated = c.Now

	r.emit(Record{
		Type:   RecordWithdrawInitiated,
		At:     c.Now,
		Actor:  c.Caller,
		Shares: fpmath.Clone(p.Shares),
	})
	return nil
}

// Withdraw burns shares inside the caller's withdrawal window and pays out
// the underlying plus any earned premium.
func (r *Registry) Withdraw(c Call, shares *uint256.Int) (underlying *uint256.Int, err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if err := r.requireInitialized(); err != nil {
		return nil, err
	}
	if shares == nil || shares.IsZero() {
		return nil, ErrInvalidAmount
	}
	existing, ok := r.providers[c.Caller]
	if !ok || existing.WithdrawInitiated == 0 {
		return nil, ErrNoWithdrawInitiated
	}

	unlock := uint64(existing.WithdrawInitiated) + uint64(r.policy.WithdrawDelay)
	if uint64(c.Now) < unlock {
		return nil, fmt.Errorf("%w: withdrawable from %d", ErrStillLocked, unlock)
	}
	if uint64(c.Now) > unlock+uint64(r.policy.WithdrawWindow) {
		return nil, fmt.Errorf("%w: window closed at %d", ErrWithdrawWindowExpired, unlock+uint64(r.policy.WithdrawWindow))
	}

	p := r.touchProvider(c.Caller)
	if err := r.accrueProvider(p, c.Now); err != nil {
		return nil, err
	}
	underlying, err = r.exit(p, shares)
	if err != nil {
		return nil, err
	}
	if r.state.Reserves.Lt(r.state.Utilized) {
		return nil, fmt.Errorf("%w: reserves=%s utilized=%s", ErrInsufficientLiquidity, r.state.Reserves, r.state.Utilized)
	}
	premium, err := r.claimPremium(p, c.Now)
	if err != nil {
		return nil, err
	}
	p.WithdrawInitiated = 0

	r.emit(Record{
		Type:   RecordWithdraw,
		At:     c.Now,
		Actor:  c.Caller,
		Amount: fpmath.Clone(underlying),
		Shares: fpmath.Clone(shares),
	})

	payout, err := fpmath.CheckedAdd(underlying, premium)
	if err != nil {
		return nil, fromMath(err)
	}
	if err := r.pay(c.Caller, payout); err != nil {
		return nil, err
	}
	return underlying, nil
}

// ClaimPremiums pays the caller's share of premium income.
func (r *Registry) ClaimPremiums(c Call) (amount *uint256.Int, err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if err := r.requireInitialized(); err != nil {
		return nil, err
	}
	if _, ok := r.providers[c.Caller]; !ok {
		return new(uint256.Int), nil
	}

	p := r.touchProvider(c.Caller)
	if err := r.accrueProvider(p, c.Now); err != nil {
		return nil, err
	}
	amount, err = r.claimPremium(p, c.Now)
	if err != nil {
		return nil, err
	}
	if err := r.pay(c.Caller, amount); err != nil {
		return nil, err
	}
	return amount, nil
}
