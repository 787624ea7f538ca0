package pool

import (
	"fmt"

	fpmath "CoverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PurchaseRequest describes a coverage purchase.
type PurchaseRequest struct {
	Concept  uint8
	Coverage *uint256.Int
	Duration uint32
	MaxPay   *uint256.Int
	Deadline uint32
	Native   bool
}

// Purchase prices and opens a new Active protection for the caller and
// returns its id.
func (r *Registry) Purchase(c Call, req PurchaseRequest) (pid uint64, err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if err := r.requireInitialized(); err != nil {
		return 0, err
	}
	s := &r.state
	if !s.ArbiterAccepted || s.Abdicated {
		return 0, ErrArbiterOffline
	}
	if c.Now > req.Deadline {
		return 0, fmt.Errorf("%w: now=%d deadline=%d", ErrDeadlineExpired, c.Now, req.Deadline)
	}
	if err := r.validConcept(req.Concept); err != nil {
		return 0, err
	}
	if req.Coverage == nil || req.Coverage.IsZero() {
		return 0, ErrInvalidAmount
	}
	if err := fpmath.CheckU128(req.Coverage); err != nil {
		return 0, fromMath(err)
	}

	q, err := fpmath.Price(s.Curve, req.Coverage, uint64(req.Duration), uint64(r.policy.MaxDuration), s.Utilized, s.Reserves)
	if err != nil {
		return 0, fromMath(err)
	}
	if err := r.checkCapacity(q.NewUtilized); err != nil {
		return 0, err
	}
	if q.Premium.Lt(s.MinPay) || (req.MaxPay != nil && q.Premium.Gt(req.MaxPay)) {
		return 0, fmt.Errorf("%w: price=%s min=%s max=%v", ErrPriceOutOfBounds, q.Premium, s.MinPay, req.MaxPay)
	}

	expiry, err := fpmath.ToU32(uint64(c.Now) + uint64(req.Duration))
	if err != nil {
		return 0, fromMath(err)
	}

	pid = uint64(len(r.protections))
	r.protections = append(r.protections, &Protection{
		ID:       pid,
		Concept:  req.Concept,
		Coverage: fpmath.Clone(req.Coverage),
		Paid:     fpmath.Clone(q.Premium),
		Holder:   c.Caller,
		Start:    c.Now,
		Expiry:   expiry,
		Status:   StatusActive,
	})
	s.Utilized = q.NewUtilized

	r.emit(Record{
		Type:         RecordPurchase,
		At:           c.Now,
		Actor:        c.Caller,
		ProtectionID: pid,
		Concept:      req.Concept,
		Amount:       fpmath.Clone(req.Coverage),
		Premium:      fpmath.Clone(q.Premium),
	})

	if err := r.pull(c.Caller, q.Premium, req.Native); err != nil {
		return 0, err
	}
	return pid, nil
}

// Claim pays coverage plus the premium back to the holder when a
// settlement falls inside the protection's window.
func (r *Registry) Claim(c Call, pid uint64) (err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if err := r.requireInitialized(); err != nil {
		return err
	}
	if err := r.accrueGlobal(c.Now); err != nil {
		return err
	}

	p, err := r.touchProtection(pid)
	if err != nil {
		return err
	}
	if c.Caller != p.Holder && !r.isOperator(p.Holder, c.Caller) {
		return ErrUnauthorized
	}
	if p.Status != StatusActive {
		return fmt.Errorf("%w: protection %d is %s", ErrNotActive, pid, p.Status)
	}
	if !r.HasSettlement(p.Concept, p.Start, p.Expiry) {
		return ErrNoSettlement
	}

	s := &r.state
	utilized, err := fpmath.CheckedSub(s.Utilized, p.Coverage)
	if err != nil {
		return fromMath(err)
	}
	reserves, err := fpmath.CheckedSub(s.Reserves, p.Coverage)
	if err != nil {
		return fromMath(err)
	}
	payout, err := fpmath.CheckedAdd(p.Coverage, p.Paid)
	if err != nil {
		return fromMath(err)
	}

	p.Status = StatusClaimed
	s.Utilized = utilized
	s.Reserves = reserves

	r.emit(Record{
		Type:         RecordClaim,
		At:           c.Now,
		Actor:        c.Caller,
		Counterparty: p.Holder,
		ProtectionID: pid,
		Concept:      p.Concept,
		Amount:       fpmath.Clone(payout),
	})

	return r.pay(p.Holder, payout)
}

// Sweep expires an unclaimed protection after its cooldown, turning its
// premium into pool income.
func (r *Registry) Sweep(c Call, pid uint64) error {
	return r.SweepMany(c, []uint64{pid})
}

// SweepMany sweeps every pid or none of them. A repeated pid fails NotActive.
func (r *Registry) SweepMany(c Call, pids []uint64) (err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if err := r.requireInitialized(); err != nil {
		return err
	}
	if err := r.accrueGlobal(c.Now); err != nil {
		return err
	}

	for _, pid := range pids {
		if err := r.sweepOne(c, pid); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) sweepOne(c Call, pid uint64) error {
	p, err := r.touchProtection(pid)
	if err != nil {
		return err
	}
	if p.Status != StatusActive {
		return fmt.Errorf("%w: protection %d is %s", ErrNotActive, pid, p.Status)
	}
	unlock := uint64(p.Expiry) + uint64(r.policy.CooldownPeriod)
	if uint64(c.Now) <= unlock {
		return fmt.Errorf("%w: protection %d sweepable after %d", ErrStillLocked, pid, unlock)
	}
	if r.HasSettlement(p.Concept, p.Start, p.Expiry) {
		return ErrSettlementExists
	}

	utilized, err := fpmath.CheckedSub(r.state.Utilized, p.Coverage)
	if err != nil {
		return fromMath(err)
	}
	p.Status = StatusSwept
	r.state.Utilized = utilized

	if err := r.settleSweepOrClaim(p.Paid); err != nil {
		return err
	}

	r.emit(Record{
		Type:         RecordSweep,
		At:           c.Now,
		Actor:        c.Caller,
		Counterparty: p.Holder,
		ProtectionID: pid,
		Concept:      p.Concept,
		Amount:       fpmath.Clone(p.Coverage),
		Premium:      fpmath.Clone(p.Paid),
	})
	return nil
}

// Transfer reassigns an Active, unexpired protection. The holder, its
// approved address or an approved operator may transfer.
func (r *Registry) Transfer(c Call, pid uint64, to common.Address) (err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}
	p, err := r.touchProtection(pid)
	if err != nil {
		return err
	}
	if c.Caller != p.Holder && c.Caller != p.Approved && !r.isOperator(p.Holder, c.Caller) {
		return ErrUnauthorized
	}
	if p.Status != StatusActive {
		return fmt.Errorf("%w: protection %d is %s", ErrNotActive, pid, p.Status)
	}
	if c.Now >= p.Expiry {
		return ErrProtectionExpired
	}

	from := p.Holder
	p.Holder = to
	p.Approved = common.Address{}

	r.emit(Record{
		Type:         RecordTransfer,
		At:           c.Now,
		Actor:        from,
		Counterparty: to,
		ProtectionID: pid,
		Concept:      p.Concept,
	})
	return nil
}

// Approve sets the single address allowed to transfer pid. The zero
// address clears it.
func (r *Registry) Approve(c Call, pid uint64, spender common.Address) (err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	p, err := r.touchProtection(pid)
	if err != nil {
		return err
	}
	if c.Caller != p.Holder && !r.isOperator(p.Holder, c.Caller) {
		return ErrUnauthorized
	}
	if p.Status != StatusActive {
		return fmt.Errorf("%w: protection %d is %s", ErrNotActive, pid, p.Status)
	}

	p.Approved = spender
	r.emit(Record{
		Type:         RecordApproval,
		At:           c.Now,
		Actor:        p.Holder,
		Counterparty: spender,
		ProtectionID: pid,
		Approved:     spender != (common.Address{}),
	})
	return nil
}

// SetApprovalForAll grants or revokes operator rights over all of the
// caller's protections.
func (r *Registry) SetApprovalForAll(c Call, operator common.Address, approved bool) (err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if operator == (common.Address{}) || operator == c.Caller {
		return ErrInvalidRecipient
	}

	r.touchApproval(c.Caller, operator)
	ops := r.approvals[c.Caller]
	if ops == nil {
		ops = make(map[common.Address]bool)
		r.approvals[c.Caller] = ops
	}
	if approved {
		ops[operator] = true
	} else {
		delete(ops, operator)
	}

	r.emit(Record{
		Type:         RecordApprovalForAll,
		At:           c.Now,
		Actor:        c.Caller,
		Counterparty: operator,
		Approved:     approved,
	})
	return nil
}
