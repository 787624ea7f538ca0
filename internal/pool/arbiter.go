package pool

import (
	fpmath "CoverLedger/internal/math"

	"github.com/holiman/uint256"
)

// AddSettlement records a settlement time for concept. Only the accepted
// arbiter may record; abdication does not revoke this, so protections sold
// before it stay claimable.
func (r *Registry) AddSettlement(c Call, concept uint8, at uint32, allowResort bool) (err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if err := r.requireInitialized(); err != nil {
		return err
	}
	s := &r.state
	if c.Caller != s.Arbiter {
		return ErrUnauthorized
	}
	if !s.ArbiterAccepted {
		return ErrArbiterOffline
	}
	if err := r.validConcept(concept); err != nil {
		return err
	}
	if err := r.touchSchedule(concept).Add(at, allowResort); err != nil {
		return err
	}

	r.emit(Record{Type: RecordSettlement, At: c.Now, Actor: c.Caller, Concept: concept, Amount: uint256.NewInt(uint64(at))})
	return nil
}

// AcceptArbiter is the arbiter's one-time acceptance of the role.
func (r *Registry) AcceptArbiter(c Call) (err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if err := r.requireInitialized(); err != nil {
		return err
	}
	s := &r.state
	if c.Caller != s.Arbiter {
		return ErrUnauthorized
	}
	if s.Abdicated {
		return ErrArbiterOffline
	}
	if s.ArbiterAccepted {
		return ErrArbiterAlreadyAccepted
	}

	s.ArbiterAccepted = true
	r.emit(Record{Type: RecordArbiterAccepted, At: c.Now, Actor: c.Caller})
	return nil
}

// Abdicate permanently disables purchases.
func (r *Registry) Abdicate(c Call) (err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if err := r.requireInitialized(); err != nil {
		return err
	}
	s := &r.state
	if c.Caller != s.Arbiter {
		return ErrUnauthorized
	}
	if s.Abdicated {
		return ErrArbiterOffline
	}

	s.Abdicated = true
	r.emit(Record{Type: RecordAbdicated, At: c.Now, Actor: c.Caller})
	return nil
}

// WithdrawArbiterFees pays all pending arbiter fees to the arbiter.
func (r *Registry) WithdrawArbiterFees(c Call) (amount *uint256.Int, err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if err := r.requireInitialized(); err != nil {
		return nil, err
	}
	s := &r.state
	if c.Caller != s.Arbiter {
		return nil, ErrUnauthorized
	}

	amount = s.PendingArbiterFees
	s.PendingArbiterFees = new(uint256.Int)
	return amount, r.payFees(c, amount)
}

// WithdrawCreatorFees pays all pending creator fees to the creator.
func (r *Registry) WithdrawCreatorFees(c Call) (amount *uint256.Int, err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	if err := r.requireInitialized(); err != nil {
		return nil, err
	}
	s := &r.state
	if c.Caller != s.Creator {
		return nil, ErrUnauthorized
	}

	amount = s.PendingCreatorFees
	s.PendingCreatorFees = new(uint256.Int)
	return amount, r.payFees(c, amount)
}

func (r *Registry) payFees(c Call, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	r.emit(Record{Type: RecordFeeWithdrawal, At: c.Now, Actor: c.Caller, Amount: fpmath.Clone(amount)})
	return r.pay(c.Caller, amount)
}
