package pool

import (
	"CoverLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

type approvalKey struct {
	holder   common.Address
	operator common.Address
}

type savedApproval struct {
	value   bool
	existed bool
}

// txn is the undo log of one registry operation. Entries hold the value
// each object had when the operation first touched it. A txn opened while
// another is running (a re-entrant call from the asset collaborator) is
// nested: on commit its entries fold into the parent, so an outer rollback
// reverts the inner operation too.
type txn struct {
	parent *txn

	pool           PoolState
	protectionsLen int
	providers      map[common.Address]*ProviderAccount // nil: did not exist
	protections    map[uint64]*Protection
	approvals      map[approvalKey]savedApproval
	schedules      map[uint8]*SettlementSchedule
	checkpoint     int
	hasCheckpoint  bool

	records []Record
}

func (r *Registry) begin() *txn {
	tx := &txn{
		parent:         r.tx,
		pool:           r.state.Clone(),
		protectionsLen: len(r.protections),
		providers:      make(map[common.Address]*ProviderAccount),
		protections:    make(map[uint64]*Protection),
		approvals:      make(map[approvalKey]savedApproval),
		schedules:      make(map[uint8]*SettlementSchedule),
	}
	if rv, ok := r.asset.(ledger.Reverter); ok {
		tx.checkpoint = rv.Checkpoint()
		tx.hasCheckpoint = true
	}
	r.tx = tx
	return tx
}

// end commits or rolls back tx depending on *errp. The reserves >= utilized
// invariant is checked before commit; a violation rolls back.
func (r *Registry) end(tx *txn, errp *error) {
	if *errp == nil && r.state.Reserves.Lt(r.state.Utilized) {
		*errp = ErrInsufficientLiquidity
	}
	if *errp != nil {
		r.rollback(tx)
	} else {
		r.commit(tx)
	}
	r.tx = tx.parent
}

func (r *Registry) commit(tx *txn) {
	parent := tx.parent
	if parent == nil {
		r.pending = append(r.pending, tx.records...)
		return
	}

	for addr, saved := range tx.providers {
		if _, ok := parent.providers[addr]; !ok {
			parent.providers[addr] = saved
		}
	}
	for pid, saved := range tx.protections {
		if _, ok := parent.protections[pid]; !ok && pid < uint64(parent.protectionsLen) {
			parent.protections[pid] = saved
		}
	}
	for key, saved := range tx.approvals {
		if _, ok := parent.approvals[key]; !ok {
			parent.approvals[key] = saved
		}
	}
	for concept, saved := range tx.schedules {
		if _, ok := parent.schedules[concept]; !ok {
			parent.schedules[concept] = saved
		}
	}
	parent.records = append(parent.records, tx.records...)
}

func (r *Registry) rollback(tx *txn) {
	r.state = tx.pool

	r.protections = r.protections[:tx.protectionsLen]
	for pid, saved := range tx.protections {
		r.protections[pid] = saved
	}

	for addr, saved := range tx.providers {
		if saved == nil {
			delete(r.providers, addr)
			continue
		}
		r.providers[addr] = saved
	}

	for key, saved := range tx.approvals {
		ops := r.approvals[key.holder]
		if !saved.existed {
			delete(ops, key.operator)
			if len(ops) == 0 {
				delete(r.approvals, key.holder)
			}
			continue
		}
		if ops == nil {
			ops = make(map[common.Address]bool)
			r.approvals[key.holder] = ops
		}
		ops[key.operator] = saved.value
	}

	for concept, saved := range tx.schedules {
		r.schedules[concept] = saved
	}
	if !r.state.Initialized {
		r.schedules = nil
	}

	if tx.hasCheckpoint {
		r.asset.(ledger.Reverter).RevertTo(tx.checkpoint)
	}
}

// touchProvider returns the mutable account for addr, creating it lazily.
func (r *Registry) touchProvider(addr common.Address) *ProviderAccount {
	p, ok := r.providers[addr]
	if _, saved := r.tx.providers[addr]; !saved {
		if ok {
			r.tx.providers[addr] = p.Clone()
		} else {
			r.tx.providers[addr] = nil
		}
	}
	if !ok {
		p = newProviderAccount(addr)
		r.providers[addr] = p
	}
	return p
}

// touchProtection returns the mutable protection pid.
func (r *Registry) touchProtection(pid uint64) (*Protection, error) {
	if pid >= uint64(len(r.protections)) {
		return nil, ErrUnknownProtection
	}
	p := r.protections[pid]
	if pid < uint64(r.tx.protectionsLen) {
		if _, saved := r.tx.protections[pid]; !saved {
			r.tx.protections[pid] = p.Clone()
		}
	}
	return p, nil
}

func (r *Registry) touchApproval(holder, operator common.Address) {
	key := approvalKey{holder: holder, operator: operator}
	if _, saved := r.tx.approvals[key]; saved {
		return
	}
	v, existed := r.approvals[holder][operator]
	r.tx.approvals[key] = savedApproval{value: v, existed: existed}
}

func (r *Registry) touchSchedule(concept uint8) *SettlementSchedule {
	s := r.schedules[concept]
	if _, saved := r.tx.schedules[concept]; !saved {
		r.tx.schedules[concept] = s
		s = s.Clone()
		r.schedules[concept] = s
	}
	return s
}

func (r *Registry) emit(rec Record) {
	r.tx.records = append(r.tx.records, rec)
}
