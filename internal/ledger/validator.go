package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks book invariants
type InvariantValidator struct {
	book *Book
}

func NewInvariantValidator(book *Book) *InvariantValidator {
	return &InvariantValidator{
		book: book,
	}
}

// ValidateBatchBalance verifies a batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies that holder balances (asset and native)
// sum to exactly the external inflow.
func (v *InvariantValidator) ValidateConservation() error {
	held := new(uint256.Int)
	inflow := new(uint256.Int)

	for key, amount := range v.book.balances {
		if key.Scope == AccountScopeExternal {
			inflow.Add(inflow, amount)
			continue
		}
		held.Add(held, amount)
	}

	if !held.Eq(inflow) {
		return fmt.Errorf("book not conserved: held=%s inflow=%s", held, inflow)
	}
	return nil
}

// ValidatePoolCovers verifies the pool's asset balance is at least min.
func (v *InvariantValidator) ValidatePoolCovers(min *uint256.Int) error {
	bal := v.book.BalanceOf(v.book.pool)
	if bal.Lt(min) {
		return fmt.Errorf("pool balance %s below required %s", bal, min)
	}
	return nil
}
