package ledger

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrZeroAmount          = errors.New("ledger: amount must be positive")
	ErrNativeDisabled      = errors.New("ledger: native deposits not accepted")
)

// Asset is the pay-asset collaborator the pool moves funds through.
// Transfer and DepositNative act on behalf of the pool itself.
type Asset interface {
	TransferFrom(from, to common.Address, amount *uint256.Int) error
	Transfer(to common.Address, amount *uint256.Int) error
	DepositNative(from common.Address, amount *uint256.Int) error
}

// Reverter is implemented by in-process assets whose movements can be
// undone when the calling operation fails after the transfer succeeded.
type Reverter interface {
	Checkpoint() int
	RevertTo(checkpoint int)
}
