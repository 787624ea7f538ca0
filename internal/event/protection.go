package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Purchase buys Coverage of Concept for Duration seconds, paying at most
// MaxPay. The wire format requires max_pay; a nil MaxPay leaves the price
// unbounded.
type Purchase struct {
	Header
	Concept  uint8        `json:"concept"`
	Coverage *uint256.Int `json:"coverage"`
	Duration uint32       `json:"duration"`
	MaxPay   *uint256.Int `json:"max_pay,omitempty"`
	Deadline uint32       `json:"deadline"`
	Native   bool         `json:"native"`
}

func (e *Purchase) CommandType() CommandType { return CommandTypePurchase }

type Claim struct {
	Header
	ProtectionID uint64 `json:"protection_id"`
}

func (e *Claim) CommandType() CommandType { return CommandTypeClaim }

type Sweep struct {
	Header
	ProtectionID uint64 `json:"protection_id"`
}

func (e *Sweep) CommandType() CommandType { return CommandTypeSweep }

// SweepExpired sweeps up to Limit protections that are sweepable at the
// command's timestamp. The set is resolved by the core, not the submitter.
type SweepExpired struct {
	Header
	Limit int `json:"limit"`
}

func (e *SweepExpired) CommandType() CommandType { return CommandTypeSweepExpired }

type Transfer struct {
	Header
	ProtectionID uint64         `json:"protection_id"`
	To           common.Address `json:"to"`
}

func (e *Transfer) CommandType() CommandType { return CommandTypeTransfer }

// Approve sets the single approved spender; the zero address clears it.
type Approve struct {
	Header
	ProtectionID uint64         `json:"protection_id"`
	Spender      common.Address `json:"spender"`
}

func (e *Approve) CommandType() CommandType { return CommandTypeApprove }

type SetApprovalForAll struct {
	Header
	Operator common.Address `json:"operator"`
	Approved bool           `json:"approved"`
}

func (e *SetApprovalForAll) CommandType() CommandType { return CommandTypeSetApprovalForAll }
