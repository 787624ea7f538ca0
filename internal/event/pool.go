package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Initialize configures the pool once. Fee fractions are BASE-scaled.
type Initialize struct {
	Header
	PayAsset      common.Address `json:"pay_asset"`
	Coefficients  []int          `json:"coefficients"`
	CreatorFee    *uint256.Int   `json:"creator_fee"`
	ArbiterFee    *uint256.Int   `json:"arbiter_fee"`
	Rollover      *uint256.Int   `json:"rollover"`
	MinPay        *uint256.Int   `json:"min_pay"`
	Concepts      []string       `json:"concepts"`
	Description   string         `json:"description"`
	Creator       common.Address `json:"creator"`
	Arbiter       common.Address `json:"arbiter"`
	AcceptsNative bool           `json:"accepts_native"`
}

func (e *Initialize) CommandType() CommandType { return CommandTypeInitialize }

// FundsDeposited credits an external deposit of the pay asset to Recipient.
// Only the configured bridge identity may submit it.
type FundsDeposited struct {
	Header
	Recipient common.Address `json:"recipient"`
	Amount    *uint256.Int   `json:"amount"`
	Native    bool           `json:"native"`
}

func (e *FundsDeposited) CommandType() CommandType { return CommandTypeFundsDeposited }
