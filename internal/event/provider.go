package event

import "github.com/holiman/uint256"

// Provide deposits liquidity and mints shares to the caller.
type Provide struct {
	Header
	Amount *uint256.Int `json:"amount"`
	Native bool         `json:"native"`
}

func (e *Provide) CommandType() CommandType { return CommandTypeProvide }

type InitiateWithdraw struct {
	Header
}

func (e *InitiateWithdraw) CommandType() CommandType { return CommandTypeInitiateWithdraw }

// Withdraw burns Shares inside the caller's withdrawal window.
type Withdraw struct {
	Header
	Shares *uint256.Int `json:"shares"`
}

func (e *Withdraw) CommandType() CommandType { return CommandTypeWithdraw }

type ClaimPremiums struct {
	Header
}

func (e *ClaimPremiums) CommandType() CommandType { return CommandTypeClaimPremiums }
