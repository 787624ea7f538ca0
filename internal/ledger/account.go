package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeHolder AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Holder sub-types
	SubTypeAsset AccountSubType = iota
	SubTypeNative

	// External sub-types
	SubTypeExternalDeposits
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address
	SubType AccountSubType
}

// NewHolderAccountKey creates a key for an address-owned balance
func NewHolderAccountKey(owner common.Address, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeHolder,
		Owner:   owner,
		SubType: subType,
	}
}

// NewExternalAccountKey creates a key for the boundary account funds enter through
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s:%s", k.Owner.Hex(), k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAsset:
		return "asset"
	case SubTypeNative:
		return "native"
	case SubTypeExternalDeposits:
		return "deposits"
	default:
		return "unknown"
	}
}
