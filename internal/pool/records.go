package pool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RecordType names an emitted record for off-system observers.
type RecordType string

const (
	RecordInitialized       RecordType = "initialized"
	RecordPurchase          RecordType = "purchase"
	RecordProvide           RecordType = "provide"
	RecordWithdrawInitiated RecordType = "withdraw_initiated"
	RecordWithdraw          RecordType = "withdraw"
	RecordClaim             RecordType = "claim"
	RecordPremiumClaim      RecordType = "premium_claim"
	RecordSweep             RecordType = "sweep"
	RecordFeeWithdrawal     RecordType = "fee_withdrawal"
	RecordTransfer          RecordType = "transfer"
	RecordApproval          RecordType = "approval"
	RecordApprovalForAll    RecordType = "approval_for_all"
	RecordSettlement        RecordType = "settlement"
	RecordArbiterAccepted   RecordType = "arbiter_accepted"
	RecordAbdicated         RecordType = "abdicated"
)

// Record is emitted by a successful operation. Fields not relevant to the
// record type are left zero.
type Record struct {
	Type         RecordType     `json:"type"`
	At           uint32         `json:"at"`
	Actor        common.Address `json:"actor"`
	Counterparty common.Address `json:"counterparty"`
	ProtectionID uint64         `json:"protection_id"`
	Concept      uint8          `json:"concept"`
	Amount       *uint256.Int   `json:"amount,omitempty"`
	Shares       *uint256.Int   `json:"shares,omitempty"`
	Premium      *uint256.Int   `json:"premium,omitempty"`
	Approved     bool           `json:"approved,omitempty"`
}
