package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeExternalDeposit JournalType = iota
	JournalTypeTransferFrom
	JournalTypeTransfer
	JournalTypeNativeWrap
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeExternalDeposit:
		return "external_deposit"
	case JournalTypeTransferFrom:
		return "transfer_from"
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeNativeWrap:
		return "native_wrap"
	default:
		return "unknown"
	}
}

// Journal is a single movement between two accounts. Debit increases the
// debit account, credit decreases the credit account.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	CommandRef    string // idempotency key of the source command
	Sequence      int64
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Amount        *uint256.Int // always positive
	JournalType   JournalType
	Timestamp     uint32
}

// Batch groups the journals produced by one command
type Batch struct {
	BatchID    uuid.UUID
	CommandRef string
	Sequence   int64
	Timestamp  uint32
	Journals   []Journal
}

// Validate ensures the batch is well-formed.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
