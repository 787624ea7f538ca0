package persistence

import (
	"testing"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/pool"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appliedOutput() core.CoreOutput {
	buyer := common.HexToAddress("0xc5")
	pool1 := common.HexToAddress("0xa0")
	batchID := uuid.New()

	payload, _ := event.Encode(&event.Purchase{
		Header:   event.Header{IdempotencyKey: "buy-1", Caller: buyer, Nonce: 2, Timestamp: 1_700_000_000},
		Coverage: uint256.NewInt(500),
		Duration: 86400,
	})

	return core.CoreOutput{
		Envelope: &event.CommandEnvelope{
			Sequence:       7,
			IdempotencyKey: "buy-1",
			CommandType:    event.CommandTypePurchase,
			Caller:         buyer,
			Nonce:          2,
			Timestamp:      1_700_000_000,
			Payload:        payload,
			Outcome:        event.OutcomeApplied,
			StateHash:      [32]byte{1},
			PrevHash:       [32]byte{2},
		},
		Records: []pool.Record{{
			Type:         pool.RecordPurchase,
			At:           1_700_000_000,
			Actor:        buyer,
			ProtectionID: 1,
			Amount:       uint256.NewInt(500),
			Premium:      uint256.NewInt(12),
		}},
		Batch: &ledger.Batch{
			BatchID:  batchID,
			Sequence: 7,
			Journals: []ledger.Journal{{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				CommandRef:    "buy-1",
				Sequence:      7,
				DebitAccount:  ledger.NewHolderAccountKey(pool1, ledger.SubTypeAsset),
				CreditAccount: ledger.NewHolderAccountKey(buyer, ledger.SubTypeAsset),
				Amount:        uint256.NewInt(12),
				JournalType:   ledger.JournalTypeTransferFrom,
				Timestamp:     1_700_000_000,
			}},
		},
	}
}

func TestToRows_AppliedCommand(t *testing.T) {
	out := appliedOutput()
	rows := ToRows(out)

	assert.Equal(t, int64(7), rows.Command.Sequence)
	assert.Equal(t, "purchase", rows.Command.CommandType)
	assert.Equal(t, "applied", rows.Command.Outcome)
	assert.Nil(t, rows.Command.ErrorKind)
	assert.Equal(t, out.Envelope.Caller.Hex(), rows.Command.Caller)

	require.Len(t, rows.Records, 1)
	r := rows.Records[0]
	assert.Equal(t, "purchase", r.RecordType)
	assert.Equal(t, int64(1), r.ProtectionID)
	require.NotNil(t, r.Amount)
	assert.Equal(t, "500", *r.Amount)
	assert.Nil(t, r.Shares)
	assert.Equal(t, "12", *r.Premium)

	require.Len(t, rows.Journals, 1)
	j := rows.Journals[0]
	assert.Equal(t, "12", j.Amount)
	assert.Equal(t, "transfer_from", j.JournalType)
	assert.Equal(t, out.Batch.BatchID.String(), j.BatchID)
	assert.Contains(t, j.CreditAccount, "holder:")
}

func TestToRows_RejectedCommandCarriesError(t *testing.T) {
	out := appliedOutput()
	out.Envelope.Outcome = event.OutcomeRejected
	out.Envelope.ErrorKind = "InsufficientReserves"
	out.Envelope.ErrorMessage = "insufficient reserves"
	out.Records = nil
	out.Batch = nil

	rows := ToRows(out)
	require.NotNil(t, rows.Command.ErrorKind)
	assert.Equal(t, "InsufficientReserves", *rows.Command.ErrorKind)
	assert.Equal(t, "insufficient reserves", *rows.Command.ErrorMessage)
	assert.Empty(t, rows.Records)
	assert.Empty(t, rows.Journals)
}

func TestCommandRow_EnvelopeRoundTrip(t *testing.T) {
	out := appliedOutput()
	rows := ToRows(out)

	env, err := rows.Command.Envelope()
	require.NoError(t, err)
	assert.Equal(t, out.Envelope, env)

	cmd, err := event.Decode(env.CommandType, env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "buy-1", cmd.Meta().IdempotencyKey)
}

func TestCommandRow_EnvelopeRejectsBadRows(t *testing.T) {
	good := ToRows(appliedOutput()).Command

	bad := good
	bad.CommandType = "liquidate"
	_, err := bad.Envelope()
	assert.Error(t, err)

	bad = good
	bad.Caller = "not-an-address"
	_, err = bad.Envelope()
	assert.Error(t, err)

	bad = good
	bad.StateHash = []byte{1, 2, 3}
	_, err = bad.Envelope()
	assert.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2), ($3, $4), ($5, $6)", placeholders(3, 2))
	assert.Equal(t, "($1)", placeholders(1, 1))
}
