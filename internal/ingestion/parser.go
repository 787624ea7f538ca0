package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"CoverLedger/internal/event"
	fpmath "CoverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CommandSubjectPrefix is prepended to a command token to form its subject,
// e.g. cover.cmd.purchase.
const CommandSubjectPrefix = "cover.cmd."

// CommandSubject returns the NATS subject a command type is published on.
func CommandSubject(ct event.CommandType) string {
	return CommandSubjectPrefix + ct.Token()
}

// CommandTypeFromSubject resolves the command type from a subject. Any
// suffix after the token (cover.cmd.purchase.<shard>) is ignored.
func CommandTypeFromSubject(subject string) (event.CommandType, error) {
	if !strings.HasPrefix(subject, CommandSubjectPrefix) {
		return event.CommandTypeUnknown, fmt.Errorf("subject %q outside %s>", subject, CommandSubjectPrefix)
	}
	token := strings.TrimPrefix(subject, CommandSubjectPrefix)
	if i := strings.IndexByte(token, '.'); i >= 0 {
		token = token[:i]
	}
	return event.ParseCommandType(token)
}

// --- JSON wire formats ---
// Field names are snake_case. Addresses are 0x-prefixed hex, amounts are
// base-10 strings in the pay asset's smallest unit.

type headerJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
	Nonce          int64  `json:"nonce"`
	Timestamp      uint32 `json:"timestamp"`
}

type initializeJSON struct {
	headerJSON
	PayAsset      string   `json:"pay_asset"`
	Coefficients  []int    `json:"coefficients"`
	CreatorFee    string   `json:"creator_fee"`
	ArbiterFee    string   `json:"arbiter_fee"`
	Rollover      string   `json:"rollover"`
	MinPay        string   `json:"min_pay"`
	Concepts      []string `json:"concepts"`
	Description   string   `json:"description"`
	Creator       string   `json:"creator"`
	Arbiter       string   `json:"arbiter"`
	AcceptsNative bool     `json:"accepts_native"`
}

type fundsDepositedJSON struct {
	headerJSON
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Native    bool   `json:"native"`
}

type provideJSON struct {
	headerJSON
	Amount string `json:"amount"`
	Native bool   `json:"native"`
}

type withdrawJSON struct {
	headerJSON
	Shares string `json:"shares"`
}

type purchaseJSON struct {
	headerJSON
	Concept  uint8  `json:"concept"`
	Coverage string `json:"coverage"`
	Duration uint32 `json:"duration"`
	MaxPay   string `json:"max_pay"`
	Deadline uint32 `json:"deadline"`
	Native   bool   `json:"native"`
}

type protectionJSON struct {
	headerJSON
	ProtectionID uint64 `json:"protection_id"`
}

type sweepExpiredJSON struct {
	headerJSON
	Limit int `json:"limit"`
}

type transferJSON struct {
	headerJSON
	ProtectionID uint64 `json:"protection_id"`
	To           string `json:"to"`
}

type approveJSON struct {
	headerJSON
	ProtectionID uint64 `json:"protection_id"`
	Spender      string `json:"spender"`
}

type approvalForAllJSON struct {
	headerJSON
	Operator string `json:"operator"`
	Approved bool   `json:"approved"`
}

type settlementJSON struct {
	headerJSON
	Concept     uint8  `json:"concept"`
	At          uint32 `json:"at"`
	AllowResort bool   `json:"allow_resort"`
}

// ParseCommand converts a JSON payload into a typed command. A zero
// timestamp is stamped with now; the stamped value is what gets logged.
func ParseCommand(ct event.CommandType, data []byte, now time.Time) (event.Command, error) {
	p := &parser{data: data, now: now}
	var cmd event.Command
	switch ct {
	case event.CommandTypeInitialize:
		cmd = p.initialize()
	case event.CommandTypeFundsDeposited:
		var j fundsDepositedJSON
		if p.decode(&j) {
			cmd = &event.FundsDeposited{
				Header:    p.header(j.headerJSON),
				Recipient: p.address("recipient", j.Recipient),
				Amount:    p.amount("amount", j.Amount),
				Native:    j.Native,
			}
		}
	case event.CommandTypeProvide:
		var j provideJSON
		if p.decode(&j) {
			cmd = &event.Provide{Header: p.header(j.headerJSON), Amount: p.amount("amount", j.Amount), Native: j.Native}
		}
	case event.CommandTypeInitiateWithdraw:
		var j headerJSON
		if p.decode(&j) {
			cmd = &event.InitiateWithdraw{Header: p.header(j)}
		}
	case event.CommandTypeWithdraw:
		var j withdrawJSON
		if p.decode(&j) {
			cmd = &event.Withdraw{Header: p.header(j.headerJSON), Shares: p.amount("shares", j.Shares)}
		}
	case event.CommandTypeClaimPremiums:
		var j headerJSON
		if p.decode(&j) {
			cmd = &event.ClaimPremiums{Header: p.header(j)}
		}
	case event.CommandTypePurchase:
		var j purchaseJSON
		if p.decode(&j) {
			cmd = &event.Purchase{
				Header:   p.header(j.headerJSON),
				Concept:  j.Concept,
				Coverage: p.amount("coverage", j.Coverage),
				Duration: j.Duration,
				MaxPay:   p.requiredAmount("max_pay", j.MaxPay),
				Deadline: j.Deadline,
				Native:   j.Native,
			}
		}
	case event.CommandTypeClaim:
		var j protectionJSON
		if p.decode(&j) {
			cmd = &event.Claim{Header: p.header(j.headerJSON), ProtectionID: j.ProtectionID}
		}
	case event.CommandTypeSweep:
		var j protectionJSON
		if p.decode(&j) {
			cmd = &event.Sweep{Header: p.header(j.headerJSON), ProtectionID: j.ProtectionID}
		}
	case event.CommandTypeSweepExpired:
		var j sweepExpiredJSON
		if p.decode(&j) {
			cmd = &event.SweepExpired{Header: p.header(j.headerJSON), Limit: j.Limit}
		}
	case event.CommandTypeTransfer:
		var j transferJSON
		if p.decode(&j) {
			cmd = &event.Transfer{Header: p.header(j.headerJSON), ProtectionID: j.ProtectionID, To: p.address("to", j.To)}
		}
	case event.CommandTypeApprove:
		var j approveJSON
		if p.decode(&j) {
			cmd = &event.Approve{Header: p.header(j.headerJSON), ProtectionID: j.ProtectionID, Spender: p.optionalAddress("spender", j.Spender)}
		}
	case event.CommandTypeSetApprovalForAll:
		var j approvalForAllJSON
		if p.decode(&j) {
			cmd = &event.SetApprovalForAll{Header: p.header(j.headerJSON), Operator: p.address("operator", j.Operator), Approved: j.Approved}
		}
	case event.CommandTypeAddSettlement:
		var j settlementJSON
		if p.decode(&j) {
			cmd = &event.AddSettlement{Header: p.header(j.headerJSON), Concept: j.Concept, At: j.At, AllowResort: j.AllowResort}
		}
	case event.CommandTypeAcceptArbiter:
		var j headerJSON
		if p.decode(&j) {
			cmd = &event.AcceptArbiter{Header: p.header(j)}
		}
	case event.CommandTypeAbdicate:
		var j headerJSON
		if p.decode(&j) {
			cmd = &event.Abdicate{Header: p.header(j)}
		}
	case event.CommandTypeWithdrawArbiterFees:
		var j headerJSON
		if p.decode(&j) {
			cmd = &event.WithdrawArbiterFees{Header: p.header(j)}
		}
	case event.CommandTypeWithdrawCreatorFees:
		var j headerJSON
		if p.decode(&j) {
			cmd = &event.WithdrawCreatorFees{Header: p.header(j)}
		}
	default:
		return nil, fmt.Errorf("unknown command type: %s", ct)
	}

	if p.err != nil {
		return nil, fmt.Errorf("parse %s: %w", ct, p.err)
	}
	return cmd, nil
}

func (p *parser) initialize() event.Command {
	var j initializeJSON
	if !p.decode(&j) {
		return nil
	}
	return &event.Initialize{
		Header:        p.header(j.headerJSON),
		PayAsset:      p.address("pay_asset", j.PayAsset),
		Coefficients:  j.Coefficients,
		CreatorFee:    p.amount("creator_fee", j.CreatorFee),
		ArbiterFee:    p.amount("arbiter_fee", j.ArbiterFee),
		Rollover:      p.amount("rollover", j.Rollover),
		MinPay:        p.amount("min_pay", j.MinPay),
		Concepts:      j.Concepts,
		Description:   j.Description,
		Creator:       p.address("creator", j.Creator),
		Arbiter:       p.address("arbiter", j.Arbiter),
		AcceptsNative: j.AcceptsNative,
	}
}

// parser keeps the first error so field conversions read straight through.
type parser struct {
	data []byte
	now  time.Time
	err  error
}

func (p *parser) fail(format string, args ...interface{}) {
	if p.err == nil {
		p.err = fmt.Errorf(format, args...)
	}
}

func (p *parser) decode(v interface{}) bool {
	if err := json.Unmarshal(p.data, v); err != nil {
		p.fail("%w", err)
		return false
	}
	return true
}

func (p *parser) header(j headerJSON) event.Header {
	if j.IdempotencyKey == "" {
		p.fail("idempotency_key is required")
	}
	if j.Nonce < 0 {
		p.fail("nonce must not be negative")
	}
	ts := j.Timestamp
	if ts == 0 {
		now, err := fpmath.UnixSeconds(p.now)
		if err != nil {
			p.fail("ingest time %s outside timestamp range: %w", p.now.UTC().Format(time.RFC3339), err)
		}
		ts = now
	}
	return event.Header{
		IdempotencyKey: j.IdempotencyKey,
		Caller:         p.address("caller", j.Caller),
		Nonce:          j.Nonce,
		Timestamp:      ts,
	}
}

func (p *parser) address(field, s string) common.Address {
	if !common.IsHexAddress(s) {
		p.fail("%s: invalid address %q", field, s)
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (p *parser) optionalAddress(field, s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return p.address(field, s)
}

func (p *parser) amount(field, s string) *uint256.Int {
	v, err := fpmath.FromDecimal(s)
	if err != nil {
		p.fail("%s: %w", field, err)
		return new(uint256.Int)
	}
	return v
}

// requiredAmount is amount with the field mandatory; an explicit "0" is
// accepted.
func (p *parser) requiredAmount(field, s string) *uint256.Int {
	if s == "" {
		p.fail("%s is required", field)
		return new(uint256.Int)
	}
	return p.amount(field, s)
}
