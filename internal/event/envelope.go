package event

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeInitialize
	CommandTypeFundsDeposited
	CommandTypeProvide
	CommandTypeInitiateWithdraw
	CommandTypeWithdraw
	CommandTypeClaimPremiums
	CommandTypePurchase
	CommandTypeClaim
	CommandTypeSweep
	CommandTypeSweepExpired
	CommandTypeTransfer
	CommandTypeApprove
	CommandTypeSetApprovalForAll
	CommandTypeAddSettlement
	CommandTypeAcceptArbiter
	CommandTypeAbdicate
	CommandTypeWithdrawArbiterFees
	CommandTypeWithdrawCreatorFees
)

var commandNames = map[CommandType]string{
	CommandTypeInitialize:          "Initialize",
	CommandTypeFundsDeposited:      "FundsDeposited",
	CommandTypeProvide:             "Provide",
	CommandTypeInitiateWithdraw:    "InitiateWithdraw",
	CommandTypeWithdraw:            "Withdraw",
	CommandTypeClaimPremiums:       "ClaimPremiums",
	CommandTypePurchase:            "Purchase",
	CommandTypeClaim:               "Claim",
	CommandTypeSweep:               "Sweep",
	CommandTypeSweepExpired:        "SweepExpired",
	CommandTypeTransfer:            "Transfer",
	CommandTypeApprove:             "Approve",
	CommandTypeSetApprovalForAll:   "SetApprovalForAll",
	CommandTypeAddSettlement:       "AddSettlement",
	CommandTypeAcceptArbiter:       "AcceptArbiter",
	CommandTypeAbdicate:            "Abdicate",
	CommandTypeWithdrawArbiterFees: "WithdrawArbiterFees",
	CommandTypeWithdrawCreatorFees: "WithdrawCreatorFees",
}

// subject tokens used on the wire (cover.cmd.<token>, /v1/commands/<token>)
var commandTokens = map[CommandType]string{
	CommandTypeInitialize:          "initialize",
	CommandTypeFundsDeposited:      "funds_deposited",
	CommandTypeProvide:             "provide",
	CommandTypeInitiateWithdraw:    "initiate_withdraw",
	CommandTypeWithdraw:            "withdraw",
	CommandTypeClaimPremiums:       "claim_premiums",
	CommandTypePurchase:            "purchase",
	CommandTypeClaim:               "claim",
	CommandTypeSweep:               "sweep",
	CommandTypeSweepExpired:        "sweep_expired",
	CommandTypeTransfer:            "transfer",
	CommandTypeApprove:             "approve",
	CommandTypeSetApprovalForAll:   "set_approval_for_all",
	CommandTypeAddSettlement:       "add_settlement",
	CommandTypeAcceptArbiter:       "accept_arbiter",
	CommandTypeAbdicate:            "abdicate",
	CommandTypeWithdrawArbiterFees: "withdraw_arbiter_fees",
	CommandTypeWithdrawCreatorFees: "withdraw_creator_fees",
}

func (ct CommandType) String() string {
	if name, ok := commandNames[ct]; ok {
		return name
	}
	return "Unknown"
}

// Token returns the lower snake case wire name.
func (ct CommandType) Token() string {
	if tok, ok := commandTokens[ct]; ok {
		return tok
	}
	return "unknown"
}

// AllCommandTypes lists every known command type in declaration order.
func AllCommandTypes() []CommandType {
	out := make([]CommandType, 0, len(commandNames))
	for ct := CommandTypeInitialize; ct <= CommandTypeWithdrawCreatorFees; ct++ {
		out = append(out, ct)
	}
	return out
}

// ParseCommandType accepts either the wire token or the type name.
func ParseCommandType(s string) (CommandType, error) {
	for ct, tok := range commandTokens {
		if tok == s || commandNames[ct] == s {
			return ct, nil
		}
	}
	return CommandTypeUnknown, fmt.Errorf("unknown command type: %q", s)
}

// Header carries what every command has in common. Timestamp is the
// versioned input time in unix seconds; the core never reads the wall clock.
type Header struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Caller         common.Address `json:"caller"`
	Nonce          int64          `json:"nonce"`
	Timestamp      uint32         `json:"timestamp"`
}

// Meta returns the header. Embedding Header satisfies Command.Meta.
func (h Header) Meta() Header { return h }

// Command is the interface all command payloads implement
type Command interface {
	CommandType() CommandType
	Meta() Header
}

// Outcome is the result of applying a command
type Outcome int32

const (
	OutcomeApplied Outcome = iota
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "applied":
		return OutcomeApplied, nil
	case "rejected":
		return OutcomeRejected, nil
	}
	return OutcomeApplied, fmt.Errorf("unknown outcome: %q", s)
}

// CommandEnvelope wraps every command in the log
type CommandEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	CommandType CommandType
	Caller      common.Address
	Nonce       int64

	// Versioned input timestamp (NOT wall-clock)
	Timestamp uint32

	// JSON-encoded command
	Payload []byte

	// Rejected commands carry the error kind and message
	Outcome      Outcome
	ErrorKind    string
	ErrorMessage string

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// New returns a zero command of type ct, ready to be decoded into.
func New(ct CommandType) (Command, error) {
	switch ct {
	case CommandTypeInitialize:
		return &Initialize{}, nil
	case CommandTypeFundsDeposited:
		return &FundsDeposited{}, nil
	case CommandTypeProvide:
		return &Provide{}, nil
	case CommandTypeInitiateWithdraw:
		return &InitiateWithdraw{}, nil
	case CommandTypeWithdraw:
		return &Withdraw{}, nil
	case CommandTypeClaimPremiums:
		return &ClaimPremiums{}, nil
	case CommandTypePurchase:
		return &Purchase{}, nil
	case CommandTypeClaim:
		return &Claim{}, nil
	case CommandTypeSweep:
		return &Sweep{}, nil
	case CommandTypeSweepExpired:
		return &SweepExpired{}, nil
	case CommandTypeTransfer:
		return &Transfer{}, nil
	case CommandTypeApprove:
		return &Approve{}, nil
	case CommandTypeSetApprovalForAll:
		return &SetApprovalForAll{}, nil
	case CommandTypeAddSettlement:
		return &AddSettlement{}, nil
	case CommandTypeAcceptArbiter:
		return &AcceptArbiter{}, nil
	case CommandTypeAbdicate:
		return &Abdicate{}, nil
	case CommandTypeWithdrawArbiterFees:
		return &WithdrawArbiterFees{}, nil
	case CommandTypeWithdrawCreatorFees:
		return &WithdrawCreatorFees{}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", ct)
	}
}

// Encode serializes a command for the envelope payload.
func Encode(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// Decode rebuilds a command from an envelope payload.
func Decode(ct CommandType, payload []byte) (Command, error) {
	cmd, err := New(ct)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return cmd, nil
}
