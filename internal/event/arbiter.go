package event

// AddSettlement records a settlement time At for Concept.
type AddSettlement struct {
	Header
	Concept     uint8  `json:"concept"`
	At          uint32 `json:"at"`
	AllowResort bool   `json:"allow_resort"`
}

func (e *AddSettlement) CommandType() CommandType { return CommandTypeAddSettlement }

type AcceptArbiter struct {
	Header
}

func (e *AcceptArbiter) CommandType() CommandType { return CommandTypeAcceptArbiter }

type Abdicate struct {
	Header
}

func (e *Abdicate) CommandType() CommandType { return CommandTypeAbdicate }

type WithdrawArbiterFees struct {
	Header
}

func (e *WithdrawArbiterFees) CommandType() CommandType { return CommandTypeWithdrawArbiterFees }

type WithdrawCreatorFees struct {
	Header
}

func (e *WithdrawCreatorFees) CommandType() CommandType { return CommandTypeWithdrawCreatorFees }
