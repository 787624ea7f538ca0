package query

// Every projected response carries as_of_sequence: the last command the
// projections have absorbed.

// PoolResponse is the projected pool aggregate.
type PoolResponse struct {
	Initialized        bool     `json:"initialized"`
	PayAsset           string   `json:"pay_asset"`
	Description        string   `json:"description"`
	Concepts           []string `json:"concepts"`
	Creator            string   `json:"creator"`
	Arbiter            string   `json:"arbiter"`
	ArbiterAccepted    bool     `json:"arbiter_accepted"`
	Abdicated          bool     `json:"abdicated"`
	Reserves           string   `json:"reserves"`
	Utilized           string   `json:"utilized"`
	TotalShares        string   `json:"total_shares"`
	PendingArbiterFees string   `json:"pending_arbiter_fees"`
	PendingCreatorFees string   `json:"pending_creator_fees"`
	PremiumsAccum      string   `json:"premiums_accum"`
	AsOfSequence       int64    `json:"as_of_sequence"`
}

// ProtectionResponse is one projected protection.
type ProtectionResponse struct {
	ID           uint64 `json:"id"`
	Concept      uint8  `json:"concept"`
	Coverage     string `json:"coverage"`
	Paid         string `json:"paid"`
	Holder       string `json:"holder"`
	Approved     string `json:"approved"`
	Start        uint32 `json:"start"`
	Expiry       uint32 `json:"expiry"`
	Status       string `json:"status"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ProviderResponse is a projected provider plus premiums claimable now.
type ProviderResponse struct {
	Address           string `json:"address"`
	Shares            string `json:"shares"`
	TokenSeconds      string `json:"token_seconds"`
	LastProvide       uint32 `json:"last_provide"`
	WithdrawInitiated uint32 `json:"withdraw_initiated"`
	PendingPremiums   string `json:"pending_premiums"` // live, at the core's last timestamp
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// QuoteResponse prices coverage against live state.
type QuoteResponse struct {
	Concept     uint8  `json:"concept"`
	Coverage    string `json:"coverage"`
	Duration    uint32 `json:"duration"`
	Premium     string `json:"premium"`
	Rate        string `json:"rate"`
	NewUtilized string `json:"new_utilized"`
	Sequence    int64  `json:"sequence"`
}

// CommandStatus reports how a logged command was decided.
type CommandStatus struct {
	Sequence       int64  `json:"sequence"`
	CommandType    string `json:"command_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
	Nonce          int64  `json:"nonce"`
	Outcome        string `json:"outcome"`
	ErrorKind      string `json:"error_kind,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	StateHash      string `json:"state_hash"`
	Timestamp      int64  `json:"timestamp"`
}

// RecordEntry is one emitted record from the log.
type RecordEntry struct {
	Sequence     int64   `json:"sequence"`
	Index        int     `json:"index"`
	RecordType   string  `json:"record_type"`
	At           int64   `json:"at"`
	Actor        string  `json:"actor"`
	Counterparty string  `json:"counterparty"`
	ProtectionID int64   `json:"protection_id"`
	Concept      int     `json:"concept"`
	Amount       *string `json:"amount,omitempty"`
	Shares       *string `json:"shares,omitempty"`
	Premium      *string `json:"premium,omitempty"`
	Approved     bool    `json:"approved,omitempty"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	CommandRef    string `json:"command_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	NegativeAccounts []NegativeAccount `json:"negative_accounts,omitempty"`
}

// NegativeAccount is a holder account whose journals net below zero.
type NegativeAccount struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}
