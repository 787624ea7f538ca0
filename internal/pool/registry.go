package pool

import (
	"bytes"
	"fmt"
	"sort"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Call carries the authenticated caller and the operation's timestamp.
// Now is sampled once by the caller and used for the whole operation.
type Call struct {
	Caller common.Address
	Now    uint32
}

// Registry owns the pool aggregate: pool state, provider accounts,
// protections, operator approvals and per-concept settlement schedules.
// Every mutating method is atomic: it either completes or leaves no trace.
// Not thread-safe; callers serialize access.
type Registry struct {
	self   common.Address
	asset  ledger.Asset
	policy Policy

	state       PoolState
	providers   map[common.Address]*ProviderAccount
	protections []*Protection
	approvals   map[common.Address]map[common.Address]bool
	schedules   []*SettlementSchedule

	tx      *txn
	pending []Record
}

// NewRegistry creates an uninitialized pool held at address self.
func NewRegistry(self common.Address, asset ledger.Asset, policy Policy) *Registry {
	if policy.MaxUtilization == nil {
		policy.MaxUtilization = fpmath.Base()
	}
	return &Registry{
		self:      self,
		asset:     asset,
		policy:    policy,
		state:     newPoolState(),
		providers: make(map[common.Address]*ProviderAccount),
		approvals: make(map[common.Address]map[common.Address]bool),
	}
}

// SetAsset replaces the asset collaborator.
func (r *Registry) SetAsset(asset ledger.Asset) {
	r.asset = asset
}

// Initialize configures the pool once. The caller must be the creator.
func (r *Registry) Initialize(c Call, params InitParams) (err error) {
	tx := r.begin()
	defer r.end(tx, &err)

	s := &r.state
	if s.Initialized {
		return ErrAlreadyInitialized
	}
	if c.Caller != params.Creator {
		return ErrUnauthorized
	}
	if params.Creator == (common.Address{}) || params.Arbiter == (common.Address{}) {
		return ErrInvalidRecipient
	}

	curve, err := fpmath.NewRateCurve(params.Coefficients)
	if err != nil {
		return fromMath(err)
	}
	if len(params.Concepts) > MaxConcepts {
		return fmt.Errorf("%w: %d > %d", ErrTooManyConcepts, len(params.Concepts), MaxConcepts)
	}

	arbiterFee := fpmath.Clone(params.ArbiterFee)
	creatorFee := fpmath.Clone(params.CreatorFee)
	rollover := fpmath.Clone(params.Rollover)
	feeSum, err := fpmath.CheckedAdd(arbiterFee, creatorFee)
	if err == nil {
		feeSum, err = fpmath.CheckedAdd(feeSum, rollover)
	}
	if err != nil || feeSum.Gt(fpmath.Base()) {
		return ErrFeeCapExceeded
	}

	minPay := fpmath.Clone(params.MinPay)
	if err := fpmath.CheckU128(minPay); err != nil {
		return fromMath(err)
	}

	s.Initialized = true
	s.Curve = curve
	s.PayAsset = params.PayAsset
	s.Description = params.Description
	s.Concepts = append([]string(nil), params.Concepts...)
	s.Creator = params.Creator
	s.Arbiter = params.Arbiter
	s.AcceptsNative = params.AcceptsNative
	s.ArbiterFee = arbiterFee
	s.CreatorFee = creatorFee
	s.Rollover = rollover
	s.MinPay = minPay
	s.LastUpdatedTPS = c.Now

	r.schedules = make([]*SettlementSchedule, len(params.Concepts))
	for i := range r.schedules {
		r.schedules[i] = NewSettlementSchedule()
	}

	r.emit(Record{Type: RecordInitialized, At: c.Now, Actor: c.Caller, Counterparty: params.Arbiter})

	if params.Creator == params.Arbiter {
		s.ArbiterAccepted = true
		r.emit(Record{Type: RecordArbiterAccepted, At: c.Now, Actor: params.Arbiter})
	}
	return nil
}

func (r *Registry) requireInitialized() error {
	if !r.state.Initialized {
		return ErrUninitialized
	}
	return nil
}

func (r *Registry) validConcept(concept uint8) error {
	if int(concept) >= len(r.state.Concepts) {
		return fmt.Errorf("%w: %d", ErrInvalidConceptIndex, concept)
	}
	return nil
}

// HasSettlement reports whether concept has a settlement in [start, expiry].
func (r *Registry) HasSettlement(concept uint8, start, expiry uint32) bool {
	if int(concept) >= len(r.schedules) {
		return false
	}
	return r.schedules[concept].HasSettlement(start, expiry)
}

func (r *Registry) isOperator(holder, operator common.Address) bool {
	return r.approvals[holder][operator]
}

// pull collects amount from payer into the pool.
func (r *Registry) pull(from common.Address, amount *uint256.Int, native bool) error {
	if amount.IsZero() {
		return nil
	}
	if native {
		if !r.state.AcceptsNative {
			return fmt.Errorf("%w: pool does not accept native payment", ErrInvalidAmount)
		}
		return transferFailed(r.asset.DepositNative(from, amount))
	}
	return transferFailed(r.asset.TransferFrom(from, r.self, amount))
}

// pay sends amount from the pool to to.
func (r *Registry) pay(to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	return transferFailed(r.asset.Transfer(to, amount))
}

// DrainRecords returns the records committed since the previous drain.
func (r *Registry) DrainRecords() []Record {
	out := r.pending
	r.pending = nil
	return out
}

// --- Views ---

func (r *Registry) Address() common.Address { return r.self }

func (r *Registry) Policy() Policy {
	p := r.policy
	p.MaxUtilization = fpmath.Clone(r.policy.MaxUtilization)
	return p
}

// State returns a copy of the pool aggregate.
func (r *Registry) State() PoolState {
	return r.state.Clone()
}

// Protection returns a copy of protection pid.
func (r *Registry) Protection(pid uint64) (*Protection, bool) {
	if pid >= uint64(len(r.protections)) {
		return nil, false
	}
	return r.protections[pid].Clone(), true
}

// ProtectionCount returns the number of protections ever purchased.
func (r *Registry) ProtectionCount() uint64 {
	return uint64(len(r.protections))
}

// ProtectionsOf returns copies of the protections currently held by holder.
func (r *Registry) ProtectionsOf(holder common.Address) []*Protection {
	var out []*Protection
	for _, p := range r.protections {
		if p.Holder == holder {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Provider returns a copy of the provider account for addr.
func (r *Registry) Provider(addr common.Address) (*ProviderAccount, bool) {
	p, ok := r.providers[addr]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// PendingPremiums previews what ClaimPremiums would pay addr at now.
func (r *Registry) PendingPremiums(addr common.Address, now uint32) (*uint256.Int, error) {
	p, ok := r.providers[addr]
	if !ok {
		return new(uint256.Int), nil
	}
	return r.pendingPremium(p, now)
}

// IsApprovedForAll reports whether operator may act for holder.
func (r *Registry) IsApprovedForAll(holder, operator common.Address) bool {
	return r.isOperator(holder, operator)
}

// Settlements returns concept's settlement times, ascending.
func (r *Registry) Settlements(concept uint8) ([]uint32, error) {
	if err := r.validConcept(concept); err != nil {
		return nil, err
	}
	return r.schedules[concept].Times(), nil
}

// Quote prices coverage against the current utilization without mutating.
func (r *Registry) Quote(concept uint8, coverage *uint256.Int, duration uint32) (*fpmath.Quote, error) {
	if err := r.requireInitialized(); err != nil {
		return nil, err
	}
	if err := r.validConcept(concept); err != nil {
		return nil, err
	}
	q, err := fpmath.Price(r.state.Curve, coverage, uint64(duration), uint64(r.policy.MaxDuration), r.state.Utilized, r.state.Reserves)
	if err != nil {
		return nil, fromMath(err)
	}
	if err := r.checkCapacity(q.NewUtilized); err != nil {
		return nil, err
	}
	return q, nil
}

// checkCapacity enforces utilized <= reserves * MaxUtilization / BASE.
func (r *Registry) checkCapacity(newUtilized *uint256.Int) error {
	capacity, err := fpmath.FractionOf(r.state.Reserves, r.policy.MaxUtilization)
	if err != nil {
		return fromMath(err)
	}
	if newUtilized.Gt(capacity) || newUtilized.Gt(r.state.Reserves) {
		return fmt.Errorf("%w: utilized=%s capacity=%s", ErrOverutilized, newUtilized, capacity)
	}
	return nil
}

// Sweepable lists up to limit Active protections that Sweep would accept at now.
func (r *Registry) Sweepable(now uint32, limit int) []uint64 {
	var out []uint64
	for _, p := range r.protections {
		if limit > 0 && len(out) >= limit {
			break
		}
		if p.Status != StatusActive {
			continue
		}
		if uint64(now) <= uint64(p.Expiry)+uint64(r.policy.CooldownPeriod) {
			continue
		}
		if r.HasSettlement(p.Concept, p.Start, p.Expiry) {
			continue
		}
		out = append(out, p.ID)
	}
	return out
}

// --- Snapshot ---

// ApprovalEntry is one holder -> operator approval.
type ApprovalEntry struct {
	Holder   common.Address `json:"holder"`
	Operator common.Address `json:"operator"`
}

// Snapshot is the serializable form of the full registry.
type Snapshot struct {
	State       PoolState          `json:"state"`
	Providers   []*ProviderAccount `json:"providers"`
	Protections []*Protection      `json:"protections"`
	Approvals   []ApprovalEntry    `json:"approvals"`
	Settlements [][]uint32         `json:"settlements"`
}

// Snapshot captures the registry in a canonical order.
func (r *Registry) Snapshot() *Snapshot {
	snap := &Snapshot{
		State:       r.state.Clone(),
		Providers:   make([]*ProviderAccount, 0, len(r.providers)),
		Protections: make([]*Protection, 0, len(r.protections)),
		Settlements: make([][]uint32, len(r.schedules)),
	}
	for _, p := range r.providers {
		snap.Providers = append(snap.Providers, p.Clone())
	}
	sort.Slice(snap.Providers, func(i, j int) bool {
		return bytes.Compare(snap.Providers[i].Address[:], snap.Providers[j].Address[:]) < 0
	})
	for _, p := range r.protections {
		snap.Protections = append(snap.Protections, p.Clone())
	}
	for holder, ops := range r.approvals {
		for op, ok := range ops {
			if ok {
				snap.Approvals = append(snap.Approvals, ApprovalEntry{Holder: holder, Operator: op})
			}
		}
	}
	sort.Slice(snap.Approvals, func(i, j int) bool {
		a, b := snap.Approvals[i], snap.Approvals[j]
		if c := bytes.Compare(a.Holder[:], b.Holder[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Operator[:], b.Operator[:]) < 0
	})
	for i, s := range r.schedules {
		snap.Settlements[i] = s.Times()
	}
	return snap
}

// Restore replaces the registry contents with snap.
func (r *Registry) Restore(snap *Snapshot) error {
	if r.tx != nil {
		return fmt.Errorf("restore during operation")
	}
	if snap.State.Initialized && snap.State.Curve == nil {
		return fmt.Errorf("snapshot: initialized pool without curve")
	}
	r.state = snap.State.Clone()
	r.providers = make(map[common.Address]*ProviderAccount, len(snap.Providers))
	for _, p := range snap.Providers {
		r.providers[p.Address] = p.Clone()
	}
	r.protections = make([]*Protection, 0, len(snap.Protections))
	for i, p := range snap.Protections {
		if p.ID != uint64(i) {
			return fmt.Errorf("snapshot: protection %d stored at index %d", p.ID, i)
		}
		r.protections = append(r.protections, p.Clone())
	}
	r.approvals = make(map[common.Address]map[common.Address]bool)
	for _, a := range snap.Approvals {
		if r.approvals[a.Holder] == nil {
			r.approvals[a.Holder] = make(map[common.Address]bool)
		}
		r.approvals[a.Holder][a.Operator] = true
	}
	r.schedules = make([]*SettlementSchedule, len(snap.Settlements))
	for i, times := range snap.Settlements {
		r.schedules[i] = restoreSchedule(times)
	}
	r.pending = nil
	return nil
}
