package pool

import (
	"fmt"

	fpmath "CoverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxConcepts bounds the concept list set at initialization.
const MaxConcepts = 15

// Status is the lifecycle state of a Protection.
type Status uint8

const (
	StatusActive Status = iota
	StatusClaimed
	StatusSwept
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClaimed:
		return "claimed"
	case StatusSwept:
		return "swept"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*s = StatusActive
	case "claimed":
		*s = StatusClaimed
	case "swept":
		*s = StatusSwept
	default:
		return fmt.Errorf("unknown protection status %q", text)
	}
	return nil
}

// Policy holds the per-pool timing and capacity constants.
type Policy struct {
	MaxDuration    uint32       `json:"max_duration"`    // seconds
	MaxUtilization *uint256.Int `json:"max_utilization"` // fraction of BASE
	WithdrawDelay  uint32       `json:"withdraw_delay"`
	WithdrawWindow uint32       `json:"withdraw_window"`
	CooldownPeriod uint32       `json:"cooldown_period"`
}

// DefaultPolicy: one year maximum coverage, full utilization allowed,
// 14 day withdraw lock with a 2 day window, 1 day sweep cooldown.
func DefaultPolicy() Policy {
	return Policy{
		MaxDuration:    365 * 24 * 3600,
		MaxUtilization: fpmath.Base(),
		WithdrawDelay:  14 * 24 * 3600,
		WithdrawWindow: 2 * 24 * 3600,
		CooldownPeriod: 24 * 3600,
	}
}

// InitParams is the one-time pool configuration.
type InitParams struct {
	PayAsset      common.Address
	Coefficients  []uint8
	CreatorFee    *uint256.Int
	ArbiterFee    *uint256.Int
	Rollover      *uint256.Int
	MinPay        *uint256.Int
	Concepts      []string
	Description   string
	Creator       common.Address
	Arbiter       common.Address
	AcceptsNative bool
}

// PoolState is the pool-wide aggregate.
type PoolState struct {
	Initialized bool              `json:"initialized"`
	Curve       *fpmath.RateCurve `json:"curve,omitempty"`
	PayAsset    common.Address    `json:"pay_asset"`
	Description string            `json:"description"`
	Concepts    []string          `json:"concepts"`

	Creator         common.Address `json:"creator"`
	Arbiter         common.Address `json:"arbiter"`
	ArbiterAccepted bool           `json:"arbiter_accepted"`
	Abdicated       bool           `json:"abdicated"`
	AcceptsNative   bool           `json:"accepts_native"`

	Utilized    *uint256.Int `json:"utilized"`
	Reserves    *uint256.Int `json:"reserves"`
	TotalShares *uint256.Int `json:"total_shares"`
	MinPay      *uint256.Int `json:"min_pay"`

	ArbiterFee *uint256.Int `json:"arbiter_fee"`
	CreatorFee *uint256.Int `json:"creator_fee"`
	Rollover   *uint256.Int `json:"rollover"`

	PendingArbiterFees *uint256.Int `json:"pending_arbiter_fees"`
	PendingCreatorFees *uint256.Int `json:"pending_creator_fees"`

	PremiumsAccum          *uint256.Int `json:"premiums_accum"`
	TotalProtectionSeconds *uint256.Int `json:"total_protection_seconds"`
	LastUpdatedTPS         uint32       `json:"last_updated_tps"`
}

func newPoolState() PoolState {
	return PoolState{
		Utilized:               new(uint256.Int),
		Reserves:               new(uint256.Int),
		TotalShares:            new(uint256.Int),
		MinPay:                 new(uint256.Int),
		ArbiterFee:             new(uint256.Int),
		CreatorFee:             new(uint256.Int),
		Rollover:               new(uint256.Int),
		PendingArbiterFees:     new(uint256.Int),
		PendingCreatorFees:     new(uint256.Int),
		PremiumsAccum:          new(uint256.Int),
		TotalProtectionSeconds: new(uint256.Int),
	}
}

// Clone returns a deep copy. The curve is immutable and shared.
func (s PoolState) Clone() PoolState {
	out := s
	out.Concepts = append([]string(nil), s.Concepts...)
	out.Utilized = fpmath.Clone(s.Utilized)
	out.Reserves = fpmath.Clone(s.Reserves)
	out.TotalShares = fpmath.Clone(s.TotalShares)
	out.MinPay = fpmath.Clone(s.MinPay)
	out.ArbiterFee = fpmath.Clone(s.ArbiterFee)
	out.CreatorFee = fpmath.Clone(s.CreatorFee)
	out.Rollover = fpmath.Clone(s.Rollover)
	out.PendingArbiterFees = fpmath.Clone(s.PendingArbiterFees)
	out.PendingCreatorFees = fpmath.Clone(s.PendingCreatorFees)
	out.PremiumsAccum = fpmath.Clone(s.PremiumsAccum)
	out.TotalProtectionSeconds = fpmath.Clone(s.TotalProtectionSeconds)
	return out
}

// ProviderAccount is created lazily on first deposit and never deleted.
type ProviderAccount struct {
	Address           common.Address `json:"address"`
	Shares            *uint256.Int   `json:"shares"`
	TokenSeconds      *uint256.Int   `json:"total_token_seconds_provided"`
	PremiumIndex      *uint256.Int   `json:"premium_index"`
	LastUpdate        uint32         `json:"last_update"`
	LastProvide       uint32         `json:"last_provide"`
	WithdrawInitiated uint32         `json:"withdraw_initiated"`
}

func newProviderAccount(addr common.Address) *ProviderAccount {
	return &ProviderAccount{
		Address:      addr,
		Shares:       new(uint256.Int),
		TokenSeconds: new(uint256.Int),
		PremiumIndex: new(uint256.Int),
	}
}

func (p *ProviderAccount) Clone() *ProviderAccount {
	out := *p
	out.Shares = fpmath.Clone(p.Shares)
	out.TokenSeconds = fpmath.Clone(p.TokenSeconds)
	out.PremiumIndex = fpmath.Clone(p.PremiumIndex)
	return &out
}

// Protection is one purchased coverage position.
type Protection struct {
	ID       uint64         `json:"id"`
	Concept  uint8          `json:"concept"`
	Coverage *uint256.Int   `json:"coverage"`
	Paid     *uint256.Int   `json:"paid"`
	Holder   common.Address `json:"holder"`
	Approved common.Address `json:"approved"`
	Start    uint32         `json:"start"`
	Expiry   uint32         `json:"expiry"`
	Status   Status         `json:"status"`
}

func (p *Protection) Clone() *Protection {
	out := *p
	out.Coverage = fpmath.Clone(p.Coverage)
	out.Paid = fpmath.Clone(p.Paid)
	return &out
}
