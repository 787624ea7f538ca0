package pool_test

import (
	"encoding/json"
	"testing"

	"CoverLedger/internal/ledger"
	"CoverLedger/internal/pool"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

const (
	t0  uint32 = 1_700_000_000
	day uint32 = 24 * 3600
)

var (
	poolAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	creator  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	arbiter  = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	lp       = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	lp2      = common.HexToAddress("0x00000000000000000000000000000000000000c4")
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000c5")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000c6")
)

// Premium for 100 units of coverage over one day at 10% utilization on a
// linear curve.
const oneDayPremium uint64 = 27_397_260_270_720_000

func units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

func percent(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e16))
}

func at(who common.Address, now uint32) pool.Call {
	return pool.Call{Caller: who, Now: now}
}

func defaultParams() pool.InitParams {
	return pool.InitParams{
		PayAsset:     common.HexToAddress("0x00000000000000000000000000000000000000a0"),
		Coefficients: []uint8{0, 100},
		ArbiterFee:   percent(10),
		CreatorFee:   percent(5),
		Rollover:     new(uint256.Int),
		MinPay:       new(uint256.Int),
		Concepts:     []string{"exploit", "depeg"},
		Description:  "test pool",
		Creator:      creator,
		Arbiter:      arbiter,
	}
}

type fixture struct {
	book *ledger.Book
	reg  *pool.Registry
}

// newFixture builds an initialized pool with an accepted arbiter and funded
// test accounts. Setup records are drained.
func newFixture(t *testing.T, policy pool.Policy, tweak func(*pool.InitParams)) *fixture {
	t.Helper()

	params := defaultParams()
	if tweak != nil {
		tweak(&params)
	}
	book := ledger.NewBook(poolAddr, params.AcceptsNative)
	reg := pool.NewRegistry(poolAddr, book, policy)

	require.NoError(t, reg.Initialize(at(creator, t0), params))
	if params.Creator != params.Arbiter {
		require.NoError(t, reg.AcceptArbiter(at(arbiter, t0)))
	}
	for _, who := range []common.Address{lp, lp2, buyer, stranger} {
		require.NoError(t, book.Deposit(who, units(10_000), false))
	}
	reg.DrainRecords()
	book.DrainJournals()

	return &fixture{book: book, reg: reg}
}

func (f *fixture) buy(t *testing.T, who common.Address, now uint32, concept uint8, coverage *uint256.Int, duration uint32) uint64 {
	t.Helper()
	pid, err := f.reg.Purchase(at(who, now), pool.PurchaseRequest{
		Concept:  concept,
		Coverage: coverage,
		Duration: duration,
		Deadline: now,
	})
	require.NoError(t, err)
	return pid
}

func recordTypes(recs []pool.Record) []pool.RecordType {
	out := make([]pool.RecordType, len(recs))
	for i, r := range recs {
		out[i] = r.Type
	}
	return out
}

// scenarioA provides 1000 units and buys 100 units of coverage for a day.
func scenarioA(t *testing.T) (*fixture, uint64) {
	t.Helper()
	f := newFixture(t, pool.DefaultPolicy(), nil)

	minted, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)
	require.Equal(t, units(1000), minted)

	pid := f.buy(t, buyer, t0+10, 0, units(100), day)
	return f, pid
}

// ===========================================================================
// Scenarios
// ===========================================================================

func TestScenarioA_ProvideAndPurchase(t *testing.T) {
	f, pid := scenarioA(t)

	p, ok := f.reg.Protection(pid)
	require.True(t, ok)
	assert.Equal(t, uint64(0), pid)
	assert.Equal(t, uint256.NewInt(oneDayPremium), p.Paid)
	assert.Equal(t, units(100), p.Coverage)
	assert.Equal(t, t0+10, p.Start)
	assert.Equal(t, t0+10+day, p.Expiry)
	assert.Equal(t, pool.StatusActive, p.Status)
	assert.Equal(t, buyer, p.Holder)

	st := f.reg.State()
	assert.Equal(t, units(100), st.Utilized)
	assert.Equal(t, units(1000), st.Reserves)
	assert.Equal(t, units(1000), st.TotalShares)

	wantPool := new(uint256.Int).Add(units(1000), uint256.NewInt(oneDayPremium))
	assert.Equal(t, wantPool, f.book.BalanceOf(poolAddr))
	wantBuyer := new(uint256.Int).Sub(units(10_000), uint256.NewInt(oneDayPremium))
	assert.Equal(t, wantBuyer, f.book.BalanceOf(buyer))

	assert.Equal(t, []pool.RecordType{pool.RecordProvide, pool.RecordPurchase}, recordTypes(f.reg.DrainRecords()))
}

func TestScenarioB_SettlementAndClaim(t *testing.T) {
	f, pid := scenarioA(t)

	require.NoError(t, f.reg.AddSettlement(at(arbiter, t0+100), 0, t0+100, false))
	require.NoError(t, f.reg.Claim(at(buyer, t0+200), pid))

	p, _ := f.reg.Protection(pid)
	assert.Equal(t, pool.StatusClaimed, p.Status)

	st := f.reg.State()
	assert.True(t, st.Utilized.IsZero())
	assert.Equal(t, units(900), st.Reserves)

	// Coverage plus the premium back.
	assert.Equal(t, units(10_100), f.book.BalanceOf(buyer))
	assert.Equal(t, units(900), f.book.BalanceOf(poolAddr))

	err := f.reg.Claim(at(buyer, t0+300), pid)
	assert.ErrorIs(t, err, pool.ErrNotActive)
	assert.Equal(t, "NotActive", pool.KindOf(err))

	require.NoError(t, ledger.NewInvariantValidator(f.book).ValidateConservation())
}

func TestScenarioC_SweepAfterCooldown(t *testing.T) {
	f, pid := scenarioA(t)
	p, _ := f.reg.Protection(pid)
	unlock := p.Expiry + pool.DefaultPolicy().CooldownPeriod

	err := f.reg.Sweep(at(stranger, unlock), pid)
	require.ErrorIs(t, err, pool.ErrStillLocked)

	require.NoError(t, f.reg.Sweep(at(stranger, unlock+1), pid))

	p, _ = f.reg.Protection(pid)
	assert.Equal(t, pool.StatusSwept, p.Status)

	arbFee := oneDayPremium / 10
	creatorFee := oneDayPremium / 20
	remainder := oneDayPremium - arbFee - creatorFee

	st := f.reg.State()
	assert.True(t, st.Utilized.IsZero())
	assert.Equal(t, uint256.NewInt(remainder), st.PremiumsAccum)
	assert.Equal(t, uint256.NewInt(arbFee), st.PendingArbiterFees)
	assert.Equal(t, uint256.NewInt(creatorFee), st.PendingCreatorFees)
	assert.Equal(t, units(1000), st.Reserves)

	// The only provider was in for the whole accrual period.
	claimed, err := f.reg.ClaimPremiums(at(lp, unlock+1))
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(remainder), claimed)

	got, err := f.reg.WithdrawArbiterFees(at(arbiter, unlock+2))
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(arbFee), got)
	got, err = f.reg.WithdrawCreatorFees(at(creator, unlock+2))
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(creatorFee), got)

	assert.Equal(t, units(1000), f.book.BalanceOf(poolAddr))
	require.NoError(t, ledger.NewInvariantValidator(f.book).ValidateConservation())
}

// ===========================================================================
// Initialization
// ===========================================================================

func TestInitialize_Errors(t *testing.T) {
	tests := []struct {
		name   string
		caller common.Address
		tweak  func(*pool.InitParams)
		want   error
	}{
		{"not creator", stranger, nil, pool.ErrUnauthorized},
		{"bad coefficients", creator, func(p *pool.InitParams) { p.Coefficients = []uint8{50, 49} }, pool.ErrInvalidCoefficients},
		{"too many concepts", creator, func(p *pool.InitParams) { p.Concepts = make([]string, pool.MaxConcepts+1) }, pool.ErrTooManyConcepts},
		{"fees over one", creator, func(p *pool.InitParams) { p.Rollover = percent(86) }, pool.ErrFeeCapExceeded},
		{"zero arbiter", creator, func(p *pool.InitParams) { p.Arbiter = common.Address{} }, pool.ErrInvalidRecipient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := defaultParams()
			if tt.tweak != nil {
				tt.tweak(&params)
			}
			reg := pool.NewRegistry(poolAddr, ledger.NewBook(poolAddr, false), pool.DefaultPolicy())
			err := reg.Initialize(at(tt.caller, t0), params)
			require.ErrorIs(t, err, tt.want)
			assert.False(t, reg.State().Initialized)
			assert.Empty(t, reg.DrainRecords())
		})
	}
}

func TestInitialize_Twice(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), nil)
	err := f.reg.Initialize(at(creator, t0+1), defaultParams())
	assert.ErrorIs(t, err, pool.ErrAlreadyInitialized)
}

func TestInitialize_CreatorAsArbiterAutoAccepts(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), func(p *pool.InitParams) { p.Arbiter = creator })
	assert.True(t, f.reg.State().ArbiterAccepted)
	assert.ErrorIs(t, f.reg.AcceptArbiter(at(creator, t0+1)), pool.ErrArbiterAlreadyAccepted)
}

func TestUninitialized(t *testing.T) {
	reg := pool.NewRegistry(poolAddr, ledger.NewBook(poolAddr, false), pool.DefaultPolicy())

	_, err := reg.Provide(at(lp, t0), units(1), false)
	assert.ErrorIs(t, err, pool.ErrUninitialized)
	_, err = reg.Purchase(at(buyer, t0), pool.PurchaseRequest{Coverage: units(1), Duration: day, Deadline: t0})
	assert.ErrorIs(t, err, pool.ErrUninitialized)
	assert.ErrorIs(t, reg.Sweep(at(buyer, t0), 0), pool.ErrUninitialized)
}

// ===========================================================================
// Purchase
// ===========================================================================

func TestPurchase_Rejections(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), func(p *pool.InitParams) { p.MinPay = uint256.NewInt(1e15) })
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)

	base := pool.PurchaseRequest{Concept: 0, Coverage: units(100), Duration: 30 * day, Deadline: t0 + 10}

	tests := []struct {
		name  string
		now   uint32
		tweak func(*pool.PurchaseRequest)
		want  error
	}{
		{"deadline passed", t0 + 11, nil, pool.ErrDeadlineExpired},
		{"unknown concept", t0, func(r *pool.PurchaseRequest) { r.Concept = 2 }, pool.ErrInvalidConceptIndex},
		{"zero coverage", t0, func(r *pool.PurchaseRequest) { r.Coverage = new(uint256.Int) }, pool.ErrInvalidAmount},
		{"too long", t0, func(r *pool.PurchaseRequest) { r.Duration = 366 * day }, pool.ErrDurationExceeded},
		{"over capacity", t0, func(r *pool.PurchaseRequest) { r.Coverage = units(1001) }, pool.ErrOverutilized},
		{"below min pay", t0, func(r *pool.PurchaseRequest) { r.Duration = 60 }, pool.ErrPriceOutOfBounds},
		{"above max pay", t0, func(r *pool.PurchaseRequest) { r.MaxPay = percent(1) }, pool.ErrPriceOutOfBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			if tt.tweak != nil {
				tt.tweak(&req)
			}
			_, err := f.reg.Purchase(at(buyer, tt.now), req)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, uint64(0), f.reg.ProtectionCount())
			assert.True(t, f.reg.State().Utilized.IsZero())
		})
	}
}

func TestPurchase_ArbiterOffline(t *testing.T) {
	book := ledger.NewBook(poolAddr, false)
	reg := pool.NewRegistry(poolAddr, book, pool.DefaultPolicy())
	require.NoError(t, reg.Initialize(at(creator, t0), defaultParams()))

	_, err := reg.Purchase(at(buyer, t0), pool.PurchaseRequest{Coverage: units(1), Duration: day, Deadline: t0})
	require.ErrorIs(t, err, pool.ErrArbiterOffline)

	require.NoError(t, reg.AcceptArbiter(at(arbiter, t0)))
	require.NoError(t, reg.Abdicate(at(arbiter, t0+1)))
	_, err = reg.Purchase(at(buyer, t0+2), pool.PurchaseRequest{Coverage: units(1), Duration: day, Deadline: t0 + 2})
	assert.ErrorIs(t, err, pool.ErrArbiterOffline)
}

func TestAbdicate_LiveProtectionsStayClaimable(t *testing.T) {
	f, pid := scenarioA(t)

	require.NoError(t, f.reg.Abdicate(at(arbiter, t0+50)))
	require.NoError(t, f.reg.AddSettlement(at(arbiter, t0+100), 0, t0+100, false))
	require.NoError(t, f.reg.Claim(at(buyer, t0+200), pid))

	p, _ := f.reg.Protection(pid)
	assert.Equal(t, pool.StatusClaimed, p.Status)
	assert.Equal(t, units(10_100), f.book.BalanceOf(buyer))

	_, err := f.reg.Purchase(at(buyer, t0+300), pool.PurchaseRequest{Coverage: units(1), Duration: day, Deadline: t0 + 300})
	assert.ErrorIs(t, err, pool.ErrArbiterOffline)
}

func TestPurchase_UnfundedBuyerRollsBack(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), nil)
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)
	f.reg.DrainRecords()

	broke := common.HexToAddress("0x00000000000000000000000000000000000000d0")
	_, err = f.reg.Purchase(at(broke, t0), pool.PurchaseRequest{Coverage: units(100), Duration: day, Deadline: t0})
	require.ErrorIs(t, err, pool.ErrAssetTransferFailed)
	assert.Equal(t, "AssetTransferFailed", pool.KindOf(err))

	assert.Equal(t, uint64(0), f.reg.ProtectionCount())
	assert.True(t, f.reg.State().Utilized.IsZero())
	assert.Empty(t, f.reg.DrainRecords())
}

func TestPurchase_Native(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), func(p *pool.InitParams) { p.AcceptsNative = true })
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)
	require.NoError(t, f.book.Deposit(buyer, units(1), true))

	_, err = f.reg.Purchase(at(buyer, t0), pool.PurchaseRequest{Coverage: units(100), Duration: day, Deadline: t0, Native: true})
	require.NoError(t, err)

	wantNative := new(uint256.Int).Sub(units(1), uint256.NewInt(oneDayPremium))
	assert.Equal(t, wantNative, f.book.NativeBalanceOf(buyer))
	assert.Equal(t, units(10_000), f.book.BalanceOf(buyer))
}

func TestNative_RefusedWhenPoolDoesNotAcceptIt(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), nil)
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)
	f.reg.DrainRecords()

	_, err = f.reg.Purchase(at(buyer, t0), pool.PurchaseRequest{Coverage: units(100), Duration: day, Deadline: t0, Native: true})
	require.ErrorIs(t, err, pool.ErrInvalidAmount)
	assert.Equal(t, uint64(0), f.reg.ProtectionCount())
	assert.Equal(t, units(10_000), f.book.BalanceOf(buyer))

	_, err = f.reg.Provide(at(lp, t0+1), units(1), true)
	require.ErrorIs(t, err, pool.ErrInvalidAmount)
	assert.Equal(t, units(1000), f.reg.State().Reserves)
	assert.Empty(t, f.reg.DrainRecords())
}

// ===========================================================================
// Claim and sweep
// ===========================================================================

func TestClaim_Rules(t *testing.T) {
	f, pid := scenarioA(t)

	assert.ErrorIs(t, f.reg.Claim(at(buyer, t0+100), pid), pool.ErrNoSettlement)
	assert.ErrorIs(t, f.reg.Claim(at(buyer, t0+100), 99), pool.ErrUnknownProtection)

	// Settlement after the window does not count.
	p, _ := f.reg.Protection(pid)
	require.NoError(t, f.reg.AddSettlement(at(arbiter, p.Expiry+1), 0, p.Expiry+1, false))
	assert.ErrorIs(t, f.reg.Claim(at(buyer, p.Expiry+2), pid), pool.ErrNoSettlement)

	// Exactly at expiry counts, through a re-sorting insert.
	require.NoError(t, f.reg.AddSettlement(at(arbiter, p.Expiry+3), 0, p.Expiry, true))
	assert.ErrorIs(t, f.reg.Claim(at(stranger, p.Expiry+4), pid), pool.ErrUnauthorized)
	require.NoError(t, f.reg.Claim(at(buyer, p.Expiry+4), pid))

	// Settled protections cannot be swept.
	assert.ErrorIs(t, f.reg.Sweep(at(stranger, p.Expiry+3*day), pid), pool.ErrNotActive)
}

func TestClaim_ByOperatorPaysHolder(t *testing.T) {
	f, pid := scenarioA(t)
	require.NoError(t, f.reg.SetApprovalForAll(at(buyer, t0+20), stranger, true))
	require.NoError(t, f.reg.AddSettlement(at(arbiter, t0+30), 0, t0+30, false))

	require.NoError(t, f.reg.Claim(at(stranger, t0+40), pid))
	assert.Equal(t, units(10_100), f.book.BalanceOf(buyer))
	assert.Equal(t, units(10_000), f.book.BalanceOf(stranger))
}

func TestSweep_SettlementBlocks(t *testing.T) {
	f, pid := scenarioA(t)
	require.NoError(t, f.reg.AddSettlement(at(arbiter, t0+50), 0, t0+50, false))

	p, _ := f.reg.Protection(pid)
	err := f.reg.Sweep(at(stranger, p.Expiry+2*day), pid)
	assert.ErrorIs(t, err, pool.ErrSettlementExists)
	assert.Empty(t, f.reg.Sweepable(p.Expiry+2*day, 0))
}

func TestSweepMany_AllOrNothing(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), nil)
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)
	a := f.buy(t, buyer, t0, 0, units(10), day)
	b := f.buy(t, buyer, t0, 1, units(10), day)
	f.reg.DrainRecords()

	later := t0 + 3*day
	assert.ElementsMatch(t, []uint64{a, b}, f.reg.Sweepable(later, 0))
	assert.Len(t, f.reg.Sweepable(later, 1), 1)

	before := f.reg.State()
	err = f.reg.SweepMany(at(stranger, later), []uint64{a, b, a})
	require.ErrorIs(t, err, pool.ErrNotActive)

	pa, _ := f.reg.Protection(a)
	pb, _ := f.reg.Protection(b)
	assert.Equal(t, pool.StatusActive, pa.Status)
	assert.Equal(t, pool.StatusActive, pb.Status)
	assert.Equal(t, before, f.reg.State())
	assert.Empty(t, f.reg.DrainRecords())

	require.NoError(t, f.reg.SweepMany(at(stranger, later), []uint64{a, b}))
	assert.True(t, f.reg.State().Utilized.IsZero())
	assert.Equal(t, []pool.RecordType{pool.RecordSweep, pool.RecordSweep}, recordTypes(f.reg.DrainRecords()))
}

func TestSweep_RolloverAddsToReserves(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), func(p *pool.InitParams) { p.Rollover = percent(20) })
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)
	pid := f.buy(t, buyer, t0+10, 0, units(100), day)

	require.NoError(t, f.reg.Sweep(at(stranger, t0+10+3*day), pid))

	rollover := oneDayPremium / 5
	want := new(uint256.Int).Add(units(1000), uint256.NewInt(rollover))
	assert.Equal(t, want, f.reg.State().Reserves)
}

// ===========================================================================
// Providers
// ===========================================================================

func TestWithdraw_Timing(t *testing.T) {
	policy := pool.DefaultPolicy()
	f := newFixture(t, policy, nil)
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)

	_, err = f.reg.Withdraw(at(lp, t0+1), units(1))
	require.ErrorIs(t, err, pool.ErrNoWithdrawInitiated)
	require.ErrorIs(t, f.reg.InitiateWithdraw(at(stranger, t0)), pool.ErrInsufficientShares)

	start := t0 + 100
	require.NoError(t, f.reg.InitiateWithdraw(at(lp, start)))

	_, err = f.reg.Withdraw(at(lp, start+policy.WithdrawDelay-1), units(1))
	require.ErrorIs(t, err, pool.ErrStillLocked)

	closed := start + policy.WithdrawDelay + policy.WithdrawWindow + 1
	_, err = f.reg.Withdraw(at(lp, closed), units(1))
	require.ErrorIs(t, err, pool.ErrWithdrawWindowExpired)

	open := start + policy.WithdrawDelay
	_, err = f.reg.Withdraw(at(lp, open), units(1001))
	require.ErrorIs(t, err, pool.ErrInsufficientShares)

	got, err := f.reg.Withdraw(at(lp, open), units(400))
	require.NoError(t, err)
	assert.Equal(t, units(400), got)
	assert.Equal(t, units(9_400), f.book.BalanceOf(lp))

	acct, _ := f.reg.Provider(lp)
	assert.Equal(t, units(600), acct.Shares)
	assert.Zero(t, acct.WithdrawInitiated)

	// A completed withdrawal consumes the initiation.
	_, err = f.reg.Withdraw(at(lp, open+1), units(1))
	assert.ErrorIs(t, err, pool.ErrNoWithdrawInitiated)
}

func TestWithdraw_CannotDropBelowUtilized(t *testing.T) {
	f, _ := scenarioA(t)
	policy := pool.DefaultPolicy()

	require.NoError(t, f.reg.InitiateWithdraw(at(lp, t0+20)))
	open := t0 + 20 + policy.WithdrawDelay

	_, err := f.reg.Withdraw(at(lp, open), units(901))
	require.ErrorIs(t, err, pool.ErrInsufficientLiquidity)

	acct, _ := f.reg.Provider(lp)
	assert.Equal(t, units(1000), acct.Shares)
	assert.Equal(t, units(1000), f.reg.State().Reserves)

	_, err = f.reg.Withdraw(at(lp, open), units(900))
	require.NoError(t, err)
}

func TestProvide_ProRata(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), func(p *pool.InitParams) { p.Rollover = percent(50) })
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)

	pid := f.buy(t, buyer, t0, 0, units(100), day)
	require.NoError(t, f.reg.Sweep(at(stranger, t0+3*day), pid))

	st := f.reg.State()
	require.True(t, st.Reserves.Gt(st.TotalShares))

	minted, err := f.reg.Provide(at(lp2, t0+3*day), units(1000), false)
	require.NoError(t, err)

	want := new(uint256.Int).Mul(units(1000), units(1000))
	want.Div(want, st.Reserves)
	assert.Equal(t, want, minted)
	assert.True(t, minted.Lt(units(1000)))
}

func TestProvide_Rejections(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), nil)

	_, err := f.reg.Provide(at(lp, t0), new(uint256.Int), false)
	assert.ErrorIs(t, err, pool.ErrInvalidAmount)

	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	_, err = f.reg.Provide(at(lp, t0), huge, false)
	assert.ErrorIs(t, err, pool.ErrCastOverflow)

	_, err = f.reg.Provide(at(lp, t0), units(10_001), false)
	assert.ErrorIs(t, err, pool.ErrAssetTransferFailed)
	_, ok := f.reg.Provider(lp)
	assert.False(t, ok)
	assert.True(t, f.reg.State().Reserves.IsZero())
}

func TestPremiums_SplitByTokenSeconds(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), func(p *pool.InitParams) {
		p.ArbiterFee = new(uint256.Int)
		p.CreatorFee = new(uint256.Int)
	})
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)
	_, err = f.reg.Provide(at(lp2, t0), units(3000), false)
	require.NoError(t, err)

	pid := f.buy(t, buyer, t0, 0, units(400), day)
	p, _ := f.reg.Protection(pid)
	sweepAt := t0 + 3*day
	require.NoError(t, f.reg.Sweep(at(stranger, sweepAt), pid))

	pending1, err := f.reg.PendingPremiums(lp, sweepAt)
	require.NoError(t, err)
	got1, err := f.reg.ClaimPremiums(at(lp, sweepAt))
	require.NoError(t, err)
	got2, err := f.reg.ClaimPremiums(at(lp2, sweepAt))
	require.NoError(t, err)

	assert.Equal(t, pending1, got1)
	quarter := new(uint256.Int).Div(p.Paid, uint256.NewInt(4))
	assert.Equal(t, quarter, got1)
	total := new(uint256.Int).Add(got1, got2)
	assert.False(t, total.Gt(p.Paid))

	// Nothing left for a second claim.
	again, err := f.reg.ClaimPremiums(at(lp, sweepAt+10))
	require.NoError(t, err)
	assert.True(t, again.IsZero())

	none, err := f.reg.ClaimPremiums(at(stranger, sweepAt))
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

// ===========================================================================
// Arbiter
// ===========================================================================

func TestAddSettlement_Rules(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), nil)

	assert.ErrorIs(t, f.reg.AddSettlement(at(stranger, t0), 0, t0, false), pool.ErrUnauthorized)
	assert.ErrorIs(t, f.reg.AddSettlement(at(arbiter, t0), 5, t0, false), pool.ErrInvalidConceptIndex)

	require.NoError(t, f.reg.AddSettlement(at(arbiter, t0), 0, t0+100, false))
	assert.ErrorIs(t, f.reg.AddSettlement(at(arbiter, t0), 0, t0+100, false), pool.ErrOutOfOrderSettlement)
	require.NoError(t, f.reg.AddSettlement(at(arbiter, t0), 0, t0+50, true))
	require.NoError(t, f.reg.AddSettlement(at(arbiter, t0), 0, t0+200, false))

	times, err := f.reg.Settlements(0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{t0 + 50, t0 + 100, t0 + 200}, times)

	other, err := f.reg.Settlements(1)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFeeWithdrawal_Auth(t *testing.T) {
	f := newFixture(t, pool.DefaultPolicy(), nil)

	_, err := f.reg.WithdrawArbiterFees(at(creator, t0))
	assert.ErrorIs(t, err, pool.ErrUnauthorized)
	_, err = f.reg.WithdrawCreatorFees(at(arbiter, t0))
	assert.ErrorIs(t, err, pool.ErrUnauthorized)

	got, err := f.reg.WithdrawCreatorFees(at(creator, t0))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	assert.Empty(t, f.reg.DrainRecords())
}

// ===========================================================================
// Transfers and approvals
// ===========================================================================

func TestTransfer(t *testing.T) {
	f, pid := scenarioA(t)

	assert.ErrorIs(t, f.reg.Transfer(at(buyer, t0+20), pid, common.Address{}), pool.ErrInvalidRecipient)
	assert.ErrorIs(t, f.reg.Transfer(at(stranger, t0+20), pid, stranger), pool.ErrUnauthorized)

	require.NoError(t, f.reg.Approve(at(buyer, t0+20), pid, stranger))
	p, _ := f.reg.Protection(pid)
	assert.Equal(t, stranger, p.Approved)

	require.NoError(t, f.reg.Transfer(at(stranger, t0+30), pid, lp2))
	p, _ = f.reg.Protection(pid)
	assert.Equal(t, lp2, p.Holder)
	assert.Equal(t, common.Address{}, p.Approved)
	assert.Len(t, f.reg.ProtectionsOf(lp2), 1)
	assert.Empty(t, f.reg.ProtectionsOf(buyer))

	// Approval is cleared by the transfer.
	assert.ErrorIs(t, f.reg.Transfer(at(stranger, t0+40), pid, stranger), pool.ErrUnauthorized)

	assert.ErrorIs(t, f.reg.Transfer(at(lp2, p.Expiry), pid, buyer), pool.ErrProtectionExpired)
}

func TestSetApprovalForAll(t *testing.T) {
	f, pid := scenarioA(t)

	assert.ErrorIs(t, f.reg.SetApprovalForAll(at(buyer, t0), buyer, true), pool.ErrInvalidRecipient)
	assert.ErrorIs(t, f.reg.SetApprovalForAll(at(buyer, t0), common.Address{}, true), pool.ErrInvalidRecipient)

	require.NoError(t, f.reg.SetApprovalForAll(at(buyer, t0+20), stranger, true))
	assert.True(t, f.reg.IsApprovedForAll(buyer, stranger))
	require.NoError(t, f.reg.Approve(at(stranger, t0+21), pid, lp))

	require.NoError(t, f.reg.SetApprovalForAll(at(buyer, t0+22), stranger, false))
	assert.False(t, f.reg.IsApprovedForAll(buyer, stranger))
	assert.ErrorIs(t, f.reg.Transfer(at(stranger, t0+23), pid, stranger), pool.ErrUnauthorized)
}

// ===========================================================================
// Snapshot
// ===========================================================================

func TestSnapshot_RoundTrip(t *testing.T) {
	f, pid := scenarioA(t)
	require.NoError(t, f.reg.SetApprovalForAll(at(buyer, t0+20), stranger, true))
	require.NoError(t, f.reg.AddSettlement(at(arbiter, t0+30), 1, t0+30, false))
	_, err := f.reg.Provide(at(lp2, t0+40), units(500), false)
	require.NoError(t, err)

	raw, err := json.Marshal(f.reg.Snapshot())
	require.NoError(t, err)

	var snap pool.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	book := ledger.NewBook(poolAddr, false)
	book.Restore(f.book.Snapshot())
	restored := pool.NewRegistry(poolAddr, book, pool.DefaultPolicy())
	require.NoError(t, restored.Restore(&snap))

	assert.Equal(t, f.reg.Snapshot(), restored.Snapshot())

	// Both copies evolve identically.
	q1, err := f.reg.Quote(0, units(50), day)
	require.NoError(t, err)
	q2, err := restored.Quote(0, units(50), day)
	require.NoError(t, err)
	assert.Equal(t, q1, q2)

	require.NoError(t, restored.Transfer(at(stranger, t0+50), pid, lp))
	p, _ := restored.Protection(pid)
	assert.Equal(t, lp, p.Holder)
}
