package pool_test

import (
	"errors"
	"math/rand"
	"testing"

	"CoverLedger/internal/ledger"
	"CoverLedger/internal/pool"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hookedAsset wraps a Book and runs onPull once, inside the next
// TransferFrom, before the movement itself. It lets a test re-enter the
// registry from the middle of an operation.
type hookedAsset struct {
	*ledger.Book
	onPull  func() error
	failPay bool
}

func (h *hookedAsset) TransferFrom(from, to common.Address, amount *uint256.Int) error {
	if hook := h.onPull; hook != nil {
		h.onPull = nil
		if err := hook(); err != nil {
			return err
		}
	}
	return h.Book.TransferFrom(from, to, amount)
}

func (h *hookedAsset) Transfer(to common.Address, amount *uint256.Int) error {
	if h.failPay {
		return errors.New("transfer rejected")
	}
	return h.Book.Transfer(to, amount)
}

func newHookedFixture(t *testing.T) (*fixture, *hookedAsset) {
	t.Helper()
	f := newFixture(t, pool.DefaultPolicy(), nil)
	h := &hookedAsset{Book: f.book}
	f.reg.SetAsset(h)
	return f, h
}

// ===========================================================================
// Rollback
// ===========================================================================

func TestRollback_FailedPayoutRestoresClaim(t *testing.T) {
	f, h := newHookedFixture(t)
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)
	pid := f.buy(t, buyer, t0, 0, units(100), day)
	require.NoError(t, f.reg.AddSettlement(at(arbiter, t0+5), 0, t0+5, false))
	f.reg.DrainRecords()

	before := f.reg.Snapshot()
	poolBal := f.book.BalanceOf(poolAddr)

	h.failPay = true
	err = f.reg.Claim(at(buyer, t0+10), pid)
	require.ErrorIs(t, err, pool.ErrAssetTransferFailed)

	assert.Equal(t, before, f.reg.Snapshot())
	assert.Equal(t, poolBal, f.book.BalanceOf(poolAddr))
	assert.Empty(t, f.reg.DrainRecords())

	h.failPay = false
	require.NoError(t, f.reg.Claim(at(buyer, t0+10), pid))
}

func TestRollback_NestedFailureUndoesInnerOperation(t *testing.T) {
	f, h := newHookedFixture(t)
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)
	f.reg.DrainRecords()
	before := f.reg.Snapshot()

	// The inner provide commits into the outer operation, which then fails.
	var innerErr error
	h.onPull = func() error {
		_, innerErr = f.reg.Provide(at(lp2, t0+1), units(500), false)
		return errors.New("collaborator failed after callback")
	}
	_, err = f.reg.Purchase(at(buyer, t0+1), pool.PurchaseRequest{Coverage: units(100), Duration: day, Deadline: t0 + 1})
	require.ErrorIs(t, err, pool.ErrAssetTransferFailed)
	require.NoError(t, innerErr)

	assert.Equal(t, before, f.reg.Snapshot())
	_, ok := f.reg.Provider(lp2)
	assert.False(t, ok)
	assert.Equal(t, units(10_000), f.book.BalanceOf(lp2))
	assert.Equal(t, units(1000), f.book.BalanceOf(poolAddr))
	assert.Empty(t, f.reg.DrainRecords())
	require.NoError(t, ledger.NewInvariantValidator(f.book).ValidateConservation())
}

func TestRollback_NestedSuccessCommitsBoth(t *testing.T) {
	f, h := newHookedFixture(t)
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)
	f.reg.DrainRecords()

	h.onPull = func() error {
		_, err := f.reg.Provide(at(lp2, t0+1), units(500), false)
		return err
	}
	_, err = f.reg.Purchase(at(buyer, t0+1), pool.PurchaseRequest{Coverage: units(100), Duration: day, Deadline: t0 + 1})
	require.NoError(t, err)

	st := f.reg.State()
	assert.Equal(t, units(1500), st.Reserves)
	assert.Equal(t, units(100), st.Utilized)
	assert.Equal(t, []pool.RecordType{pool.RecordPurchase, pool.RecordProvide}, recordTypes(f.reg.DrainRecords()))
}

func TestRollback_InnerFailureKeepsOuterAlive(t *testing.T) {
	f, h := newHookedFixture(t)
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)
	f.reg.DrainRecords()

	var innerErr error
	h.onPull = func() error {
		_, innerErr = f.reg.Withdraw(at(lp, t0+1), units(1))
		return nil
	}
	_, err = f.reg.Purchase(at(buyer, t0+1), pool.PurchaseRequest{Coverage: units(100), Duration: day, Deadline: t0 + 1})
	require.NoError(t, err)
	assert.ErrorIs(t, innerErr, pool.ErrNoWithdrawInitiated)
	assert.Equal(t, []pool.RecordType{pool.RecordPurchase}, recordTypes(f.reg.DrainRecords()))
}

// ===========================================================================
// Properties
// ===========================================================================

func sumShares(reg *pool.Registry, who []common.Address) *uint256.Int {
	total := new(uint256.Int)
	for _, addr := range who {
		if p, ok := reg.Provider(addr); ok {
			total.Add(total, p.Shares)
		}
	}
	return total
}

func TestProperty_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	policy := pool.DefaultPolicy()
	policy.WithdrawDelay = 0
	policy.WithdrawWindow = 1 << 30
	f := newFixture(t, policy, func(p *pool.InitParams) { p.Rollover = percent(25) })
	// Claims weight the cumulative token-seconds, so providers whose claim
	// periods overlap can be paid slightly more than was swept in.
	require.NoError(t, f.book.Deposit(poolAddr, units(100), false))

	providers := []common.Address{lp, lp2, stranger}
	now := t0
	var pids []uint64
	prevTPS := new(uint256.Int)
	prevAccum := new(uint256.Int)

	for i := 0; i < 400; i++ {
		now += uint32(rng.Intn(6 * 3600))
		who := providers[rng.Intn(len(providers))]

		switch rng.Intn(5) {
		case 0, 1:
			_, _ = f.reg.Provide(at(who, now), units(uint64(1+rng.Intn(200))), false)
		case 2:
			pid, err := f.reg.Purchase(at(buyer, now), pool.PurchaseRequest{
				Concept:  uint8(rng.Intn(2)),
				Coverage: units(uint64(1 + rng.Intn(50))),
				Duration: uint32(1+rng.Intn(3)) * day,
				Deadline: now,
			})
			if err == nil {
				pids = append(pids, pid)
			}
		case 3:
			if acct, ok := f.reg.Provider(who); ok && !acct.Shares.IsZero() {
				require.NoError(t, f.reg.InitiateWithdraw(at(who, now)))
				part := new(uint256.Int).Div(acct.Shares, uint256.NewInt(uint64(1+rng.Intn(4))))
				if !part.IsZero() {
					_, err := f.reg.Withdraw(at(who, now), part)
					if err != nil {
						require.ErrorIs(t, err, pool.ErrInsufficientLiquidity)
					}
				}
			}
		case 4:
			if sweepable := f.reg.Sweepable(now, 3); len(sweepable) > 0 {
				require.NoError(t, f.reg.SweepMany(at(stranger, now), sweepable))
			}
			_, err := f.reg.ClaimPremiums(at(who, now))
			require.NoError(t, err)
		}

		st := f.reg.State()
		require.Equal(t, st.TotalShares, sumShares(f.reg, providers), "step %d", i)
		require.False(t, st.Reserves.Lt(st.Utilized), "step %d", i)
		require.False(t, st.TotalProtectionSeconds.Lt(prevTPS), "step %d", i)
		require.False(t, st.PremiumsAccum.Lt(prevAccum), "step %d", i)
		prevTPS, prevAccum = st.TotalProtectionSeconds, st.PremiumsAccum
	}

	require.NotEmpty(t, pids)
	require.NoError(t, ledger.NewInvariantValidator(f.book).ValidateConservation())
}

func TestProperty_EnterExitNeverInflates(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	policy := pool.DefaultPolicy()
	policy.WithdrawDelay = 0
	f := newFixture(t, policy, func(p *pool.InitParams) { p.Rollover = percent(30) })

	// Seed an uneven share price.
	_, err := f.reg.Provide(at(lp, t0), units(1000), false)
	require.NoError(t, err)
	pid := f.buy(t, buyer, t0, 0, units(300), day)
	require.NoError(t, f.reg.Sweep(at(stranger, t0+3*day), pid))

	now := t0 + 3*day
	for i := 0; i < 100; i++ {
		amount := uint256.NewInt(uint64(1 + rng.Int63n(1e18)))
		before := f.book.BalanceOf(lp2)

		minted, err := f.reg.Provide(at(lp2, now), amount, false)
		require.NoError(t, err)
		require.NoError(t, f.reg.InitiateWithdraw(at(lp2, now)))
		_, err = f.reg.Withdraw(at(lp2, now), minted)
		require.NoError(t, err)

		after := f.book.BalanceOf(lp2)
		require.False(t, after.Gt(before), "round %d gained %s", i, new(uint256.Int).Sub(after, before))
	}
}

func TestProperty_SettlementLookupMatchesScan(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	for trial := 0; trial < 50; trial++ {
		s := pool.NewSettlementSchedule()
		var times []uint32
		n := rng.Intn(40)
		for i := 0; i < n; i++ {
			ts := uint32(rng.Intn(10_000))
			require.NoError(t, s.Add(ts, true))
			times = append(times, ts)
		}

		for q := 0; q < 100; q++ {
			start := uint32(rng.Intn(10_500))
			expiry := start + uint32(rng.Intn(500))

			want := false
			for _, ts := range times {
				if start <= ts && ts <= expiry {
					want = true
					break
				}
			}
			require.Equal(t, want, s.HasSettlement(start, expiry), "trial %d [%d,%d] in %v", trial, start, expiry, s.Times())
		}
	}
}

func TestSettlementSchedule_CloneIsIndependent(t *testing.T) {
	s := pool.NewSettlementSchedule()
	require.NoError(t, s.Add(10, false))
	c := s.Clone()
	require.NoError(t, c.Add(20, false))

	assert.Equal(t, []uint32{10}, s.Times())
	assert.Equal(t, []uint32{10, 20}, c.Times())
	assert.ErrorIs(t, s.Add(10, false), pool.ErrOutOfOrderSettlement)
	assert.False(t, s.HasSettlement(11, 19))
	assert.True(t, s.HasSettlement(10, 10))
}
