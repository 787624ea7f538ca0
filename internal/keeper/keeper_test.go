package keeper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/keeper"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/pool"
	"CoverLedger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeeper(t *testing.T, h *testutil.Harness, metrics *observability.Metrics, at uint32) *keeper.Keeper {
	t.Helper()
	svc := ingestion.NewIngestService(h.Core, metrics, zerolog.Nop())
	k := keeper.New(keeper.Config{
		Identity:   testutil.Keeper,
		SweepCron:  "0 * * * * *",
		SweepLimit: 10,
	}, h.Core, svc, nil, metrics, zerolog.Nop())
	k.Now = func() time.Time { return time.Unix(int64(at), 0) }
	return k
}

func TestSweepOnce_NothingSweepable(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Seed()
	h.Purchase(testutil.Units(100), testutil.Day)

	k := newKeeper(t, h, nil, testutil.T0+testutil.Day)
	res, err := k.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, int64(5), h.Core.GetSequence())
}

func TestSweepOnce_SweepsAfterCooldown(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Seed()
	h.Purchase(testutil.Units(100), testutil.Day)
	cooldown := pool.DefaultPolicy().CooldownPeriod

	k := newKeeper(t, h, nil, testutil.T0+testutil.Day+cooldown+1)
	res, err := k.SweepOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "applied", res.Outcome)
	assert.Equal(t, int64(5), res.Sequence)

	p, ok := h.Core.Protection(0)
	require.True(t, ok)
	assert.Equal(t, pool.StatusSwept, p.Status)
	assert.Equal(t, int64(1), h.Core.ExpectedNonce(testutil.Keeper))

	// Nothing left to sweep on the next run.
	res, err = k.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestSweepOnce_ClockNeverRegresses(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Seed()
	h.Purchase(testutil.Units(100), testutil.Day)
	cooldown := pool.DefaultPolicy().CooldownPeriod

	// Advance the ledger clock past the cooldown with an unrelated command.
	h.Now = testutil.T0 + testutil.Day + cooldown + 10
	h.Apply(&event.FundsDeposited{Header: h.Header(testutil.Bridge), Recipient: testutil.Buyer, Amount: testutil.Units(1)})

	// The wall clock lags the ledger; the keeper stamps the ledger's time.
	k := newKeeper(t, h, nil, testutil.T0)
	res, err := k.SweepOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "applied", res.Outcome)
	assert.Equal(t, h.Now, h.Core.LastTimestamp())
}

func TestSweepOnce_ClockOutsideTimestampRange(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Seed()

	k := newKeeper(t, h, nil, 0)
	k.Now = func() time.Time { return time.Unix(1<<32, 0) }
	res, err := k.SweepOnce(context.Background())
	require.ErrorIs(t, err, pool.ErrCastOverflow)
	assert.Nil(t, res)
	assert.Equal(t, int64(0), h.Core.ExpectedNonce(testutil.Keeper))
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := testutil.NewHarness(t)
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	k := newKeeper(t, h, metrics, testutil.T0)
	require.NoError(t, k.Register())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("keeper did not stop")
	}
}

func TestRegister_RejectsBadSchedule(t *testing.T) {
	h := testutil.NewHarness(t)
	k := keeper.New(keeper.Config{Identity: testutil.Keeper, SweepCron: "whenever"}, h.Core, nil, nil, nil, zerolog.Nop())
	assert.Error(t, k.Register())
}

// --- snapshots ---

type fakeStore struct {
	saved     []*core.SnapshotState
	verified  []int64
	persisted int64
	verifyErr error
}

func (f *fakeStore) SaveSnapshot(_ context.Context, snap *core.SnapshotState) (int, error) {
	f.saved = append(f.saved, snap)
	return 128, nil
}

func (f *fakeStore) VerifySnapshot(_ context.Context, seq int64) error {
	if f.verifyErr != nil {
		return f.verifyErr
	}
	f.verified = append(f.verified, seq)
	return nil
}

func (f *fakeStore) GetLatestSequence(context.Context) (int64, error) { return f.persisted, nil }

func TestSnapshotter_TakeAndSkipUnchanged(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Seed()

	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	store := &fakeStore{persisted: 3}
	s := keeper.NewSnapshotter(h.Core, store, metrics, zerolog.Nop())

	seq, err := s.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
	assert.Equal(t, []int64{3}, store.verified)
	assert.Equal(t, h.Core.GetStateHash(), store.saved[0].StateHash)
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.SnapshotTaken))
	assert.Equal(t, float64(3), promtest.ToFloat64(metrics.SnapshotLastSeq))

	seq, err = s.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), seq)
	assert.Len(t, store.saved, 1)
}

func TestSnapshotter_EmptyCore(t *testing.T) {
	h := testutil.NewHarness(t)
	store := &fakeStore{persisted: -1}
	s := keeper.NewSnapshotter(h.Core, store, nil, zerolog.Nop())

	seq, err := s.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), seq)
	assert.Empty(t, store.saved)
}

func TestSnapshotter_WaitsForPersistence(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Seed()

	store := &fakeStore{persisted: 1}
	s := keeper.NewSnapshotter(h.Core, store, nil, zerolog.Nop())
	s.VerifyTimeout = 50 * time.Millisecond
	s.PollInterval = 5 * time.Millisecond

	_, err := s.Take(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, store.verified)

	// Retried once the log catches up.
	store.persisted = 3
	seq, err := s.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestSnapshotter_VerifyFailure(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Seed()

	mismatch := errors.New("hash mismatch")
	store := &fakeStore{persisted: 3, verifyErr: mismatch}
	s := keeper.NewSnapshotter(h.Core, store, nil, zerolog.Nop())

	_, err := s.Take(context.Background())
	assert.ErrorIs(t, err, mismatch)
}
