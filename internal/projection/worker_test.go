package projection_test

import (
	"context"
	"testing"

	"CoverLedger/internal/event"
	"CoverLedger/internal/projection"
	"CoverLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUpdate_ProvideTouchesProvider(t *testing.T) {
	h := testutil.NewHarness(t)
	outs := h.Seed()

	u, err := projection.BuildUpdate(outs[3])
	require.NoError(t, err)
	require.NotNil(t, u.Pool)
	assert.Equal(t, int64(3), u.Sequence)
	assert.True(t, u.Pool.Initialized)
	assert.Equal(t, testutil.Units(1000).Dec(), u.Pool.Reserves)
	assert.Equal(t, `["exploit"]`, u.Pool.Concepts)

	require.Len(t, u.Providers, 1)
	assert.Equal(t, testutil.LP.Hex(), u.Providers[0].Address)
	assert.Equal(t, testutil.Units(1000).Dec(), u.Providers[0].Shares)
	assert.Empty(t, u.Protections)
}

func TestBuildUpdate_PurchaseTouchesProtection(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Seed()

	out := h.Purchase(testutil.Units(100), testutil.Day)
	u, err := projection.BuildUpdate(out)
	require.NoError(t, err)

	require.Len(t, u.Protections, 1)
	p := u.Protections[0]
	assert.Equal(t, testutil.Buyer.Hex(), p.Holder)
	assert.Equal(t, "active", p.Status)
	assert.Equal(t, testutil.Units(100).Dec(), p.Coverage)
	assert.Equal(t, int64(testutil.T0+testutil.Day), p.Expiry)
	assert.Equal(t, testutil.Units(100).Dec(), u.Pool.Utilized)
}

func TestBuildUpdate_RejectedOnlyAdvancesWatermark(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Seed()

	err := h.Core.ProcessCommand(context.Background(), &event.Claim{Header: h.Header(testutil.Buyer), ProtectionID: 99})
	require.Error(t, err)
	out := <-h.Persist
	require.Equal(t, event.OutcomeRejected, out.Envelope.Outcome)

	u, err := projection.BuildUpdate(out)
	require.NoError(t, err)
	assert.Nil(t, u.Pool)
	assert.Empty(t, u.Providers)
	assert.Equal(t, out.Envelope.Sequence, u.Sequence)
}
