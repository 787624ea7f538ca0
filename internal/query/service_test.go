package query

import (
	"database/sql"
	"errors"
	"testing"

	fpmath "CoverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLive struct {
	quoteErr error
}

func (f *fakeLive) GetSequence() int64    { return 42 }
func (f *fakeLive) LastTimestamp() uint32 { return 1_700_000_000 }

func (f *fakeLive) Quote(concept uint8, coverage *uint256.Int, duration uint32) (*fpmath.Quote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return &fpmath.Quote{
		Premium:     uint256.NewInt(7),
		Rate:        uint256.NewInt(3),
		NewUtilized: coverage,
	}, nil
}

func (f *fakeLive) PendingPremiums(common.Address, uint32) (*uint256.Int, error) {
	return uint256.NewInt(0), nil
}

func TestGetQuote_UsesLiveCore(t *testing.T) {
	qs := NewQueryService(nil, &fakeLive{})
	q, err := qs.GetQuote(0, uint256.NewInt(500), 3600)
	require.NoError(t, err)
	assert.Equal(t, "7", q.Premium)
	assert.Equal(t, "500", q.NewUtilized)
	assert.Equal(t, int64(42), q.Sequence)

	boom := errors.New("capacity")
	qs = NewQueryService(nil, &fakeLive{quoteErr: boom})
	_, err = qs.GetQuote(0, uint256.NewInt(500), 3600)
	assert.ErrorIs(t, err, boom)

	_, err = NewQueryService(nil, nil).GetQuote(0, uint256.NewInt(1), 1)
	assert.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, clampLimit(0))
	assert.Equal(t, 50, clampLimit(-3))
	assert.Equal(t, 20, clampLimit(20))
	assert.Equal(t, 500, clampLimit(10_000))
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable(sql.NullString{}))
	v := nullable(sql.NullString{String: "12", Valid: true})
	require.NotNil(t, v)
	assert.Equal(t, "12", *v)
}
