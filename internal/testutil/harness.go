package testutil

import (
	"context"
	"fmt"
	"testing"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/pool"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	T0  uint32 = 1_700_000_000
	Day uint32 = 24 * 3600
)

var (
	PoolAddr = common.HexToAddress("0xa0")
	Bridge   = common.HexToAddress("0xb0")
	Keeper   = common.HexToAddress("0xb1")
	Creator  = common.HexToAddress("0xc1")
	LP       = common.HexToAddress("0xc3")
	Buyer    = common.HexToAddress("0xc5")
)

// Units scales n whole tokens to 18 decimals.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

func CoreConfig() core.Config {
	return core.Config{
		PoolAddress:         PoolAddr,
		Bridge:              Bridge,
		Policy:              pool.DefaultPolicy(),
		IdempotencyCapacity: 1024,
	}
}

// Harness drives an in-memory core with buffered output channels.
type Harness struct {
	T       *testing.T
	Core    *core.DeterministicCore
	Persist chan core.CoreOutput
	Proj    chan core.CoreOutput
	Now     uint32
	keys    int
}

func NewHarness(t *testing.T) *Harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	return &Harness{
		T:       t,
		Core:    core.NewDeterministicCore(CoreConfig(), 0, persist, proj, nil, nil),
		Persist: persist,
		Proj:    proj,
		Now:     T0,
	}
}

// Header issues a fresh key and the caller's next nonce.
func (h *Harness) Header(caller common.Address) event.Header {
	h.keys++
	return event.Header{
		IdempotencyKey: fmt.Sprintf("cmd-%d", h.keys),
		Caller:         caller,
		Nonce:          h.Core.ExpectedNonce(caller),
		Timestamp:      h.Now,
	}
}

// Apply processes cmd, fails the test unless it applied, and returns its
// output from the persist channel. The projection copy is drained too.
func (h *Harness) Apply(cmd event.Command) core.CoreOutput {
	h.T.Helper()
	if err := h.Core.ProcessCommand(context.Background(), cmd); err != nil {
		h.T.Fatalf("%s failed: %v", cmd.CommandType(), err)
	}
	select {
	case <-h.Proj:
	default:
	}
	select {
	case out := <-h.Persist:
		return out
	default:
		h.T.Fatalf("%s: no output emitted", cmd.CommandType())
		return core.CoreOutput{}
	}
}

// Seed initializes the pool, funds LP and Buyer, provides 1000 units and
// returns every output in order.
func (h *Harness) Seed() []core.CoreOutput {
	h.T.Helper()
	zero := new(uint256.Int)
	return []core.CoreOutput{
		h.Apply(&event.Initialize{
			Header:       h.Header(Creator),
			Coefficients: []int{0, 100},
			CreatorFee:   zero,
			ArbiterFee:   zero,
			Rollover:     zero,
			MinPay:       zero,
			Concepts:     []string{"exploit"},
			Creator:      Creator,
			Arbiter:      Creator,
		}),
		h.Apply(&event.FundsDeposited{Header: h.Header(Bridge), Recipient: LP, Amount: Units(5000)}),
		h.Apply(&event.FundsDeposited{Header: h.Header(Bridge), Recipient: Buyer, Amount: Units(100)}),
		h.Apply(&event.Provide{Header: h.Header(LP), Amount: Units(1000)}),
	}
}

// Purchase buys coverage for Buyer on concept 0.
func (h *Harness) Purchase(coverage *uint256.Int, duration uint32) core.CoreOutput {
	h.T.Helper()
	return h.Apply(&event.Purchase{
		Header:   h.Header(Buyer),
		Coverage: coverage,
		Duration: duration,
		Deadline: h.Now + 3600,
	})
}
