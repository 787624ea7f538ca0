package core

import (
	"fmt"

	"CoverLedger/internal/event"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/pool"

	"github.com/ethereum/go-ethereum/common"
)

// dispatch routes a command to the registry.
func (c *DeterministicCore) dispatch(call pool.Call, cmd event.Command) error {
	r := c.registry
	switch e := cmd.(type) {
	case *event.Initialize:
		return c.handleInitialize(call, e)
	case *event.FundsDeposited:
		return c.handleFundsDeposited(call, e)

	case *event.Provide:
		_, err := r.Provide(call, e.Amount, e.Native)
		return err
	case *event.InitiateWithdraw:
		return r.InitiateWithdraw(call)
	case *event.Withdraw:
		_, err := r.Withdraw(call, e.Shares)
		return err
	case *event.ClaimPremiums:
		_, err := r.ClaimPremiums(call)
		return err

	case *event.Purchase:
		_, err := r.Purchase(call, pool.PurchaseRequest{
			Concept:  e.Concept,
			Coverage: e.Coverage,
			Duration: e.Duration,
			MaxPay:   e.MaxPay,
			Deadline: e.Deadline,
			Native:   e.Native,
		})
		return err
	case *event.Claim:
		return r.Claim(call, e.ProtectionID)
	case *event.Sweep:
		return r.Sweep(call, e.ProtectionID)
	case *event.SweepExpired:
		return c.handleSweepExpired(call, e)
	case *event.Transfer:
		return r.Transfer(call, e.ProtectionID, e.To)
	case *event.Approve:
		return r.Approve(call, e.ProtectionID, e.Spender)
	case *event.SetApprovalForAll:
		return r.SetApprovalForAll(call, e.Operator, e.Approved)

	case *event.AddSettlement:
		return r.AddSettlement(call, e.Concept, e.At, e.AllowResort)
	case *event.AcceptArbiter:
		return r.AcceptArbiter(call)
	case *event.Abdicate:
		return r.Abdicate(call)
	case *event.WithdrawArbiterFees:
		_, err := r.WithdrawArbiterFees(call)
		return err
	case *event.WithdrawCreatorFees:
		_, err := r.WithdrawCreatorFees(call)
		return err

	default:
		return fmt.Errorf("unknown command type: %T", cmd)
	}
}

func (c *DeterministicCore) handleInitialize(call pool.Call, e *event.Initialize) error {
	coefficients, err := fpmath.CoefficientsFromInts(e.Coefficients)
	if err != nil {
		return fmt.Errorf("%w: %v", pool.ErrInvalidCoefficients, err)
	}
	return c.registry.Initialize(call, pool.InitParams{
		PayAsset:      e.PayAsset,
		Coefficients:  coefficients,
		CreatorFee:    e.CreatorFee,
		ArbiterFee:    e.ArbiterFee,
		Rollover:      e.Rollover,
		MinPay:        e.MinPay,
		Concepts:      e.Concepts,
		Description:   e.Description,
		Creator:       e.Creator,
		Arbiter:       e.Arbiter,
		AcceptsNative: e.AcceptsNative,
	})
}

// handleFundsDeposited credits an external deposit reported by the bridge.
func (c *DeterministicCore) handleFundsDeposited(call pool.Call, e *event.FundsDeposited) error {
	if call.Caller != c.cfg.Bridge {
		return pool.ErrUnauthorized
	}
	if e.Amount == nil || e.Amount.IsZero() {
		return pool.ErrInvalidAmount
	}
	if e.Recipient == (common.Address{}) {
		return pool.ErrInvalidRecipient
	}
	if err := fpmath.CheckU128(e.Amount); err != nil {
		return fmt.Errorf("%w: %v", pool.ErrCastOverflow, err)
	}
	if e.Native && !c.registry.State().AcceptsNative {
		return fmt.Errorf("%w: pool does not accept native deposits", pool.ErrInvalidAmount)
	}
	if err := c.book.Deposit(e.Recipient, e.Amount, e.Native); err != nil {
		return fmt.Errorf("%w: %v", pool.ErrAssetTransferFailed, err)
	}
	return nil
}

// handleSweepExpired resolves the sweepable set at the command's own
// timestamp, so replay selects the same protections.
func (c *DeterministicCore) handleSweepExpired(call pool.Call, e *event.SweepExpired) error {
	pids := c.registry.Sweepable(call.Now, e.Limit)
	if len(pids) == 0 {
		return nil
	}
	if err := c.registry.SweepMany(call, pids); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.KeeperSwept.Add(float64(len(pids)))
	}
	return nil
}
