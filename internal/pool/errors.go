package pool

import (
	"errors"
	"fmt"

	fpmath "CoverLedger/internal/math"
)

// Error is a domain failure with a stable kind name. Kinds are carried in
// rejection records and mapped to transport status codes.
type Error struct {
	kind string
	msg  string
}

func (e *Error) Error() string { return "cover pool: " + e.msg }

// Kind returns the stable name of the failure.
func (e *Error) Kind() string { return e.kind }

func newError(kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

var (
	ErrUninitialized          = newError("Uninitialized", "pool not initialized")
	ErrAlreadyInitialized     = newError("AlreadyInitialized", "pool already initialized")
	ErrInvalidCoefficients    = newError("InvalidCoefficients", "invalid rate curve coefficients")
	ErrTooManyConcepts        = newError("TooManyConcepts", "too many concepts")
	ErrFeeCapExceeded         = newError("FeeCapExceeded", "fee fractions exceed 1.0")
	ErrUnauthorized           = newError("Unauthorized", "caller not authorized")
	ErrDeadlineExpired        = newError("DeadlineExpired", "deadline expired")
	ErrInvalidConceptIndex    = newError("InvalidConceptIndex", "invalid concept index")
	ErrOverutilized           = newError("Overutilized", "coverage exceeds available reserves")
	ErrPriceOutOfBounds       = newError("PriceOutOfBounds", "price outside accepted bounds")
	ErrDurationExceeded       = newError("DurationExceeded", "duration exceeds maximum")
	ErrCastOverflow           = newError("CastOverflow", "value exceeds bounded domain")
	ErrNotActive              = newError("NotActive", "protection not active")
	ErrNoSettlement           = newError("NoSettlement", "no settlement within coverage window")
	ErrSettlementExists       = newError("SettlementExists", "settlement exists within coverage window")
	ErrOutOfOrderSettlement   = newError("OutOfOrderSettlement", "settlement not after last recorded settlement")
	ErrStillLocked            = newError("StillLocked", "still locked")
	ErrWithdrawWindowExpired  = newError("WithdrawWindowExpired", "withdraw window expired")
	ErrInsufficientLiquidity  = newError("InsufficientLiquidity", "reserves would fall below utilized")
	ErrAssetTransferFailed    = newError("AssetTransferFailed", "asset transfer failed")
	ErrInsufficientShares     = newError("InsufficientShares", "insufficient shares")
	ErrArbiterOffline         = newError("ArbiterOffline", "arbiter not accepted or abdicated")
	ErrInvalidRecipient       = newError("InvalidRecipient", "invalid recipient")
	ErrProtectionExpired      = newError("ProtectionExpired", "protection expired")
	ErrInvalidAmount          = newError("InvalidAmount", "amount must be positive")
	ErrNoWithdrawInitiated    = newError("NoWithdrawInitiated", "no withdrawal initiated")
	ErrArbiterAlreadyAccepted = newError("ArbiterAlreadyAccepted", "arbiter already accepted")
	ErrUnknownProtection      = newError("UnknownProtection", "unknown protection")
)

// KindInternal labels failures that are not domain errors.
const KindInternal = "Internal"

// KindOf returns the kind of err, or KindInternal.
func KindOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.kind
	}
	return KindInternal
}

// fromMath maps arithmetic and pricing failures onto pool kinds.
func fromMath(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fpmath.ErrDurationExceeded):
		return fmt.Errorf("%w: %v", ErrDurationExceeded, err)
	case errors.Is(err, fpmath.ErrInvalidCoefficients):
		return fmt.Errorf("%w: %v", ErrInvalidCoefficients, err)
	case errors.Is(err, fpmath.ErrOverflow), errors.Is(err, fpmath.ErrUnderflow), errors.Is(err, fpmath.ErrDivisionByZero):
		return fmt.Errorf("%w: %v", ErrCastOverflow, err)
	}
	return err
}

// transferFailed wraps a collaborator error.
func transferFailed(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrAssetTransferFailed, err)
}
