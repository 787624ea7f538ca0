package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNonceOutOfOrder = errors.New("out-of-order nonce")
	ErrNonceGap        = errors.New("nonce gap")
)

// CallerPartition is the nonce partition for one caller.
func CallerPartition(caller common.Address) string {
	return "caller:" + strings.ToLower(caller.Hex())
}

// SequenceValidator tracks the next expected nonce per partition. Every
// caller starts at 0 and a logged command, applied or rejected, consumes
// its nonce. Only the core touches it, under the core's lock.
type SequenceValidator struct {
	next map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{next: make(map[string]int64)}
}

// ValidateSequence accepts exactly the expected nonce and advances the
// partition. Anything else is refused without changing state.
func (sv *SequenceValidator) ValidateSequence(partition string, nonce int64, idempotencyKey string) error {
	expected := sv.next[partition]
	switch {
	case nonce == expected:
		sv.next[partition] = expected + 1
		return nil
	case nonce < expected:
		return fmt.Errorf("%w: %s key=%s expected=%d got=%d",
			ErrNonceOutOfOrder, partition, idempotencyKey, expected, nonce)
	default:
		return fmt.Errorf("%w: %s key=%s expected=%d got=%d",
			ErrNonceGap, partition, idempotencyKey, expected, nonce)
	}
}

func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.next[partition]
}

// RestorePartition sets the next expected nonce during recovery.
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.next[partition] = next
}

// GetAllPartitions copies the partition table for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.next))
	for k, v := range sv.next {
		out[k] = v
	}
	return out
}
