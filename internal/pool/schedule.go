package pool

import (
	"fmt"

	"github.com/google/btree"
)

const scheduleTreeDegree = 16

// settlementKey orders settlements by time, then by insertion so duplicate
// times inserted through a re-sorting add are kept.
type settlementKey struct {
	At  uint32
	Seq uint64
}

func lessSettlement(a, b settlementKey) bool {
	if a.At != b.At {
		return a.At < b.At
	}
	return a.Seq < b.Seq
}

// SettlementSchedule is one concept's ascending list of settlement times.
type SettlementSchedule struct {
	tree    *btree.BTreeG[settlementKey]
	nextSeq uint64
}

func NewSettlementSchedule() *SettlementSchedule {
	return &SettlementSchedule{
		tree: btree.NewG(scheduleTreeDegree, lessSettlement),
	}
}

// Add records a settlement time. Without allowResort the time must be
// strictly after the last recorded one.
func (s *SettlementSchedule) Add(at uint32, allowResort bool) error {
	if last, ok := s.tree.Max(); ok && !allowResort && at <= last.At {
		return fmt.Errorf("%w: time=%d last=%d", ErrOutOfOrderSettlement, at, last.At)
	}
	s.tree.ReplaceOrInsert(settlementKey{At: at, Seq: s.nextSeq})
	s.nextSeq++
	return nil
}

// HasSettlement reports whether some recorded time t has start <= t <= expiry.
func (s *SettlementSchedule) HasSettlement(start, expiry uint32) bool {
	first, ok := s.tree.Min()
	if !ok {
		return false
	}
	last, _ := s.tree.Max()
	if start > last.At || expiry < first.At {
		return false
	}

	found := false
	s.tree.AscendGreaterOrEqual(settlementKey{At: start}, func(k settlementKey) bool {
		found = k.At <= expiry
		return false
	})
	return found
}

// Times returns the settlement times in ascending order.
func (s *SettlementSchedule) Times() []uint32 {
	out := make([]uint32, 0, s.tree.Len())
	s.tree.Ascend(func(k settlementKey) bool {
		out = append(out, k.At)
		return true
	})
	return out
}

func (s *SettlementSchedule) Len() int {
	return s.tree.Len()
}

// Clone is copy-on-write; both copies stay independently mutable.
func (s *SettlementSchedule) Clone() *SettlementSchedule {
	return &SettlementSchedule{
		tree:    s.tree.Clone(),
		nextSeq: s.nextSeq,
	}
}

// restoreSchedule rebuilds a schedule from an ascending time list.
func restoreSchedule(times []uint32) *SettlementSchedule {
	s := NewSettlementSchedule()
	for _, at := range times {
		s.tree.ReplaceOrInsert(settlementKey{At: at, Seq: s.nextSeq})
		s.nextSeq++
	}
	return s
}
