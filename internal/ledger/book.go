package ledger

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Book is an in-process Asset: an address -> balance map that journals
// every movement. Not thread-safe; owned by the deterministic core.
type Book struct {
	pool          common.Address
	acceptsNative bool
	balances      map[AccountKey]*uint256.Int
	journal       []Journal
}

func NewBook(pool common.Address, acceptsNative bool) *Book {
	return &Book{
		pool:          pool,
		acceptsNative: acceptsNative,
		balances:      make(map[AccountKey]*uint256.Int),
	}
}

// Pool returns the address Transfer and DepositNative act for.
func (b *Book) Pool() common.Address {
	return b.pool
}

// GetBalance returns the current balance for an account
func (b *Book) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := b.balances[key]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// BalanceOf returns owner's pay-asset balance.
func (b *Book) BalanceOf(owner common.Address) *uint256.Int {
	return b.GetBalance(NewHolderAccountKey(owner, SubTypeAsset))
}

// NativeBalanceOf returns owner's native-currency balance.
func (b *Book) NativeBalanceOf(owner common.Address) *uint256.Int {
	return b.GetBalance(NewHolderAccountKey(owner, SubTypeNative))
}

// TotalDeposited is the sum of all external inflows.
func (b *Book) TotalDeposited() *uint256.Int {
	return b.GetBalance(NewExternalAccountKey(SubTypeExternalDeposits))
}

// Deposit credits owner with funds arriving from outside the system.
func (b *Book) Deposit(owner common.Address, amount *uint256.Int, native bool) error {
	sub := SubTypeAsset
	if native {
		sub = SubTypeNative
	}
	return b.move(NewExternalAccountKey(SubTypeExternalDeposits), NewHolderAccountKey(owner, sub), amount, JournalTypeExternalDeposit)
}

func (b *Book) TransferFrom(from, to common.Address, amount *uint256.Int) error {
	return b.move(NewHolderAccountKey(from, SubTypeAsset), NewHolderAccountKey(to, SubTypeAsset), amount, JournalTypeTransferFrom)
}

func (b *Book) Transfer(to common.Address, amount *uint256.Int) error {
	return b.move(NewHolderAccountKey(b.pool, SubTypeAsset), NewHolderAccountKey(to, SubTypeAsset), amount, JournalTypeTransfer)
}

// DepositNative wraps from's native currency into the pool's asset balance.
func (b *Book) DepositNative(from common.Address, amount *uint256.Int) error {
	if !b.acceptsNative {
		return ErrNativeDisabled
	}
	return b.move(NewHolderAccountKey(from, SubTypeNative), NewHolderAccountKey(b.pool, SubTypeAsset), amount, JournalTypeNativeWrap)
}

// move debits src (decrease) and credits dst (increase). The external
// deposits account counts inflows upward instead of going negative.
func (b *Book) move(src, dst AccountKey, amount *uint256.Int, kind JournalType) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	if src.Scope == AccountScopeExternal {
		b.add(src, amount)
	} else {
		bal := b.GetBalance(src)
		if bal.Lt(amount) {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, src.AccountPath(), bal, amount)
		}
		b.balances[src] = bal.Sub(bal, amount)
	}
	b.add(dst, amount)

	b.journal = append(b.journal, Journal{
		DebitAccount:  dst,
		CreditAccount: src,
		Amount:        new(uint256.Int).Set(amount),
		JournalType:   kind,
	})
	return nil
}

func (b *Book) add(key AccountKey, amount *uint256.Int) {
	bal := b.GetBalance(key)
	b.balances[key] = bal.Add(bal, amount)
}

// Checkpoint marks the current journal position.
func (b *Book) Checkpoint() int {
	return len(b.journal)
}

// RevertTo undoes every movement recorded after checkpoint, newest first.
func (b *Book) RevertTo(checkpoint int) {
	for i := len(b.journal) - 1; i >= checkpoint; i-- {
		j := b.journal[i]
		dst := b.GetBalance(j.DebitAccount)
		b.balances[j.DebitAccount] = dst.Sub(dst, j.Amount)
		src := b.GetBalance(j.CreditAccount)
		if j.CreditAccount.Scope == AccountScopeExternal {
			b.balances[j.CreditAccount] = src.Sub(src, j.Amount)
		} else {
			b.balances[j.CreditAccount] = src.Add(src, j.Amount)
		}
	}
	if checkpoint < len(b.journal) {
		b.journal = b.journal[:checkpoint]
	}
}

// DrainJournals returns movements recorded since the previous drain.
// Checkpoints taken before a drain are invalidated by it.
func (b *Book) DrainJournals() []Journal {
	out := b.journal
	b.journal = nil
	return out
}

// BalanceEntry is the serializable form of one account balance.
type BalanceEntry struct {
	Scope   AccountScope   `json:"scope"`
	Owner   common.Address `json:"owner"`
	SubType AccountSubType `json:"sub_type"`
	Amount  *uint256.Int   `json:"amount"`
}

// Snapshot returns all non-zero balances in account-path order.
func (b *Book) Snapshot() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(b.balances))
	for key, amount := range b.balances {
		if amount.IsZero() {
			continue
		}
		out = append(out, BalanceEntry{
			Scope:   key.Scope,
			Owner:   key.Owner,
			SubType: key.SubType,
			Amount:  new(uint256.Int).Set(amount),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return AccountKey{Scope: out[i].Scope, Owner: out[i].Owner, SubType: out[i].SubType}.AccountPath() <
			AccountKey{Scope: out[j].Scope, Owner: out[j].Owner, SubType: out[j].SubType}.AccountPath()
	})
	return out
}

// Restore replaces all balances from a snapshot.
func (b *Book) Restore(entries []BalanceEntry) {
	b.balances = make(map[AccountKey]*uint256.Int, len(entries))
	for _, e := range entries {
		key := AccountKey{Scope: e.Scope, Owner: e.Owner, SubType: e.SubType}
		b.balances[key] = new(uint256.Int).Set(e.Amount)
	}
	b.journal = nil
}
