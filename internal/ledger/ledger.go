// Package ledger is an in-memory world state implementing asset.Host. It tracks
// native balances and ERC-20/721/1155 style tokens, journals every write so a
// settlement can be rolled back, and lets tests install receive hooks that run
// when an account is credited.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tip-settlement/internal/asset"
)

var (
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrNotAuthorized         = errors.New("ledger: caller is not owner nor approved")
	ErrUnknownToken          = errors.New("ledger: unknown token")
	ErrTokenExists           = errors.New("ledger: token already deployed")
	ErrZeroAddress           = errors.New("ledger: zero address")
	ErrReceiverRejected      = errors.New("ledger: receiver rejected transfer")
)

// Credit describes an incoming transfer passed to a ReceiveHook.
type Credit struct {
	Kind    asset.Type
	Token   common.Address
	From    common.Address
	To      common.Address
	TokenID *uint256.Int
	Amount  *uint256.Int
}

// ReceiveHook runs after an account is credited with native currency or a
// safe token transfer. Returning an error rejects the transfer.
type ReceiveHook func(ctx context.Context, credit Credit) error

// Ledger is not safe for concurrent use; callers serialise access the way a
// single-threaded VM would.
type Ledger struct {
	native        map[common.Address]*uint256.Int
	fungibles     map[common.Address]*FungibleToken
	nonFungibles  map[common.Address]*NonFungibleToken
	semiFungibles map[common.Address]*SemiFungibleToken
	hooks         map[common.Address]ReceiveHook
	journal       []func()
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		native:        make(map[common.Address]*uint256.Int),
		fungibles:     make(map[common.Address]*FungibleToken),
		nonFungibles:  make(map[common.Address]*NonFungibleToken),
		semiFungibles: make(map[common.Address]*SemiFungibleToken),
		hooks:         make(map[common.Address]ReceiveHook),
	}
}

// Snapshot returns an identifier for the current state.
func (l *Ledger) Snapshot() int {
	return len(l.journal)
}

// RevertToSnapshot undoes every write made after the snapshot was taken.
func (l *Ledger) RevertToSnapshot(id int) {
	if id < 0 || id > len(l.journal) {
		panic(fmt.Sprintf("ledger: invalid snapshot id %d (journal length %d)", id, len(l.journal)))
	}
	for i := len(l.journal) - 1; i >= id; i-- {
		l.journal[i]()
	}
	l.journal = l.journal[:id]
}

// Commit makes every journaled write permanent and ends the current top-level
// call. Snapshots taken before Commit can no longer be reverted to.
func (l *Ledger) Commit() {
	clear(l.journal)
	l.journal = l.journal[:0]
}

// SetReceiveHook installs (or with nil, removes) the hook run when addr is credited.
func (l *Ledger) SetReceiveHook(addr common.Address, hook ReceiveHook) {
	if hook == nil {
		delete(l.hooks, addr)
		return
	}
	l.hooks[addr] = hook
}

// Fund credits native currency to addr without running hooks.
func (l *Ledger) Fund(addr common.Address, amount *uint256.Int) {
	balance := l.nativeOf(addr)
	setEntry(l, l.native, addr, new(uint256.Int).Add(balance, amount))
}

// NativeBalance implements asset.Host.
func (l *Ledger) NativeBalance(_ context.Context, owner common.Address) (*uint256.Int, error) {
	return l.nativeOf(owner).Clone(), nil
}

// TransferNative implements asset.Host.
func (l *Ledger) TransferNative(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return l.frame(func() error {
		balance := l.nativeOf(from)
		if balance.Lt(amount) {
			return fmt.Errorf("%w: native balance %s, need %s", ErrInsufficientBalance, balance.Dec(), amount.Dec())
		}
		setEntry(l, l.native, from, new(uint256.Int).Sub(balance, amount))
		setEntry(l, l.native, to, new(uint256.Int).Add(l.nativeOf(to), amount))
		return l.notify(ctx, Credit{Kind: asset.Native, From: from, To: to, Amount: amount.Clone()})
	})
}

// Fungible implements asset.Host.
func (l *Ledger) Fungible(token common.Address) (asset.Fungible, error) {
	t, ok := l.fungibles[token]
	if !ok {
		return nil, fmt.Errorf("%w: fungible %s", ErrUnknownToken, token.Hex())
	}
	return t, nil
}

// NonFungible implements asset.Host.
func (l *Ledger) NonFungible(token common.Address) (asset.NonFungibleToken, error) {
	t, ok := l.nonFungibles[token]
	if !ok {
		return nil, fmt.Errorf("%w: non-fungible %s", ErrUnknownToken, token.Hex())
	}
	return t, nil
}

// SemiFungible implements asset.Host.
func (l *Ledger) SemiFungible(token common.Address) (asset.SemiFungibleToken, error) {
	t, ok := l.semiFungibles[token]
	if !ok {
		return nil, fmt.Errorf("%w: semi-fungible %s", ErrUnknownToken, token.Hex())
	}
	return t, nil
}

func (l *Ledger) nativeOf(addr common.Address) *uint256.Int {
	if v, ok := l.native[addr]; ok {
		return v
	}
	return new(uint256.Int)
}

func (l *Ledger) notify(ctx context.Context, credit Credit) error {
	hook, ok := l.hooks[credit.To]
	if !ok {
		return nil
	}
	if err := hook(ctx, credit); err != nil {
		return fmt.Errorf("%w: %w", ErrReceiverRejected, err)
	}
	return nil
}

// frame runs fn as one call frame: a failure undoes the frame's writes.
func (l *Ledger) frame(fn func() error) error {
	snap := l.Snapshot()
	if err := fn(); err != nil {
		l.RevertToSnapshot(snap)
		return err
	}
	return nil
}

// setEntry writes m[k] = v and journals the previous state. Stored values are
// never mutated in place, so keeping the old pointer is enough to undo.
func setEntry[K comparable, V any](l *Ledger, m map[K]V, k K, v V) {
	prev, existed := m[k]
	l.journal = append(l.journal, func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

var _ asset.Host = (*Ledger)(nil)
