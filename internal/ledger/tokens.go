package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tip-settlement/internal/asset"
)

type pairKey struct {
	owner common.Address
	other common.Address
}

type holdingKey struct {
	owner common.Address
	id    uint256.Int
}

// FungibleToken is an ERC-20 style token held in the ledger.
type FungibleToken struct {
	ledger     *Ledger
	address    common.Address
	balances   map[common.Address]*uint256.Int
	allowances map[pairKey]*uint256.Int
}

// DeployFungible registers a fungible token at addr.
func (l *Ledger) DeployFungible(addr common.Address) (*FungibleToken, error) {
	if err := l.checkFree(addr); err != nil {
		return nil, err
	}
	t := &FungibleToken{
		ledger:     l,
		address:    addr,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[pairKey]*uint256.Int),
	}
	l.fungibles[addr] = t
	return t, nil
}

// Mint credits amount to owner.
func (t *FungibleToken) Mint(owner common.Address, amount *uint256.Int) {
	setEntry(t.ledger, t.balances, owner, new(uint256.Int).Add(t.balanceOf(owner), amount))
}

// BalanceOf implements asset.Fungible.
func (t *FungibleToken) BalanceOf(_ context.Context, owner common.Address) (*uint256.Int, error) {
	return t.balanceOf(owner).Clone(), nil
}

// Allowance implements asset.Fungible.
func (t *FungibleToken) Allowance(_ context.Context, owner, spender common.Address) (*uint256.Int, error) {
	return t.allowanceOf(owner, spender).Clone(), nil
}

// Approve sets the amount spender may move on behalf of owner.
func (t *FungibleToken) Approve(_ context.Context, owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	setEntry(t.ledger, t.allowances, pairKey{owner, spender}, amount.Clone())
	return nil
}

// Transfer implements asset.Fungible.
func (t *FungibleToken) Transfer(_ context.Context, caller, to common.Address, amount *uint256.Int) error {
	return t.ledger.frame(func() error {
		return t.move(caller, to, amount)
	})
}

// TransferFrom implements asset.Fungible, spending the allowance of spender.
func (t *FungibleToken) TransferFrom(_ context.Context, spender, from, to common.Address, amount *uint256.Int) error {
	return t.ledger.frame(func() error {
		allowance := t.allowanceOf(from, spender)
		if allowance.Lt(amount) {
			return fmt.Errorf("%w: %s allowance %s, need %s", ErrInsufficientAllowance, t.address.Hex(), allowance.Dec(), amount.Dec())
		}
		setEntry(t.ledger, t.allowances, pairKey{from, spender}, new(uint256.Int).Sub(allowance, amount))
		return t.move(from, to, amount)
	})
}

func (t *FungibleToken) move(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	balance := t.balanceOf(from)
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s balance %s, need %s", ErrInsufficientBalance, t.address.Hex(), balance.Dec(), amount.Dec())
	}
	setEntry(t.ledger, t.balances, from, new(uint256.Int).Sub(balance, amount))
	setEntry(t.ledger, t.balances, to, new(uint256.Int).Add(t.balanceOf(to), amount))
	return nil
}

func (t *FungibleToken) balanceOf(owner common.Address) *uint256.Int {
	if v, ok := t.balances[owner]; ok {
		return v
	}
	return new(uint256.Int)
}

func (t *FungibleToken) allowanceOf(owner, spender common.Address) *uint256.Int {
	if v, ok := t.allowances[pairKey{owner, spender}]; ok {
		return v
	}
	return new(uint256.Int)
}

// NonFungibleToken is an ERC-721 style collection held in the ledger.
type NonFungibleToken struct {
	ledger    *Ledger
	address   common.Address
	owners    map[uint256.Int]common.Address
	operators map[pairKey]bool
}

// DeployNonFungible registers a non-fungible collection at addr.
func (l *Ledger) DeployNonFungible(addr common.Address) (*NonFungibleToken, error) {
	if err := l.checkFree(addr); err != nil {
		return nil, err
	}
	t := &NonFungibleToken{
		ledger:    l,
		address:   addr,
		owners:    make(map[uint256.Int]common.Address),
		operators: make(map[pairKey]bool),
	}
	l.nonFungibles[addr] = t
	return t, nil
}

// Mint assigns tokenID to owner.
func (t *NonFungibleToken) Mint(owner common.Address, tokenID *uint256.Int) {
	setEntry(t.ledger, t.owners, *tokenID, owner)
}

// OwnerOf implements asset.NonFungibleToken.
func (t *NonFungibleToken) OwnerOf(_ context.Context, tokenID *uint256.Int) (common.Address, error) {
	owner, ok := t.owners[*tokenID]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s #%s", ErrUnknownToken, t.address.Hex(), tokenID.Dec())
	}
	return owner, nil
}

// SetApprovalForAll lets operator move every token of owner.
func (t *NonFungibleToken) SetApprovalForAll(_ context.Context, owner, operator common.Address, approved bool) error {
	setEntry(t.ledger, t.operators, pairKey{owner, operator}, approved)
	return nil
}

// SafeTransferFrom implements asset.NonFungibleToken and runs the receive hook of to.
func (t *NonFungibleToken) SafeTransferFrom(ctx context.Context, operator, from, to common.Address, tokenID *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return t.ledger.frame(func() error {
		owner, ok := t.owners[*tokenID]
		if !ok || owner != from {
			return fmt.Errorf("%w: %s does not own %s #%s", ErrNotAuthorized, from.Hex(), t.address.Hex(), tokenID.Dec())
		}
		if operator != from && !t.operators[pairKey{from, operator}] {
			return fmt.Errorf("%w: operator %s", ErrNotAuthorized, operator.Hex())
		}
		setEntry(t.ledger, t.owners, *tokenID, to)
		return t.ledger.notify(ctx, Credit{
			Kind:    asset.NonFungible,
			Token:   t.address,
			From:    from,
			To:      to,
			TokenID: tokenID.Clone(),
			Amount:  uint256.NewInt(1),
		})
	})
}

// SemiFungibleToken is an ERC-1155 style multi-token held in the ledger.
type SemiFungibleToken struct {
	ledger    *Ledger
	address   common.Address
	balances  map[holdingKey]*uint256.Int
	operators map[pairKey]bool
}

// DeploySemiFungible registers a semi-fungible token at addr.
func (l *Ledger) DeploySemiFungible(addr common.Address) (*SemiFungibleToken, error) {
	if err := l.checkFree(addr); err != nil {
		return nil, err
	}
	t := &SemiFungibleToken{
		ledger:    l,
		address:   addr,
		balances:  make(map[holdingKey]*uint256.Int),
		operators: make(map[pairKey]bool),
	}
	l.semiFungibles[addr] = t
	return t, nil
}

// Mint credits amount units of class id to owner.
func (t *SemiFungibleToken) Mint(owner common.Address, id, amount *uint256.Int) {
	key := holdingKey{owner, *id}
	setEntry(t.ledger, t.balances, key, new(uint256.Int).Add(t.balanceOf(key), amount))
}

// BalanceOf implements asset.SemiFungibleToken.
func (t *SemiFungibleToken) BalanceOf(_ context.Context, owner common.Address, id *uint256.Int) (*uint256.Int, error) {
	return t.balanceOf(holdingKey{owner, *id}).Clone(), nil
}

// SetApprovalForAll lets operator move every class held by owner.
func (t *SemiFungibleToken) SetApprovalForAll(_ context.Context, owner, operator common.Address, approved bool) error {
	setEntry(t.ledger, t.operators, pairKey{owner, operator}, approved)
	return nil
}

// SafeTransferFrom implements asset.SemiFungibleToken and runs the receive hook of to.
func (t *SemiFungibleToken) SafeTransferFrom(ctx context.Context, operator, from, to common.Address, id, amount *uint256.Int, _ []byte) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return t.ledger.frame(func() error {
		if operator != from && !t.operators[pairKey{from, operator}] {
			return fmt.Errorf("%w: operator %s", ErrNotAuthorized, operator.Hex())
		}
		fromKey := holdingKey{from, *id}
		balance := t.balanceOf(fromKey)
		if balance.Lt(amount) {
			return fmt.Errorf("%w: %s #%s balance %s, need %s", ErrInsufficientBalance, t.address.Hex(), id.Dec(), balance.Dec(), amount.Dec())
		}
		toKey := holdingKey{to, *id}
		setEntry(t.ledger, t.balances, fromKey, new(uint256.Int).Sub(balance, amount))
		setEntry(t.ledger, t.balances, toKey, new(uint256.Int).Add(t.balanceOf(toKey), amount))
		return t.ledger.notify(ctx, Credit{
			Kind:    asset.SemiFungible,
			Token:   t.address,
			From:    from,
			To:      to,
			TokenID: id.Clone(),
			Amount:  amount.Clone(),
		})
	})
}

func (t *SemiFungibleToken) balanceOf(key holdingKey) *uint256.Int {
	if v, ok := t.balances[key]; ok {
		return v
	}
	return new(uint256.Int)
}

func (l *Ledger) checkFree(addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	_, f := l.fungibles[addr]
	_, n := l.nonFungibles[addr]
	_, s := l.semiFungibles[addr]
	if f || n || s {
		return fmt.Errorf("%w: %s", ErrTokenExists, addr.Hex())
	}
	return nil
}

var (
	_ asset.Fungible          = (*FungibleToken)(nil)
	_ asset.NonFungibleToken  = (*NonFungibleToken)(nil)
	_ asset.SemiFungibleToken = (*SemiFungibleToken)(nil)
)
