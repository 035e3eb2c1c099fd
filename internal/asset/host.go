package asset

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Host exposes the world state the dispatcher moves assets through: the native
// currency ledger and the token contracts deployed on it.
type Host interface {
	TransferNative(ctx context.Context, from, to common.Address, amount *uint256.Int) error
	NativeBalance(ctx context.Context, owner common.Address) (*uint256.Int, error)
	Fungible(token common.Address) (Fungible, error)
	NonFungible(token common.Address) (NonFungibleToken, error)
	SemiFungible(token common.Address) (SemiFungibleToken, error)
}

// Fungible is the ERC-20 style token surface.
type Fungible interface {
	BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error)
	Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error
	// Transfer moves amount out of the caller's own balance.
	Transfer(ctx context.Context, caller, to common.Address, amount *uint256.Int) error
	// TransferFrom moves amount from `from` using the allowance granted to spender.
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error
}

// NonFungibleToken is the ERC-721 style token surface.
type NonFungibleToken interface {
	OwnerOf(ctx context.Context, tokenID *uint256.Int) (common.Address, error)
	SetApprovalForAll(ctx context.Context, owner, operator common.Address, approved bool) error
	SafeTransferFrom(ctx context.Context, operator, from, to common.Address, tokenID *uint256.Int) error
}

// SemiFungibleToken is the ERC-1155 style token surface.
type SemiFungibleToken interface {
	BalanceOf(ctx context.Context, owner common.Address, id *uint256.Int) (*uint256.Int, error)
	SetApprovalForAll(ctx context.Context, owner, operator common.Address, approved bool) error
	SafeTransferFrom(ctx context.Context, operator, from, to common.Address, id, amount *uint256.Int, data []byte) error
}
