package asset_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"tip-settlement/internal/asset"
	"tip-settlement/internal/ledger"
)

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	sender     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	recipient  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	tokenAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func newDispatcher(t *testing.T) (*ledger.Ledger, *asset.Dispatcher) {
	t.Helper()
	l := ledger.New()
	return l, asset.NewDispatcher(l, engineAddr, zerolog.Nop())
}

func balanceOf(t *testing.T, token asset.Fungible, owner common.Address) uint64 {
	t.Helper()
	b, err := token.BalanceOf(context.Background(), owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.Uint64()
}

func TestDispatchNative(t *testing.T) {
	l, d := newDispatcher(t)
	l.Fund(engineAddr, uint256.NewInt(100))

	err := d.Transfer(context.Background(), asset.Instruction{
		Type: asset.Native, From: sender, To: recipient, Amount: uint256.NewInt(60),
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	got, _ := l.NativeBalance(context.Background(), recipient)
	if got.Uint64() != 60 {
		t.Fatalf("recipient balance = %s, want 60", got.Dec())
	}
}

func TestDispatchSupportedFungibleRetainsFee(t *testing.T) {
	l, d := newDispatcher(t)
	token, err := l.DeployFungible(tokenAddr)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	token.Mint(sender, uint256.NewInt(1_000))
	if err := token.Approve(context.Background(), sender, engineAddr, uint256.NewInt(505)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	err = d.Transfer(context.Background(), asset.Instruction{
		Type: asset.SupportedFungible, From: sender, To: recipient, Token: tokenAddr,
		Amount: uint256.NewInt(500), Fee: uint256.NewInt(5),
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := balanceOf(t, token, recipient); got != 500 {
		t.Fatalf("recipient got %d, want the full 500", got)
	}
	if got := balanceOf(t, token, engineAddr); got != 5 {
		t.Fatalf("engine retained %d, want 5", got)
	}
	if got := balanceOf(t, token, sender); got != 495 {
		t.Fatalf("sender left with %d, want 495", got)
	}
}

func TestDispatchFungibleWithoutAllowance(t *testing.T) {
	l, d := newDispatcher(t)
	token, _ := l.DeployFungible(tokenAddr)
	token.Mint(sender, uint256.NewInt(1_000))

	err := d.Transfer(context.Background(), asset.Instruction{
		Type: asset.GenericFungible, From: sender, To: recipient, Token: tokenAddr, Amount: uint256.NewInt(10),
	})
	if !errors.Is(err, asset.ErrTransferFailed) || !errors.Is(err, ledger.ErrInsufficientAllowance) {
		t.Fatalf("expected wrapped allowance failure, got %v", err)
	}
}

func TestDispatchNonFungible(t *testing.T) {
	l, d := newDispatcher(t)
	nft, _ := l.DeployNonFungible(tokenAddr)
	id := uint256.NewInt(7)
	nft.Mint(sender, id)

	in := asset.Instruction{Type: asset.NonFungible, From: sender, To: recipient, Token: tokenAddr, TokenID: id, Amount: uint256.NewInt(1)}
	if err := d.Transfer(context.Background(), in); !errors.Is(err, ledger.ErrNotAuthorized) {
		t.Fatalf("expected operator approval failure, got %v", err)
	}

	if err := nft.SetApprovalForAll(context.Background(), sender, engineAddr, true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := d.Transfer(context.Background(), in); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owner, _ := nft.OwnerOf(context.Background(), id)
	if owner != recipient {
		t.Fatalf("owner = %s, want recipient", owner.Hex())
	}

	in.Amount = uint256.NewInt(2)
	if err := d.Transfer(context.Background(), in); !errors.Is(err, asset.ErrInvalidInstruction) {
		t.Fatalf("amount 2 must be rejected, got %v", err)
	}
}

func TestDispatchSemiFungible(t *testing.T) {
	l, d := newDispatcher(t)
	multi, _ := l.DeploySemiFungible(tokenAddr)
	id := uint256.NewInt(3)
	multi.Mint(sender, id, uint256.NewInt(10))
	_ = multi.SetApprovalForAll(context.Background(), sender, engineAddr, true)

	err := d.Transfer(context.Background(), asset.Instruction{
		Type: asset.SemiFungible, From: sender, To: recipient, Token: tokenAddr, TokenID: id, Amount: uint256.NewInt(4),
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	got, _ := multi.BalanceOf(context.Background(), recipient, id)
	if got.Uint64() != 4 {
		t.Fatalf("recipient holds %s, want 4", got.Dec())
	}

	err = d.Transfer(context.Background(), asset.Instruction{
		Type: asset.SemiFungible, From: sender, To: recipient, Token: tokenAddr, Amount: uint256.NewInt(1),
	})
	if !errors.Is(err, asset.ErrInvalidInstruction) {
		t.Fatalf("missing token id must be rejected, got %v", err)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	_, d := newDispatcher(t)
	err := d.Transfer(context.Background(), asset.Instruction{Type: asset.Type(9), To: recipient, Amount: uint256.NewInt(1)})
	if !errors.Is(err, asset.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestParseType(t *testing.T) {
	cases := map[string]asset.Type{
		"native":             asset.Native,
		"ERC20":              asset.GenericFungible,
		"supported-fungible": asset.SupportedFungible,
		"nft":                asset.NonFungible,
		" erc1155 ":          asset.SemiFungible,
	}
	for in, want := range cases {
		got, err := asset.ParseType(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q = %s, want %s", in, got, want)
		}
	}
	if _, err := asset.ParseType("bond"); !errors.Is(err, asset.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}
