package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"tip-settlement/internal/asset"
	"tip-settlement/internal/attest"
	"tip-settlement/internal/fee"
	"tip-settlement/internal/ledger"
	"tip-settlement/internal/oracle"
	"tip-settlement/internal/pricing"
	"tip-settlement/internal/registry"
)

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	owner      = common.HexToAddress("0x0000000000000000000000000000000000000001")
	sender     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	recipient  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	charity    = common.HexToAddress("0x00000000000000000000000000000000000000c4")
	erc20Addr  = common.HexToAddress("0x0000000000000000000000000000000000002020")
	stableAddr = common.HexToAddress("0x0000000000000000000000000000000000005555")
	nftAddr    = common.HexToAddress("0x0000000000000000000000000000000000000721")
	multiAddr  = common.HexToAddress("0x0000000000000000000000000000000000001155")
)

const (
	oneCoin = 1_000_000_000_000_000_000
	// fallback price 2000 reference units per coin -> 5e14 per unit, floor 1/10 of that
	minimalFee = 50_000_000_000_000
)

type fixture struct {
	ledger   *ledger.Ledger
	engine   *Engine
	sink     *MemorySink
	attests  *attest.MemoryRegistry
	erc20    *ledger.FungibleToken
	stable   *ledger.FungibleToken
	nft      *ledger.NonFungibleToken
	multi    *ledger.SemiFungibleToken
	registry *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	l := ledger.New()
	l.Fund(sender, uint256.NewInt(10*oneCoin))

	reg, err := registry.New(owner, fee.Schedule{
		MinimalFee: fee.NewRatio(1, 10),
		Percentage: fee.NewRatio(10, 1000),
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	resolver, err := pricing.NewResolver(pricing.Options{
		Fallback:       pricing.FallbackPrice{Price: uint256.NewInt(2000), Decimals: 0},
		NativeDecimals: 18,
	}, nil, nil, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	attests := attest.NewMemoryRegistry()
	sink := &MemorySink{}
	engine, err := New(Options{Address: engineAddr, SlippageBps: 250}, Deps{
		Host:        l,
		Registry:    reg,
		Resolver:    resolver,
		Attestation: attest.NewHook(attests, attest.SchemaID("tip(address recipient)"), engineAddr, zerolog.Nop(), nil),
		Sink:        sink,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	f := &fixture{ledger: l, engine: engine, sink: sink, attests: attests, registry: reg}
	f.erc20, _ = l.DeployFungible(erc20Addr)
	f.stable, _ = l.DeployFungible(stableAddr)
	f.nft, _ = l.DeployNonFungible(nftAddr)
	f.multi, _ = l.DeploySemiFungible(multiAddr)
	f.erc20.Mint(sender, uint256.NewInt(1_000_000))
	f.stable.Mint(sender, uint256.NewInt(1_000_000))
	if err := reg.AddSupportedToken(owner, stableAddr); err != nil {
		t.Fatalf("support token: %v", err)
	}
	return f
}

func (f *fixture) native(t *testing.T, addr common.Address) *uint256.Int {
	t.Helper()
	v, err := f.ledger.NativeBalance(context.Background(), addr)
	if err != nil {
		t.Fatalf("native balance: %v", err)
	}
	return v
}

func (f *fixture) tokens(t *testing.T, token *ledger.FungibleToken, addr common.Address) uint64 {
	t.Helper()
	v, err := token.BalanceOf(context.Background(), addr)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	return v.Uint64()
}

func nativeTip(to common.Address, amount uint64) TransferRequest {
	return TransferRequest{AssetType: asset.Native, Recipient: to, Amount: uint256.NewInt(amount), Message: "thanks"}
}

func TestSettleNative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	supplied := uint256.NewInt(oneCoin + oneCoin/100)
	receipt, err := f.engine.Settle(ctx, sender, supplied, nativeTip(recipient, oneCoin))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if got := f.native(t, recipient); got.Uint64() != oneCoin {
		t.Fatalf("recipient got %s, want the full amount", got.Dec())
	}
	if got := f.native(t, engineAddr); got.Uint64() != oneCoin/100 {
		t.Fatalf("engine retained %s, want 1%% fee", got.Dec())
	}
	if !receipt.Excess.IsZero() {
		t.Fatalf("unexpected excess %s", receipt.Excess.Dec())
	}

	records := f.sink.Records()
	if len(records) != 1 || records[0].FeeCharged.Uint64() != oneCoin/100 || records[0].Message != "thanks" {
		t.Fatalf("unexpected records %+v", records)
	}
	if records[0].Sender != sender || records[0].BatchID != receipt.BatchID {
		t.Fatal("record should carry sender and batch id")
	}
}

func TestSettleFeeTooSmall(t *testing.T) {
	f := newFixture(t)
	amount := uint64(1_000_000)

	_, err := f.engine.Settle(context.Background(), sender, uint256.NewInt(amount+minimalFee-1), nativeTip(recipient, amount))
	if !errors.Is(err, ErrFeeTooSmall) {
		t.Fatalf("expected ErrFeeTooSmall, got %v", err)
	}
	if Classify(err) != ClassInsufficiency {
		t.Fatalf("expected insufficiency class, got %s", Classify(err))
	}
	if got := f.native(t, sender); got.Uint64() != 10*oneCoin {
		t.Fatalf("sender balance changed to %s", got.Dec())
	}

	if _, err := f.engine.Settle(context.Background(), sender, uint256.NewInt(amount+minimalFee), nativeTip(recipient, amount)); err != nil {
		t.Fatalf("exact floor should settle: %v", err)
	}
}

func TestSettleInKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := TransferRequest{AssetType: asset.SupportedFungible, Recipient: recipient, Token: stableAddr, Amount: uint256.NewInt(10_000)}

	if err := f.stable.Approve(ctx, sender, engineAddr, uint256.NewInt(10_100)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if _, err := f.engine.Settle(ctx, sender, uint256.NewInt(1), req); !errors.Is(err, ErrNativeForInKindFee) {
		t.Fatalf("expected ErrNativeForInKindFee, got %v", err)
	}

	receipt, err := f.engine.Settle(ctx, sender, nil, req)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := f.tokens(t, f.stable, recipient); got != 10_000 {
		t.Fatalf("recipient got %d tokens, want 10000", got)
	}
	if got := f.tokens(t, f.stable, engineAddr); got != 100 {
		t.Fatalf("engine retained %d tokens, want 100", got)
	}
	if !receipt.Records[0].FeeInKind || receipt.Quote.PriceResolved {
		t.Fatal("in-kind settlement must not consult the price")
	}

	req.Token = erc20Addr
	if _, err := f.engine.Settle(ctx, sender, nil, req); !errors.Is(err, ErrTokenNotSupported) {
		t.Fatalf("expected ErrTokenNotSupported, got %v", err)
	}
}

func twoItemBatch() []TransferRequest {
	return []TransferRequest{
		nativeTip(recipient, oneCoin),
		{AssetType: asset.GenericFungible, Recipient: recipient, Token: erc20Addr, Amount: uint256.NewInt(1_000)},
	}
}

func TestSettleBatchSlippage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.erc20.Approve(ctx, sender, engineAddr, uint256.NewInt(1_000_000))
	batch := twoItemBatch()

	quote, err := f.engine.PreviewBatch(ctx, batch)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	wantRequired := uint256.MustFromDecimal("1010050000000000000")
	wantMinimum := uint256.MustFromDecimal("1009798750000000000")
	if !quote.TotalNativeRequired.Eq(wantRequired) || !quote.MinimumAccepted.Eq(wantMinimum) {
		t.Fatalf("required %s minimum %s", quote.TotalNativeRequired.Dec(), quote.MinimumAccepted.Dec())
	}
	if quote.Items[1].NativeRequired.Uint64() != minimalFee || quote.Items[1].Fee.Uint64() != minimalFee {
		t.Fatalf("fungible item should pay the native floor, got %s", quote.Items[1].NativeRequired.Dec())
	}

	short := new(uint256.Int).SubUint64(wantMinimum, 1)
	if _, err := f.engine.SettleBatch(ctx, sender, short, batch); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := f.native(t, recipient); !got.IsZero() {
		t.Fatal("rejected batch must not move funds")
	}

	if _, err := f.engine.SettleBatch(ctx, sender, wantMinimum, batch); err != nil {
		t.Fatalf("minimum within tolerance should settle: %v", err)
	}
	if got := f.native(t, engineAddr); got.Uint64() != 9_798_750_000_000_000 {
		t.Fatalf("engine retained %s", got.Dec())
	}
	if got := f.tokens(t, f.erc20, recipient); got != 1_000 {
		t.Fatalf("recipient got %d tokens", got)
	}
}

func TestSettleBatchRetainsExcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.erc20.Approve(ctx, sender, engineAddr, uint256.NewInt(1_000_000))

	supplied := new(uint256.Int).AddUint64(uint256.MustFromDecimal("1010050000000000000"), 7)
	receipt, err := f.engine.SettleBatch(ctx, sender, supplied, twoItemBatch())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if receipt.Excess.Uint64() != 7 {
		t.Fatalf("excess = %s, want 7", receipt.Excess.Dec())
	}
	if got := f.native(t, engineAddr); got.Uint64() != 10_050_000_000_000_007 {
		t.Fatalf("engine should keep fees and excess, got %s", got.Dec())
	}
}

func TestSettleBatchAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// no allowance for the fungible leg: the native leg must be undone too
	_, err := f.engine.SettleBatch(ctx, sender, uint256.NewInt(2*oneCoin), twoItemBatch())
	if !errors.Is(err, asset.ErrTransferFailed) || !errors.Is(err, ledger.ErrInsufficientAllowance) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if Classify(err) != ClassExecution {
		t.Fatalf("expected execution class, got %s", Classify(err))
	}
	if got := f.native(t, sender); got.Uint64() != 10*oneCoin {
		t.Fatalf("sender balance %s, want untouched", got.Dec())
	}
	if got := f.native(t, recipient); !got.IsZero() {
		t.Fatalf("recipient balance %s, want 0", got.Dec())
	}
	if got := f.native(t, engineAddr); !got.IsZero() {
		t.Fatalf("engine balance %s, want 0", got.Dec())
	}
	if len(f.sink.Records()) != 0 {
		t.Fatal("no records may be published for a reverted batch")
	}
}

func TestSettleBatchRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	batch := append(twoItemBatch(), TransferRequest{AssetType: asset.Type(99), Recipient: recipient, Amount: uint256.NewInt(1)})
	_, err := f.engine.SettleBatch(context.Background(), sender, uint256.NewInt(2*oneCoin), batch)
	if !errors.Is(err, asset.ErrUnsupportedType) || Classify(err) != ClassMisuse {
		t.Fatalf("expected misuse error, got %v", err)
	}
	if _, err := f.engine.SettleBatch(context.Background(), sender, nil, nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestSettleNonFungibleAndSemiFungible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uint256.NewInt(42)
	f.nft.Mint(sender, id)
	f.multi.Mint(sender, id, uint256.NewInt(5))
	_ = f.nft.SetApprovalForAll(ctx, sender, engineAddr, true)
	_ = f.multi.SetApprovalForAll(ctx, sender, engineAddr, true)

	batch := []TransferRequest{
		{AssetType: asset.NonFungible, Recipient: recipient, Token: nftAddr, TokenID: id, Amount: uint256.NewInt(1)},
		{AssetType: asset.SemiFungible, Recipient: recipient, Token: multiAddr, TokenID: id, Amount: uint256.NewInt(3)},
	}
	quote, err := f.engine.PreviewBatch(ctx, batch)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if quote.TotalNativeFees.Uint64() != 2*minimalFee {
		t.Fatalf("quantity transfers should pay the floor each, got %s", quote.TotalNativeFees.Dec())
	}

	if _, err := f.engine.SettleBatch(ctx, sender, quote.TotalNativeRequired, batch); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if owner, _ := f.nft.OwnerOf(ctx, id); owner != recipient {
		t.Fatalf("nft owner = %s", owner.Hex())
	}
	if held, _ := f.multi.BalanceOf(ctx, recipient, id); held.Uint64() != 3 {
		t.Fatalf("recipient holds %s units", held.Dec())
	}

	batch[0].Amount = uint256.NewInt(2)
	if _, err := f.engine.PreviewBatch(ctx, batch); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("nft amount 2 must be rejected, got %v", err)
	}
}

func TestReentrantSettleRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Fund(recipient, uint256.NewInt(oneCoin))

	var inner error
	f.ledger.SetReceiveHook(recipient, func(ctx context.Context, c ledger.Credit) error {
		_, inner = f.engine.Settle(ctx, recipient, uint256.NewInt(oneCoin/2), nativeTip(sender, oneCoin/4))
		return nil
	})

	supplied := uint256.NewInt(oneCoin + oneCoin/100)
	if _, err := f.engine.Settle(ctx, sender, supplied, nativeTip(recipient, oneCoin)); err != nil {
		t.Fatalf("outer settle: %v", err)
	}
	if !errors.Is(inner, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall from the nested call, got %v", inner)
	}
	if got := f.native(t, recipient); got.Uint64() != 2*oneCoin {
		t.Fatalf("recipient balance %s: nested settlement must not run", got.Dec())
	}
	if f.engine.guard.Busy() {
		t.Fatal("guard must be released after the call")
	}
}

func TestReentrancyFailurePropagates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.SetReceiveHook(recipient, func(ctx context.Context, c ledger.Credit) error {
		return f.engine.AddPublicGood(owner, recipient)
	})

	_, err := f.engine.Settle(ctx, sender, uint256.NewInt(oneCoin+oneCoin/100), nativeTip(recipient, oneCoin))
	if Classify(err) != ClassReentrancy {
		t.Fatalf("expected reentrancy class, got %s (%v)", Classify(err), err)
	}
	if f.registry.IsPublicGood(recipient) {
		t.Fatal("nested admin call must not apply")
	}
	if got := f.native(t, sender); got.Uint64() != 10*oneCoin {
		t.Fatalf("sender balance %s, want untouched", got.Dec())
	}

	f.ledger.SetReceiveHook(recipient, nil)
	if _, err := f.engine.Settle(ctx, sender, uint256.NewInt(oneCoin+oneCoin/100), nativeTip(recipient, oneCoin)); err != nil {
		t.Fatalf("guard should be idle after a failed call: %v", err)
	}
}

func TestPublicGoodExemptAndAttested(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.engine.AddPublicGood(owner, charity); err != nil {
		t.Fatalf("add public good: %v", err)
	}
	if err := f.engine.EnableAttestation(owner); err != nil {
		t.Fatalf("enable attestation: %v", err)
	}

	breakdown, err := f.engine.ComputeFee(ctx, uint256.NewInt(oneCoin), asset.Native, charity)
	if err != nil || !breakdown.Fee.IsZero() {
		t.Fatalf("public good fee = %v, err %v", breakdown.Fee, err)
	}

	receipt, err := f.engine.SettleBatch(ctx, sender, uint256.NewInt(2*oneCoin), []TransferRequest{
		nativeTip(charity, oneCoin),
		nativeTip(recipient, oneCoin/2),
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(receipt.Attestations) != 1 {
		t.Fatalf("expected one attestation, got %d", len(receipt.Attestations))
	}
	records := f.attests.Records()
	if len(records) != 1 || records[0].Recipient != charity || records[0].Attester != engineAddr {
		t.Fatalf("unexpected attestations %+v", records)
	}
}

func TestFeeChangeAffectsSubsequentCallsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.engine.Settle(ctx, sender, uint256.NewInt(2*oneCoin), nativeTip(recipient, oneCoin))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := f.engine.SetPercentageFee(owner, fee.NewRatio(20, 1000)); err != nil {
		t.Fatalf("set percentage: %v", err)
	}
	after, err := f.engine.ComputeFee(ctx, uint256.NewInt(oneCoin), asset.Native, recipient)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if after.Fee.Uint64() != oneCoin/50 {
		t.Fatalf("fee after update = %s, want 2%%", after.Fee.Dec())
	}
	if receipt.Records[0].FeeCharged.Uint64() != oneCoin/100 || f.sink.Records()[0].FeeCharged.Uint64() != oneCoin/100 {
		t.Fatal("earlier settlement records must keep their fee")
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	f := newFixture(t)
	deps := Deps{Host: f.ledger, Registry: f.registry, Resolver: f.engine.resolver}

	if _, err := New(Options{Address: engineAddr, SlippageBps: MaxSlippageBps + 1}, deps, zerolog.Nop()); !errors.Is(err, ErrSlippageTooHigh) {
		t.Fatalf("expected ErrSlippageTooHigh, got %v", err)
	}
	if _, err := New(Options{}, deps, zerolog.Nop()); !errors.Is(err, registry.ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
}

func TestSettleUnconvertibleLivePriceUsesFallback(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	// answer 1 at 60 decimals passes the answer checks but overflows on conversion
	resolver, err := pricing.NewResolver(pricing.Options{
		LiveEnabled:        true,
		StalenessThreshold: time.Hour,
		Fallback:           pricing.FallbackPrice{Price: uint256.NewInt(2000), Decimals: 0},
		NativeDecimals:     18,
		Now:                clock,
	}, &oracle.Static{Answer: big.NewInt(1), FeedDecimals: 60, Now: clock}, nil, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	engine, err := New(Options{Address: engineAddr, SlippageBps: 250}, Deps{
		Host:     f.ledger,
		Registry: f.registry,
		Resolver: resolver,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	amount := uint64(1_000_000)
	receipt, err := engine.Settle(context.Background(), sender, uint256.NewInt(amount+minimalFee), nativeTip(recipient, amount))
	if err != nil {
		t.Fatalf("settle should fall back, got %v", err)
	}
	if !receipt.Quote.PriceResolved || receipt.Quote.Price.Reason != pricing.ReasonInvalidAnswer {
		t.Fatalf("expected invalid_answer fallback, got %+v", receipt.Quote.Price)
	}
	if receipt.Quote.Items[0].Fee.Uint64() != minimalFee {
		t.Fatalf("fee = %s, want the fallback floor", receipt.Quote.Items[0].Fee.Dec())
	}
}

func TestSettleCommitsHostJournal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.erc20.Approve(ctx, sender, engineAddr, uint256.NewInt(1_000_000))

	for i := 0; i < 3; i++ {
		if _, err := f.engine.SettleBatch(ctx, sender, uint256.NewInt(2*oneCoin), twoItemBatch()); err != nil {
			t.Fatalf("settle %d: %v", i, err)
		}
		if depth := f.ledger.Snapshot(); depth != 0 {
			t.Fatalf("settle %d left %d journal entries", i, depth)
		}
	}

	before := f.native(t, sender)
	if _, err := f.engine.Settle(ctx, sender, uint256.NewInt(1), nativeTip(recipient, oneCoin)); err == nil {
		t.Fatal("underfunded settle should fail")
	}
	if got := f.native(t, sender); !got.Eq(before) {
		t.Fatalf("sender balance %s after rejected settle, want %s", got.Dec(), before.Dec())
	}
}
