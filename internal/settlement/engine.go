// Package settlement executes single and batched multi-asset transfers: it
// prices every item, reconciles the attached native value against the
// aggregate requirement and then dispatches the transfers atomically.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"tip-settlement/internal/asset"
	"tip-settlement/internal/attest"
	"tip-settlement/internal/fee"
	"tip-settlement/internal/metrics"
	"tip-settlement/internal/pricing"
	"tip-settlement/internal/registry"
)

// MaxSlippageBps caps the configurable fee slippage tolerance at 10%.
const MaxSlippageBps = 1_000

const bpsDenominator = 10_000

// StateHost is an asset.Host whose writes can be rolled back until committed.
type StateHost interface {
	asset.Host
	Snapshot() int
	RevertToSnapshot(id int)
	Commit()
}

// Options parameterise an Engine.
type Options struct {
	// Address is the account that receives attached value and retains fees.
	Address common.Address
	// SlippageBps is the share of native fees, in basis points, a caller may
	// underpay without the settlement being rejected.
	SlippageBps uint64
}

// Deps are the collaborators of an Engine. Sink, Attestation and Metrics are optional.
type Deps struct {
	Host        StateHost
	Registry    *registry.Registry
	Resolver    *pricing.Resolver
	Attestation *attest.Hook
	Sink        EventSink
	Metrics     metrics.Recorder
	Now         func() time.Time
}

// Engine is the settlement entry point. Every state-mutating method runs under
// the engine's Guard.
type Engine struct {
	opts        Options
	host        StateHost
	registry    *registry.Registry
	resolver    *pricing.Resolver
	calc        *fee.Calculator
	dispatcher  *asset.Dispatcher
	attestation *attest.Hook
	sink        EventSink
	metrics     metrics.Recorder
	now         func() time.Time
	logger      zerolog.Logger
	guard       Guard
}

// New validates opts and wires an Engine.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if opts.Address == (common.Address{}) {
		return nil, fmt.Errorf("engine address: %w", registry.ErrZeroAddress)
	}
	if opts.SlippageBps > MaxSlippageBps {
		return nil, fmt.Errorf("%w: %d bps (max %d)", ErrSlippageTooHigh, opts.SlippageBps, MaxSlippageBps)
	}
	if deps.Host == nil || deps.Registry == nil || deps.Resolver == nil {
		return nil, errors.New("settlement: host, registry and resolver are required")
	}

	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		opts:        opts,
		host:        deps.Host,
		registry:    deps.Registry,
		resolver:    deps.Resolver,
		calc:        fee.NewCalculator(logger),
		dispatcher:  asset.NewDispatcher(deps.Host, opts.Address, logger),
		attestation: deps.Attestation,
		sink:        deps.Sink,
		metrics:     rec,
		now:         now,
		logger:      logger.With().Str("component", "settlement_engine").Logger(),
	}, nil
}

// Address returns the engine account.
func (e *Engine) Address() common.Address {
	return e.opts.Address
}

// Registry exposes the engine's configuration for read-only queries.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// ComputeFee returns the fee a transfer of amount to recipient would pay now.
func (e *Engine) ComputeFee(ctx context.Context, amount *uint256.Int, assetType asset.Type, recipient common.Address) (fee.Breakdown, error) {
	return e.calc.Compute(ctx, e.registry.Schedule(), fee.Input{
		Amount:    amount,
		AssetType: assetType,
		Exempt:    e.registry.IsPublicGood(recipient),
	}, e.resolver)
}

// PreviewBatch prices requests without executing them so callers can attach
// the exact native value.
func (e *Engine) PreviewBatch(ctx context.Context, requests []TransferRequest) (BatchQuote, error) {
	return e.quote(ctx, requests)
}

// Settle executes a single transfer. Besides the batch checks it rejects
// native value attached to an in-kind fee transfer and reports ErrFeeTooSmall
// when supplied is below the amount plus the minimal fee.
func (e *Engine) Settle(ctx context.Context, caller common.Address, supplied *uint256.Int, req TransferRequest) (*Receipt, error) {
	return e.settle(ctx, caller, supplied, []TransferRequest{req}, true)
}

// SettleBatch executes requests atomically: either every transfer happens or
// none does.
func (e *Engine) SettleBatch(ctx context.Context, caller common.Address, supplied *uint256.Int, requests []TransferRequest) (*Receipt, error) {
	return e.settle(ctx, caller, supplied, requests, false)
}

func (e *Engine) settle(ctx context.Context, caller common.Address, supplied *uint256.Int, requests []TransferRequest, single bool) (receipt *Receipt, err error) {
	release, err := e.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	start := e.now()
	defer func() {
		outcome := "committed"
		if err != nil {
			outcome = Classify(err).String()
		}
		e.metrics.IncCounter(metrics.EventSettlement, map[string]string{"outcome": outcome})
		e.metrics.ObserveLatency(metrics.OperationSettleBatch, e.now().Sub(start), map[string]string{"outcome": outcome})
	}()

	if supplied == nil {
		supplied = new(uint256.Int)
	}

	quote, err := e.quote(ctx, requests)
	if err != nil {
		return nil, err
	}

	if single {
		if err := checkSingle(quote.Items[0], supplied); err != nil {
			return nil, err
		}
	}
	if supplied.Lt(quote.MinimumAccepted) {
		return nil, fmt.Errorf("%w: supplied %s, minimum %s (required %s)",
			ErrInsufficientFunds, supplied.Dec(), quote.MinimumAccepted.Dec(), quote.TotalNativeRequired.Dec())
	}

	if err := e.execute(ctx, caller, supplied, requests, quote); err != nil {
		return nil, err
	}

	receipt = e.commit(ctx, caller, supplied, requests, quote)
	e.logger.Info().
		Str("batch_id", receipt.BatchID.String()).
		Str("caller", caller.Hex()).
		Int("items", len(requests)).
		Str("supplied", supplied.Dec()).
		Str("required", quote.TotalNativeRequired.Dec()).
		Bool("live_price", quote.Price.Live).
		Msg("settlement committed")
	return receipt, nil
}

func checkSingle(item Outcome, supplied *uint256.Int) error {
	if item.InKind && !supplied.IsZero() {
		return fmt.Errorf("%w: %s attached", ErrNativeForInKindFee, supplied.Dec())
	}
	if item.MinimalFee == nil {
		return nil
	}
	floor := new(uint256.Int).Set(item.MinimalFee)
	if item.AssetType == asset.Native {
		if _, overflow := floor.AddOverflow(floor, item.Amount); overflow {
			return fmt.Errorf("%w: native requirement", fee.ErrOverflow)
		}
	}
	if supplied.Lt(floor) {
		return fmt.Errorf("%w: supplied %s, floor %s", ErrFeeTooSmall, supplied.Dec(), floor.Dec())
	}
	return nil
}

// quote validates and prices every request in input order. One price
// resolution serves the whole batch.
func (e *Engine) quote(ctx context.Context, requests []TransferRequest) (BatchQuote, error) {
	if len(requests) == 0 {
		return BatchQuote{}, ErrEmptyBatch
	}

	schedule := e.registry.Schedule()
	prices := e.resolver.Memo()
	q := BatchQuote{
		Items:             make([]Outcome, 0, len(requests)),
		TotalNativeAmount: new(uint256.Int),
		TotalNativeFees:   new(uint256.Int),
		SlippageBps:       e.opts.SlippageBps,
	}

	for i, req := range requests {
		if err := req.validate(); err != nil {
			return BatchQuote{}, fmt.Errorf("item %d: %w", i, err)
		}
		if req.AssetType == asset.SupportedFungible && !e.registry.IsSupportedToken(req.Token) {
			return BatchQuote{}, fmt.Errorf("item %d: %w: %s", i, ErrTokenNotSupported, req.Token.Hex())
		}

		breakdown, err := e.calc.Compute(ctx, schedule, fee.Input{
			Amount:    req.Amount,
			AssetType: req.AssetType,
			Exempt:    e.registry.IsPublicGood(req.Recipient),
		}, prices)
		if err != nil {
			return BatchQuote{}, fmt.Errorf("item %d: %w", i, err)
		}

		item := Outcome{
			Index:          i,
			AssetType:      req.AssetType,
			Recipient:      req.Recipient,
			Amount:         req.Amount.Clone(),
			Fee:            breakdown.Fee,
			NativeRequired: new(uint256.Int),
			InKind:         breakdown.InKind,
			Exempt:         breakdown.Exempt,
		}
		if breakdown.NativeDenominated() {
			item.MinimalFee = breakdown.MinimalFee
			item.NativeRequired.Set(breakdown.Fee)
			if err := accumulate(q.TotalNativeFees, breakdown.Fee); err != nil {
				return BatchQuote{}, err
			}
		}
		if req.AssetType == asset.Native {
			if err := accumulate(item.NativeRequired, req.Amount); err != nil {
				return BatchQuote{}, err
			}
			if err := accumulate(q.TotalNativeAmount, req.Amount); err != nil {
				return BatchQuote{}, err
			}
		}
		q.Items = append(q.Items, item)
	}

	q.TotalNativeRequired = new(uint256.Int)
	if _, overflow := q.TotalNativeRequired.AddOverflow(q.TotalNativeAmount, q.TotalNativeFees); overflow {
		return BatchQuote{}, fmt.Errorf("%w: total native requirement", fee.ErrOverflow)
	}
	tolerance, _ := new(uint256.Int).MulDivOverflow(q.TotalNativeFees, uint256.NewInt(q.SlippageBps), uint256.NewInt(bpsDenominator))
	q.MinimumAccepted = new(uint256.Int).Sub(q.TotalNativeRequired, tolerance)
	q.Price, q.PriceResolved = prices.Resolution()
	return q, nil
}

func accumulate(total, v *uint256.Int) error {
	if _, overflow := total.AddOverflow(total, v); overflow {
		return fmt.Errorf("%w: running total", fee.ErrOverflow)
	}
	return nil
}

// execute pulls the attached value and runs every transfer; on any failure the
// host is rolled back to its state before the call, on success it is committed.
func (e *Engine) execute(ctx context.Context, caller common.Address, supplied *uint256.Int, requests []TransferRequest, q BatchQuote) error {
	snap := e.host.Snapshot()
	fail := func(err error) error {
		e.host.RevertToSnapshot(snap)
		return err
	}

	if !supplied.IsZero() {
		if err := e.host.TransferNative(ctx, caller, e.opts.Address, supplied); err != nil {
			return fail(fmt.Errorf("%w: %w", ErrValueNotAttached, err))
		}
	}

	for i, req := range requests {
		in := asset.Instruction{
			Type:    req.AssetType,
			From:    caller,
			To:      req.Recipient,
			Token:   req.Token,
			TokenID: req.TokenID,
			Amount:  req.Amount,
		}
		if q.Items[i].InKind {
			in.Fee = q.Items[i].Fee
		}
		if err := e.dispatcher.Transfer(ctx, in); err != nil {
			e.logger.Warn().Err(err).Int("index", i).Msg("transfer failed, reverting settlement")
			return fail(fmt.Errorf("item %d: %w", i, err))
		}
	}
	e.host.Commit()
	return nil
}

// commit builds the receipt and runs the post-commit side effects. Sink and
// attestation failures are logged; the transfers already happened.
func (e *Engine) commit(ctx context.Context, caller common.Address, supplied *uint256.Int, requests []TransferRequest, q BatchQuote) *Receipt {
	batchID := uuid.New()
	createdAt := e.now().UTC()

	receipt := &Receipt{
		BatchID:  batchID,
		Quote:    q,
		Supplied: supplied.Clone(),
		Excess:   new(uint256.Int),
		Records:  make([]TransferRecord, 0, len(requests)),
	}
	if supplied.Gt(q.TotalNativeRequired) {
		receipt.Excess.Sub(supplied, q.TotalNativeRequired)
	}

	for i, req := range requests {
		var tokenID *uint256.Int
		if req.TokenID != nil {
			tokenID = req.TokenID.Clone()
		}
		receipt.Records = append(receipt.Records, TransferRecord{
			ID:         uuid.New(),
			BatchID:    batchID,
			Index:      i,
			Sender:     caller,
			Recipient:  req.Recipient,
			AssetType:  req.AssetType,
			Token:      req.Token,
			TokenID:    tokenID,
			Amount:     req.Amount.Clone(),
			FeeCharged: q.Items[i].Fee.Clone(),
			FeeInKind:  q.Items[i].InKind,
			Message:    req.Message,
			CreatedAt:  createdAt,
		})
	}

	if e.sink != nil {
		if err := e.sink.Publish(ctx, receipt.Records); err != nil {
			e.logger.Error().Err(err).Str("batch_id", batchID.String()).Msg("failed to publish transfer records")
		}
	}

	if e.attestation != nil {
		for i, item := range q.Items {
			if !item.Exempt {
				continue
			}
			if id, ok := e.attestation.Attest(ctx, requests[i].Recipient); ok {
				receipt.Attestations = append(receipt.Attestations, id)
			}
		}
	}
	return receipt
}
