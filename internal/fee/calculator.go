package fee

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"tip-settlement/internal/asset"
)

// PriceSource converts one reference currency unit into native smallest units.
type PriceSource interface {
	NativePerReferenceUnit(ctx context.Context) (*uint256.Int, error)
}

// Input is the per-transfer data the fee depends on.
type Input struct {
	Amount    *uint256.Int
	AssetType asset.Type
	// Exempt is true when the recipient is a public good.
	Exempt bool
}

// Breakdown explains how a fee was derived.
type Breakdown struct {
	Fee *uint256.Int
	// InKind fees are denominated in the transferred token, otherwise in native currency.
	InKind         bool
	Exempt         bool
	MinimalFee     *uint256.Int
	PercentagePart *uint256.Int
}

// NativeDenominated reports whether the fee has to be covered by attached native value.
func (b Breakdown) NativeDenominated() bool {
	return !b.InKind && !b.Exempt
}

// Calculator derives protocol fees.
type Calculator struct {
	logger zerolog.Logger
}

// NewCalculator constructs a Calculator.
func NewCalculator(logger zerolog.Logger) *Calculator {
	return &Calculator{logger: logger.With().Str("component", "fee_calculator").Logger()}
}

// Compute returns the fee owed for in under schedule. Prices are only consulted
// for native-denominated fees.
func (c *Calculator) Compute(ctx context.Context, schedule Schedule, in Input, prices PriceSource) (Breakdown, error) {
	if !in.AssetType.Valid() {
		return Breakdown{}, fmt.Errorf("%w: %s", asset.ErrUnsupportedType, in.AssetType)
	}
	if in.Amount == nil {
		return Breakdown{}, fmt.Errorf("fee: amount is required")
	}

	if in.Exempt {
		return Breakdown{
			Fee:    new(uint256.Int),
			InKind: in.AssetType.FeeInKind(),
			Exempt: true,
		}, nil
	}

	percentagePart, err := schedule.Percentage.Apply(in.Amount)
	if err != nil {
		return Breakdown{}, err
	}

	switch in.AssetType {
	case asset.SupportedFungible:
		return Breakdown{
			Fee:            percentagePart,
			InKind:         true,
			PercentagePart: percentagePart,
		}, nil
	case asset.Native, asset.GenericFungible, asset.NonFungible, asset.SemiFungible:
		// quantity-denominated kinds use the same formula; the floor dominates there
	default:
		return Breakdown{}, fmt.Errorf("%w: %s", asset.ErrUnsupportedType, in.AssetType)
	}

	minimalFee, err := c.MinimalFee(ctx, schedule, prices)
	if err != nil {
		return Breakdown{}, err
	}

	fee := percentagePart
	if minimalFee.Gt(percentagePart) {
		fee = minimalFee
	}

	c.logger.Debug().
		Str("asset", in.AssetType.String()).
		Str("amount", in.Amount.Dec()).
		Str("minimal_fee", minimalFee.Dec()).
		Str("percentage_part", percentagePart.Dec()).
		Msg("fee computed")

	return Breakdown{
		Fee:            fee.Clone(),
		MinimalFee:     minimalFee,
		PercentagePart: percentagePart,
	}, nil
}

// MinimalFee returns the native-denominated floor: the reference-unit price scaled
// by the minimal fee ratio.
func (c *Calculator) MinimalFee(ctx context.Context, schedule Schedule, prices PriceSource) (*uint256.Int, error) {
	if prices == nil {
		return nil, fmt.Errorf("fee: price source not configured")
	}
	perUnit, err := prices.NativePerReferenceUnit(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve price: %w", err)
	}
	return schedule.MinimalFee.Apply(perUnit)
}
