// Package pricing turns oracle data into a native-currency price for one unit of
// the reference currency, falling back to a configured constant whenever the
// live path cannot be trusted.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrFallbackNotConfigured is a fatal configuration error: there is no price
	// to degrade to.
	ErrFallbackNotConfigured = errors.New("pricing: fallback price not configured")
	// ErrNoLiveFeed is returned when live pricing is enabled without a price feed.
	ErrNoLiveFeed = errors.New("pricing: live pricing enabled without a price feed")
	// ErrZeroPrice guards the conversion divisor.
	ErrZeroPrice = errors.New("pricing: price must be greater than zero")
	// ErrDecimalsOutOfRange is returned when 10^decimals does not fit 256 bits.
	ErrDecimalsOutOfRange = errors.New("pricing: decimals out of range")
)

// Round is one oracle answer in Chainlink aggregator form.
type Round struct {
	RoundID   *big.Int
	Answer    *big.Int
	StartedAt time.Time
	UpdatedAt time.Time
}

// PriceFeed is the primary oracle: reference-unit price in native currency terms.
type PriceFeed interface {
	LatestRoundData(ctx context.Context) (Round, error)
	Decimals(ctx context.Context) (uint8, error)
}

// SequencerFeed reports L2 sequencer uptime. A non-zero answer means down;
// StartedAt is when the current status began.
type SequencerFeed interface {
	LatestRoundData(ctx context.Context) (Round, error)
}

// PriceQuote is a usable price: Price / 10^Decimals reference units per native unit.
type PriceQuote struct {
	Price     *uint256.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// FallbackPrice is the constant used whenever live data is judged unreliable.
type FallbackPrice struct {
	Price    *uint256.Int
	Decimals uint8
}

// Quote returns the fallback as a PriceQuote without a timestamp.
func (f FallbackPrice) Quote() PriceQuote {
	return PriceQuote{Price: f.Price, Decimals: f.Decimals}
}

// Validate rejects a missing or zero fallback price.
func (f FallbackPrice) Validate() error {
	if f.Price == nil || f.Price.IsZero() {
		return ErrFallbackNotConfigured
	}
	return nil
}

// ParseFallback reads a human-readable price such as "2450.75" and scales it to
// decimals places, truncating any extra precision.
func ParseFallback(price string, decimals uint8) (FallbackPrice, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return FallbackPrice{}, fmt.Errorf("parse fallback price %q: %w", price, err)
	}
	if !d.IsPositive() {
		return FallbackPrice{}, ErrFallbackNotConfigured
	}
	raw, overflow := uint256.FromBig(d.Shift(int32(decimals)).Truncate(0).BigInt())
	if overflow {
		return FallbackPrice{}, fmt.Errorf("pricing: fallback price %q overflows 256 bits", price)
	}
	fb := FallbackPrice{Price: raw, Decimals: decimals}
	return fb, fb.Validate()
}

// SequencerStatus is the decoded sequencer feed answer.
type SequencerStatus struct {
	Down    bool
	UpSince time.Time
}

// StatusFromRound decodes a sequencer feed round.
func StatusFromRound(r Round) SequencerStatus {
	down := r.Answer != nil && r.Answer.Sign() != 0
	return SequencerStatus{Down: down, UpSince: r.StartedAt}
}

// NativePerReferenceUnit converts a quote into native smallest units per one
// reference unit: nativeScale * 10^decimals / price, truncated.
func NativePerReferenceUnit(q PriceQuote, nativeScale *uint256.Int) (*uint256.Int, error) {
	if q.Price == nil || q.Price.IsZero() {
		return nil, ErrZeroPrice
	}
	if q.Decimals > 77 {
		return nil, fmt.Errorf("%w: %d", ErrDecimalsOutOfRange, q.Decimals)
	}
	pow := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(q.Decimals)))
	out, overflow := new(uint256.Int).MulDivOverflow(nativeScale, pow, q.Price)
	if overflow {
		return nil, fmt.Errorf("pricing: native per reference unit overflows 256 bits")
	}
	return out, nil
}

// NativeScale returns 10^decimals, the number of smallest units in one native coin.
func NativeScale(decimals uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
}

// Decimal returns the quote as a human-readable price.
func (q PriceQuote) Decimal() decimal.Decimal {
	if q.Price == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(q.Price.ToBig(), -int32(q.Decimals))
}

// ToUnits renders an amount of smallest units as whole units with the given decimals.
func ToUnits(amount *uint256.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals))
}
