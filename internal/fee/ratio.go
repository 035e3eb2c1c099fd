package fee

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrZeroNumerator   = errors.New("fee: ratio numerator must be greater than zero")
	ErrZeroDenominator = errors.New("fee: ratio denominator must be greater than zero")
	ErrRatioCeiling    = errors.New("fee: ratio exceeds ceiling")
	ErrOverflow        = errors.New("fee: arithmetic overflow")
)

// Ratio is the fraction Numerator/Denominator.
type Ratio struct {
	Numerator   uint64 `mapstructure:"numerator" json:"numerator"`
	Denominator uint64 `mapstructure:"denominator" json:"denominator"`
}

// NewRatio returns num/den without validating it.
func NewRatio(num, den uint64) Ratio {
	return Ratio{Numerator: num, Denominator: den}
}

// Validate rejects zero terms.
func (r Ratio) Validate() error {
	if r.Denominator == 0 {
		return ErrZeroDenominator
	}
	if r.Numerator == 0 {
		return ErrZeroNumerator
	}
	return nil
}

// Apply returns amount * Numerator / Denominator, truncated. The product is
// computed at 512 bits so only a quotient wider than 256 bits overflows.
func (r Ratio) Apply(amount *uint256.Int) (*uint256.Int, error) {
	if r.Denominator == 0 {
		return nil, ErrZeroDenominator
	}
	out, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(r.Numerator), uint256.NewInt(r.Denominator))
	if overflow {
		return nil, fmt.Errorf("%w: %s * %d / %d", ErrOverflow, amount.Dec(), r.Numerator, r.Denominator)
	}
	return out, nil
}

// String formats the ratio as num/den.
func (r Ratio) String() string {
	return fmt.Sprintf("%d/%d", r.Numerator, r.Denominator)
}

// Schedule holds the two administrative fee ratios.
type Schedule struct {
	// MinimalFee is a fraction of one reference currency unit, converted to native.
	MinimalFee Ratio `mapstructure:"minimal_fee" json:"minimalFee"`
	// Percentage is a fraction of the transferred amount.
	Percentage Ratio `mapstructure:"percentage_fee" json:"percentageFee"`
}

// ValidateMinimalFee checks a minimal-fee ratio: non-zero terms and at most one
// reference unit.
func ValidateMinimalFee(r Ratio) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Numerator > r.Denominator {
		return fmt.Errorf("%w: minimal fee %s is above one reference unit", ErrRatioCeiling, r)
	}
	return nil
}

// ValidatePercentage checks a percentage ratio: non-zero terms and strictly below 100%.
func ValidatePercentage(r Ratio) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Numerator >= r.Denominator {
		return fmt.Errorf("%w: percentage fee %s is not below 100%%", ErrRatioCeiling, r)
	}
	return nil
}

// Validate checks both ratios of the schedule.
func (s Schedule) Validate() error {
	if err := ValidateMinimalFee(s.MinimalFee); err != nil {
		return fmt.Errorf("minimal fee: %w", err)
	}
	if err := ValidatePercentage(s.Percentage); err != nil {
		return fmt.Errorf("percentage fee: %w", err)
	}
	return nil
}
