package settlement

import (
	"errors"

	"tip-settlement/internal/asset"
	"tip-settlement/internal/attest"
	"tip-settlement/internal/fee"
	"tip-settlement/internal/pricing"
	"tip-settlement/internal/registry"
)

var (
	ErrReentrantCall      = errors.New("settlement: reentrant call rejected")
	ErrEmptyBatch         = errors.New("settlement: batch has no requests")
	ErrInvalidRequest     = errors.New("settlement: invalid transfer request")
	ErrTokenNotSupported  = errors.New("settlement: token is not in the supported set")
	ErrNativeForInKindFee = errors.New("settlement: native value attached to an in-kind fee transfer")
	ErrInsufficientFunds  = errors.New("settlement: supplied native value below required amount")
	ErrFeeTooSmall        = errors.New("settlement: fee too small")
	ErrValueNotAttached   = errors.New("settlement: caller cannot cover attached value")
	ErrSlippageTooHigh    = errors.New("settlement: slippage tolerance above ceiling")
)

// Class groups errors by how a caller should react to them.
type Class int

const (
	ClassUnknown Class = iota
	ClassConfiguration
	ClassMisuse
	ClassInsufficiency
	ClassAuthorization
	ClassReentrancy
	ClassExecution
)

// String returns the class name used in logs.
func (c Class) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassMisuse:
		return "misuse"
	case ClassInsufficiency:
		return "insufficiency"
	case ClassAuthorization:
		return "authorization"
	case ClassReentrancy:
		return "reentrancy"
	case ClassExecution:
		return "execution"
	default:
		return "unknown"
	}
}

// classes is checked in order; the first match wins, so a transfer failure
// caused by a rejected re-entry classifies as reentrancy.
var classes = []struct {
	class    Class
	sentinel []error
}{
	{ClassReentrancy, []error{ErrReentrantCall}},
	{ClassAuthorization, []error{registry.ErrNotOwner, registry.ErrNotAdmin}},
	{ClassInsufficiency, []error{ErrInsufficientFunds, ErrFeeTooSmall, ErrValueNotAttached}},
	{ClassConfiguration, []error{
		pricing.ErrFallbackNotConfigured, pricing.ErrNoLiveFeed,
		fee.ErrZeroNumerator, fee.ErrZeroDenominator, fee.ErrRatioCeiling,
		attest.ErrNotConfigured, ErrSlippageTooHigh,
	}},
	{ClassMisuse, []error{
		asset.ErrUnsupportedType, asset.ErrInvalidInstruction,
		ErrEmptyBatch, ErrInvalidRequest, ErrTokenNotSupported, ErrNativeForInKindFee,
		registry.ErrZeroAddress,
	}},
	{ClassExecution, []error{asset.ErrTransferFailed, fee.ErrOverflow}},
}

// Classify maps err onto its Class. nil maps to ClassUnknown.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	for _, c := range classes {
		for _, s := range c.sentinel {
			if errors.Is(err, s) {
				return c.class
			}
		}
	}
	return ClassUnknown
}
