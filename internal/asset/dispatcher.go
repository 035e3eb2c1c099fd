package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidInstruction indicates a transfer instruction that cannot be executed as given.
	ErrInvalidInstruction = errors.New("asset: invalid transfer instruction")
	// ErrTransferFailed wraps any collaborator failure while moving assets.
	ErrTransferFailed = errors.New("asset: transfer failed")
)

// Instruction describes one asset movement. Fee is only consulted for in-kind
// (SupportedFungible) transfers, where it is pulled on top of Amount and retained.
type Instruction struct {
	Type    Type
	From    common.Address
	To      common.Address
	Token   common.Address
	TokenID *uint256.Int
	Amount  *uint256.Int
	Fee     *uint256.Int
}

// Dispatcher executes transfers on behalf of the settlement account.
type Dispatcher struct {
	host   Host
	self   common.Address
	logger zerolog.Logger
}

// NewDispatcher binds a dispatcher to the host and the account that holds fees.
func NewDispatcher(host Host, self common.Address, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		host:   host,
		self:   self,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Transfer moves the asset described by in. Native value is expected to already
// sit in the settlement account.
func (d *Dispatcher) Transfer(ctx context.Context, in Instruction) error {
	if in.Amount == nil {
		return fmt.Errorf("%w: missing amount", ErrInvalidInstruction)
	}

	var err error
	switch in.Type {
	case Native:
		err = d.host.TransferNative(ctx, d.self, in.To, in.Amount)
	case GenericFungible:
		err = d.fungible(ctx, in, nil)
	case SupportedFungible:
		fee := in.Fee
		if fee == nil {
			fee = new(uint256.Int)
		}
		err = d.fungible(ctx, in, fee)
	case NonFungible:
		err = d.nonFungible(ctx, in)
	case SemiFungible:
		err = d.semiFungible(ctx, in)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, in.Type)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidInstruction) {
			return err
		}
		return fmt.Errorf("%w: %s to %s: %w", ErrTransferFailed, in.Type, in.To.Hex(), err)
	}

	d.logger.Debug().
		Str("asset", in.Type.String()).
		Str("to", in.To.Hex()).
		Str("amount", in.Amount.Dec()).
		Msg("asset transferred")
	return nil
}

// fungible pulls amount (+ inKindFee) into the settlement account and forwards
// amount to the recipient. The fee portion stays behind.
func (d *Dispatcher) fungible(ctx context.Context, in Instruction, inKindFee *uint256.Int) error {
	if in.Token == (common.Address{}) {
		return fmt.Errorf("%w: token address required for %s", ErrInvalidInstruction, in.Type)
	}
	token, err := d.host.Fungible(in.Token)
	if err != nil {
		return err
	}

	pull := in.Amount
	if inKindFee != nil && !inKindFee.IsZero() {
		total, overflow := new(uint256.Int).AddOverflow(in.Amount, inKindFee)
		if overflow {
			return fmt.Errorf("%w: amount plus fee overflows", ErrInvalidInstruction)
		}
		pull = total
	}

	if err := token.TransferFrom(ctx, d.self, in.From, d.self, pull); err != nil {
		return fmt.Errorf("pull %s: %w", pull.Dec(), err)
	}
	if err := token.Transfer(ctx, d.self, in.To, in.Amount); err != nil {
		return fmt.Errorf("forward %s: %w", in.Amount.Dec(), err)
	}
	return nil
}

func (d *Dispatcher) nonFungible(ctx context.Context, in Instruction) error {
	if in.TokenID == nil {
		return fmt.Errorf("%w: token id required for %s", ErrInvalidInstruction, in.Type)
	}
	if !in.Amount.Eq(uint256.NewInt(1)) {
		return fmt.Errorf("%w: non-fungible amount must be 1, got %s", ErrInvalidInstruction, in.Amount.Dec())
	}
	token, err := d.host.NonFungible(in.Token)
	if err != nil {
		return err
	}
	return token.SafeTransferFrom(ctx, d.self, in.From, in.To, in.TokenID)
}

func (d *Dispatcher) semiFungible(ctx context.Context, in Instruction) error {
	if in.TokenID == nil {
		return fmt.Errorf("%w: token id required for %s", ErrInvalidInstruction, in.Type)
	}
	token, err := d.host.SemiFungible(in.Token)
	if err != nil {
		return err
	}
	return token.SafeTransferFrom(ctx, d.self, in.From, in.To, in.TokenID, in.Amount, nil)
}
