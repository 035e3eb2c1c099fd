package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tip-settlement/internal/asset"
	"tip-settlement/internal/attest"
	"tip-settlement/internal/fee"
	"tip-settlement/internal/registry"
)

// guarded runs fn under the reentrancy guard and logs successful admin changes.
func (e *Engine) guarded(action string, caller common.Address, fn func() error) error {
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := fn(); err != nil {
		return err
	}
	e.logger.Info().Str("action", action).Str("caller", caller.Hex()).Msg("admin change applied")
	return nil
}

// SetMinimalFee replaces the minimal fee ratio. Owner or admin only.
func (e *Engine) SetMinimalFee(caller common.Address, ratio fee.Ratio) error {
	return e.guarded("set_minimal_fee", caller, func() error { return e.registry.SetMinimalFee(caller, ratio) })
}

// SetPercentageFee replaces the percentage fee ratio. Owner or admin only.
func (e *Engine) SetPercentageFee(caller common.Address, ratio fee.Ratio) error {
	return e.guarded("set_percentage_fee", caller, func() error { return e.registry.SetPercentageFee(caller, ratio) })
}

// AddAdmin grants the admin role. Owner only.
func (e *Engine) AddAdmin(caller, admin common.Address) error {
	return e.guarded("add_admin", caller, func() error { return e.registry.AddAdmin(caller, admin) })
}

// RemoveAdmin revokes the admin role. Owner only.
func (e *Engine) RemoveAdmin(caller, admin common.Address) error {
	return e.guarded("remove_admin", caller, func() error { return e.registry.RemoveAdmin(caller, admin) })
}

// TransferOwnership hands the owner role to next.
func (e *Engine) TransferOwnership(caller, next common.Address) error {
	return e.guarded("transfer_ownership", caller, func() error { return e.registry.TransferOwnership(caller, next) })
}

// AddPublicGood exempts recipient from fees and enables attestation for it.
func (e *Engine) AddPublicGood(caller, recipient common.Address) error {
	return e.guarded("add_public_good", caller, func() error { return e.registry.AddPublicGood(caller, recipient) })
}

// RemovePublicGood makes recipient pay fees again.
func (e *Engine) RemovePublicGood(caller, recipient common.Address) error {
	return e.guarded("remove_public_good", caller, func() error { return e.registry.RemovePublicGood(caller, recipient) })
}

// AddSupportedToken lets token pay its fee in kind.
func (e *Engine) AddSupportedToken(caller, token common.Address) error {
	return e.guarded("add_supported_token", caller, func() error { return e.registry.AddSupportedToken(caller, token) })
}

// RemoveSupportedToken removes token from the in-kind set.
func (e *Engine) RemoveSupportedToken(caller, token common.Address) error {
	return e.guarded("remove_supported_token", caller, func() error { return e.registry.RemoveSupportedToken(caller, token) })
}

// EnableOracle switches fee pricing to the live feed. It fails with
// pricing.ErrNoLiveFeed when no feed is configured.
func (e *Engine) EnableOracle(caller common.Address) error {
	return e.guarded("enable_oracle", caller, func() error {
		if err := e.registry.RequireOwner(caller); err != nil {
			return err
		}
		return e.resolver.SetLiveEnabled(true)
	})
}

// DisableOracle pins fee pricing to the fallback price.
func (e *Engine) DisableOracle(caller common.Address) error {
	return e.guarded("disable_oracle", caller, func() error {
		if err := e.registry.RequireOwner(caller); err != nil {
			return err
		}
		return e.resolver.SetLiveEnabled(false)
	})
}

// EnableAttestation starts attesting transfers to public goods.
func (e *Engine) EnableAttestation(caller common.Address) error {
	return e.guarded("enable_attestation", caller, func() error {
		if err := e.registry.RequireOwner(caller); err != nil {
			return err
		}
		if e.attestation == nil {
			return attest.ErrNotConfigured
		}
		return e.attestation.Enable()
	})
}

// DisableAttestation stops attesting transfers to public goods.
func (e *Engine) DisableAttestation(caller common.Address) error {
	return e.guarded("disable_attestation", caller, func() error {
		if err := e.registry.RequireOwner(caller); err != nil {
			return err
		}
		if e.attestation != nil {
			e.attestation.Disable()
		}
		return nil
	})
}

// WithdrawNative sends retained native value to the given address.
func (e *Engine) WithdrawNative(ctx context.Context, caller, to common.Address, amount *uint256.Int) error {
	return e.guarded("withdraw_native", caller, func() error {
		if err := e.checkWithdrawal(caller, to, amount); err != nil {
			return err
		}
		if err := e.host.TransferNative(ctx, e.opts.Address, to, amount); err != nil {
			return fmt.Errorf("%w: withdraw %s native: %w", asset.ErrTransferFailed, amount.Dec(), err)
		}
		return nil
	})
}

// WithdrawToken sends retained in-kind fees of token to the given address.
func (e *Engine) WithdrawToken(ctx context.Context, caller, token, to common.Address, amount *uint256.Int) error {
	return e.guarded("withdraw_token", caller, func() error {
		if err := e.checkWithdrawal(caller, to, amount); err != nil {
			return err
		}
		erc20, err := e.host.Fungible(token)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if err := erc20.Transfer(ctx, e.opts.Address, to, amount); err != nil {
			return fmt.Errorf("%w: withdraw %s of %s: %w", asset.ErrTransferFailed, amount.Dec(), token.Hex(), err)
		}
		return nil
	})
}

func (e *Engine) checkWithdrawal(caller, to common.Address, amount *uint256.Int) error {
	if err := e.registry.RequireOwner(caller); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return registry.ErrZeroAddress
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: withdrawal amount must be greater than zero", ErrInvalidRequest)
	}
	return nil
}
