// Package registry holds the administrative configuration of a settlement
// engine: roles, the fee schedule, the public-good exemption set and the set of
// tokens whose fee is taken in kind.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"tip-settlement/internal/fee"
)

var (
	ErrNotOwner    = errors.New("registry: caller is not the owner")
	ErrNotAdmin    = errors.New("registry: caller is not an admin")
	ErrZeroAddress = errors.New("registry: zero address")
)

// Registry is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	owner       common.Address
	admins      map[common.Address]struct{}
	publicGoods map[common.Address]struct{}
	supported   map[common.Address]struct{}
	schedule    fee.Schedule
}

// State is a point-in-time copy of the registry.
type State struct {
	Owner           common.Address   `json:"owner"`
	Admins          []common.Address `json:"admins"`
	PublicGoods     []common.Address `json:"publicGoods"`
	SupportedTokens []common.Address `json:"supportedTokens"`
	Schedule        fee.Schedule     `json:"schedule"`
}

// New creates a registry owned by owner with a validated initial schedule.
func New(owner common.Address, schedule fee.Schedule) (*Registry, error) {
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("owner: %w", ErrZeroAddress)
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		owner:       owner,
		admins:      make(map[common.Address]struct{}),
		publicGoods: make(map[common.Address]struct{}),
		supported:   make(map[common.Address]struct{}),
		schedule:    schedule,
	}, nil
}

// RequireOwner returns ErrNotOwner unless caller owns the registry.
func (r *Registry) RequireOwner(caller common.Address) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requireOwner(caller)
}

// RequireAdmin returns ErrNotAdmin unless caller is an admin or the owner.
func (r *Registry) RequireAdmin(caller common.Address) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requireAdmin(caller)
}

func (r *Registry) requireOwner(caller common.Address) error {
	if caller != r.owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	return nil
}

func (r *Registry) requireAdmin(caller common.Address) error {
	if caller == r.owner {
		return nil
	}
	if _, ok := r.admins[caller]; !ok {
		return fmt.Errorf("%w: %s", ErrNotAdmin, caller.Hex())
	}
	return nil
}

// Owner returns the current owner.
func (r *Registry) Owner() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

// TransferOwnership hands the owner role to next.
func (r *Registry) TransferOwnership(caller, next common.Address) error {
	return r.ownerWrite(caller, next, func() { r.owner = next })
}

// AddAdmin grants the admin role.
func (r *Registry) AddAdmin(caller, admin common.Address) error {
	return r.ownerWrite(caller, admin, func() { r.admins[admin] = struct{}{} })
}

// RemoveAdmin revokes the admin role.
func (r *Registry) RemoveAdmin(caller, admin common.Address) error {
	return r.ownerWrite(caller, admin, func() { delete(r.admins, admin) })
}

// IsAdmin reports whether addr holds the admin role, explicitly or as owner.
func (r *Registry) IsAdmin(addr common.Address) bool {
	return r.RequireAdmin(addr) == nil
}

// Schedule returns the current fee schedule.
func (r *Registry) Schedule() fee.Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schedule
}

// SetMinimalFee replaces the minimal fee ratio. It affects subsequent calls only.
func (r *Registry) SetMinimalFee(caller common.Address, ratio fee.Ratio) error {
	if err := fee.ValidateMinimalFee(ratio); err != nil {
		return err
	}
	return r.adminWrite(caller, func() { r.schedule.MinimalFee = ratio })
}

// SetPercentageFee replaces the percentage fee ratio. It affects subsequent calls only.
func (r *Registry) SetPercentageFee(caller common.Address, ratio fee.Ratio) error {
	if err := fee.ValidatePercentage(ratio); err != nil {
		return err
	}
	return r.adminWrite(caller, func() { r.schedule.Percentage = ratio })
}

// AddPublicGood exempts recipient from fees.
func (r *Registry) AddPublicGood(caller, recipient common.Address) error {
	return r.adminSetWrite(caller, recipient, func() { r.publicGoods[recipient] = struct{}{} })
}

// RemovePublicGood ends a fee exemption.
func (r *Registry) RemovePublicGood(caller, recipient common.Address) error {
	return r.adminSetWrite(caller, recipient, func() { delete(r.publicGoods, recipient) })
}

// IsPublicGood reports whether transfers to recipient are fee exempt.
func (r *Registry) IsPublicGood(recipient common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.publicGoods[recipient]
	return ok
}

// AddSupportedToken allows token to be settled with an in-kind fee.
func (r *Registry) AddSupportedToken(caller, token common.Address) error {
	return r.adminSetWrite(caller, token, func() { r.supported[token] = struct{}{} })
}

// RemoveSupportedToken withdraws in-kind support for token.
func (r *Registry) RemoveSupportedToken(caller, token common.Address) error {
	return r.adminSetWrite(caller, token, func() { delete(r.supported, token) })
}

// IsSupportedToken reports whether token may be settled with an in-kind fee.
func (r *Registry) IsSupportedToken(token common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.supported[token]
	return ok
}

// Snapshot copies the registry state with deterministic ordering.
func (r *Registry) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return State{
		Owner:           r.owner,
		Admins:          sortedKeys(r.admins),
		PublicGoods:     sortedKeys(r.publicGoods),
		SupportedTokens: sortedKeys(r.supported),
		Schedule:        r.schedule,
	}
}

func (r *Registry) ownerWrite(caller, target common.Address, apply func()) error {
	if target == (common.Address{}) {
		return ErrZeroAddress
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	apply()
	return nil
}

func (r *Registry) adminSetWrite(caller, target common.Address, apply func()) error {
	if target == (common.Address{}) {
		return ErrZeroAddress
	}
	return r.adminWrite(caller, apply)
}

func (r *Registry) adminWrite(caller common.Address, apply func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	apply()
	return nil
}

func sortedKeys(set map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
