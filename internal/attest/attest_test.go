package attest

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	engine    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type failingRegistry struct{}

func (failingRegistry) Attest(context.Context, common.Address, common.Address, common.Hash) (common.Hash, error) {
	return common.Hash{}, errors.New("registry paused")
}

func TestHookDisabledByDefault(t *testing.T) {
	reg := NewMemoryRegistry()
	hook := NewHook(reg, SchemaID("tip"), engine, zerolog.Nop(), nil)

	if _, ok := hook.Attest(context.Background(), recipient); ok {
		t.Fatal("disabled hook must not attest")
	}
	if len(reg.Records()) != 0 {
		t.Fatal("registry should be untouched")
	}
}

func TestHookRecords(t *testing.T) {
	reg := NewMemoryRegistry()
	hook := NewHook(reg, SchemaID("tip"), engine, zerolog.Nop(), nil)
	if err := hook.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}

	first, ok := hook.Attest(context.Background(), recipient)
	if !ok {
		t.Fatal("expected attestation")
	}
	second, _ := hook.Attest(context.Background(), recipient)
	if first == second {
		t.Fatal("attestation ids must be unique")
	}

	records := reg.Records()
	if len(records) != 2 || records[0].ID != first || records[0].Attester != engine || records[0].Schema != SchemaID("tip") {
		t.Fatalf("unexpected records %+v", records)
	}

	hook.Disable()
	if hook.Enabled() {
		t.Fatal("hook should be disabled")
	}
}

func TestHookEnableRequiresConfig(t *testing.T) {
	if err := NewHook(nil, SchemaID("tip"), engine, zerolog.Nop(), nil).Enable(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := NewHook(NewMemoryRegistry(), common.Hash{}, engine, zerolog.Nop(), nil).Enable(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for zero schema, got %v", err)
	}
}

func TestHookSwallowsRegistryErrors(t *testing.T) {
	hook := NewHook(failingRegistry{}, SchemaID("tip"), engine, zerolog.Nop(), nil)
	_ = hook.Enable()
	if _, ok := hook.Attest(context.Background(), recipient); ok {
		t.Fatal("failed attestation should report false")
	}
}
