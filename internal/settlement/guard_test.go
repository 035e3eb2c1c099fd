package settlement

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"tip-settlement/internal/asset"
	"tip-settlement/internal/fee"
	"tip-settlement/internal/pricing"
	"tip-settlement/internal/registry"
)

func TestGuardNested(t *testing.T) {
	var g Guard
	release, err := g.Enter()
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := g.Enter(); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", err)
	}
	release()
	release()
	if g.Busy() {
		t.Fatal("guard should be idle")
	}

	release, err = g.Enter()
	if err != nil {
		t.Fatalf("re-enter after release: %v", err)
	}
	release()
}

func TestGuardConcurrent(t *testing.T) {
	var (
		g        Guard
		inside   atomic.Int32
		rejected atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Enter()
			if err != nil {
				rejected.Add(1)
				return
			}
			if inside.Add(1) > 1 {
				t.Error("two callers inside the guard")
			}
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()
	if g.Busy() {
		t.Fatal("guard should be idle after all callers return")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{nil, ClassUnknown},
		{errors.New("boom"), ClassUnknown},
		{fmt.Errorf("wrapped: %w", fee.ErrZeroDenominator), ClassConfiguration},
		{pricing.ErrFallbackNotConfigured, ClassConfiguration},
		{asset.ErrUnsupportedType, ClassMisuse},
		{ErrNativeForInKindFee, ClassMisuse},
		{ErrInsufficientFunds, ClassInsufficiency},
		{ErrFeeTooSmall, ClassInsufficiency},
		{registry.ErrNotAdmin, ClassAuthorization},
		{ErrReentrantCall, ClassReentrancy},
		{fmt.Errorf("%w: %w", asset.ErrTransferFailed, ErrReentrantCall), ClassReentrancy},
		{asset.ErrTransferFailed, ClassExecution},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
