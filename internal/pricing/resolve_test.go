package pricing

import (
	"math/big"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	return Policy{
		LiveEnabled:        true,
		SequencerRequired:  true,
		GracePeriod:        time.Hour,
		StalenessThreshold: 25 * time.Hour,
		Fallback:           FallbackPrice{Price: uint256.NewInt(3000_00000000), Decimals: 8},
	}
}

func liveRound(answer int64, updated time.Time) *Round {
	return &Round{RoundID: big.NewInt(1), Answer: big.NewInt(answer), StartedAt: updated, UpdatedAt: updated}
}

func TestResolveScenarios(t *testing.T) {
	healthy := &SequencerStatus{UpSince: testNow.Add(-2 * time.Hour)}

	cases := []struct {
		name   string
		policy func(Policy) Policy
		obs    Observation
		live   bool
		reason Reason
	}{
		{
			name:   "live",
			obs:    Observation{Sequencer: healthy, Round: liveRound(2500_00000000, testNow.Add(-time.Minute)), Decimals: 8},
			live:   true,
			reason: ReasonLive,
		},
		{
			name:   "sequencer down",
			obs:    Observation{Sequencer: &SequencerStatus{Down: true, UpSince: testNow.Add(-2 * time.Hour)}, Round: liveRound(2500_00000000, testNow), Decimals: 8},
			reason: ReasonSequencerDown,
		},
		{
			name:   "grace period not elapsed",
			obs:    Observation{Sequencer: &SequencerStatus{UpSince: testNow.Add(-30 * time.Minute)}, Round: liveRound(2500_00000000, testNow), Decimals: 8},
			reason: ReasonGracePeriod,
		},
		{
			name:   "stale oracle",
			obs:    Observation{Sequencer: healthy, Round: liveRound(2500_00000000, testNow.Add(-26 * time.Hour)), Decimals: 8},
			reason: ReasonStale,
		},
		{
			name:   "live disabled",
			policy: func(p Policy) Policy { p.LiveEnabled = false; return p },
			obs:    Observation{Sequencer: healthy, Round: liveRound(2500_00000000, testNow), Decimals: 8},
			reason: ReasonLiveDisabled,
		},
		{
			name:   "sequencer unreadable",
			obs:    Observation{Round: liveRound(2500_00000000, testNow), Decimals: 8},
			reason: ReasonSequencerUnavailable,
		},
		{
			name:   "oracle unreadable",
			obs:    Observation{Sequencer: healthy},
			reason: ReasonOracleUnavailable,
		},
		{
			name:   "negative answer",
			obs:    Observation{Sequencer: healthy, Round: liveRound(-1, testNow), Decimals: 8},
			reason: ReasonInvalidAnswer,
		},
		{
			name:   "no sequencer configured",
			policy: func(p Policy) Policy { p.SequencerRequired = false; return p },
			obs:    Observation{Round: liveRound(2500_00000000, testNow), Decimals: 8},
			live:   true,
			reason: ReasonLive,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			policy := testPolicy()
			if tc.policy != nil {
				policy = tc.policy(policy)
			}
			res := Resolve(policy, tc.obs, testNow)
			if res.Live != tc.live {
				t.Fatalf("live = %v, want %v", res.Live, tc.live)
			}
			if res.Reason != tc.reason {
				t.Fatalf("reason = %s, want %s", res.Reason, tc.reason)
			}
			if tc.live {
				if res.Quote.Price.Uint64() != 2500_00000000 {
					t.Fatalf("expected live price, got %s", res.Quote.Price.Dec())
				}
			} else if !res.Quote.Price.Eq(policy.Fallback.Price) {
				t.Fatalf("expected fallback price, got %s", res.Quote.Price.Dec())
			}
		})
	}
}

func TestResolveBoundaries(t *testing.T) {
	policy := testPolicy()
	healthy := &SequencerStatus{UpSince: testNow.Add(-policy.GracePeriod)}

	// grace period exactly elapsed and age exactly at the threshold are both trusted
	res := Resolve(policy, Observation{
		Sequencer: healthy,
		Round:     liveRound(2500_00000000, testNow.Add(-policy.StalenessThreshold)),
		Decimals:  8,
	}, testNow)
	if !res.Live {
		t.Fatalf("expected live price at the boundaries, got %s", res.Reason)
	}

	res = Resolve(policy, Observation{
		Sequencer: healthy,
		Round:     liveRound(2500_00000000, testNow.Add(-policy.StalenessThreshold-time.Second)),
		Decimals:  8,
	}, testNow)
	if res.Reason != ReasonStale {
		t.Fatalf("one second past the threshold should be stale, got %s", res.Reason)
	}
}

func TestResolveUnconvertibleQuoteFallsBack(t *testing.T) {
	policy := testPolicy()
	policy.NativeScale = NativeScale(18)
	healthy := &SequencerStatus{UpSince: testNow.Add(-2 * time.Hour)}

	for _, decimals := range []uint8{60, 78, 255} {
		res := Resolve(policy, Observation{
			Sequencer: healthy,
			Round:     liveRound(1, testNow),
			Decimals:  decimals,
		}, testNow)
		if res.Live || res.Reason != ReasonInvalidAnswer {
			t.Fatalf("decimals %d: expected invalid_answer fallback, got live=%v reason=%s", decimals, res.Live, res.Reason)
		}
		if !res.Quote.Price.Eq(policy.Fallback.Price) {
			t.Fatalf("decimals %d: expected fallback quote, got %s", decimals, res.Quote.Price.Dec())
		}
	}

	// without a scale the conversion is left to the caller
	policy.NativeScale = nil
	res := Resolve(policy, Observation{Sequencer: healthy, Round: liveRound(1, testNow), Decimals: 60}, testNow)
	if !res.Live {
		t.Fatalf("expected live without a native scale, got %s", res.Reason)
	}
}

func TestNativePerReferenceUnit(t *testing.T) {
	scale := NativeScale(18)

	// 2000 reference units per native coin, 8 decimals -> 0.0005 native per unit
	got, err := NativePerReferenceUnit(PriceQuote{Price: uint256.NewInt(2000_00000000), Decimals: 8}, scale)
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	if got.Uint64() != 500_000_000_000_000 {
		t.Fatalf("expected 5e14, got %s", got.Dec())
	}

	// truncation toward zero
	got, err = NativePerReferenceUnit(PriceQuote{Price: uint256.NewInt(3), Decimals: 0}, uint256.NewInt(10))
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	if got.Uint64() != 3 {
		t.Fatalf("expected 10/3 truncated to 3, got %s", got.Dec())
	}

	if _, err := NativePerReferenceUnit(PriceQuote{Price: new(uint256.Int), Decimals: 8}, scale); err == nil {
		t.Fatal("zero price must be rejected")
	}
}

func TestParseFallback(t *testing.T) {
	fb, err := ParseFallback("2450.755", 2)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fb.Price.Uint64() != 245075 || fb.Decimals != 2 {
		t.Fatalf("unexpected fallback %s/%d", fb.Price.Dec(), fb.Decimals)
	}
	if _, err := ParseFallback("0", 8); err != ErrFallbackNotConfigured {
		t.Fatalf("zero fallback must be rejected, got %v", err)
	}
	if _, err := ParseFallback("abc", 8); err == nil {
		t.Fatal("garbage must be rejected")
	}
}

func TestQuoteDecimal(t *testing.T) {
	q := PriceQuote{Price: uint256.NewInt(200050000000), Decimals: 8}
	if got := q.Decimal().String(); got != "2000.5" {
		t.Fatalf("Decimal() = %s, want 2000.5", got)
	}
	if got := ToUnits(uint256.NewInt(5e14), 18).String(); got != "0.0005" {
		t.Fatalf("ToUnits = %s, want 0.0005", got)
	}
	if !(PriceQuote{}).Decimal().IsZero() {
		t.Fatal("empty quote should be zero")
	}
}
