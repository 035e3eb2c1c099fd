package oracle

import (
	"context"
	"math/big"
	"time"

	"tip-settlement/internal/pricing"
)

// Static is a fixed price feed for simulations. UpdatedAt tracks the clock so
// the answer never goes stale unless Age is set.
type Static struct {
	Answer       *big.Int
	FeedDecimals uint8
	Age          time.Duration
	Now          func() time.Time
}

// LatestRoundData implements pricing.PriceFeed.
func (s *Static) LatestRoundData(context.Context) (pricing.Round, error) {
	at := s.now().Add(-s.Age)
	return pricing.Round{RoundID: big.NewInt(1), Answer: new(big.Int).Set(s.Answer), StartedAt: at, UpdatedAt: at}, nil
}

// Decimals implements pricing.PriceFeed.
func (s *Static) Decimals(context.Context) (uint8, error) {
	return s.FeedDecimals, nil
}

func (s *Static) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// StaticSequencer reports a fixed sequencer status.
type StaticSequencer struct {
	Down    bool
	UpSince time.Time
}

// LatestRoundData implements pricing.SequencerFeed.
func (s StaticSequencer) LatestRoundData(context.Context) (pricing.Round, error) {
	answer := big.NewInt(0)
	if s.Down {
		answer.SetInt64(1)
	}
	return pricing.Round{RoundID: big.NewInt(1), Answer: answer, StartedAt: s.UpSince, UpdatedAt: s.UpSince}, nil
}

var (
	_ pricing.PriceFeed     = (*Static)(nil)
	_ pricing.SequencerFeed = StaticSequencer{}
)
