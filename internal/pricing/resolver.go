package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"tip-settlement/internal/metrics"
)

// Options parameterise a Resolver.
type Options struct {
	LiveEnabled        bool
	GracePeriod        time.Duration
	StalenessThreshold time.Duration
	Fallback           FallbackPrice
	// NativeDecimals is the number of decimals of the native coin (18 on EVM chains).
	NativeDecimals uint8
	// Now defaults to time.Now.
	Now func() time.Time
}

// Resolver reads the configured feeds and applies Resolve.
type Resolver struct {
	feed      PriceFeed
	sequencer SequencerFeed
	scale     *uint256.Int
	now       func() time.Time
	logger    zerolog.Logger
	metrics   metrics.Recorder

	mu     sync.RWMutex
	policy Policy
}

// NewResolver validates the options and builds a Resolver. feed and sequencer
// may be nil; live pricing then requires a feed to be attached first.
func NewResolver(opts Options, feed PriceFeed, sequencer SequencerFeed, logger zerolog.Logger, rec metrics.Recorder) (*Resolver, error) {
	if err := opts.Fallback.Validate(); err != nil {
		return nil, err
	}
	if opts.LiveEnabled && feed == nil {
		return nil, ErrNoLiveFeed
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	scale := NativeScale(opts.NativeDecimals)
	if _, err := NativePerReferenceUnit(opts.Fallback.Quote(), scale); err != nil {
		return nil, fmt.Errorf("fallback price: %w", err)
	}

	return &Resolver{
		feed:      feed,
		sequencer: sequencer,
		scale:     scale,
		now:       now,
		logger:    logger.With().Str("component", "price_resolver").Logger(),
		metrics:   rec,
		policy: Policy{
			LiveEnabled:        opts.LiveEnabled,
			SequencerRequired:  sequencer != nil,
			GracePeriod:        opts.GracePeriod,
			StalenessThreshold: opts.StalenessThreshold,
			Fallback:           opts.Fallback,
			NativeScale:        scale,
		},
	}, nil
}

// SetLiveEnabled toggles the live oracle path.
func (r *Resolver) SetLiveEnabled(enabled bool) error {
	if enabled && r.feed == nil {
		return ErrNoLiveFeed
	}
	r.mu.Lock()
	r.policy.LiveEnabled = enabled
	r.mu.Unlock()
	return nil
}

// LiveEnabled reports whether the live oracle path is on.
func (r *Resolver) LiveEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy.LiveEnabled
}

// Policy returns a copy of the current decision policy.
func (r *Resolver) Policy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// Resolve reads the feeds and returns the chosen price. It never fails; feed
// errors become fallback reasons.
func (r *Resolver) Resolve(ctx context.Context) Resolution {
	policy := r.Policy()
	now := r.now()
	obs := r.observe(ctx, policy, now)
	res := Resolve(policy, obs, now)

	r.metrics.IncCounter(metrics.EventPriceResolution, map[string]string{"outcome": string(res.Reason)})
	if !res.Live && res.Reason != ReasonLiveDisabled {
		r.logger.Warn().Str("reason", string(res.Reason)).Msg("using fallback price")
	}
	return res
}

// NativePerReferenceUnit resolves a price and converts it. It implements fee.PriceSource.
func (r *Resolver) NativePerReferenceUnit(ctx context.Context) (*uint256.Int, error) {
	return NativePerReferenceUnit(r.Resolve(ctx).Quote, r.scale)
}

// Scale returns the native smallest-unit scale.
func (r *Resolver) Scale() *uint256.Int {
	return r.scale.Clone()
}

func (r *Resolver) observe(ctx context.Context, policy Policy, now time.Time) Observation {
	var obs Observation
	if !policy.LiveEnabled {
		return obs
	}

	if policy.SequencerRequired {
		round, err := r.sequencer.LatestRoundData(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("sequencer feed unavailable")
		} else {
			status := StatusFromRound(round)
			obs.Sequencer = &status
		}
		if _, ok := sequencerVerdict(policy, obs.Sequencer, now); !ok {
			return obs
		}
	}

	decimals, err := r.feed.Decimals(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("price feed decimals unavailable")
		return obs
	}
	round, err := r.feed.LatestRoundData(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("price feed unavailable")
		return obs
	}
	obs.Round = &round
	obs.Decimals = decimals
	return obs
}

// Memo resolves at most once and reuses the result, so every item of a batch
// is priced from the same quote.
type Memo struct {
	resolver *Resolver
	res      *Resolution
	perUnit  *uint256.Int
}

// Memo returns a fresh single-use price cache.
func (r *Resolver) Memo() *Memo {
	return &Memo{resolver: r}
}

// NativePerReferenceUnit implements fee.PriceSource.
func (m *Memo) NativePerReferenceUnit(ctx context.Context) (*uint256.Int, error) {
	if m.perUnit != nil {
		return m.perUnit.Clone(), nil
	}
	res := m.resolver.Resolve(ctx)
	perUnit, err := NativePerReferenceUnit(res.Quote, m.resolver.scale)
	if err != nil {
		return nil, err
	}
	m.res = &res
	m.perUnit = perUnit
	return perUnit.Clone(), nil
}

// Resolution returns the cached resolution, if the memo was consulted.
func (m *Memo) Resolution() (Resolution, bool) {
	if m.res == nil {
		return Resolution{}, false
	}
	return *m.res, true
}
