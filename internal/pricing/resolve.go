package pricing

import (
	"time"

	"github.com/holiman/uint256"
)

// Reason names the branch of the decision procedure that produced a Resolution.
type Reason string

const (
	ReasonLive                 Reason = "live"
	ReasonLiveDisabled         Reason = "live_disabled"
	ReasonSequencerUnavailable Reason = "sequencer_unavailable"
	ReasonSequencerDown        Reason = "sequencer_down"
	ReasonGracePeriod          Reason = "grace_period"
	ReasonOracleUnavailable    Reason = "oracle_unavailable"
	ReasonInvalidAnswer        Reason = "invalid_answer"
	ReasonStale                Reason = "stale"
)

// Policy is the static configuration of the decision procedure.
type Policy struct {
	LiveEnabled bool
	// SequencerRequired is true when a sequencer uptime feed is configured.
	SequencerRequired  bool
	GracePeriod        time.Duration
	StalenessThreshold time.Duration
	Fallback           FallbackPrice
	// NativeScale, when set, rejects live quotes that cannot be converted to
	// native smallest units.
	NativeScale *uint256.Int
}

// Observation is whatever live data could be read. Nil fields were not read or
// failed to read.
type Observation struct {
	Sequencer *SequencerStatus
	Round     *Round
	Decimals  uint8
}

// Resolution is the chosen price and why it was chosen.
type Resolution struct {
	Quote  PriceQuote
	Live   bool
	Reason Reason
}

// Resolve picks between live and fallback pricing. Every check that fails
// short-circuits to the fallback; none of them is an error.
func Resolve(p Policy, obs Observation, now time.Time) Resolution {
	if !p.LiveEnabled {
		return fallback(p, ReasonLiveDisabled)
	}

	if reason, ok := sequencerVerdict(p, obs.Sequencer, now); !ok {
		return fallback(p, reason)
	}

	if obs.Round == nil || obs.Round.Answer == nil {
		return fallback(p, ReasonOracleUnavailable)
	}
	if obs.Round.Answer.Sign() <= 0 {
		return fallback(p, ReasonInvalidAnswer)
	}
	price, overflow := uint256.FromBig(obs.Round.Answer)
	if overflow {
		return fallback(p, ReasonInvalidAnswer)
	}

	if now.Sub(obs.Round.UpdatedAt) > p.StalenessThreshold {
		return fallback(p, ReasonStale)
	}

	quote := PriceQuote{
		Price:     price,
		Decimals:  obs.Decimals,
		UpdatedAt: obs.Round.UpdatedAt,
	}
	if p.NativeScale != nil {
		if _, err := NativePerReferenceUnit(quote, p.NativeScale); err != nil {
			return fallback(p, ReasonInvalidAnswer)
		}
	}
	return Resolution{Quote: quote, Live: true, Reason: ReasonLive}
}

// sequencerVerdict reports whether the sequencer state allows trusting the oracle.
func sequencerVerdict(p Policy, status *SequencerStatus, now time.Time) (Reason, bool) {
	if !p.SequencerRequired {
		return "", true
	}
	if status == nil {
		return ReasonSequencerUnavailable, false
	}
	if status.Down {
		return ReasonSequencerDown, false
	}
	if now.Sub(status.UpSince) < p.GracePeriod {
		return ReasonGracePeriod, false
	}
	return "", true
}

func fallback(p Policy, reason Reason) Resolution {
	return Resolution{Quote: p.Fallback.Quote(), Reason: reason}
}
