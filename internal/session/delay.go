package session

import (
	"math"
	"time"
)

// DelayPolicy computes the inter-request wait from recent captcha pressure
// and failure counts. Pure and deterministic; jitter is the caller's
// business.
type DelayPolicy struct {
	// Base is the wait with no captcha encounters and no failures.
	Base time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Multiplier is the per-encounter exponential factor (default 2).
	Multiplier float64
	// FailureWeight is the linear per-failure factor (default 0.3).
	FailureWeight float64
	// Cooldown resets the encounter term: an encounter older than this no
	// longer inflates the delay.
	Cooldown time.Duration
}

// DefaultDelayPolicy matches the pacing the site tolerates in practice.
var DefaultDelayPolicy = DelayPolicy{
	Base:          3 * time.Second,
	Max:           60 * time.Second,
	Multiplier:    2.0,
	FailureWeight: 0.3,
	Cooldown:      10 * time.Minute,
}

// Next returns the wait before the next request.
//
// The delay grows exponentially with the recent encounter count, scaled
// linearly by consecutive failures, and is capped at Max. When the last
// encounter is older than Cooldown the exponential term resets and only the
// failure factor applies.
func (p DelayPolicy) Next(encounters, failures int, sinceLastEncounter time.Duration) time.Duration {
	base := p.Base
	if base <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2.0
	}
	weight := p.FailureWeight
	if weight < 0 {
		weight = 0
	}

	cooledDown := p.Cooldown > 0 && sinceLastEncounter >= p.Cooldown
	d := float64(base)
	if encounters > 0 && !cooledDown {
		d *= math.Pow(mult, float64(encounters))
	}
	if failures > 0 {
		d *= 1 + weight*float64(failures)
	}

	out := time.Duration(d)
	if p.Max > 0 && out > p.Max {
		out = p.Max
	}
	return out
}
