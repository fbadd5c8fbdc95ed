package dist

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes the delays between failed dials to the master.
// Each delay is the previous one times Multiplier, capped at MaxDelay.
// With Jitter the delay is drawn uniformly from [d/2, 3d/2).
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoff is used by OptionsFromEnv.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     3 * time.Second,
		Jitter:       true,
	}
}

// dialRetry yields the successive dial delays of one rank. The zero
// jitter source centres every delay.
type dialRetry struct {
	cfg  BackoffConfig
	cur  time.Duration
	rand func() float64
}

func newDialRetry(cfg BackoffConfig, rng *rand.Rand) *dialRetry {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	r := &dialRetry{cfg: cfg, rand: func() float64 { return 0.5 }}
	if rng != nil {
		r.rand = rng.Float64
	}
	return r
}

// next returns the wait before the following dial.
func (r *dialRetry) next() time.Duration {
	if r.cfg.InitialDelay <= 0 {
		return 0
	}
	if r.cur == 0 {
		r.cur = r.cfg.InitialDelay
	} else {
		r.cur = time.Duration(float64(r.cur) * r.cfg.Multiplier)
	}
	if r.cfg.MaxDelay > 0 && r.cur > r.cfg.MaxDelay {
		r.cur = r.cfg.MaxDelay
	}
	if !r.cfg.Jitter {
		return r.cur
	}
	return time.Duration(float64(r.cur) * (0.5 + r.rand()))
}
