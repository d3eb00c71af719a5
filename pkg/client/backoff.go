package client

import (
	"math/rand/v2"
	"time"
)

// Default reconnect schedule
const (
	DefaultFloor   = 1000 * time.Millisecond
	DefaultCeiling = 30000 * time.Millisecond
	DefaultJitter  = 0.2
)

// Backoff produces reconnect delays. The base interval starts at Floor,
// doubles after every failure and never exceeds Ceiling. Each delay adds a
// uniform jitter of up to Jitter times the base. Not safe for concurrent use.
type Backoff struct {
	Floor   time.Duration
	Ceiling time.Duration
	Jitter  float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64

	interval time.Duration
}

// NewBackoff creates a backoff with the given bounds. Zero values fall back
// to the defaults; a negative jitter disables jitter.
func NewBackoff(floor, ceiling time.Duration, jitter float64) *Backoff {
	if floor <= 0 {
		floor = DefaultFloor
	}
	if ceiling < floor {
		ceiling = max(DefaultCeiling, floor)
	}
	switch {
	case jitter == 0:
		jitter = DefaultJitter
	case jitter < 0:
		jitter = 0
	}
	return &Backoff{Floor: floor, Ceiling: ceiling, Jitter: jitter}
}

// Next returns the delay before the next attempt and advances the interval
func (b *Backoff) Next() time.Duration {
	base := b.Current()
	wait := base + time.Duration(float64(base)*b.Jitter*b.random())
	b.interval = min(base*2, b.Ceiling)
	return wait
}

// Current returns the base interval the next delay will use
func (b *Backoff) Current() time.Duration {
	if b.interval == 0 {
		return b.Floor
	}
	return b.interval
}

// Reset returns the interval to Floor
func (b *Backoff) Reset() {
	b.interval = 0
}

func (b *Backoff) random() float64 {
	if b.Rand != nil {
		return b.Rand()
	}
	return rand.Float64()
}
