package connection

import (
	"math/rand"
	"time"
)

// Backoff computes reconnection delays: min(base * 2^(attempt-1), cap) plus
// jitter. The deterministic part is non-decreasing across attempts and resets
// only when the caller starts over from attempt 1.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	// Jitter returns a random delay in [0, max). Overridable for
	// deterministic tests; nil uses math/rand.
	Jitter func(max time.Duration) time.Duration
}

// Delay returns the wait before the given attempt (1-based).
func (b *Backoff) Delay(attempt uint) time.Duration {
	delay := b.Cap
	// Shifting past 62 bits overflows time.Duration long before any
	// realistic cap is reached.
	if attempt >= 1 && attempt-1 < 32 {
		shifted := b.Base << (attempt - 1)
		if shifted > 0 && shifted < b.Cap {
			delay = shifted
		}
	}
	return delay + b.jitter(b.Base/2)
}

func (b *Backoff) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if b.Jitter != nil {
		return b.Jitter(max)
	}
	return time.Duration(rand.Int63n(int64(max)))
}
