package resolver

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes escalating, jittered delays between refreshes.
type Backoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    func(limit time.Duration) time.Duration
}

// NewBackoff builds a Backoff with the given bounds.
func NewBackoff(base, maxDelay time.Duration) *Backoff {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Backoff{
		baseDelay: base,
		maxDelay:  maxDelay,
		jitter:    randomJitter,
	}
}

// Delay returns the wait before refresh number attempt (zero based). The
// result lies in [d/2, d] where d = base*2^attempt capped at the maximum.
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + b.jitter(time.Duration(delay)-half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
