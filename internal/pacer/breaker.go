package pacer

import "sync"

// Breaker counts consecutive soft failures for one worker.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	trips       int
}

// NewBreaker creates a breaker that trips after threshold consecutive
// failures. A threshold <= 0 never trips.
func NewBreaker(threshold int) *Breaker {
	return &Breaker{threshold: threshold}
}

// Fail records a failure and reports whether the threshold was reached.
func (b *Breaker) Fail() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.threshold > 0 && b.consecutive >= b.threshold {
		b.trips++
		return true
	}
	return false
}

// Reset clears the consecutive failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.consecutive = 0
	b.mu.Unlock()
}

// Consecutive returns the current consecutive failure count.
func (b *Breaker) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}

// Trips returns how many times the breaker has tripped.
func (b *Breaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}
