package replication

import (
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff yields exponentially growing delays between consecutive failed
// replication attempts, capped at max, and starts over after Reset.
// It is safe for concurrent use.
type Backoff struct {
	mu   sync.Mutex
	base time.Duration
	max  time.Duration
	b    retry.Backoff
}

// NewBackoff returns a backoff starting at base and capped at max.
// base must be positive.
func NewBackoff(base, max time.Duration) *Backoff {
	b := &Backoff{base: base, max: max}
	b.b = b.fresh()
	return b
}

func (b *Backoff) fresh() retry.Backoff {
	return retry.WithCappedDuration(b.max, retry.NewExponential(b.base))
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, _ := b.b.Next()
	return d
}

// Reset returns the sequence to the base delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.b = b.fresh()
}
