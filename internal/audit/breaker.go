package audit

import (
	"sync"
	"time"
)

// sinkBreaker stops the writer from paying the full retry budget on every
// entry while the sink is down. When open, entries go straight to the
// overflow queue until the cooldown expires and one trial entry is sent to the sink.
type sinkBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures  int
	openUntil time.Time
	open      bool
	halfOpen  bool
}

func newSinkBreaker(threshold int, cooldown time.Duration, now func() time.Time) *sinkBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &sinkBreaker{threshold: threshold, cooldown: cooldown, now: now}
}

// allow reports whether the sink should be tried. After the cooldown the
// breaker half-opens and admits a single trial entry; everyone else keeps
// diverting until the trial reports back.
func (b *sinkBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.halfOpen || !b.now().After(b.openUntil) {
		return false
	}
	b.halfOpen = true
	return true
}

func (b *sinkBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
	b.halfOpen = false
}

// recordFailure returns true when this failure opened the breaker. A failed
// trial re-opens it for another cooldown.
func (b *sinkBreaker) recordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halfOpen {
		b.halfOpen = false
		b.openUntil = b.now().Add(b.cooldown)
		return true
	}
	b.failures++
	if b.failures >= b.threshold && !b.open {
		b.open = true
		b.openUntil = b.now().Add(b.cooldown)
		return true
	}
	return false
}

func (b *sinkBreaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
