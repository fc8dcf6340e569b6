package orchestrator

import (
	"sync"
	"time"

	"server/internal/domain"
)

// AvailabilityGuard is the circuit-breaker surface the orchestrator consults
// before attempting a provider. Injected so tests supply a fresh instance per
// case; state is process-local and resets on restart.
type AvailabilityGuard interface {
	IsAvailable(provider domain.Source) bool
	RecordSuccess(provider domain.Source)
	RecordFailure(provider domain.Source)
}

type breakerEntry struct {
	consecutiveFailures int
	openedAt            time.Time
	halfOpen            bool
}

// Breaker skips a provider after a run of consecutive failures. Once the
// cooldown elapses the provider gets a single trial call; success closes the
// breaker, failure re-opens it and restarts the cooldown.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	entries   map[domain.Source]*breakerEntry
	now       func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		entries:   make(map[domain.Source]*breakerEntry),
		now:       time.Now,
	}
}

func (b *Breaker) IsAvailable(provider domain.Source) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[provider]
	if !ok || entry.consecutiveFailures < b.threshold {
		return true
	}
	if entry.halfOpen {
		// A trial call is already outstanding this window.
		return false
	}
	if b.now().Sub(entry.openedAt) >= b.cooldown {
		entry.halfOpen = true
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess(provider domain.Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, provider)
}

func (b *Breaker) RecordFailure(provider domain.Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[provider]
	if !ok {
		entry = &breakerEntry{}
		b.entries[provider] = entry
	}
	entry.consecutiveFailures++
	if entry.consecutiveFailures >= b.threshold {
		entry.openedAt = b.now()
		entry.halfOpen = false
	}
}

var _ AvailabilityGuard = (*Breaker)(nil)
