package orchestrator

import (
	"context"
	"time"

	"server/internal/domain"
)

// raceEntry is one provider attempt in a staggered race. Delay gives
// higher-priority entries a head start; the attempt function must honor
// context cancellation.
type raceEntry struct {
	name    domain.Source
	delay   time.Duration
	attempt func(ctx context.Context) domain.ProviderOutcome
}

// raceFirstSuccess starts every entry after its stagger delay and returns the
// first successful outcome, cancelling the rest. Cancellation is advisory:
// a losing upstream may still complete (and bill for) work whose result is
// discarded. When no entry succeeds, all failure outcomes are returned in
// completion order so the caller can log each attempt.
func raceFirstSuccess(ctx context.Context, entries []raceEntry) (domain.ProviderOutcome, []domain.ProviderOutcome) {
	if len(entries) == 0 {
		return domain.ProviderOutcome{}, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan domain.ProviderOutcome, len(entries))
	for _, entry := range entries {
		go func(e raceEntry) {
			if e.delay > 0 {
				select {
				case <-time.After(e.delay):
				case <-ctx.Done():
					results <- domain.ProviderOutcome{
						Provider:     e.name,
						ErrorMessage: "cancelled before start: " + ctx.Err().Error(),
					}
					return
				}
			}
			results <- e.attempt(ctx)
		}(entry)
	}

	var failures []domain.ProviderOutcome
	for range entries {
		outcome := <-results
		if outcome.Succeeded {
			// Late resolutions of the losers drain into the buffered channel
			// and are ignored; they must not surface elsewhere.
			cancel()
			return outcome, failures
		}
		failures = append(failures, outcome)
	}
	return domain.ProviderOutcome{}, failures
}
