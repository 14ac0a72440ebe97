// Package breaker implements the admission side of the per-job circuit
// breaker: deciding whether a trigger may proceed given the persisted
// breaker row, including the single-winner half-open trial.
package breaker

import (
	"context"
	"time"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
)

// Store is the subset of the breaker repository the gate needs.
type Store interface {
	Get(ctx context.Context, jobName string) (*model.CircuitBreaker, error)
	ClaimTrial(ctx context.Context, jobName string, cooldown time.Duration) (bool, error)
}

// Decision is the admission verdict for one trigger.
type Decision struct {
	Allow bool
	// Trial marks a half-open probe: the caller won the single trial slot
	// after cooldown expiry.
	Trial bool
	// State is the effective state observed at decision time.
	State model.BreakerState
}

// Gate decides admission against a Store.
type Gate struct {
	store Store
	now   func() time.Time
}

// NewGate creates a Gate. now may be nil for the system clock.
func NewGate(store Store, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, now: now}
}

// Acquire decides whether a run of jobName may start. A closed breaker
// always admits. An open breaker denies until its cooldown expires; after
// expiry exactly one concurrent caller is admitted as the half-open
// trial, and claiming the trial re-arms the cooldown so losers keep
// being denied.
func (g *Gate) Acquire(ctx context.Context, jobName string, cooldown time.Duration) (Decision, error) {
	b, err := g.store.Get(ctx, jobName)
	if err != nil {
		return Decision{}, err
	}

	switch b.EffectiveState(g.now()) {
	case model.BreakerClosed:
		return Decision{Allow: true, State: model.BreakerClosed}, nil
	case model.BreakerOpen:
		return Decision{Allow: false, State: model.BreakerOpen}, nil
	case model.BreakerHalfOpen:
		claimed, claimErr := g.store.ClaimTrial(ctx, jobName, cooldown)
		if claimErr != nil {
			return Decision{}, claimErr
		}
		if !claimed {
			// Another caller won the trial slot first.
			return Decision{Allow: false, State: model.BreakerOpen}, nil
		}
		return Decision{Allow: true, Trial: true, State: model.BreakerHalfOpen}, nil
	}
	return Decision{Allow: false, State: b.State}, nil
}
