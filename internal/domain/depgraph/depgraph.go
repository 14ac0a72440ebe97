// Package depgraph evaluates job dependency requirements: whether every
// upstream job a trigger depends on has completed recently enough, with a
// staleness bypass so a broken upstream cannot starve a downstream
// forever.
package depgraph

import (
	"context"
	"time"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
)

// DefaultStaleness is how long a job may go without a successful run
// before an unsatisfied dependency is bypassed.
const DefaultStaleness = 24 * time.Hour

// DepSource lists the configured requirements of a job.
type DepSource interface {
	ListForJob(ctx context.Context, jobName string) ([]*model.DependencyRequirement, error)
}

// RunLog answers when a job last completed successfully.
type RunLog interface {
	LastSuccessfulCompletion(ctx context.Context, jobName string) (time.Time, bool, error)
}

// Result is the dependency verdict for one trigger.
type Result struct {
	Satisfied   bool
	StaleBypass bool
	Unsatisfied []model.UnmetDep
}

// Checker evaluates dependency requirements against the run log.
type Checker struct {
	deps      DepSource
	runs      RunLog
	staleness time.Duration
	now       func() time.Time
}

// NewChecker creates a Checker. staleness <= 0 selects DefaultStaleness;
// now may be nil for the system clock.
func NewChecker(deps DepSource, runs RunLog, staleness time.Duration, now func() time.Time) *Checker {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if now == nil {
		now = time.Now
	}
	return &Checker{deps: deps, runs: runs, staleness: staleness, now: now}
}

// Evaluate checks every requirement of jobName. When all are met the
// result is satisfied. When any is not, the job is still admitted with
// StaleBypass set if its own last success is older than the staleness
// threshold (or it has never succeeded); otherwise it is denied with the
// full unsatisfied list.
func (c *Checker) Evaluate(ctx context.Context, jobName string) (Result, error) {
	deps, err := c.deps.ListForJob(ctx, jobName)
	if err != nil {
		return Result{}, err
	}
	if len(deps) == 0 {
		return Result{Satisfied: true}, nil
	}

	now := c.now()
	var unmet []model.UnmetDep
	for _, dep := range deps {
		lastSuccess, found, lookupErr := c.runs.LastSuccessfulCompletion(ctx, dep.DependsOn)
		if lookupErr != nil {
			return Result{}, lookupErr
		}

		window := time.Duration(dep.RequiredWithinHours) * time.Hour
		if found && now.Sub(lastSuccess) <= window {
			continue
		}

		entry := model.UnmetDep{
			JobName:           dep.DependsOn,
			RequiredWithinHrs: dep.RequiredWithinHours,
		}
		if found {
			t := lastSuccess
			entry.LastSuccessAt = &t
		}
		unmet = append(unmet, entry)
	}

	if len(unmet) == 0 {
		return Result{Satisfied: true}, nil
	}

	ownLast, ownFound, err := c.runs.LastSuccessfulCompletion(ctx, jobName)
	if err != nil {
		return Result{}, err
	}
	if !ownFound || now.Sub(ownLast) > c.staleness {
		return Result{Satisfied: true, StaleBypass: true, Unsatisfied: unmet}, nil
	}

	return Result{Satisfied: false, Unsatisfied: unmet}, nil
}
