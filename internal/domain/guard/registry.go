package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Handler executes one job run and returns a JSON result summary for the
// run log. Handlers must respect ctx cancellation: the guard enforces the
// run deadline through it.
type Handler func(ctx context.Context) (json.RawMessage, error)

// JobSpec describes one guarded job: its handler and the reliability
// envelope it runs inside.
type JobSpec struct {
	Name             string
	Handler          Handler
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (s *JobSpec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("job spec name is required")
	}
	if s.Handler == nil {
		return fmt.Errorf("job %s: handler is required", s.Name)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("job %s: timeout must be positive", s.Name)
	}
	if s.BreakerThreshold <= 0 {
		return fmt.Errorf("job %s: breaker threshold must be positive", s.Name)
	}
	if s.BreakerCooldown <= 0 {
		return fmt.Errorf("job %s: breaker cooldown must be positive", s.Name)
	}
	return nil
}

// Registry maps job names to their specs. It is built once at startup
// and read-only afterwards.
type Registry struct {
	specs map[string]JobSpec
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]JobSpec)}
}

// Register adds a spec. Registering the same name twice is a
// configuration bug and fails.
func (r *Registry) Register(spec JobSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("job %s: already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Get returns the spec for name.
func (r *Registry) Get(name string) (JobSpec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns every registered job name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
