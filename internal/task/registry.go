package task

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory builds the operation for a task from its request payload.
type Factory func(request json.RawMessage) (Operation, error)

// Registration binds a task type to its factory and resilience settings.
type Registration struct {
	TaskType string
	Factory  Factory
	// Breaker names the circuit breaker each attempt runs under. Empty means none.
	Breaker string
	// RetryProfile names the retry.Profile bounding the attempts. Empty uses
	// the manager's default retry configuration.
	RetryProfile string
}

// Registry maps task types to registrations. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Registration)}
}

// Register adds or replaces the registration for r.TaskType.
func (r *Registry) Register(reg Registration) error {
	if reg.TaskType == "" {
		return fmt.Errorf("task type is required")
	}
	if reg.Factory == nil {
		return fmt.Errorf("factory for %q is nil", reg.TaskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[reg.TaskType] = reg
	return nil
}

// Lookup returns the registration for taskType.
func (r *Registry) Lookup(taskType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[taskType]
	return reg, ok
}

// Build creates the operation for taskType from request.
func (r *Registry) Build(taskType string, request json.RawMessage) (Operation, Registration, error) {
	reg, ok := r.Lookup(taskType)
	if !ok {
		return nil, Registration{}, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	op, err := reg.Factory(request)
	if err != nil {
		return nil, reg, fmt.Errorf("build %s operation: %w", taskType, err)
	}
	return op, reg, nil
}

// Types lists the registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
