package task

import (
	"context"
	"encoding/json"
)

// ProgressReporter lets an operation append progress events to its task.
// Report returns store.ErrTaskTerminal once the task has been cancelled or
// has otherwise finished; operations should stop when that happens.
type ProgressReporter interface {
	Report(ctx context.Context, message string, percentage int) error
}

// Outcome is what an operation returns when it ran to completion. A false
// Success is a domain failure: the operation worked but could not produce a
// result, and the task fails without retries.
type Outcome struct {
	Success         bool
	Result          json.RawMessage
	ErrorMessage    string
	ErrorCode       string
	RetrySuggested  bool
	ActionableSteps []string

	// Usage is recorded in the attempt's metrics row.
	Usage Usage
}

// Usage reports resource consumption of one attempt.
type Usage struct {
	APICalls    int
	TokenUsage  map[string]int
	CacheHits   int
	CacheMisses int
}

// Succeeded builds a successful Outcome carrying result.
func Succeeded(result json.RawMessage) *Outcome {
	return &Outcome{Success: true, Result: result}
}

// Failed builds a domain failure Outcome.
func Failed(message string, retrySuggested bool, steps ...string) *Outcome {
	return &Outcome{
		Success:         false,
		ErrorMessage:    message,
		RetrySuggested:  retrySuggested,
		ActionableSteps: steps,
	}
}

// Operation is the domain work a task runs. Execute may be called more than
// once when an attempt fails with a transient error.
type Operation interface {
	Execute(ctx context.Context, progress ProgressReporter) (*Outcome, error)
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context, progress ProgressReporter) (*Outcome, error)

// Execute calls f.
func (f OperationFunc) Execute(ctx context.Context, progress ProgressReporter) (*Outcome, error) {
	return f(ctx, progress)
}
