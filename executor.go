package durable

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// StepExecutor is the pluggable backend that performs the work of a step. It
// receives a private copy of the step and must be safe for concurrent use, as
// every step of a parallel batch is executed at the same time.
type StepExecutor interface {
	Execute(ctx context.Context, step *Step, ec *ExecutionContext) Outcome
}

// StepExecutorFunc adapts a function to the StepExecutor interface.
type StepExecutorFunc func(ctx context.Context, step *Step, ec *ExecutionContext) Outcome

// Execute calls f(ctx, step, ec).
func (f StepExecutorFunc) Execute(ctx context.Context, step *Step, ec *ExecutionContext) Outcome {
	return f(ctx, step, ec)
}

// ExecutionContext is what a step backend sees besides the step itself.
type ExecutionContext struct {
	WorkflowID    string
	WorkflowName  string
	WorkflowInput any

	// PreviousStepOutputs holds the outputs of all steps completed so far, in
	// completion order.
	PreviousStepOutputs *StepOutputs

	// SharedMemory is a scratch space shared by the steps of one workflow
	// within this process. It is not persisted.
	SharedMemory *SharedMemory

	Logger *slog.Logger
}

// StepOutputs is an ordered, read-only view of completed step outputs.
type StepOutputs struct {
	names  []string
	values map[string]any
}

func newStepOutputs(steps []*Step) *StepOutputs {
	o := &StepOutputs{values: make(map[string]any, len(steps))}
	for _, s := range steps {
		o.names = append(o.names, s.Name)
		o.values[s.Name] = s.Output
	}
	return o
}

// Get returns the output of the named step.
func (o *StepOutputs) Get(name string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.values[name]
	return v, ok
}

// Names returns the step names in completion order.
func (o *StepOutputs) Names() []string {
	if o == nil {
		return nil
	}
	return append([]string(nil), o.names...)
}

// Len returns the number of completed steps.
func (o *StepOutputs) Len() int {
	if o == nil {
		return 0
	}
	return len(o.names)
}

// Map returns the outputs keyed by step name.
func (o *StepOutputs) Map() map[string]any {
	if o == nil {
		return map[string]any{}
	}
	return copyMap(o.values)
}

// SharedMemory is a concurrency-safe key/value bag.
type SharedMemory struct {
	mutex  sync.RWMutex
	values map[string]any
}

// NewSharedMemory returns an empty SharedMemory.
func NewSharedMemory() *SharedMemory {
	return &SharedMemory{values: map[string]any{}}
}

// Get returns the value stored under key.
func (m *SharedMemory) Get(key string) (any, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Set stores a value under key.
func (m *SharedMemory) Set(key string, value any) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.values[key] = value
}

// Delete removes key.
func (m *SharedMemory) Delete(key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.values, key)
}

// Keys returns the stored keys in sorted order.
func (m *SharedMemory) Keys() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the stored values.
func (m *SharedMemory) Snapshot() map[string]any {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return copyMap(m.values)
}
