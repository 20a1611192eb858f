package durable

import (
	"context"
	"time"
)

// Callbacks receives workflow and step lifecycle events. Step callbacks for
// the steps of a parallel batch are invoked concurrently, so implementations
// must be safe for concurrent use.
type Callbacks interface {
	// Workflow-level callbacks
	BeforeWorkflowExecution(ctx context.Context, event *WorkflowEvent)
	AfterWorkflowExecution(ctx context.Context, event *WorkflowEvent)

	// Step-level callbacks
	BeforeStepExecution(ctx context.Context, event *StepEvent)
	AfterStepExecution(ctx context.Context, event *StepEvent)
}

// WorkflowEvent provides context for workflow-level events. AfterWorkflow
// events are emitted each time an execution call leaves the workflow
// completed, failed, paused or cancelled.
type WorkflowEvent struct {
	WorkflowID   string
	WorkflowName string
	Status       Status
	Mode         Mode
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Input        any
	Output       any
	StepCount    int
	Error        error
}

// StepEvent provides context for step-level events
type StepEvent struct {
	WorkflowID     string
	WorkflowName   string
	StepID         string
	StepName       string
	Agent          string
	Status         StepStatus
	Input          any
	Output         any
	WaitingMessage string
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	Error          error
}

// BaseCallbacks provides a default implementation that does nothing
type BaseCallbacks struct{}

func (n *BaseCallbacks) BeforeWorkflowExecution(ctx context.Context, event *WorkflowEvent) {
	// noop
}

func (n *BaseCallbacks) AfterWorkflowExecution(ctx context.Context, event *WorkflowEvent) {
	// noop
}

func (n *BaseCallbacks) BeforeStepExecution(ctx context.Context, event *StepEvent) {
	// noop
}

func (n *BaseCallbacks) AfterStepExecution(ctx context.Context, event *StepEvent) {
	// noop
}

// NewBaseCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseCallbacks() Callbacks {
	return &BaseCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []Callbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain. Not safe to call once the chain is in use
// by an Engine.
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeWorkflowExecution(ctx context.Context, event *WorkflowEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeWorkflowExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterWorkflowExecution(ctx context.Context, event *WorkflowEvent) {
	for _, callback := range c.callbacks {
		callback.AfterWorkflowExecution(ctx, event)
	}
}

func (c *CallbackChain) BeforeStepExecution(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStepExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterStepExecution(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStepExecution(ctx, event)
	}
}
