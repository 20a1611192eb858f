package durable

import (
	"encoding/json"
	"time"
)

// Outcome is what a step backend reports for one step execution. It is one of
// Completed, Failed or Waiting.
type Outcome interface {
	isOutcome()
}

// Completed reports a successful step and its output.
type Completed struct {
	Output any
}

// Failed reports a failed step.
type Failed struct {
	Err *Error
}

// Waiting reports that the step needs human input before it can finish.
type Waiting struct {
	Message string
}

func (Completed) isOutcome() {}
func (Failed) isOutcome()    {}
func (Waiting) isOutcome()   {}

// Fail is a convenience constructor for a Failed outcome.
func Fail(err error) Failed {
	return Failed{Err: ClassifyError(err)}
}

// StepResult records one step execution performed during an execute, resume
// or retry call.
type StepResult struct {
	StepID      string
	StepName    string
	Outcome     Outcome
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

// Success returns true if the step completed.
func (r StepResult) Success() bool {
	_, ok := r.Outcome.(Completed)
	return ok
}

// Waiting returns true if the step is waiting on human input.
func (r StepResult) Waiting() bool {
	_, ok := r.Outcome.(Waiting)
	return ok
}

// Output returns the step output, if the step completed.
func (r StepResult) Output() any {
	if c, ok := r.Outcome.(Completed); ok {
		return c.Output
	}
	return nil
}

// Err returns the step error, if the step failed.
func (r StepResult) Err() *Error {
	if f, ok := r.Outcome.(Failed); ok {
		return f.Err
	}
	return nil
}

// WaitingMessage returns the message shown to the human, if the step is
// waiting.
func (r StepResult) WaitingMessage() string {
	if w, ok := r.Outcome.(Waiting); ok {
		return w.Message
	}
	return ""
}

// MarshalJSON flattens the outcome into success/waiting flags.
func (r StepResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		StepID         string `json:"step_id"`
		StepName       string `json:"step_name"`
		Success        bool   `json:"success"`
		Output         any    `json:"output,omitempty"`
		Error          *Error `json:"error,omitempty"`
		Waiting        bool   `json:"waiting,omitempty"`
		WaitingMessage string `json:"waiting_message,omitempty"`
		DurationMS     int64  `json:"duration_ms"`
	}{
		StepID:         r.StepID,
		StepName:       r.StepName,
		Success:        r.Success(),
		Output:         r.Output(),
		Error:          r.Err(),
		Waiting:        r.Waiting(),
		WaitingMessage: r.WaitingMessage(),
		DurationMS:     r.Duration.Milliseconds(),
	})
}

// PausePoint identifies the step a paused workflow is waiting on.
type PausePoint struct {
	StepIndex int    `json:"step_index"`
	StepID    string `json:"step_id"`
	StepName  string `json:"step_name"`
	Message   string `json:"message,omitempty"`
}

// ExecutionResult is returned by every execution entry point. Failures are
// reported here rather than as a Go error.
type ExecutionResult struct {
	WorkflowID  string        `json:"workflow_id"`
	Status      Status        `json:"status"`
	Success     bool          `json:"success"`
	Output      any           `json:"output,omitempty"`
	Error       *Error        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	StepResults []StepResult  `json:"step_results"`
	Paused      bool          `json:"paused,omitempty"`
	PausedAt    *PausePoint   `json:"paused_at,omitempty"`
}
