package durable

import (
	"time"

	"go.jetify.com/typeid"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepWaiting    StepStatus = "waiting"
)

// Step is one unit of work inside a workflow. Steps are addressed by ID for
// persistence and by Name for dependency resolution.
type Step struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Agent          string        `json:"agent,omitempty"`
	AgentRole      string        `json:"agent_role,omitempty"`
	Status         StepStatus    `json:"status"`
	Input          any           `json:"input,omitempty"`
	Output         any           `json:"output,omitempty"`
	Error          *Error        `json:"error,omitempty"`
	WaitingMessage string        `json:"waiting_message,omitempty"`
	DependsOn      []string      `json:"depends_on,omitempty"`
	RetryCount     int           `json:"retry_count"`
	MaxRetries     int           `json:"max_retries"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewStepID returns a new unique step ID
func NewStepID() string {
	value, err := typeid.WithPrefix("step")
	if err != nil {
		panic(err)
	}
	return value.String()
}

// Clone returns a copy of the step. Input and Output values are shared since
// they are treated as immutable once assigned.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	c.Error = s.Error.Clone()
	if s.DependsOn != nil {
		c.DependsOn = append([]string(nil), s.DependsOn...)
	}
	c.StartedAt = copyTime(s.StartedAt)
	c.CompletedAt = copyTime(s.CompletedAt)
	return &c
}

// IsSettled returns true if the step reached completed or failed.
func (s *Step) IsSettled() bool {
	return s.Status == StepCompleted || s.Status == StepFailed
}

func (s *Step) reset() {
	s.Status = StepPending
	s.Error = nil
	s.Output = nil
	s.WaitingMessage = ""
	s.StartedAt = nil
	s.CompletedAt = nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
