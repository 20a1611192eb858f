package agents

import (
	"context"

	"github.com/deepnoodle-ai/durable"
)

// FailInput defines the input of the fail agent
type FailInput struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// Fail always fails with the configured error. Useful for testing failure
// handling and retries.
type Fail struct{}

func NewFail() *Fail {
	return &Fail{}
}

func (a *Fail) Name() string {
	return "fail"
}

func (a *Fail) Execute(ctx context.Context, req *durable.AgentRequest) (any, error) {
	var input FailInput
	if err := req.Decode(&input); err != nil {
		return nil, err
	}
	if input.Message == "" {
		input.Message = "intentional failure"
	}
	if input.Code == "" {
		input.Code = durable.ErrorCodeStepFailed
	}
	return nil, &durable.Error{
		Code:      input.Code,
		Message:   input.Message,
		Retryable: input.Retryable,
	}
}
