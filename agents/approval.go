package agents

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/durable"
)

// ErrorCodeRejected is the error code of a step whose approval was denied.
const ErrorCodeRejected = "APPROVAL_REJECTED"

// ApprovalInput defines the input of the approval agent. Approved is unset
// until a human resumes the workflow with a decision.
type ApprovalInput struct {
	Message  string `json:"message"`
	Approved *bool  `json:"approved"`
	Approver string `json:"approver"`
	Comment  string `json:"comment"`
}

// Approval is a human-in-the-loop gate. The step waits until it is resumed
// with an "approved" decision; a rejection fails the step.
type Approval struct{}

func NewApproval() *Approval {
	return &Approval{}
}

func (a *Approval) Name() string {
	return "approval"
}

func (a *Approval) Execute(ctx context.Context, req *durable.AgentRequest) (any, error) {
	var input ApprovalInput
	if err := req.Decode(&input); err != nil {
		return nil, err
	}
	if input.Approved == nil {
		message := input.Message
		if message == "" {
			message = fmt.Sprintf("Approval required for step %q", req.Step.Name)
		}
		return nil, durable.WaitFor(message)
	}
	if !*input.Approved {
		err := durable.Errorf(ErrorCodeRejected, "step %q was rejected", req.Step.Name)
		if input.Approver != "" {
			err.WithDetail("approver", input.Approver)
		}
		if input.Comment != "" {
			err.WithDetail("comment", input.Comment)
		}
		return nil, err
	}
	return map[string]any{
		"approved": true,
		"approver": input.Approver,
		"comment":  input.Comment,
	}, nil
}
