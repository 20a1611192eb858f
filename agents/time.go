package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// TimeInput defines the input of the time agent
type TimeInput struct {
	Format   string `json:"format"`
	Timezone string `json:"timezone"`
}

// Time reports the current time
type Time struct {
	now func() time.Time
}

func NewTime() *Time {
	return &Time{now: time.Now}
}

func (a *Time) Name() string {
	return "time"
}

func (a *Time) Execute(ctx context.Context, req *durable.AgentRequest) (any, error) {
	var input TimeInput
	if err := req.Decode(&input); err != nil {
		return nil, err
	}
	now := a.now().UTC()
	if input.Timezone != "" {
		loc, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return nil, durable.NewError(durable.ErrorCodeValidation, fmt.Sprintf("invalid timezone %q", input.Timezone))
		}
		now = now.In(loc)
	}
	format := input.Format
	if format == "" {
		format = time.RFC3339
	}
	return map[string]any{
		"time": now.Format(format),
		"unix": now.Unix(),
	}, nil
}
