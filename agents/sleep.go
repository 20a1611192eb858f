package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// Sleep waits for a configurable duration
type Sleep struct{}

func NewSleep() *Sleep {
	return &Sleep{}
}

func (a *Sleep) Name() string {
	return "sleep"
}

func (a *Sleep) Execute(ctx context.Context, req *durable.AgentRequest) (any, error) {
	duration, err := parseDuration(req.InputMap()["duration"])
	if err != nil {
		return nil, durable.NewError(durable.ErrorCodeValidation, err.Error())
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]any{"slept": duration.String()}, nil
	}
}

// parseDuration accepts a Go duration string or a number of seconds.
func parseDuration(value any) (time.Duration, error) {
	var d time.Duration
	switch v := value.(type) {
	case nil:
		return 0, fmt.Errorf("sleep agent requires 'duration' input")
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %w", err)
		}
		d = parsed
	case time.Duration:
		d = v
	case float64:
		d = time.Duration(v * float64(time.Second))
	case int:
		d = time.Duration(v) * time.Second
	default:
		return 0, fmt.Errorf("duration must be a duration string or a number of seconds")
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}
