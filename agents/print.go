package agents

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/deepnoodle-ai/durable"
)

// PrintInput defines the input of the print agent
type PrintInput struct {
	Message any `json:"message"`
}

// Print writes its message to an output stream
type Print struct {
	mutex sync.Mutex
	w     io.Writer
}

// NewPrint returns a print agent writing to w
func NewPrint(w io.Writer) *Print {
	return &Print{w: w}
}

func (a *Print) Name() string {
	return "print"
}

func (a *Print) Execute(ctx context.Context, req *durable.AgentRequest) (any, error) {
	var input PrintInput
	if err := req.Decode(&input); err != nil {
		return nil, err
	}
	if input.Message == nil {
		return nil, durable.NewError(durable.ErrorCodeValidation, "print agent requires 'message' input")
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if _, err := fmt.Fprintln(a.w, input.Message); err != nil {
		return nil, err
	}
	return map[string]any{"message": input.Message}, nil
}
