// Package agents provides built-in step backends for the durable engine.
package agents

import (
	"io"
	"os"

	"github.com/deepnoodle-ai/durable"
)

// All returns every built-in agent. Print output goes to stdout.
func All() []durable.Agent {
	return []durable.Agent{
		NewPrint(os.Stdout),
		NewSleep(),
		NewFail(),
		NewShell(),
		NewApproval(),
		NewScript(),
		NewTime(),
		NewHTTP(nil),
		NewJSON(),
		NewFile(""),
		NewRandom(),
	}
}

// NewRegistry returns a registry holding every built-in agent plus any
// additional agents given.
func NewRegistry(extra ...durable.Agent) *durable.AgentRegistry {
	return durable.NewAgentRegistry(append(All(), extra...)...)
}

// NewRegistryWithOutput is like NewRegistry but print output goes to w.
func NewRegistryWithOutput(w io.Writer, extra ...durable.Agent) *durable.AgentRegistry {
	registry := NewRegistry(extra...)
	registry.Register(NewPrint(w))
	return registry
}
