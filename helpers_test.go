package durable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, storage Storage, agents ...Agent) *Engine {
	t.Helper()
	if storage == nil {
		storage = NewMemoryStorage()
	}
	e, err := New(Options{
		Storage:  storage,
		Executor: NewAgentRegistry(agents...),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	return e
}

func createWorkflow(t *testing.T, e *Engine, def *Definition) *Workflow {
	t.Helper()
	wf, err := e.CreateWorkflow(context.Background(), def, CreateOptions{})
	require.NoError(t, err)
	return wf
}

// echoAgent completes every step with "<step name> done".
func echoAgent(name string) Agent {
	return NewAgentFunction(name, func(ctx context.Context, req *AgentRequest) (any, error) {
		return req.Step.Name + " done", nil
	})
}

// callCounter counts executions per step name.
type callCounter struct {
	mutex sync.Mutex
	calls map[string]int
	order []string
}

func newCallCounter() *callCounter {
	return &callCounter{calls: map[string]int{}}
}

func (c *callCounter) record(name string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.calls[name]++
	c.order = append(c.order, name)
}

func (c *callCounter) count(name string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.calls[name]
}

func (c *callCounter) sequence() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]string(nil), c.order...)
}

// countingAgent records each call and completes with "<step name> done".
func countingAgent(name string, c *callCounter) Agent {
	return NewAgentFunction(name, func(ctx context.Context, req *AgentRequest) (any, error) {
		c.record(req.Step.Name)
		return req.Step.Name + " done", nil
	})
}

// faultyStorage wraps MemoryStorage and fails operations on demand.
type faultyStorage struct {
	*MemoryStorage
	setErr     func(key string) error
	episodeErr error
	setCalls   atomic.Int64
}

func newFaultyStorage() *faultyStorage {
	return &faultyStorage{MemoryStorage: NewMemoryStorage()}
}

func (s *faultyStorage) SetWorkingMemory(ctx context.Context, key string, value []byte, memType MemoryType) error {
	s.setCalls.Add(1)
	if s.setErr != nil {
		if err := s.setErr(key); err != nil {
			return err
		}
	}
	return s.MemoryStorage.SetWorkingMemory(ctx, key, value, memType)
}

func (s *faultyStorage) RecordEpisode(ctx context.Context, episode *Episode) error {
	if s.episodeErr != nil {
		return s.episodeErr
	}
	return s.MemoryStorage.RecordEpisode(ctx, episode)
}

var errDiskFull = errors.New("disk full")

// waitFor blocks until ch is closed or fails the test after a timeout.
func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
