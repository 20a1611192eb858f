package durable

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEngine(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "step executor required")

	_, err = New(Options{Executor: NewAgentRegistry(), MaxParallel: -1})
	require.Error(t, err)

	e, err := New(Options{Executor: NewAgentRegistry()})
	require.NoError(t, err)
	require.IsType(t, &MemoryStorage{}, e.Storage())
	require.NoError(t, e.Close(context.Background()))
}

func TestCreateWorkflow(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	t.Run("persists a pending workflow", func(t *testing.T) {
		wf, err := e.CreateWorkflow(ctx, &Definition{
			Name: "orders",
			Steps: []*StepDefinition{
				{Name: "a", Agent: "echo"},
				{Name: "b", Agent: "echo", DependsOn: []string{"a"}},
			},
		}, CreateOptions{Input: map[string]any{"order": "o1"}})
		require.NoError(t, err)
		require.Equal(t, StatusPending, wf.Status)

		entry, err := e.Storage().GetWorkingMemory(ctx, workflowKey(wf.ID))
		require.NoError(t, err)
		require.Equal(t, MemoryTypeWorkflow, entry.Type)

		var stored Workflow
		require.NoError(t, json.Unmarshal(entry.Value, &stored))
		require.Equal(t, wf.ID, stored.ID)
		require.Len(t, stored.Steps, 2)
		require.Equal(t, map[string]any{"order": "o1"}, stored.Input)
	})

	t.Run("rejects invalid definitions", func(t *testing.T) {
		_, err := e.CreateWorkflow(ctx, &Definition{Name: "bad"}, CreateOptions{})
		require.Equal(t, ErrorCodeValidation, ErrorCode(err))
	})
}

func TestGetAndListWorkflows(t *testing.T) {
	e := newTestEngine(t, nil, echoAgent("echo"))
	ctx := context.Background()

	_, err := e.GetWorkflow(ctx, "wf_missing")
	require.Equal(t, ErrorCodeNotFound, ErrorCode(err))
	require.ErrorIs(t, err, ErrNotFound)

	first := createWorkflow(t, e, &Definition{Name: "first", Steps: []*StepDefinition{{Name: "a", Agent: "echo"}}})
	second := createWorkflow(t, e, &Definition{Name: "second", Steps: []*StepDefinition{{Name: "a", Agent: "echo"}}})

	res := e.ExecuteWorkflow(ctx, first.ID)
	require.True(t, res.Success)

	got, err := e.GetWorkflow(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)

	list, err := e.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, first.ID, list[0].ID)
	require.Equal(t, StatusCompleted, list[0].Status)
	require.Equal(t, second.ID, list[1].ID)
	require.Equal(t, StatusPending, list[1].Status)
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	e := newTestEngine(t, nil)
	res := e.ExecuteWorkflowParallel(context.Background(), "wf_missing")
	require.False(t, res.Success)
	require.Equal(t, ErrorCodeNotFound, res.Error.Code)
	require.Empty(t, res.StepResults)
}

func TestSequentialExecution(t *testing.T) {
	calls := newCallCounter()
	e := newTestEngine(t, nil, countingAgent("work", calls))
	wf := createWorkflow(t, e, &Definition{
		Name: "sequential",
		Steps: []*StepDefinition{
			{Name: "a", Agent: "work"},
			{Name: "b", Agent: "work", DependsOn: []string{"a"}},
			{Name: "c", Agent: "work"},
			{Name: "d", Agent: "work", DependsOn: []string{"b"}},
		},
	})

	res := e.ExecuteWorkflow(context.Background(), wf.ID)
	require.True(t, res.Success, "error: %v", res.Error)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, []string{"a", "b", "c", "d"}, calls.sequence())

	// c and d are both sinks.
	require.Equal(t, map[string]any{"c": "c done", "d": "d done"}, res.Output)
	require.Len(t, res.StepResults, 4)
	for _, sr := range res.StepResults {
		require.True(t, sr.Success())
		require.Equal(t, sr.StepName+" done", sr.Output())
	}

	got, err := e.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Equal(t, ModeSequential, got.Mode)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestParallelExecutionRunsBatchConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	bothArrived := make(chan struct{})
	go func() {
		arrived.Wait()
		close(bothArrived)
	}()

	rendezvous := NewAgentFunction("rendezvous", func(ctx context.Context, req *AgentRequest) (any, error) {
		arrived.Done()
		select {
		case <-bothArrived:
			return req.Step.Name, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("sibling never started")
		}
	})
	e := newTestEngine(t, nil, echoAgent("echo"), rendezvous)
	wf := createWorkflow(t, e, &Definition{
		Name: "diamond",
		Steps: []*StepDefinition{
			{Name: "a", Agent: "echo"},
			{Name: "b", Agent: "rendezvous", DependsOn: []string{"a"}},
			{Name: "c", Agent: "rendezvous", DependsOn: []string{"a"}},
			{Name: "d", Agent: "echo", DependsOn: []string{"b", "c"}},
		},
	})

	res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
	require.True(t, res.Success, "error: %v", res.Error)
	require.Equal(t, "d done", res.Output)
	require.Len(t, res.StepResults, 4)
}

func TestParallelBatchBarrier(t *testing.T) {
	storage := NewMemoryStorage()
	var checked atomic.Bool

	slow := NewAgentFunction("slow", func(ctx context.Context, req *AgentRequest) (any, error) {
		time.Sleep(30 * time.Millisecond)
		return "slow", nil
	})
	join := NewAgentFunction("join", func(ctx context.Context, req *AgentRequest) (any, error) {
		outputs := req.Context.PreviousStepOutputs
		v, ok := outputs.Get("c")
		if outputs.Len() != 3 || !ok || v != "slow" {
			return nil, errors.New("c has not completed")
		}
		// Every step of the previous batch is persisted before this batch.
		entries, err := storage.ListWorkingMemory(ctx, MemoryFilter{Type: MemoryTypeStepStatus})
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			var rec stepRecord
			if err := json.Unmarshal(entry.Value, &rec); err != nil {
				return nil, err
			}
			if rec.Step.Name != req.Step.Name && rec.Step.Status != StepCompleted {
				return nil, errors.New("step " + rec.Step.Name + " not persisted as completed")
			}
		}
		checked.Store(true)
		return "joined", nil
	})
	e := newTestEngine(t, storage, echoAgent("echo"), slow, join)
	wf := createWorkflow(t, e, &Definition{
		Name: "barrier",
		Steps: []*StepDefinition{
			{Name: "a", Agent: "echo"},
			{Name: "b", Agent: "echo", DependsOn: []string{"a"}},
			{Name: "c", Agent: "slow", DependsOn: []string{"a"}},
			{Name: "d", Agent: "join", DependsOn: []string{"b", "c"}},
		},
	})

	res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
	require.True(t, res.Success, "error: %v", res.Error)
	require.True(t, checked.Load())
	require.Equal(t, "joined", res.Output)
}

func TestMaxParallel(t *testing.T) {
	var running, peak atomic.Int64
	agent := NewAgentFunction("work", func(ctx context.Context, req *AgentRequest) (any, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	e, err := New(Options{Executor: NewAgentRegistry(agent), MaxParallel: 2})
	require.NoError(t, err)
	defer e.Close(context.Background())

	def := &Definition{Name: "fanout"}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		def.Steps = append(def.Steps, &StepDefinition{Name: name, Agent: "work"})
	}
	wf := createWorkflow(t, e, def)

	res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
	require.True(t, res.Success, "error: %v", res.Error)
	require.Len(t, res.StepResults, 5)
	require.LessOrEqual(t, peak.Load(), int64(2))
}

func TestStepFailureFailsWorkflow(t *testing.T) {
	calls := newCallCounter()
	failing := NewAgentFunction("failing", func(ctx context.Context, req *AgentRequest) (any, error) {
		calls.record(req.Step.Name)
		return nil, NewError("CARD_DECLINED", "card declined")
	})
	slow := NewAgentFunction("slow", func(ctx context.Context, req *AgentRequest) (any, error) {
		time.Sleep(20 * time.Millisecond)
		calls.record(req.Step.Name)
		return "ok", nil
	})
	e := newTestEngine(t, nil, failing, slow, countingAgent("work", calls))
	wf := createWorkflow(t, e, &Definition{
		Name: "payments",
		Steps: []*StepDefinition{
			{Name: "charge", Agent: "failing"},
			{Name: "reserve", Agent: "slow"},
			{Name: "ship", Agent: "work", DependsOn: []string{"charge", "reserve"}},
		},
	})

	res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
	require.False(t, res.Success)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, "CARD_DECLINED", res.Error.Code)
	require.Len(t, res.StepResults, 2)
	require.Equal(t, 0, calls.count("ship"))

	got, err := e.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	charge, _ := got.Step("charge")
	require.Equal(t, StepFailed, charge.Status)
	require.Equal(t, "card declined", charge.Error.Message)
	// A failing sibling does not cancel the rest of the batch.
	reserve, _ := got.Step("reserve")
	require.Equal(t, StepCompleted, reserve.Status)
	ship, _ := got.Step("ship")
	require.Equal(t, StepPending, ship.Status)

	// Executing a failed workflow again reports the recorded failure.
	again := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
	require.False(t, again.Success)
	require.Equal(t, "CARD_DECLINED", again.Error.Code)
	require.Equal(t, 1, calls.count("charge"))
}

func TestStepErrors(t *testing.T) {
	panicking := NewAgentFunction("panicking", func(ctx context.Context, req *AgentRequest) (any, error) {
		panic("nil map")
	})
	blocking := NewAgentFunction("blocking", func(ctx context.Context, req *AgentRequest) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := newTestEngine(t, nil, panicking, blocking)

	tests := []struct {
		name      string
		step      *StepDefinition
		code      string
		retryable bool
	}{
		{"panic", &StepDefinition{Name: "p", Agent: "panicking"}, ErrorCodeStepFailed, false},
		{"unknown agent", &StepDefinition{Name: "u", Agent: "ghost"}, ErrorCodeAgentNotFound, false},
		{"timeout", &StepDefinition{Name: "t", Agent: "blocking", Timeout: 20 * time.Millisecond}, ErrorCodeStepTimeout, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := createWorkflow(t, e, &Definition{Name: tt.name, Steps: []*StepDefinition{tt.step}})
			res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
			require.False(t, res.Success)
			require.Equal(t, StatusFailed, res.Status)
			require.Equal(t, tt.code, res.Error.Code)
			require.Equal(t, tt.retryable, res.Error.Retryable)
		})
	}
}

func TestMalformedOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		status  StepStatus
	}{
		{"nil outcome", nil, StepFailed},
		{"failed without error", Failed{}, StepFailed},
		{"pointer completed", &Completed{Output: 1}, StepCompleted},
		{"pointer waiting", &Waiting{Message: "sign"}, StepWaiting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(Options{Executor: StepExecutorFunc(func(ctx context.Context, step *Step, ec *ExecutionContext) Outcome {
				return tt.outcome
			})})
			require.NoError(t, err)
			defer e.Close(context.Background())

			wf := createWorkflow(t, e, &Definition{Name: "w", Steps: []*StepDefinition{{Name: "a"}}})
			e.ExecuteWorkflowParallel(context.Background(), wf.ID)
			got, err := e.GetWorkflow(context.Background(), wf.ID)
			require.NoError(t, err)
			require.Equal(t, tt.status, got.Steps[0].Status)
		})
	}
}

func TestCycleDeadlock(t *testing.T) {
	calls := newCallCounter()
	e := newTestEngine(t, nil, countingAgent("work", calls))
	wf := createWorkflow(t, e, &Definition{
		Name: "cyclic",
		Steps: []*StepDefinition{
			{Name: "independent", Agent: "work"},
			{Name: "a", Agent: "work", DependsOn: []string{"b"}},
			{Name: "b", Agent: "work", DependsOn: []string{"a"}},
		},
	})

	res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
	require.False(t, res.Success)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, ErrorCodeDeadlock, res.Error.Code)
	require.ElementsMatch(t, []string{"a", "b"}, res.Error.Details["cycle"])
	require.Equal(t, []string{"independent"}, calls.sequence())

	got, err := e.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Equal(t, StepCompleted, got.Steps[0].Status)
	require.Equal(t, StepPending, got.Steps[1].Status)
	require.Equal(t, StepPending, got.Steps[2].Status)
}

func TestMissingDependencyDeadlock(t *testing.T) {
	storage := NewMemoryStorage()
	calls := newCallCounter()
	e := newTestEngine(t, storage, countingAgent("work", calls))
	wf := createWorkflow(t, e, &Definition{
		Name: "missing",
		Steps: []*StepDefinition{
			{Name: "a", Agent: "work"},
			{Name: "b", Agent: "work", DependsOn: []string{"a"}},
		},
	})

	// Definitions are validated on create, so rewrite the stored record to
	// simulate a workflow persisted with a dangling dependency.
	wf.Steps[1].DependsOn = []string{"ghost"}
	require.NoError(t, e.write(context.Background(), workflowKey(wf.ID), wf, MemoryTypeWorkflow))

	fresh := newTestEngine(t, storage, countingAgent("work", calls))
	res := fresh.ExecuteWorkflowParallel(context.Background(), wf.ID)
	require.False(t, res.Success)
	require.Equal(t, ErrorCodeDeadlock, res.Error.Code)
	require.Equal(t, map[string][]string{"b": {"ghost"}}, res.Error.Details["missing"])
	require.Equal(t, []string{"a"}, calls.sequence())
}

func TestWorkflowBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := NewAgentFunction("blocking", func(ctx context.Context, req *AgentRequest) (any, error) {
		close(started)
		<-release
		return "released", nil
	})
	e := newTestEngine(t, nil, blocking)
	wf := createWorkflow(t, e, &Definition{Name: "busy", Steps: []*StepDefinition{{Name: "a", Agent: "blocking"}}})
	ctx := context.Background()

	done := make(chan *ExecutionResult)
	go func() { done <- e.ExecuteWorkflowParallel(ctx, wf.ID) }()
	waitFor(t, started, "step to start")

	require.Equal(t, ErrorCodeBusy, e.ExecuteWorkflow(ctx, wf.ID).Error.Code)
	require.Equal(t, ErrorCodeBusy, e.ResumeWorkflow(ctx, wf.ID, nil).Error.Code)
	require.Equal(t, ErrorCodeBusy, e.RetryWorkflow(ctx, wf.ID).Error.Code)
	_, err := e.RecoverWorkflow(ctx, wf.ID)
	require.Equal(t, ErrorCodeBusy, ErrorCode(err))

	live, err := e.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, live.Status)
	require.Equal(t, StepInProgress, live.Steps[0].Status)

	close(release)
	res := <-done
	require.True(t, res.Success, "error: %v", res.Error)
	require.Equal(t, "released", res.Output)
}

func TestCancelRunningWorkflow(t *testing.T) {
	calls := newCallCounter()
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := NewAgentFunction("blocking", func(ctx context.Context, req *AgentRequest) (any, error) {
		close(started)
		<-release
		return "first", nil
	})
	e := newTestEngine(t, nil, blocking, countingAgent("work", calls))
	wf := createWorkflow(t, e, &Definition{
		Name: "cancel",
		Steps: []*StepDefinition{
			{Name: "a", Agent: "blocking"},
			{Name: "b", Agent: "work", DependsOn: []string{"a"}},
		},
	})
	ctx := context.Background()

	done := make(chan *ExecutionResult)
	go func() { done <- e.ExecuteWorkflowParallel(ctx, wf.ID) }()
	waitFor(t, started, "step to start")

	snapshot, err := e.CancelWorkflow(ctx, wf.ID, "customer asked")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, snapshot.Status)
	close(release)

	res := <-done
	require.False(t, res.Success)
	require.Equal(t, StatusCancelled, res.Status)
	require.Equal(t, ErrorCodeCancelled, res.Error.Code)
	require.Equal(t, "customer asked", res.Error.Message)
	require.Equal(t, 0, calls.count("b"))

	got, err := e.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.Equal(t, "customer asked", got.CancelReason)
	require.Nil(t, got.Error)
	// The running step was allowed to settle.
	require.Equal(t, StepCompleted, got.Steps[0].Status)

	_, err = e.CancelWorkflow(ctx, wf.ID, "")
	require.Equal(t, ErrorCodeInvalidState, ErrorCode(err))

	again := e.ExecuteWorkflowParallel(ctx, wf.ID)
	require.Equal(t, StatusCancelled, again.Status)
	require.Equal(t, ErrorCodeCancelled, again.Error.Code)
	require.Equal(t, 0, calls.count("b"))
}

func TestCancelPendingWorkflow(t *testing.T) {
	e := newTestEngine(t, nil, echoAgent("echo"))
	wf := createWorkflow(t, e, &Definition{Name: "pending", Steps: []*StepDefinition{{Name: "a", Agent: "echo"}}})

	cancelled, err := e.CancelWorkflow(context.Background(), wf.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "cancelled", cancelled.CancelReason)
	require.Nil(t, cancelled.Error)
	require.NotNil(t, cancelled.CompletedAt)

	// The reason survives a reload from storage.
	e2 := newTestEngine(t, e.Storage(), echoAgent("echo"))
	loaded, err := e2.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, loaded.Status)
	require.Equal(t, "cancelled", loaded.CancelReason)
	require.Nil(t, loaded.Error)

	_, err = e.CancelWorkflow(context.Background(), "wf_missing", "")
	require.Equal(t, ErrorCodeNotFound, ErrorCode(err))
}

func TestCallerCancellationInterruptsExecution(t *testing.T) {
	var attempts atomic.Int64
	started := make(chan struct{})
	agent := NewAgentFunction("work", func(ctx context.Context, req *AgentRequest) (any, error) {
		if attempts.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "finished", nil
	})
	e := newTestEngine(t, nil, agent)
	wf := createWorkflow(t, e, &Definition{Name: "interrupt", Steps: []*StepDefinition{{Name: "a", Agent: "work"}}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *ExecutionResult)
	go func() { done <- e.ExecuteWorkflowParallel(ctx, wf.ID) }()
	waitFor(t, started, "step to start")
	cancel()

	res := <-done
	require.False(t, res.Success)
	require.Equal(t, ErrorCodeInterrupted, res.Error.Code)
	require.True(t, res.Error.Retryable)
	require.Equal(t, StatusRunning, res.Status)

	got, err := e.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Equal(t, StepPending, got.Steps[0].Status)

	res = e.ExecuteWorkflowParallel(context.Background(), wf.ID)
	require.True(t, res.Success, "error: %v", res.Error)
	require.Equal(t, "finished", res.Output)
	require.Equal(t, int64(2), attempts.Load())
}

func TestExecutionContext(t *testing.T) {
	var seen *ExecutionContext
	producer := NewAgentFunction("producer", func(ctx context.Context, req *AgentRequest) (any, error) {
		req.Context.SharedMemory.Set("token", "abc")
		return map[string]any{"count": 2}, nil
	})
	consumer := NewAgentFunction("consumer", func(ctx context.Context, req *AgentRequest) (any, error) {
		seen = req.Context
		token, _ := req.Context.SharedMemory.Get("token")
		return token, nil
	})
	e := newTestEngine(t, nil, producer, consumer)
	wf, err := e.CreateWorkflow(context.Background(), &Definition{
		Name: "context",
		Steps: []*StepDefinition{
			{Name: "produce", Agent: "producer"},
			{Name: "consume", Agent: "consumer", DependsOn: []string{"produce"}},
		},
	}, CreateOptions{Input: "hello"})
	require.NoError(t, err)

	res := e.ExecuteWorkflow(context.Background(), wf.ID)
	require.True(t, res.Success, "error: %v", res.Error)
	require.Equal(t, "abc", res.Output)

	require.Equal(t, wf.ID, seen.WorkflowID)
	require.Equal(t, "context", seen.WorkflowName)
	require.Equal(t, "hello", seen.WorkflowInput)
	require.Equal(t, []string{"produce"}, seen.PreviousStepOutputs.Names())
	out, ok := seen.PreviousStepOutputs.Get("produce")
	require.True(t, ok)
	require.Equal(t, map[string]any{"count": 2}, out)
	require.NotNil(t, seen.Logger)
}

func TestStorageFailure(t *testing.T) {
	t.Run("permanent failure stops execution", func(t *testing.T) {
		storage := newFaultyStorage()
		calls := newCallCounter()
		e := newTestEngine(t, storage, countingAgent("work", calls))
		wf := createWorkflow(t, e, &Definition{Name: "storage", Steps: []*StepDefinition{{Name: "a", Agent: "work"}}})

		storage.setErr = func(key string) error { return errDiskFull }
		res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
		require.False(t, res.Success)
		require.Equal(t, ErrorCodeStorage, res.Error.Code)
		require.ErrorIs(t, res.Error, errDiskFull)
		require.Equal(t, 0, calls.count("a"))

		// Nothing was persisted, so the workflow is still pending.
		storage.setErr = nil
		got, err := e.GetWorkflow(context.Background(), wf.ID)
		require.NoError(t, err)
		require.Equal(t, StatusPending, got.Status)
	})

	t.Run("step record failure", func(t *testing.T) {
		storage := newFaultyStorage()
		calls := newCallCounter()
		e := newTestEngine(t, storage, countingAgent("work", calls))
		wf := createWorkflow(t, e, &Definition{Name: "storage", Steps: []*StepDefinition{{Name: "a", Agent: "work"}}})

		storage.setErr = func(key string) error {
			if key == stepStatusKey(wf.Steps[0].ID) {
				return errDiskFull
			}
			return nil
		}
		res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
		require.False(t, res.Success)
		require.Equal(t, ErrorCodeStorage, res.Error.Code)
		require.Equal(t, 0, calls.count("a"))

		storage.setErr = nil
		res = e.ExecuteWorkflowParallel(context.Background(), wf.ID)
		require.True(t, res.Success, "error: %v", res.Error)
		require.Equal(t, 1, calls.count("a"))
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		storage := newFaultyStorage()
		e := newTestEngine(t, storage, echoAgent("echo"))
		wf := createWorkflow(t, e, &Definition{Name: "flaky", Steps: []*StepDefinition{{Name: "a", Agent: "echo"}}})

		var failures atomic.Int64
		storage.setErr = func(key string) error {
			if failures.Add(1) <= 2 {
				return errors.New("connection reset by peer")
			}
			return nil
		}
		res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
		require.True(t, res.Success, "error: %v", res.Error)
	})
}

func TestAuditEpisodes(t *testing.T) {
	storage := NewMemoryStorage()
	e, err := New(Options{Storage: storage, Executor: NewAgentRegistry(echoAgent("echo"))})
	require.NoError(t, err)

	wf := createWorkflow(t, e, &Definition{
		Name: "audited",
		Steps: []*StepDefinition{
			{Name: "a", Agent: "echo"},
			{Name: "b", Agent: "echo", DependsOn: []string{"a"}},
		},
	})
	res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
	require.True(t, res.Success)
	require.NoError(t, e.Close(context.Background()))

	episodes, err := storage.SearchEpisodes(context.Background(), EpisodeQuery{Context: wf.ContextID})
	require.NoError(t, err)
	counts := map[EpisodeType]int{}
	for _, ep := range episodes {
		counts[ep.Type]++
	}
	require.Equal(t, map[EpisodeType]int{
		EpisodeWorkflowCreated:   1,
		EpisodeWorkflowStarted:   1,
		EpisodeStepCompleted:     2,
		EpisodeWorkflowCompleted: 1,
	}, counts)

	completed, err := storage.SearchEpisodes(context.Background(), EpisodeQuery{
		Type: EpisodeWorkflowCompleted,
		Tags: []string{"workflow", "completed", "parallel"},
	})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, OutcomeSuccess, completed[0].Outcome)
	require.Equal(t, wf.ID, completed[0].Details["workflow_id"])

	// Publishing after close is a no-op.
	e.audit.publish(&Episode{Type: EpisodeWorkflowCreated})
}

func TestAuditFailuresDoNotAffectExecution(t *testing.T) {
	storage := newFaultyStorage()
	storage.episodeErr = errDiskFull
	e := newTestEngine(t, storage, echoAgent("echo"))
	wf := createWorkflow(t, e, &Definition{Name: "audit", Steps: []*StepDefinition{{Name: "a", Agent: "echo"}}})

	res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
	require.True(t, res.Success, "error: %v", res.Error)
	require.Equal(t, "a done", res.Output)
}

func TestClockIsStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	c := newClock(func() time.Time { return fixed })
	first := c.Now()
	second := c.Now()
	require.Equal(t, time.UTC, first.Location())
	require.True(t, second.After(first))
	require.Equal(t, time.Microsecond, second.Sub(first))
}

func TestDependentStartsAfterAllDependencies(t *testing.T) {
	e := newTestEngine(t, nil, echoAgent("echo"))
	wf := createWorkflow(t, e, &Definition{
		Name: "rendezvous",
		Steps: []*StepDefinition{
			{Name: "a", Agent: "echo"},
			{Name: "b", Agent: "echo"},
			{Name: "c", Agent: "echo", DependsOn: []string{"a", "b"}},
		},
	})

	res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
	require.True(t, res.Success, "%v", res.Error)
	require.Len(t, res.StepResults, 3)

	results := map[string]StepResult{}
	for _, r := range res.StepResults {
		results[r.StepName] = r
	}
	require.True(t, results["c"].StartedAt.After(results["a"].CompletedAt))
	require.True(t, results["c"].StartedAt.After(results["b"].CompletedAt))

	got, err := e.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	a, _ := got.Step("a")
	b, _ := got.Step("b")
	c, _ := got.Step("c")
	require.True(t, c.StartedAt.After(*a.CompletedAt))
	require.True(t, c.StartedAt.After(*b.CompletedAt))
}

func TestStepFailureStopsTransitiveDependents(t *testing.T) {
	calls := newCallCounter()
	failing := NewAgentFunction("failing", func(ctx context.Context, req *AgentRequest) (any, error) {
		calls.record(req.Step.Name)
		return nil, NewError("CARD_DECLINED", "card declined")
	})
	e := newTestEngine(t, nil, failing, countingAgent("work", calls))
	wf := createWorkflow(t, e, &Definition{
		Name: "fulfilment",
		Steps: []*StepDefinition{
			{Name: "charge", Agent: "failing"},
			{Name: "ship", Agent: "work", DependsOn: []string{"charge"}},
			{Name: "notify", Agent: "work", DependsOn: []string{"ship"}},
		},
	})

	for _, execute := range []func(context.Context, string) *ExecutionResult{
		e.ExecuteWorkflowParallel,
		e.ExecuteWorkflow,
	} {
		res := execute(context.Background(), wf.ID)
		require.False(t, res.Success)
		require.Equal(t, "CARD_DECLINED", res.Error.Code)
	}
	require.Equal(t, []string{"charge"}, calls.sequence())

	got, err := e.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	ship, _ := got.Step("ship")
	require.Equal(t, StepPending, ship.Status)
	notify, _ := got.Step("notify")
	require.Equal(t, StepPending, notify.Status)
	require.Nil(t, notify.StartedAt)
}

func TestCustomExecutorOwnsStepTimeout(t *testing.T) {
	var hadDeadline atomic.Bool
	e, err := New(Options{Executor: StepExecutorFunc(func(ctx context.Context, step *Step, ec *ExecutionContext) Outcome {
		_, ok := ctx.Deadline()
		hadDeadline.Store(ok)
		time.Sleep(30 * time.Millisecond)
		return Completed{Output: step.Name}
	})})
	require.NoError(t, err)
	defer e.Close(context.Background())

	wf := createWorkflow(t, e, &Definition{
		Name:  "advisory",
		Steps: []*StepDefinition{{Name: "sign", Timeout: 10 * time.Millisecond}},
	})
	res := e.ExecuteWorkflowParallel(context.Background(), wf.ID)
	require.True(t, res.Success, "%v", res.Error)
	require.Equal(t, "sign", res.Output)
	require.False(t, hadDeadline.Load())
}

func TestListWorkflowsReconcilesStepRecords(t *testing.T) {
	storage := NewMemoryStorage()
	e := newTestEngine(t, storage, echoAgent("echo"))
	wf := createWorkflow(t, e, &Definition{
		Name:  "listed",
		Steps: []*StepDefinition{{Name: "a", Agent: "echo"}, {Name: "b", Agent: "echo", DependsOn: []string{"a"}}},
	})

	// A process stopped after recording step a but before the workflow
	// record was written again.
	a := wf.Steps[0].Clone()
	a.Status = StepCompleted
	a.Output = "a done"
	a.UpdatedAt = e.clock.Now()
	require.NoError(t, e.persistStep(context.Background(), wf.ID, a))

	fresh := newTestEngine(t, storage, echoAgent("echo"))
	list, err := fresh.ListWorkflows(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, StepCompleted, list[0].Steps[0].Status)
	require.Equal(t, "a done", list[0].Steps[0].Output)

	got, err := fresh.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Equal(t, got.Steps, list[0].Steps)
}
