package durable

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/durable/retry"
)

// flakyAgent fails with a retryable error for the first n calls.
func flakyAgent(n int64, calls *atomic.Int64) Agent {
	return NewAgentFunction("flaky", func(ctx context.Context, req *AgentRequest) (any, error) {
		if calls.Add(1) <= n {
			return nil, retry.NewRecoverableError(errors.New("payment gateway unavailable"))
		}
		return "charged", nil
	})
}

func retryDefinition(maxRetries int) *Definition {
	return &Definition{
		Name: "checkout",
		Steps: []*StepDefinition{
			{Name: "cart", Agent: "work"},
			{Name: "charge", Agent: "flaky", DependsOn: []string{"cart"}, MaxRetries: maxRetries},
			{Name: "receipt", Agent: "work", DependsOn: []string{"charge"}},
		},
	}
}

func TestRetryWorkflow(t *testing.T) {
	var flakyCalls atomic.Int64
	calls := newCallCounter()
	e := newTestEngine(t, nil, countingAgent("work", calls), flakyAgent(1, &flakyCalls))
	wf := createWorkflow(t, e, retryDefinition(2))
	ctx := context.Background()

	res := e.ExecuteWorkflowParallel(ctx, wf.ID)
	require.Equal(t, StatusFailed, res.Status)
	require.True(t, res.Error.Retryable)

	res = e.RetryWorkflow(ctx, wf.ID)
	require.True(t, res.Success, "error: %v", res.Error)
	require.Equal(t, "receipt done", res.Output)
	require.Equal(t, int64(2), flakyCalls.Load())
	require.Equal(t, 1, calls.count("cart"))
	require.Equal(t, 1, calls.count("receipt"))

	got, err := e.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	charge, _ := got.Step("charge")
	require.Equal(t, 1, charge.RetryCount)
	require.Nil(t, got.Error)

	res = e.RetryWorkflow(ctx, wf.ID)
	require.Equal(t, ErrorCodeRetryNotAllowed, res.Error.Code)
}

func TestRetryWorkflowLimits(t *testing.T) {
	t.Run("retries exhausted", func(t *testing.T) {
		var flakyCalls atomic.Int64
		e := newTestEngine(t, nil, echoAgent("work"), flakyAgent(10, &flakyCalls))
		wf := createWorkflow(t, e, retryDefinition(1))
		ctx := context.Background()

		require.Equal(t, StatusFailed, e.ExecuteWorkflowParallel(ctx, wf.ID).Status)
		res := e.RetryWorkflow(ctx, wf.ID)
		require.Equal(t, StatusFailed, res.Status)

		res = e.RetryWorkflow(ctx, wf.ID)
		require.Equal(t, ErrorCodeRetryNotAllowed, res.Error.Code)
		require.Contains(t, res.Error.Message, "no retries left")
		require.Equal(t, int64(2), flakyCalls.Load())
	})

	t.Run("non-retryable error", func(t *testing.T) {
		fatal := NewAgentFunction("flaky", func(ctx context.Context, req *AgentRequest) (any, error) {
			return nil, errors.New("card number invalid")
		})
		e := newTestEngine(t, nil, echoAgent("work"), fatal)
		wf := createWorkflow(t, e, retryDefinition(3))
		ctx := context.Background()

		require.Equal(t, StatusFailed, e.ExecuteWorkflowParallel(ctx, wf.ID).Status)
		res := e.RetryWorkflow(ctx, wf.ID)
		require.Equal(t, ErrorCodeRetryNotAllowed, res.Error.Code)
		require.Contains(t, res.Error.Message, "non-retryable")
	})

	t.Run("workflow not failed", func(t *testing.T) {
		e := newTestEngine(t, nil, echoAgent("work"))
		wf := createWorkflow(t, e, chainDefinition())
		res := e.RetryWorkflow(context.Background(), wf.ID)
		require.Equal(t, ErrorCodeRetryNotAllowed, res.Error.Code)
		require.Equal(t, StatusPending, res.Status)
	})

	t.Run("deadlocked workflow has no failed step", func(t *testing.T) {
		e := newTestEngine(t, nil, echoAgent("work"))
		wf := createWorkflow(t, e, &Definition{
			Name: "cyclic",
			Steps: []*StepDefinition{
				{Name: "a", Agent: "work", DependsOn: []string{"b"}},
				{Name: "b", Agent: "work", DependsOn: []string{"a"}},
			},
		})
		require.Equal(t, ErrorCodeDeadlock, e.ExecuteWorkflowParallel(context.Background(), wf.ID).Error.Code)
		res := e.RetryWorkflow(context.Background(), wf.ID)
		require.Equal(t, ErrorCodeRetryNotAllowed, res.Error.Code)
	})
}

func TestRetryWorkflowStorageFailure(t *testing.T) {
	failedCheckout := func(t *testing.T) (*Engine, *faultyStorage, *Workflow, *atomic.Int64) {
		var flakyCalls atomic.Int64
		storage := newFaultyStorage()
		e := newTestEngine(t, storage, echoAgent("work"), flakyAgent(1, &flakyCalls))
		wf := createWorkflow(t, e, retryDefinition(2))
		require.Equal(t, StatusFailed, e.ExecuteWorkflowParallel(context.Background(), wf.ID).Status)
		return e, storage, wf, &flakyCalls
	}

	t.Run("workflow record", func(t *testing.T) {
		e, storage, wf, flakyCalls := failedCheckout(t)
		ctx := context.Background()

		storage.setErr = func(key string) error {
			if strings.HasPrefix(key, workflowKeyPrefix) {
				return errDiskFull
			}
			return nil
		}
		res := e.RetryWorkflow(ctx, wf.ID)
		require.False(t, res.Success)
		require.Equal(t, ErrorCodeStorage, res.Error.Code)
		require.Equal(t, int64(1), flakyCalls.Load())

		// Nothing was written, so the workflow can still be retried.
		storage.setErr = nil
		got, err := e.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		require.Equal(t, StatusFailed, got.Status)
		charge, _ := got.Step("charge")
		require.Equal(t, StepFailed, charge.Status)
		require.Equal(t, 0, charge.RetryCount)

		res = e.RetryWorkflow(ctx, wf.ID)
		require.True(t, res.Success, "error: %v", res.Error)
		got, err = e.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		charge, _ = got.Step("charge")
		require.Equal(t, 1, charge.RetryCount)
	})

	t.Run("step record", func(t *testing.T) {
		e, storage, wf, flakyCalls := failedCheckout(t)
		ctx := context.Background()

		chargeKey := stepStatusKey(wf.Steps[1].ID)
		storage.setErr = func(key string) error {
			if key == chargeKey {
				return errDiskFull
			}
			return nil
		}
		res := e.RetryWorkflow(ctx, wf.ID)
		require.False(t, res.Success)
		require.Equal(t, ErrorCodeStorage, res.Error.Code)

		// The workflow record already holds the reset step, so the
		// workflow reloads as running and a later execution continues it.
		storage.setErr = nil
		got, err := newTestEngine(t, storage).GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		require.Equal(t, StatusRunning, got.Status)
		require.Nil(t, got.Error)
		charge, _ := got.Step("charge")
		require.Equal(t, StepPending, charge.Status)
		require.Equal(t, 1, charge.RetryCount)

		res = e.ExecuteWorkflowParallel(ctx, wf.ID)
		require.True(t, res.Success, "error: %v", res.Error)
		require.Equal(t, int64(2), flakyCalls.Load())
	})
}
