package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a new Engine
type Options struct {
	// Storage persists workflows, step records and audit episodes. Defaults
	// to an in-memory store.
	Storage Storage

	// Executor performs the work of each step. Required.
	Executor StepExecutor

	Logger    *slog.Logger
	Callbacks Callbacks

	// MaxParallel limits how many steps of one batch run at the same time.
	// Zero means no limit.
	MaxParallel int

	// PersistRetries is how many times a failed storage write is retried
	// before the execution fails with STORAGE_ERROR. Defaults to 3.
	PersistRetries int

	// AuditBuffer is the number of audit episodes that may be queued before
	// new episodes are dropped. Defaults to 256.
	AuditBuffer int

	// TracerProvider and MeterProvider default to the OpenTelemetry globals.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

const (
	defaultPersistRetries = 3
	defaultAuditBuffer    = 256
	persistBaseWait       = 50 * time.Millisecond
)

// Engine creates, executes, pauses, resumes and recovers workflows. One
// Engine may drive many workflows concurrently; each workflow is driven by at
// most one execution call at a time.
type Engine struct {
	storage        Storage
	executor       StepExecutor
	logger         *slog.Logger
	callbacks      Callbacks
	maxParallel    int
	persistRetries int
	audit          *auditor
	telemetry      *telemetry
	clock          *clock

	mutex  sync.Mutex
	runs   map[string]*run
	cache  map[string]*Workflow
	shared map[string]*SharedMemory
}

// New creates a new Engine
func New(opts Options) (*Engine, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("step executor required")
	}
	if opts.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel cannot be negative")
	}
	if opts.Storage == nil {
		opts.Storage = NewMemoryStorage()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.PersistRetries <= 0 {
		opts.PersistRetries = defaultPersistRetries
	}
	if opts.AuditBuffer <= 0 {
		opts.AuditBuffer = defaultAuditBuffer
	}
	tel, err := newTelemetry(opts.TracerProvider, opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return &Engine{
		storage:        opts.Storage,
		executor:       opts.Executor,
		logger:         opts.Logger,
		callbacks:      opts.Callbacks,
		maxParallel:    opts.MaxParallel,
		persistRetries: opts.PersistRetries,
		audit:          newAuditor(opts.Storage, opts.Logger, opts.AuditBuffer),
		telemetry:      tel,
		clock:          newClock(opts.Clock),
		runs:           map[string]*run{},
		cache:          map[string]*Workflow{},
		shared:         map[string]*SharedMemory{},
	}, nil
}

// Close stops the audit publisher after writing any queued episodes.
func (e *Engine) Close(ctx context.Context) error {
	return e.audit.close(ctx)
}

// Storage returns the storage the engine persists to.
func (e *Engine) Storage() Storage {
	return e.storage
}

// CreateWorkflow validates the definition and persists a new pending workflow.
func (e *Engine) CreateWorkflow(ctx context.Context, def *Definition, opts CreateOptions) (*Workflow, error) {
	wf, err := buildWorkflow(def, opts, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := e.write(ctx, workflowKey(wf.ID), wf, MemoryTypeWorkflow); err != nil {
		return nil, err
	}
	e.remember(wf)
	e.audit.publish(workflowEpisode(wf, EpisodeWorkflowCreated,
		fmt.Sprintf("Workflow %s created with %d steps", wf.Name, len(wf.Steps)),
		OutcomePending, 0.4, "created"))
	e.logger.Info("workflow created",
		"workflow_id", wf.ID,
		"workflow_name", wf.Name,
		"steps", len(wf.Steps))
	return wf.Clone(), nil
}

// GetWorkflow returns the current state of a workflow. A workflow that is
// being executed reflects its live in-memory state.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if wf := e.live(id); wf != nil {
		return wf, nil
	}
	return e.loadWorkflow(ctx, id)
}

// ListWorkflows returns all persisted workflows ordered by creation time.
// Workflows that are not in memory are reconciled with their step records
// the same way GetWorkflow loads them.
func (e *Engine) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	entries, err := e.storage.ListWorkingMemory(ctx, MemoryFilter{
		Type:   MemoryTypeWorkflow,
		Prefix: workflowKeyPrefix,
	})
	if err != nil {
		return nil, storageError("list workflows", err)
	}
	workflows := make([]*Workflow, 0, len(entries))
	for _, entry := range entries {
		var wf Workflow
		if err := json.Unmarshal(entry.Value, &wf); err != nil {
			e.logger.Warn("skipping unreadable workflow record", "key", entry.Key, "error", err)
			continue
		}
		if live := e.live(wf.ID); live != nil {
			workflows = append(workflows, live)
			continue
		}
		if err := e.reconcile(ctx, &wf); err != nil {
			return nil, err
		}
		workflows = append(workflows, &wf)
	}
	sort.SliceStable(workflows, func(i, j int) bool {
		if workflows[i].CreatedAt.Equal(workflows[j].CreatedAt) {
			return workflows[i].ID < workflows[j].ID
		}
		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})
	return workflows, nil
}

// CancelWorkflow cancels a workflow that has not finished. A workflow that is
// currently executing stops at its next batch barrier; steps already running
// are allowed to settle.
func (e *Engine) CancelWorkflow(ctx context.Context, id, reason string) (*Workflow, error) {
	if reason == "" {
		reason = "cancelled"
	}
	e.mutex.Lock()
	if r, ok := e.runs[id]; ok {
		e.mutex.Unlock()
		if wf := r.requestCancel(reason); wf != nil {
			e.logger.Info("workflow cancellation requested", "workflow_id", id, "reason", reason)
			return wf, nil
		}
		return nil, Errorf(ErrorCodeBusy, "workflow %q is busy", id)
	}
	e.mutex.Unlock()

	r, err := e.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.release(r)
	if r.wf.Status.IsTerminal() {
		return nil, Errorf(ErrorCodeInvalidState, "workflow %q is already %s", id, r.wf.Status)
	}
	e.cancelRun(ctx, r, reason)
	if r.err != nil {
		return nil, r.err
	}
	return r.snapshot(), nil
}

// live returns a copy of the in-memory state of a workflow, if known.
func (e *Engine) live(id string) *Workflow {
	e.mutex.Lock()
	r := e.runs[id]
	cached := e.cache[id]
	e.mutex.Unlock()
	if r != nil {
		if wf := r.snapshot(); wf != nil {
			return wf
		}
	}
	if cached != nil {
		return cached.Clone()
	}
	return nil
}

func (e *Engine) remember(wf *Workflow) {
	c := wf.Clone()
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.cache[wf.ID] = c
}

// acquire takes ownership of a workflow for one execution call and loads its
// state, from the cache when present and from storage otherwise.
func (e *Engine) acquire(ctx context.Context, id string) (*run, error) {
	e.mutex.Lock()
	if _, busy := e.runs[id]; busy {
		e.mutex.Unlock()
		return nil, Errorf(ErrorCodeBusy, "workflow %q is already being executed", id)
	}
	r := &run{id: id}
	e.runs[id] = r
	cached := e.cache[id]
	shared, ok := e.shared[id]
	if !ok {
		shared = NewSharedMemory()
		e.shared[id] = shared
	}
	e.mutex.Unlock()

	var wf *Workflow
	if cached != nil {
		wf = cached.Clone()
	} else {
		loaded, err := e.loadWorkflow(ctx, id)
		if err != nil {
			e.release(r)
			return nil, err
		}
		wf = loaded
	}
	r.attach(wf, shared)
	return r, nil
}

func (e *Engine) release(r *run) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.runs, r.id)
	wf := r.wf
	if wf == nil {
		return
	}
	// Step records are written without touching the workflow record, so the
	// run's state is newer than the cached record. After a storage failure
	// memory may be ahead of storage; drop it so the next call reloads.
	if err := r.err; err != nil && err.Code == ErrorCodeStorage {
		delete(e.cache, r.id)
	} else {
		e.cache[r.id] = wf.Clone()
	}
	if wf.Status == StatusCompleted || wf.Status == StatusCancelled {
		delete(e.shared, r.id)
	}
}

// abort fails an owned run before any step was executed.
func (e *Engine) abort(r *run, err error, start time.Time) *ExecutionResult {
	serr := ClassifyError(err)
	r.fail(serr)
	res := e.result(r.snapshot(), nil, start)
	res.Success = false
	res.Error = serr
	return res
}

func (e *Engine) failureResult(id string, err error, start time.Time) *ExecutionResult {
	return &ExecutionResult{
		WorkflowID:  id,
		Error:       ClassifyError(err),
		Duration:    e.clock.Now().Sub(start),
		StepResults: []StepResult{},
	}
}
