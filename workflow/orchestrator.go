package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skymesh/skymesh/store"
	"github.com/skymesh/skymesh/types"
)

// checkpointTimeout bounds the store write for a terminal run snapshot.
const checkpointTimeout = 10 * time.Second

// historySize bounds the in-memory record of finished runs.
const historySize = 128

// Stats counts run outcomes since process start.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Active    int    `json:"active"`
}

// RunRecord summarizes one finished run for the execution history.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Name       string    `json:"name,omitempty"`
	State      RunState  `json:"state"`
	Steps      int       `json:"steps"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Orchestrator accepts workflow submissions, drives them through the
// compiler and executor, and exposes run status, cancellation, and
// terminal-state checkpointing.
type Orchestrator struct {
	compiler *Compiler
	executor *Executor
	store    store.Store
	sink     EventSink
	logger   *zap.Logger

	mu      sync.RWMutex
	runs    map[string]*Run
	history []RunRecord

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

// OrchestratorOption configures the orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithStore checkpoints terminal run snapshots to the given store.
func WithStore(s store.Store) OrchestratorOption {
	return func(o *Orchestrator) { o.store = s }
}

// WithEventSink forwards lifecycle events, e.g. to the webhook dispatcher.
func WithEventSink(sink EventSink) OrchestratorOption {
	return func(o *Orchestrator) { o.sink = sink }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(compiler *Compiler, executor *Executor, logger *zap.Logger, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		compiler: compiler,
		executor: executor,
		logger:   logger.With(zap.String("component", "orchestrator")),
		runs:     make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit compiles and launches a workflow, returning the run id
// immediately. Validation errors are returned synchronously and nothing
// executes.
func (o *Orchestrator) Submit(spec Spec) (string, error) {
	plan, err := o.compiler.Compile(spec)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := newRun(uuid.New().String(), plan, cancel, o.sink)

	o.mu.Lock()
	o.runs[run.ID] = run
	o.mu.Unlock()
	o.submitted.Add(1)

	o.logger.Info("workflow submitted",
		zap.String("run_id", run.ID),
		zap.String("name", spec.Name),
		zap.Int("steps", len(spec.Steps)),
	)

	go func() {
		defer cancel()
		o.executor.Execute(runCtx, run)
		o.finish(run)
	}()
	return run.ID, nil
}

// Status returns a snapshot of a run.
func (o *Orchestrator) Status(runID string) (Status, error) {
	o.mu.RLock()
	run, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return Status{}, types.Errorf(types.ErrNotRegistered, "unknown run %q", runID)
	}
	return run.Snapshot(), nil
}

// Cancel signals a run's cancellation context. Terminal runs are left
// untouched.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.RLock()
	run, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return types.Errorf(types.ErrNotRegistered, "unknown run %q", runID)
	}
	if run.State().Terminal() {
		return nil
	}
	o.logger.Info("run cancellation requested", zap.String("run_id", runID))
	run.Cancel()
	return nil
}

// Stats returns run counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	active := 0
	for _, run := range o.runs {
		if !run.State().Terminal() {
			active++
		}
	}
	o.mu.RUnlock()

	return Stats{
		Submitted: o.submitted.Load(),
		Succeeded: o.succeeded.Load(),
		Failed:    o.failed.Load(),
		Cancelled: o.cancelled.Load(),
		Active:    active,
	}
}

// History returns the most recent finished runs, newest last.
func (o *Orchestrator) History() []RunRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]RunRecord, len(o.history))
	copy(out, o.history)
	return out
}

// finish records the terminal outcome and checkpoints the snapshot.
func (o *Orchestrator) finish(run *Run) {
	switch run.State() {
	case RunSucceeded:
		o.succeeded.Add(1)
	case RunFailed:
		o.failed.Add(1)
	case RunCancelled:
		o.cancelled.Add(1)
	}

	status := run.Snapshot()
	record := RunRecord{
		RunID:       status.RunID,
		Name:        status.Name,
		State:       status.State,
		Steps:       len(status.Steps),
		SubmittedAt: status.SubmittedAt,
		FinishedAt:  status.FinishedAt,
	}
	o.mu.Lock()
	o.history = append(o.history, record)
	if len(o.history) > historySize {
		o.history = o.history[len(o.history)-historySize:]
	}
	o.mu.Unlock()

	if o.store == nil {
		return
	}
	snapshot, err := json.Marshal(status)
	if err != nil {
		o.logger.Error("failed to encode run checkpoint",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := o.store.Put(ctx, "run:"+run.ID, snapshot); err != nil {
		o.logger.Error("failed to checkpoint run",
			zap.String("run_id", run.ID), zap.Error(err))
	}
}
