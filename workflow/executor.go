// Package workflow drives a named, statically ordered sequence of
// typed steps against one process, with checkpointing, per-node retry,
// cooperative pause/resume and cancellation.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/process-engine/events"
	"github.com/procflow/process-engine/logging"
	"github.com/procflow/process-engine/registry"
	"github.com/procflow/process-engine/types"
)

var (
	ErrNoSteps         = errors.New("workflow has no steps")
	ErrDuplicateStepID = errors.New("duplicate step id")
)

// Checkpoint history bounds. On overflow only the most recent half of
// the trim target is retained.
const (
	CheckpointCap  = 10
	CheckpointTrim = 5
)

const defaultRetryDelay = time.Second

// Executor runs one workflow for one process. It owns its
// WorkflowState exclusively; executors for different processes share
// nothing and run fully in parallel. It satisfies the registry's
// Executor contract.
type Executor struct {
	processID string
	def       types.WorkflowDefinition
	reg       *registry.Registry
	log       *logging.Logger

	strategies map[types.StepKind]Strategy
	deps       StrategyDeps

	mu    sync.Mutex
	state *types.WorkflowState

	pauseGate     *gate
	statusHandler events.Handler

	cancelMu  sync.Mutex
	cancelRun context.CancelFunc
	cancelled bool

	retryDelay        time.Duration
	checkpointVersion int
}

// NewExecutor builds an Executor for the given process. The variable
// bag is seeded from the process input. Pause and resume are observed
// through the registry's event bus, never by polling.
func NewExecutor(reg *registry.Registry, processID string, def types.WorkflowDefinition, deps StrategyDeps, log *logging.Logger) (*Executor, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if len(def.Steps) == 0 {
		return nil, ErrNoSteps
	}
	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.ID == "" {
			return nil, errors.New("step id cannot be empty")
		}
		if seen[step.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStepID, step.ID)
		}
		seen[step.ID] = true
	}
	if log == nil {
		log = logging.NewLogger()
	}

	proc, err := reg.Get(context.Background(), processID)
	if err != nil {
		return nil, err
	}

	variables := make(map[string]any, len(proc.Input))
	for k, v := range proc.Input {
		variables[k] = v
	}

	nodes := make(map[string]*types.NodeState, len(def.Steps))
	for _, step := range def.Steps {
		nodes[step.ID] = &types.NodeState{
			Status:    types.NodePending,
			DependsOn: append([]string(nil), step.DependsOn...),
		}
	}

	retryDelay := def.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	x := &Executor{
		processID: processID,
		def:       def,
		reg:       reg,
		log:       log,
		deps:      deps,
		state: &types.WorkflowState{
			ProcessID: processID,
			Nodes:     nodes,
			Variables: variables,
		},
		strategies: defaultStrategies(deps),
		pauseGate:  newGate(),
		retryDelay: retryDelay,
	}

	x.statusHandler = events.HandlerFunc(x.observeStatus)
	reg.Bus().Subscribe(events.KindStatusChange, x.statusHandler)

	return x, nil
}

// RegisterStrategy overrides the strategy for one step kind.
func (x *Executor) RegisterStrategy(kind types.StepKind, s Strategy) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.strategies[kind] = s
}

// observeStatus toggles the pause gate from the process's own
// status_change events.
func (x *Executor) observeStatus(ctx context.Context, event events.Event) error {
	if event.ProcessID != x.processID {
		return nil
	}
	switch event.Data["status"] {
	case types.StatusPaused:
		x.pauseGate.Close()
	case types.StatusRunning:
		x.pauseGate.Open()
	}
	return nil
}

// Cancel requests cooperative cancellation. The run observes it at the
// next suspension point, marks the in-flight node CANCELLED and stops.
func (x *Executor) Cancel() error {
	x.cancelMu.Lock()
	x.cancelled = true
	if x.cancelRun != nil {
		x.cancelRun()
	}
	x.cancelMu.Unlock()
	return nil
}

// Close detaches the executor from the event bus. Execute does this on
// the way out; callers that build an executor and never run it must
// call Close themselves or its status handler stays subscribed.
func (x *Executor) Close() {
	x.reg.Bus().Unsubscribe(events.KindStatusChange, x.statusHandler)
}

// State returns a copy of the current workflow state.
func (x *Executor) State() types.WorkflowState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return snapshotState(x.state)
}

// suspendKey carries the run's suspension hook to step bodies.
type suspendKey struct{}

// Suspend is the suspension point for chunked step bodies: it blocks
// while the run is paused and returns an error when the run has been
// cancelled. Steps that perform one long unchunked operation are not
// interruptible mid-operation; see the package documentation.
func Suspend(ctx context.Context) error {
	if fn, ok := ctx.Value(suspendKey{}).(func(context.Context) error); ok {
		return fn(ctx)
	}
	return ctx.Err()
}

// Execute drives the step sequence to completion. It returns the
// final node's output as the workflow result, or an error; a
// cancelled run returns an error wrapping registry.ErrCancelled.
func (x *Executor) Execute(ctx context.Context) (map[string]any, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	x.cancelMu.Lock()
	x.cancelRun = cancel
	alreadyCancelled := x.cancelled
	x.cancelMu.Unlock()
	if alreadyCancelled {
		cancel()
	}

	defer x.Close()

	runCtx = context.WithValue(runCtx, suspendKey{}, func(c context.Context) error {
		return x.pauseGate.Wait(c)
	})

	total := len(x.def.Steps)
	startedAt := time.Now()
	var lastOutput any

	for i := 0; i < total; {
		step := x.def.Steps[i]

		// Cancellation is checked explicitly before anything else: a
		// select against the open gate would race and sometimes let a
		// cancelled run start the step anyway.
		if runCtx.Err() != nil {
			x.markCancelled(step.ID)
			return nil, fmt.Errorf("%w: before step %s", registry.ErrCancelled, step.ID)
		}

		// Suspension point: block while paused, bail out if cancelled.
		x.mu.Lock()
		if x.pauseGate.Closed() {
			x.state.PausePoint = step.ID
		}
		x.mu.Unlock()
		if err := x.pauseGate.Wait(runCtx); err != nil {
			x.markCancelled(step.ID)
			return nil, fmt.Errorf("%w: during step %s", registry.ErrCancelled, step.ID)
		}
		if runCtx.Err() != nil {
			x.markCancelled(step.ID)
			return nil, fmt.Errorf("%w: before step %s", registry.ErrCancelled, step.ID)
		}
		x.mu.Lock()
		x.state.PausePoint = ""
		x.mu.Unlock()

		x.reportProgress(ctx, i, total, startedAt, "running "+stepLabel(step))

		x.mu.Lock()
		node := x.state.Nodes[step.ID]
		now := time.Now()
		if node.StartedAt == nil {
			node.StartedAt = &now
		}
		node.Status = types.NodeRunning
		x.state.CurrentNode = step.ID
		x.mu.Unlock()

		output, err := x.runStep(runCtx, step)
		if err != nil {
			if runCtx.Err() != nil || errors.Is(err, context.Canceled) {
				x.markCancelled(step.ID)
				return nil, fmt.Errorf("%w: during step %s", registry.ErrCancelled, step.ID)
			}

			x.mu.Lock()
			retries := node.RetryCount
			x.mu.Unlock()

			if retries < x.def.MaxRetries {
				x.mu.Lock()
				node.RetryCount++
				x.mu.Unlock()
				x.appendLog(ctx, types.LogWarn, fmt.Sprintf("step %s failed, retrying (%d/%d): %v", step.ID, retries+1, x.def.MaxRetries, err), nil)
				select {
				case <-runCtx.Done():
					x.markCancelled(step.ID)
					return nil, fmt.Errorf("%w: during step %s", registry.ErrCancelled, step.ID)
				case <-time.After(x.retryDelay):
				}
				continue // re-run the same index
			}

			x.mu.Lock()
			done := time.Now()
			node.Status = types.NodeFailed
			node.Error = err.Error()
			node.CompletedAt = &done
			failCtx := map[string]any{
				"node_id":     step.ID,
				"workflow":    x.def.Name,
				"retry_count": node.RetryCount,
				"variables":   copyVariables(x.state.Variables),
			}
			x.mu.Unlock()

			x.appendLog(ctx, types.LogError, fmt.Sprintf("step %s failed after %d retries: %v", step.ID, x.def.MaxRetries, err), nil)
			return nil, &types.ProcessError{
				Code:      "WORKFLOW_STEP_FAILED",
				Message:   fmt.Sprintf("step %s: %v", step.ID, err),
				Timestamp: time.Now(),
				Context:   failCtx,
			}
		}

		x.mu.Lock()
		done := time.Now()
		node.Status = types.NodeCompleted
		node.Output = output
		node.CompletedAt = &done
		x.checkpointLocked(step.ID)
		x.mu.Unlock()

		x.persistState(ctx)
		x.appendLog(ctx, types.LogInfo, fmt.Sprintf("step %s completed", step.ID), nil)
		lastOutput = output
		i++
	}

	x.reportProgress(ctx, total, total, startedAt, "workflow completed")

	if result, ok := lastOutput.(map[string]any); ok {
		return result, nil
	}
	return map[string]any{"result": lastOutput}, nil
}

// runStep dispatches to the strategy for the step's kind. Unknown
// kinds fall back to the generic strategy.
func (x *Executor) runStep(ctx context.Context, step types.StepDefinition) (any, error) {
	x.mu.Lock()
	strategy, ok := x.strategies[step.Kind]
	if !ok {
		strategy = x.strategies[types.StepGeneric]
	}
	state := x.state
	x.mu.Unlock()

	return strategy.Execute(ctx, step, state)
}

// markCancelled marks the in-flight node CANCELLED, not FAILED.
func (x *Executor) markCancelled(stepID string) {
	x.mu.Lock()
	node, ok := x.state.Nodes[stepID]
	if ok && node.Status != types.NodeCompleted {
		now := time.Now()
		node.Status = types.NodeCancelled
		node.CompletedAt = &now
	}
	x.mu.Unlock()
	x.appendLog(context.Background(), types.LogWarn, fmt.Sprintf("workflow cancelled at step %s", stepID), nil)
}

// checkpointLocked records a versioned snapshot after a successful
// step. Caller holds the lock.
func (x *Executor) checkpointLocked(nodeID string) {
	x.checkpointVersion++
	snap := snapshotState(x.state)
	x.state.Checkpoints = append(x.state.Checkpoints, types.Checkpoint{
		ID:          uuid.NewString(),
		Version:     x.checkpointVersion,
		NodeID:      nodeID,
		Timestamp:   time.Now(),
		CurrentNode: snap.CurrentNode,
		Nodes:       nodesByValue(snap.Nodes),
		Variables:   snap.Variables,
	})
	if len(x.state.Checkpoints) > CheckpointCap {
		kept := make([]types.Checkpoint, CheckpointTrim)
		copy(kept, x.state.Checkpoints[len(x.state.Checkpoints)-CheckpointTrim:])
		x.state.Checkpoints = kept
	}
}

// reportProgress pushes a progress snapshot into the registry. The
// ETA is a linear extrapolation and absent until work has been done.
func (x *Executor) reportProgress(ctx context.Context, current, total int, startedAt time.Time, message string) {
	percentage := float64(current) / float64(total) * 100
	if current < total {
		percentage = (float64(current) + 0.5) / float64(total) * 100
	}

	progress := types.Progress{
		Current:    current,
		Total:      total,
		Percentage: percentage,
		Message:    message,
	}

	if current > 0 {
		elapsed := time.Since(startedAt)
		remaining := time.Duration(float64(total-current) * float64(elapsed) / float64(current))
		eta := time.Now().Add(remaining)
		progress.EstimatedCompletion = &eta
	}

	if err := x.reg.UpdateProgress(ctx, x.processID, progress); err != nil {
		x.log.Error("failed to update progress for process %s: %v", x.processID, err)
	}
}

func (x *Executor) appendLog(ctx context.Context, level types.LogLevel, msg string, fields map[string]any) {
	if err := x.reg.AppendLog(ctx, x.processID, level, msg, fields); err != nil {
		x.log.Error("failed to append log for process %s: %v", x.processID, err)
	}
}

// persistState writes the current state snapshot through the store,
// best-effort.
func (x *Executor) persistState(ctx context.Context) {
	if x.deps.Store == nil {
		return
	}
	snap := x.State()
	if err := x.deps.Store.SaveWorkflowState(ctx, snap); err != nil {
		x.log.Error("failed to persist workflow state for process %s: %v", x.processID, err)
	}
}

func stepLabel(step types.StepDefinition) string {
	if step.Name != "" {
		return step.Name
	}
	return step.ID
}

// snapshotState copies the state field by field. Variables are
// shallow-copied; strategies treat stored values as immutable.
func snapshotState(state *types.WorkflowState) types.WorkflowState {
	nodes := make(map[string]*types.NodeState, len(state.Nodes))
	for id, node := range state.Nodes {
		n := *node
		n.DependsOn = append([]string(nil), node.DependsOn...)
		nodes[id] = &n
	}
	return types.WorkflowState{
		ProcessID:   state.ProcessID,
		Nodes:       nodes,
		Variables:   copyVariables(state.Variables),
		CurrentNode: state.CurrentNode,
		PausePoint:  state.PausePoint,
		Checkpoints: append([]types.Checkpoint(nil), state.Checkpoints...),
	}
}

func nodesByValue(nodes map[string]*types.NodeState) map[string]types.NodeState {
	out := make(map[string]types.NodeState, len(nodes))
	for id, node := range nodes {
		out[id] = *node
	}
	return out
}

func copyVariables(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
