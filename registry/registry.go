// Package registry owns the canonical process table and its lifecycle
// state machine. All mutation goes through Registry methods; callers
// only ever see copies of process records.
package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/procflow/process-engine/events"
	"github.com/procflow/process-engine/logging"
	"github.com/procflow/process-engine/sampler"
	"github.com/procflow/process-engine/storage"
	"github.com/procflow/process-engine/types"
)

// Standard error definitions
var (
	ErrProcessNotFound   = errors.New("process not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDependencyNotMet  = errors.New("dependency not met")
	ErrCancelled         = errors.New("execution cancelled")
)

// Bounds on per-process history. On overflow only the most recent
// half of the trim target is retained.
const (
	LogCap       = 1000
	LogTrim      = 500
	ResourceCap  = 100
	ResourceTrim = 50
)

// Executor drives work for one process. Execute blocks until the run
// finishes and returns the process output, or an error. A run ended
// by Cancel returns an error wrapping ErrCancelled, which is a
// terminal outcome, not a failure.
type Executor interface {
	Execute(ctx context.Context) (map[string]any, error)
	Cancel() error
}

// CreateOptions collects the caller-supplied attributes of a new process.
type CreateOptions struct {
	Name        string
	Type        types.ProcessType
	Priority    types.ProcessPriority
	Config      types.ProcessConfig
	Input       map[string]any
	OwnerID     string
	ParentID    string
	Tags        []string
	Description string
}

// Registry is the canonical map of process id to process record.
type Registry struct {
	procs     map[string]*types.Process
	executors map[string]Executor
	samplers  map[string]*sampler.Sampler
	mu        sync.RWMutex

	store    storage.ProcessStore
	bus      *events.Bus
	generate generator.Generator
	log      *logging.Logger

	sampleInterval time.Duration
	probe          sampler.Probe
}

// Option configures a Registry.
type Option func(*Registry)

// WithSampleInterval overrides the resource sampling period.
func WithSampleInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.sampleInterval = d
	}
}

// WithProbe overrides the resource probe, mainly for tests.
func WithProbe(p sampler.Probe) Option {
	return func(r *Registry) {
		r.probe = p
	}
}

// NewRegistry creates a Registry. The generator is required; a nil
// store defaults to in-memory and a nil bus to a fresh event bus.
func NewRegistry(generate generator.Generator, store storage.ProcessStore, bus *events.Bus, log *logging.Logger, options ...Option) (*Registry, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if log == nil {
		log = logging.NewLogger()
	}

	r := &Registry{
		procs:          make(map[string]*types.Process),
		executors:      make(map[string]Executor),
		samplers:       make(map[string]*sampler.Sampler),
		store:          store,
		bus:            bus,
		generate:       generate,
		log:            log,
		sampleInterval: sampler.DefaultInterval,
	}

	for _, option := range options {
		option(r)
	}

	return r, nil
}

// Bus exposes the registry's event bus so observers can attach.
func (r *Registry) Bus() *events.Bus {
	return r.bus
}

// CreateProcess registers a new process in status PENDING and returns
// its id.
func (r *Registry) CreateProcess(ctx context.Context, opts CreateOptions) (string, error) {
	if opts.Name == "" {
		return "", errors.New("process name is required")
	}
	switch opts.Type {
	case types.ProcessTypeAgent, types.ProcessTypeWorkflow, types.ProcessTypeTool, types.ProcessTypeCustom:
	default:
		return "", fmt.Errorf("unknown process type %q", opts.Type)
	}
	if opts.Priority == "" {
		opts.Priority = types.PriorityMedium
	}

	raw, err := r.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate process id: %w", err)
	}
	id := fmt.Sprintf("proc-%d", raw)

	now := time.Now()
	proc := &types.Process{
		ID:          id,
		Name:        opts.Name,
		Description: opts.Description,
		Type:        opts.Type,
		Status:      types.StatusPending,
		Priority:    opts.Priority,
		OwnerID:     opts.OwnerID,
		ParentID:    opts.ParentID,
		Tags:        opts.Tags,
		Config:      opts.Config,
		Input:       opts.Input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	if opts.ParentID != "" {
		parent, ok := r.procs[opts.ParentID]
		if !ok {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: parent %s", ErrProcessNotFound, opts.ParentID)
		}
		parent.Children = append(parent.Children, id)
		parent.UpdatedAt = now
	}
	r.procs[id] = proc
	r.appendLogLocked(proc, types.LogInfo, "process created", nil)
	snapshot := copyProcess(proc)
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return id, nil
}

// Start transitions a process from PENDING or PAUSED to RUNNING,
// binds the executor, begins resource sampling and launches the run.
// Every declared dependency must already be COMPLETED.
func (r *Registry) Start(ctx context.Context, id string, exec Executor) error {
	r.mu.Lock()
	proc, ok := r.procs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	if proc.Status != types.StatusPending && proc.Status != types.StatusPaused {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, proc.Status)
	}
	for _, dep := range proc.Config.Dependencies {
		d, ok := r.procs[dep]
		if !ok || d.Status != types.StatusCompleted {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDependencyNotMet, dep)
		}
	}

	now := time.Now()
	proc.Status = types.StatusRunning
	proc.UpdatedAt = now
	if proc.StartedAt == nil {
		proc.StartedAt = &now
	}
	if exec != nil {
		r.executors[id] = exec
	}
	r.appendLogLocked(proc, types.LogInfo, "process started", nil)
	r.startSamplerLocked(id)
	snapshot := copyProcess(proc)
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.emit(ctx, events.KindStatusChange, id, map[string]any{"status": snapshot.Status})

	if exec != nil {
		go r.drive(id, exec)
	}
	return nil
}

// drive waits for the executor to finish and records the outcome.
// A cancelled run is already terminal via Stop, so its result is
// discarded.
func (r *Registry) drive(id string, exec Executor) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("executor panic for process %s: %v", id, rec)
			_ = r.Fail(context.Background(), id, &types.ProcessError{
				Code:      "EXECUTOR_PANIC",
				Message:   fmt.Sprintf("%v", rec),
				Stack:     string(debug.Stack()),
				Timestamp: time.Now(),
			})
		}
	}()

	ctx := context.Background()
	output, err := exec.Execute(ctx)
	switch {
	case err == nil:
		if cerr := r.Complete(ctx, id, output); cerr != nil && !errors.Is(cerr, ErrInvalidTransition) {
			r.log.Error("failed to complete process %s: %v", id, cerr)
		}
	case errors.Is(err, ErrCancelled):
		// Stop already performed the terminal transition.
	default:
		perr := &types.ProcessError{}
		if !errors.As(err, &perr) {
			perr = &types.ProcessError{
				Code:      "EXECUTION_FAILED",
				Message:   err.Error(),
				Timestamp: time.Now(),
			}
		}
		if ferr := r.Fail(ctx, id, perr); ferr != nil && !errors.Is(ferr, ErrInvalidTransition) {
			r.log.Error("failed to fail process %s: %v", id, ferr)
		}
	}
}

// Pause transitions a RUNNING process to PAUSED and stops sampling.
// The executor observes the pause through the event bus; the registry
// never touches it here.
func (r *Registry) Pause(ctx context.Context, id string) error {
	r.mu.Lock()
	proc, ok := r.procs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	if proc.Status != types.StatusRunning {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, proc.Status)
	}
	proc.Status = types.StatusPaused
	proc.UpdatedAt = time.Now()
	r.appendLogLocked(proc, types.LogInfo, "process paused", nil)
	smp := r.takeSamplerLocked(id)
	snapshot := copyProcess(proc)
	r.mu.Unlock()

	if smp != nil {
		smp.Stop()
	}
	r.persist(ctx, snapshot)
	r.emit(ctx, events.KindStatusChange, id, map[string]any{"status": snapshot.Status})
	return nil
}

// Resume transitions a PAUSED process back to RUNNING and restarts
// sampling.
func (r *Registry) Resume(ctx context.Context, id string) error {
	r.mu.Lock()
	proc, ok := r.procs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	if proc.Status != types.StatusPaused {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, proc.Status)
	}
	proc.Status = types.StatusRunning
	proc.UpdatedAt = time.Now()
	r.appendLogLocked(proc, types.LogInfo, "process resumed", nil)
	r.startSamplerLocked(id)
	snapshot := copyProcess(proc)
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.emit(ctx, events.KindStatusChange, id, map[string]any{"status": snapshot.Status})
	return nil
}

// Stop cancels a non-terminal process. The bound executor's cancel
// contract is always invoked best-effort; cancel errors are logged
// unless force is set, which discards them. Stopping an already
// terminal process is a no-op.
func (r *Registry) Stop(ctx context.Context, id string, force bool) error {
	r.mu.Lock()
	proc, ok := r.procs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	if proc.Status.Terminal() {
		r.mu.Unlock()
		return nil
	}
	now := time.Now()
	proc.Status = types.StatusCancelled
	proc.UpdatedAt = now
	proc.CompletedAt = &now
	r.appendLogLocked(proc, types.LogWarn, "process stopped", map[string]any{"force": force})
	exec := r.executors[id]
	delete(r.executors, id)
	smp := r.takeSamplerLocked(id)
	snapshot := copyProcess(proc)
	r.mu.Unlock()

	if exec != nil {
		if err := exec.Cancel(); err != nil && !force {
			r.log.Error("executor cancel for process %s: %v", id, err)
		}
	}
	if smp != nil {
		smp.Stop()
	}
	r.persist(ctx, snapshot)
	r.emit(ctx, events.KindStatusChange, id, map[string]any{"status": snapshot.Status})
	return nil
}

// Complete records a successful terminal outcome with the given output.
func (r *Registry) Complete(ctx context.Context, id string, output map[string]any) error {
	r.mu.Lock()
	proc, ok := r.procs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	if proc.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: process already %s", ErrInvalidTransition, proc.Status)
	}
	now := time.Now()
	proc.Status = types.StatusCompleted
	proc.Output = output
	proc.Error = nil
	proc.UpdatedAt = now
	proc.CompletedAt = &now
	r.appendLogLocked(proc, types.LogInfo, "process completed", nil)
	delete(r.executors, id)
	smp := r.takeSamplerLocked(id)
	snapshot := copyProcess(proc)
	r.mu.Unlock()

	if smp != nil {
		smp.Stop()
	}
	r.persist(ctx, snapshot)
	r.emit(ctx, events.KindCompletion, id, map[string]any{"output": output})
	return nil
}

// Fail records a failed terminal outcome with the given error.
func (r *Registry) Fail(ctx context.Context, id string, perr *types.ProcessError) error {
	if perr == nil {
		return errors.New("process error is required")
	}
	if perr.Timestamp.IsZero() {
		perr.Timestamp = time.Now()
	}

	r.mu.Lock()
	proc, ok := r.procs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	if proc.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: process already %s", ErrInvalidTransition, proc.Status)
	}
	now := time.Now()
	proc.Status = types.StatusFailed
	proc.Error = perr
	proc.Output = nil
	proc.UpdatedAt = now
	proc.CompletedAt = &now
	r.appendLogLocked(proc, types.LogError, "process failed: "+perr.Message, map[string]any{"code": perr.Code})
	delete(r.executors, id)
	smp := r.takeSamplerLocked(id)
	snapshot := copyProcess(proc)
	r.mu.Unlock()

	if smp != nil {
		smp.Stop()
	}
	r.persist(ctx, snapshot)
	r.emit(ctx, events.KindError, id, map[string]any{"code": perr.Code, "message": perr.Message})
	return nil
}

// Get returns a copy of the process record.
func (r *Registry) Get(ctx context.Context, id string) (types.Process, error) {
	select {
	case <-ctx.Done():
		return types.Process{}, ctx.Err()
	default:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	proc, ok := r.procs[id]
	if !ok {
		return types.Process{}, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	return copyProcess(proc), nil
}

// AppendLog appends a log entry to the process's bounded log ring and
// emits a log_entry event.
func (r *Registry) AppendLog(ctx context.Context, id string, level types.LogLevel, msg string, fields map[string]any) error {
	r.mu.Lock()
	proc, ok := r.procs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	proc.UpdatedAt = time.Now()
	r.appendLogLocked(proc, level, msg, fields)
	r.mu.Unlock()

	r.emit(ctx, events.KindLogEntry, id, map[string]any{"level": level, "message": msg, "fields": fields})
	return nil
}

// UpdateProgress replaces the process's progress snapshot and emits a
// progress_update event.
func (r *Registry) UpdateProgress(ctx context.Context, id string, progress types.Progress) error {
	r.mu.Lock()
	proc, ok := r.procs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	proc.Progress = progress
	proc.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.emit(ctx, events.KindProgressUpdate, id, map[string]any{
		"current":    progress.Current,
		"total":      progress.Total,
		"percentage": progress.Percentage,
		"message":    progress.Message,
	})
	return nil
}

// recordSample is the sampler sink: it appends one usage snapshot to
// the process's bounded history and emits a resource_update event.
func (r *Registry) recordSample(id string, usage types.ResourceUsage) {
	r.mu.Lock()
	proc, ok := r.procs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	proc.Resources = append(proc.Resources, usage)
	if len(proc.Resources) > ResourceCap {
		proc.Resources = trimTail(proc.Resources, ResourceTrim)
	}
	proc.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.emit(context.Background(), events.KindResourceUpdate, id, map[string]any{
		"cpu_percent":  usage.CPUPercent,
		"memory_bytes": usage.MemoryBytes,
		"disk_bytes":   usage.DiskBytes,
		"network_in":   usage.NetworkIn,
		"network_out":  usage.NetworkOut,
	})
}

// Close stops all samplers. The registry cannot be used afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	samplers := make([]*sampler.Sampler, 0, len(r.samplers))
	for id, smp := range r.samplers {
		samplers = append(samplers, smp)
		delete(r.samplers, id)
	}
	r.mu.Unlock()

	for _, smp := range samplers {
		smp.Stop()
	}
}

// appendLogLocked appends to the bounded log ring. Caller holds the lock.
func (r *Registry) appendLogLocked(proc *types.Process, level types.LogLevel, msg string, fields map[string]any) {
	proc.Logs = append(proc.Logs, types.LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	})
	if len(proc.Logs) > LogCap {
		proc.Logs = trimTail(proc.Logs, LogTrim)
	}
}

// startSamplerLocked begins sampling for a process. Caller holds the lock.
func (r *Registry) startSamplerLocked(id string) {
	if _, running := r.samplers[id]; running {
		return
	}
	smp := sampler.New(id, r.sampleInterval, r.probe, func(usage types.ResourceUsage) {
		r.recordSample(id, usage)
	}, r.log)
	r.samplers[id] = smp
	smp.Start()
}

// takeSamplerLocked detaches the process's sampler so the caller can
// stop it outside the lock. Stopping under the lock would deadlock
// against an in-flight recordSample.
func (r *Registry) takeSamplerLocked(id string) *sampler.Sampler {
	smp, ok := r.samplers[id]
	if !ok {
		return nil
	}
	delete(r.samplers, id)
	return smp
}

// persist writes a process snapshot through the store; failures are
// logged, the in-memory record stays authoritative.
func (r *Registry) persist(ctx context.Context, proc types.Process) {
	if err := r.store.SaveProcess(ctx, proc); err != nil {
		r.log.Error("failed to persist process %s: %v", proc.ID, err)
	}
}

// emit publishes fire-and-forget onto the bus.
func (r *Registry) emit(ctx context.Context, kind events.Kind, id string, data map[string]any) {
	if err := r.bus.Publish(ctx, events.Event{Kind: kind, ProcessID: id, Data: data}); err != nil {
		r.log.Error("failed to publish %s for process %s: %v", kind, id, err)
	}
}

// trimTail keeps the most recent keep elements.
func trimTail[T any](s []T, keep int) []T {
	if len(s) <= keep {
		return s
	}
	out := make([]T, keep)
	copy(out, s[len(s)-keep:])
	return out
}

// copyProcess returns a snapshot safe to hand outside the lock.
func copyProcess(p *types.Process) types.Process {
	out := *p
	out.Children = append([]string(nil), p.Children...)
	out.Tags = append([]string(nil), p.Tags...)
	out.Logs = append([]types.LogEntry(nil), p.Logs...)
	out.Resources = append([]types.ResourceUsage(nil), p.Resources...)
	return out
}
