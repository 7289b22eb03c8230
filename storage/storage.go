package storage

import (
	"context"
	"errors"

	"github.com/procflow/process-engine/types"
)

// Errors
var (
	ErrProcessNotFound = errors.New("process not found")
	ErrStateNotFound   = errors.New("workflow state not found")
)

// ProcessStore is the injectable persistence boundary for process
// records and workflow state snapshots. The registry is the only
// writer; a persistent backing store can be substituted without
// touching orchestration logic. No crash-recovery guarantee is
// implied by any implementation.
type ProcessStore interface {
	// SaveProcess persists a process record.
	SaveProcess(ctx context.Context, proc types.Process) error

	// GetProcess retrieves a process by ID.
	GetProcess(ctx context.Context, id string) (types.Process, error)

	// DeleteProcess removes a process record.
	DeleteProcess(ctx context.Context, id string) error

	// ListProcesses returns every stored process, unordered.
	ListProcesses(ctx context.Context) ([]types.Process, error)

	// SaveWorkflowState persists a workflow state snapshot keyed by
	// its process ID.
	SaveWorkflowState(ctx context.Context, state types.WorkflowState) error

	// GetWorkflowState retrieves the workflow state for a process.
	GetWorkflowState(ctx context.Context, processID string) (types.WorkflowState, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}
