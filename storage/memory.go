package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/procflow/process-engine/types"
)

// MemoryStore is the default in-memory implementation of ProcessStore.
type MemoryStore struct {
	processes map[string]types.Process
	states    map[string]types.WorkflowState
	mu        sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processes: make(map[string]types.Process),
		states:    make(map[string]types.WorkflowState),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

// SaveProcess stores a process record in memory.
func (s *MemoryStore) SaveProcess(ctx context.Context, proc types.Process) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.processes[proc.ID] = proc
		return struct{}{}, nil
	})
	return err
}

// GetProcess retrieves a process record from memory.
func (s *MemoryStore) GetProcess(ctx context.Context, id string) (types.Process, error) {
	return getItem(ctx, &s.mu, s.processes, id, ErrProcessNotFound)
}

// DeleteProcess removes a process record from memory.
func (s *MemoryStore) DeleteProcess(ctx context.Context, id string) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.processes, id)
		delete(s.states, id)
		return struct{}{}, nil
	})
	return err
}

// ListProcesses returns every stored process, unordered.
func (s *MemoryStore) ListProcesses(ctx context.Context) ([]types.Process, error) {
	return withContext(ctx, func() ([]types.Process, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Process, 0, len(s.processes))
		for _, p := range s.processes {
			out = append(out, p)
		}
		return out, nil
	})
}

// SaveWorkflowState stores a workflow state snapshot in memory.
func (s *MemoryStore) SaveWorkflowState(ctx context.Context, state types.WorkflowState) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.states[state.ProcessID] = state
		return struct{}{}, nil
	})
	return err
}

// GetWorkflowState retrieves the workflow state for a process.
func (s *MemoryStore) GetWorkflowState(ctx context.Context, processID string) (types.WorkflowState, error) {
	return getItem(ctx, &s.mu, s.states, processID, ErrStateNotFound)
}

// ClearTerminal removes processes in a terminal state, and their
// workflow state snapshots.
func (s *MemoryStore) ClearTerminal(ctx context.Context) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, proc := range s.processes {
			if proc.Status.Terminal() {
				delete(s.processes, id)
				delete(s.states, id)
			}
		}
		return struct{}{}, nil
	})
	return err
}
