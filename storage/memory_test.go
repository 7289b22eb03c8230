package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/process-engine/types"
)

func newProcess(id string, status types.ProcessStatus) types.Process {
	now := time.Now()
	return types.Process{
		ID:        id,
		Name:      "test-process",
		Type:      types.ProcessTypeWorkflow,
		Status:    status,
		Priority:  types.PriorityMedium,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newState(processID string) types.WorkflowState {
	return types.WorkflowState{
		ProcessID: processID,
		Nodes: map[string]*types.NodeState{
			"step-1": {Status: types.NodeCompleted},
		},
		Variables:   map[string]any{"key": "value"},
		CurrentNode: "step-1",
	}
}

func TestMemoryStore_SaveAndGetProcess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	proc := newProcess("proc-1", types.StatusPending)
	require.NoError(t, s.SaveProcess(ctx, proc))

	got, err := s.GetProcess(ctx, "proc-1")
	require.NoError(t, err)
	assert.Equal(t, proc.ID, got.ID)
	assert.Equal(t, types.StatusPending, got.Status)

	_, err = s.GetProcess(ctx, "missing")
	assert.ErrorIs(t, err, ErrProcessNotFound)
}

func TestMemoryStore_DeleteProcess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveProcess(ctx, newProcess("proc-1", types.StatusPending)))
	require.NoError(t, s.SaveWorkflowState(ctx, newState("proc-1")))

	require.NoError(t, s.DeleteProcess(ctx, "proc-1"))

	_, err := s.GetProcess(ctx, "proc-1")
	assert.ErrorIs(t, err, ErrProcessNotFound)
	_, err = s.GetWorkflowState(ctx, "proc-1")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestMemoryStore_ListProcesses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveProcess(ctx, newProcess("proc-1", types.StatusPending)))
	require.NoError(t, s.SaveProcess(ctx, newProcess("proc-2", types.StatusRunning)))

	procs, err := s.ListProcesses(ctx)
	require.NoError(t, err)
	assert.Len(t, procs, 2)
}

func TestMemoryStore_WorkflowState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	state := newState("proc-1")
	require.NoError(t, s.SaveWorkflowState(ctx, state))

	got, err := s.GetWorkflowState(ctx, "proc-1")
	require.NoError(t, err)
	assert.Equal(t, "step-1", got.CurrentNode)
	assert.Equal(t, "value", got.Variables["key"])
}

func TestMemoryStore_ClearTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveProcess(ctx, newProcess("proc-1", types.StatusCompleted)))
	require.NoError(t, s.SaveProcess(ctx, newProcess("proc-2", types.StatusFailed)))
	require.NoError(t, s.SaveProcess(ctx, newProcess("proc-3", types.StatusRunning)))
	require.NoError(t, s.SaveWorkflowState(ctx, newState("proc-1")))

	require.NoError(t, s.ClearTerminal(ctx))

	procs, err := s.ListProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "proc-3", procs[0].ID)

	_, err = s.GetWorkflowState(ctx, "proc-1")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestMemoryStore_ContextCancelled(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.SaveProcess(ctx, newProcess("proc-1", types.StatusPending))
	assert.ErrorIs(t, err, context.Canceled)
}
