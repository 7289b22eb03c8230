package registry

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/process-engine/logging"
	"github.com/procflow/process-engine/sampler"
	"github.com/procflow/process-engine/types"
)

// mockGenerator is a simple ID generator for testing.
type mockGenerator struct {
	id uint64
}

func (g *mockGenerator) NextID() (uint64, error) {
	g.id++
	return g.id, nil
}

// fakeExecutor satisfies the Executor contract with canned results.
type fakeExecutor struct {
	out       map[string]any
	err       error
	block     chan struct{}
	closeOnce sync.Once
	cancelled atomic.Bool
}

func (e *fakeExecutor) Execute(ctx context.Context) (map[string]any, error) {
	if e.block != nil {
		<-e.block
	}
	return e.out, e.err
}

func (e *fakeExecutor) Cancel() error {
	e.cancelled.Store(true)
	if e.block != nil {
		e.closeOnce.Do(func() { close(e.block) })
	}
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(&mockGenerator{}, nil, nil, logging.NewLoggerTo(io.Discard),
		WithSampleInterval(time.Hour),
		WithProbe(sampler.ProbeFunc(func(ctx context.Context) (types.ResourceUsage, error) {
			return types.ResourceUsage{CPUPercent: 1, Timestamp: time.Now()}, nil
		})))
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		r.Bus().Stop()
	})
	return r
}

func createProcess(t *testing.T, r *Registry, opts CreateOptions) string {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "test-process"
	}
	if opts.Type == "" {
		opts.Type = types.ProcessTypeWorkflow
	}
	id, err := r.CreateProcess(context.Background(), opts)
	require.NoError(t, err)
	return id
}

func waitForStatus(t *testing.T, r *Registry, id string, status types.ProcessStatus) types.Process {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		proc, err := r.Get(context.Background(), id)
		require.NoError(t, err)
		if proc.Status == status {
			return proc
		}
		if time.Now().After(deadline) {
			t.Fatalf("process %s never reached %s, last status %s", id, status, proc.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRegistry(t *testing.T) {
	_, err := NewRegistry(nil, nil, nil, nil)
	assert.EqualError(t, err, "generator is required")

	r, err := NewRegistry(&mockGenerator{}, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, r)
	r.Bus().Stop()
}

func TestCreateProcess(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := createProcess(t, r, CreateOptions{
		Name:     "parent",
		Type:     types.ProcessTypeAgent,
		Priority: types.PriorityHigh,
		Tags:     []string{"a"},
		OwnerID:  "owner-1",
	})

	proc, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, proc.Status)
	assert.Equal(t, types.PriorityHigh, proc.Priority)
	assert.Nil(t, proc.StartedAt)
	assert.NotEmpty(t, proc.Logs, "creation should append a log entry")

	// Child registration links back to the parent.
	childID := createProcess(t, r, CreateOptions{Name: "child", ParentID: id})
	parent, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, parent.Children, childID)

	_, err = r.CreateProcess(ctx, CreateOptions{Name: "orphan", Type: types.ProcessTypeTool, ParentID: "missing"})
	assert.ErrorIs(t, err, ErrProcessNotFound)

	_, err = r.CreateProcess(ctx, CreateOptions{Name: "bad", Type: "BOGUS"})
	assert.Error(t, err)
}

func TestStart_IllegalState(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := createProcess(t, r, CreateOptions{})
	require.NoError(t, r.Start(ctx, id, nil))

	err := r.Start(ctx, id, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	proc, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, proc.Status, "failed start must not change state")
}

func TestStart_DependencyNotMet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	dep := createProcess(t, r, CreateOptions{Name: "dep"})
	id := createProcess(t, r, CreateOptions{
		Name:   "dependent",
		Config: types.ProcessConfig{Dependencies: []string{dep}},
	})

	err := r.Start(ctx, id, nil)
	assert.ErrorIs(t, err, ErrDependencyNotMet)

	proc, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, proc.Status, "no state mutation on unmet dependency")
	assert.Nil(t, proc.StartedAt)

	// Complete the dependency; start now succeeds.
	require.NoError(t, r.Start(ctx, dep, nil))
	require.NoError(t, r.Complete(ctx, dep, map[string]any{"ok": true}))
	require.NoError(t, r.Start(ctx, id, nil))
}

func TestPauseResume(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := createProcess(t, r, CreateOptions{})

	assert.ErrorIs(t, r.Pause(ctx, id), ErrInvalidTransition)
	assert.ErrorIs(t, r.Resume(ctx, id), ErrInvalidTransition)

	require.NoError(t, r.Start(ctx, id, nil))
	before, err := r.Get(ctx, id)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Pause(ctx, id))

	paused, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, paused.Status)
	assert.True(t, paused.UpdatedAt.After(before.UpdatedAt))

	assert.ErrorIs(t, r.Pause(ctx, id), ErrInvalidTransition)

	require.NoError(t, r.Resume(ctx, id))
	resumed, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, resumed.Status)
	assert.True(t, resumed.UpdatedAt.After(paused.UpdatedAt) || resumed.UpdatedAt.Equal(paused.UpdatedAt))
}

func TestStop(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	exec := &fakeExecutor{block: make(chan struct{})}
	id := createProcess(t, r, CreateOptions{})
	require.NoError(t, r.Start(ctx, id, exec))

	require.NoError(t, r.Stop(ctx, id, false))
	assert.True(t, exec.cancelled.Load(), "stop should invoke the executor's cancel contract")

	proc := waitForStatus(t, r, id, types.StatusCancelled)
	assert.NotNil(t, proc.CompletedAt)

	// Stopping a terminal process is a no-op.
	require.NoError(t, r.Stop(ctx, id, false))
	again, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, again.Status)
}

func TestStop_ForceStillCancelsExecutor(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	exec := &fakeExecutor{block: make(chan struct{})}
	id := createProcess(t, r, CreateOptions{})
	require.NoError(t, r.Start(ctx, id, exec))
	require.NoError(t, r.Stop(ctx, id, true))
	assert.True(t, exec.cancelled.Load(), "a forced stop still signals the run to end")
	waitForStatus(t, r, id, types.StatusCancelled)
}

func TestCompleteAndFail_Exclusivity(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := createProcess(t, r, CreateOptions{})
	require.NoError(t, r.Start(ctx, id, nil))
	require.NoError(t, r.Complete(ctx, id, map[string]any{"result": 42}))

	proc, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, proc.Status)
	assert.NotNil(t, proc.Output)
	assert.Nil(t, proc.Error, "output and error are mutually exclusive")
	assert.NotNil(t, proc.CompletedAt)

	assert.ErrorIs(t, r.Complete(ctx, id, nil), ErrInvalidTransition)
	assert.ErrorIs(t, r.Fail(ctx, id, &types.ProcessError{Code: "X", Message: "x"}), ErrInvalidTransition)

	id2 := createProcess(t, r, CreateOptions{})
	require.NoError(t, r.Start(ctx, id2, nil))
	require.NoError(t, r.Fail(ctx, id2, &types.ProcessError{Code: "BOOM", Message: "it broke"}))

	failed, err := r.Get(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Nil(t, failed.Output)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "BOOM", failed.Error.Code)
}

func TestDrive_ExecutorOutcomes(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	okID := createProcess(t, r, CreateOptions{Name: "ok"})
	require.NoError(t, r.Start(ctx, okID, &fakeExecutor{out: map[string]any{"done": true}}))
	proc := waitForStatus(t, r, okID, types.StatusCompleted)
	assert.Equal(t, true, proc.Output["done"])

	badID := createProcess(t, r, CreateOptions{Name: "bad"})
	require.NoError(t, r.Start(ctx, badID, &fakeExecutor{err: fmt.Errorf("exploded")}))
	proc = waitForStatus(t, r, badID, types.StatusFailed)
	require.NotNil(t, proc.Error)
	assert.Equal(t, "EXECUTION_FAILED", proc.Error.Code)
	assert.Contains(t, proc.Error.Message, "exploded")
}

func TestAppendLog_Cap(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := createProcess(t, r, CreateOptions{})
	for i := 0; i < LogCap; i++ {
		require.NoError(t, r.AppendLog(ctx, id, types.LogInfo, fmt.Sprintf("entry %d", i), nil))
	}

	proc, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, LogTrim, len(proc.Logs), "overflow keeps only the most recent entries")
	assert.Equal(t, fmt.Sprintf("entry %d", LogCap-1), proc.Logs[len(proc.Logs)-1].Message)
}

func TestResourceHistory_Cap(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := createProcess(t, r, CreateOptions{})
	for i := 0; i <= ResourceCap; i++ {
		r.recordSample(id, types.ResourceUsage{CPUPercent: float64(i), Timestamp: time.Now()})
	}

	proc, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ResourceTrim, len(proc.Resources))
	assert.Equal(t, float64(ResourceCap), proc.Resources[len(proc.Resources)-1].CPUPercent)
}

func TestList_FilterSortPage(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := createProcess(t, r, CreateOptions{Name: "alpha", Type: types.ProcessTypeAgent, Priority: types.PriorityLow, OwnerID: "o1", Tags: []string{"x"}})
	time.Sleep(2 * time.Millisecond)
	b := createProcess(t, r, CreateOptions{Name: "bravo", Type: types.ProcessTypeWorkflow, Priority: types.PriorityCritical, OwnerID: "o2", Tags: []string{"x", "y"}})
	time.Sleep(2 * time.Millisecond)
	c := createProcess(t, r, CreateOptions{Name: "charlie", Type: types.ProcessTypeWorkflow, Priority: types.PriorityMedium, OwnerID: "o1"})

	require.NoError(t, r.Start(ctx, b, nil))

	// Status filter.
	running, err := r.List(ctx, types.ProcessFilter{Status: []types.ProcessStatus{types.StatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, b, running[0].ID)

	// Owner filter.
	owned, err := r.List(ctx, types.ProcessFilter{OwnerID: "o1"})
	require.NoError(t, err)
	assert.Len(t, owned, 2)

	// Tag filter requires every listed tag.
	tagged, err := r.List(ctx, types.ProcessFilter{Tags: []string{"x", "y"}})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, b, tagged[0].ID)

	// Priority sort, descending.
	byPriority, err := r.List(ctx, types.ProcessFilter{SortBy: types.SortByPriority, SortOrder: types.SortDesc})
	require.NoError(t, err)
	require.Len(t, byPriority, 3)
	assert.Equal(t, b, byPriority[0].ID)
	assert.Equal(t, a, byPriority[2].ID)

	// Name sort ascending.
	byName, err := r.List(ctx, types.ProcessFilter{SortBy: types.SortByName})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, []string{byName[0].Name, byName[1].Name, byName[2].Name})

	// Paging.
	page, err := r.List(ctx, types.ProcessFilter{SortBy: types.SortByCreatedAt, Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, b, page[0].ID)

	// Offset past the end.
	empty, err := r.List(ctx, types.ProcessFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)

	_ = c
}

func TestStats(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := createProcess(t, r, CreateOptions{Name: "a", Type: types.ProcessTypeAgent, Priority: types.PriorityHigh})
	b := createProcess(t, r, CreateOptions{Name: "b", Type: types.ProcessTypeWorkflow})

	require.NoError(t, r.Start(ctx, a, nil))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Complete(ctx, a, map[string]any{}))

	require.NoError(t, r.Start(ctx, b, nil))
	r.recordSample(b, types.ResourceUsage{CPUPercent: 12.5, MemoryBytes: 1024, Timestamp: time.Now()})

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[types.StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[types.StatusRunning])
	assert.Equal(t, 1, stats.ByType[types.ProcessTypeAgent])
	assert.Equal(t, 1, stats.ByPriority[types.PriorityHigh])
	assert.Greater(t, stats.AverageExecutionTimeMs, 0.0)
	assert.Equal(t, 12.5, stats.TotalResourceUsage.CPUPercent)
	assert.Equal(t, uint64(1024), stats.TotalResourceUsage.MemoryBytes)
}

func TestLogs_Query(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := createProcess(t, r, CreateOptions{})
	require.NoError(t, r.AppendLog(ctx, id, types.LogInfo, "first", nil))
	require.NoError(t, r.AppendLog(ctx, id, types.LogError, "second", nil))
	cut := time.Now()
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, r.AppendLog(ctx, id, types.LogInfo, "third", nil))

	errorsOnly, err := r.Logs(ctx, id, LogQuery{Level: types.LogError})
	require.NoError(t, err)
	require.Len(t, errorsOnly, 1)
	assert.Equal(t, "second", errorsOnly[0].Message)

	since, err := r.Logs(ctx, id, LogQuery{Since: &cut})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "third", since[0].Message)

	tail, err := r.Logs(ctx, id, LogQuery{Tail: 2})
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "third", tail[1].Message)

	_, err = r.Logs(ctx, "missing", LogQuery{})
	assert.ErrorIs(t, err, ErrProcessNotFound)
}
