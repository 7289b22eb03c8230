package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/procflow/process-engine/types"
)

// List returns processes matching the filter, sorted and paged.
// Within a facet the filter values are alternatives; across facets
// they all must hold. Tag filters require every listed tag.
func (r *Registry) List(ctx context.Context, filter types.ProcessFilter) ([]types.Process, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	r.mu.RLock()
	matched := make([]types.Process, 0, len(r.procs))
	for _, proc := range r.procs {
		if matchesFilter(proc, filter) {
			matched = append(matched, copyProcess(proc))
		}
	}
	r.mu.RUnlock()

	sortProcesses(matched, filter.SortBy, filter.SortOrder)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []types.Process{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Stats aggregates the current process population.
func (r *Registry) Stats(ctx context.Context) (types.ProcessStats, error) {
	select {
	case <-ctx.Done():
		return types.ProcessStats{}, ctx.Err()
	default:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := types.ProcessStats{
		ByStatus:   make(map[types.ProcessStatus]int),
		ByType:     make(map[types.ProcessType]int),
		ByPriority: make(map[types.ProcessPriority]int),
	}

	var execTotal time.Duration
	var execCount int

	for _, proc := range r.procs {
		stats.Total++
		stats.ByStatus[proc.Status]++
		stats.ByType[proc.Type]++
		stats.ByPriority[proc.Priority]++

		if proc.Status.Terminal() && proc.StartedAt != nil && proc.CompletedAt != nil {
			execTotal += proc.CompletedAt.Sub(*proc.StartedAt)
			execCount++
		}

		// Running processes contribute their most recent sample.
		if proc.Status == types.StatusRunning && len(proc.Resources) > 0 {
			last := proc.Resources[len(proc.Resources)-1]
			stats.TotalResourceUsage.CPUPercent += last.CPUPercent
			stats.TotalResourceUsage.MemoryBytes += last.MemoryBytes
			stats.TotalResourceUsage.DiskBytes += last.DiskBytes
			stats.TotalResourceUsage.NetworkIn += last.NetworkIn
			stats.TotalResourceUsage.NetworkOut += last.NetworkOut
		}
	}

	if execCount > 0 {
		stats.AverageExecutionTimeMs = float64(execTotal.Milliseconds()) / float64(execCount)
	}
	return stats, nil
}

// LogQuery filters a process's log ring.
type LogQuery struct {
	Level types.LogLevel
	Since *time.Time
	Tail  int
}

// Logs returns the process's log entries matching the query, oldest
// first. Tail keeps only the most recent entries after filtering.
func (r *Registry) Logs(ctx context.Context, id string, query LogQuery) ([]types.LogEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	r.mu.RLock()
	proc, ok := r.procs[id]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	logs := append([]types.LogEntry(nil), proc.Logs...)
	r.mu.RUnlock()

	if query.Level != "" || query.Since != nil {
		filtered := logs[:0]
		for _, entry := range logs {
			if query.Level != "" && entry.Level != query.Level {
				continue
			}
			if query.Since != nil && entry.Timestamp.Before(*query.Since) {
				continue
			}
			filtered = append(filtered, entry)
		}
		logs = filtered
	}

	if query.Tail > 0 && query.Tail < len(logs) {
		logs = logs[len(logs)-query.Tail:]
	}
	return logs, nil
}

func matchesFilter(proc *types.Process, filter types.ProcessFilter) bool {
	if len(filter.Status) > 0 && !containsValue(filter.Status, proc.Status) {
		return false
	}
	if len(filter.Type) > 0 && !containsValue(filter.Type, proc.Type) {
		return false
	}
	if len(filter.Priority) > 0 && !containsValue(filter.Priority, proc.Priority) {
		return false
	}
	if filter.OwnerID != "" && proc.OwnerID != filter.OwnerID {
		return false
	}
	for _, tag := range filter.Tags {
		if !containsValue(proc.Tags, tag) {
			return false
		}
	}
	if filter.CreatedAfter != nil && proc.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && proc.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}
	return true
}

func containsValue[T comparable](s []T, v T) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

func sortProcesses(procs []types.Process, sortBy, order string) {
	if sortBy == "" {
		sortBy = types.SortByCreatedAt
	}
	desc := order == types.SortDesc

	sort.SliceStable(procs, func(i, j int) bool {
		var less bool
		switch sortBy {
		case types.SortByUpdatedAt:
			less = procs[i].UpdatedAt.Before(procs[j].UpdatedAt)
		case types.SortByPriority:
			less = procs[i].Priority.Rank() < procs[j].Priority.Rank()
		case types.SortByName:
			less = strings.Compare(procs[i].Name, procs[j].Name) < 0
		default:
			less = procs[i].CreatedAt.Before(procs[j].CreatedAt)
		}
		if desc {
			return !less && !equalByField(procs[i], procs[j], sortBy)
		}
		return less
	})
}

func equalByField(a, b types.Process, sortBy string) bool {
	switch sortBy {
	case types.SortByUpdatedAt:
		return a.UpdatedAt.Equal(b.UpdatedAt)
	case types.SortByPriority:
		return a.Priority.Rank() == b.Priority.Rank()
	case types.SortByName:
		return a.Name == b.Name
	default:
		return a.CreatedAt.Equal(b.CreatedAt)
	}
}
