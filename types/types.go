package types

import "time"

// ProcessType classifies what kind of work a process represents.
type ProcessType string

const (
	ProcessTypeAgent    ProcessType = "AGENT"
	ProcessTypeWorkflow ProcessType = "WORKFLOW"
	ProcessTypeTool     ProcessType = "TOOL"
	ProcessTypeCustom   ProcessType = "CUSTOM"
)

// ProcessStatus is the lifecycle state of a process.
type ProcessStatus string

const (
	StatusPending   ProcessStatus = "PENDING"
	StatusRunning   ProcessStatus = "RUNNING"
	StatusPaused    ProcessStatus = "PAUSED"
	StatusCompleted ProcessStatus = "COMPLETED"
	StatusFailed    ProcessStatus = "FAILED"
	StatusCancelled ProcessStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s ProcessStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ProcessPriority orders processes for listing and scheduling hints.
type ProcessPriority string

const (
	PriorityLow      ProcessPriority = "LOW"
	PriorityMedium   ProcessPriority = "MEDIUM"
	PriorityHigh     ProcessPriority = "HIGH"
	PriorityCritical ProcessPriority = "CRITICAL"
)

// Rank maps a priority to a comparable integer, higher is more urgent.
func (p ProcessPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// ProcessConfig carries per-process execution settings.
type ProcessConfig struct {
	Timeout      time.Duration `json:"timeout,omitempty"`
	RetryCount   int           `json:"retry_count,omitempty"`
	RetryDelay   time.Duration `json:"retry_delay,omitempty"`
	MaxMemory    int64         `json:"max_memory,omitempty"`
	AutoRestart  bool          `json:"auto_restart,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty"`
}

// ProcessError is the structured terminal-failure record of a process.
// Stack and Context are diagnostic only, they are not part of the
// control contract.
type ProcessError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Stack     string         `json:"stack,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

func (e *ProcessError) Error() string {
	return e.Code + ": " + e.Message
}

// Progress is a point-in-time progress snapshot for a process.
// EstimatedCompletion is nil while no work has been reported.
type Progress struct {
	Current             int        `json:"current"`
	Total               int        `json:"total"`
	Percentage          float64    `json:"percentage"`
	Message             string     `json:"message,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// LogLevel grades log entries for filtering.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one line in a process's bounded log ring.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// ResourceUsage is one sample of a process's resource footprint.
type ResourceUsage struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
	DiskBytes   uint64    `json:"disk_bytes"`
	NetworkIn   uint64    `json:"network_in"`
	NetworkOut  uint64    `json:"network_out"`
	Timestamp   time.Time `json:"timestamp"`
}

// Process is a tracked unit of work with an explicit lifecycle state.
// Exactly one of Output and Error is set once the status is terminal.
type Process struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        ProcessType     `json:"type"`
	Status      ProcessStatus   `json:"status"`
	Priority    ProcessPriority `json:"priority"`
	OwnerID     string          `json:"owner_id,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	Children    []string        `json:"children,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Config      ProcessConfig   `json:"config"`
	Input       map[string]any  `json:"input,omitempty"`
	Output      map[string]any  `json:"output,omitempty"`
	Error       *ProcessError   `json:"error,omitempty"`
	Progress    Progress        `json:"progress"`
	Logs        []LogEntry      `json:"logs,omitempty"`
	Resources   []ResourceUsage `json:"resources,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Sort fields accepted by ProcessFilter.
const (
	SortByCreatedAt = "createdAt"
	SortByUpdatedAt = "updatedAt"
	SortByPriority  = "priority"
	SortByName      = "name"

	SortAsc  = "asc"
	SortDesc = "desc"
)

// ProcessFilter selects and orders processes for listing.
// Zero-valued fields do not constrain the result.
type ProcessFilter struct {
	Status        []ProcessStatus   `json:"status,omitempty"`
	Type          []ProcessType     `json:"type,omitempty"`
	Priority      []ProcessPriority `json:"priority,omitempty"`
	OwnerID       string            `json:"owner_id,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	CreatedAfter  *time.Time        `json:"created_after,omitempty"`
	CreatedBefore *time.Time        `json:"created_before,omitempty"`
	SortBy        string            `json:"sort_by,omitempty"`
	SortOrder     string            `json:"sort_order,omitempty"`
	Offset        int               `json:"offset,omitempty"`
	Limit         int               `json:"limit,omitempty"`
}

// ProcessStats aggregates the registry's population.
type ProcessStats struct {
	Total                  int                     `json:"total"`
	ByStatus               map[ProcessStatus]int   `json:"by_status"`
	ByType                 map[ProcessType]int     `json:"by_type"`
	ByPriority             map[ProcessPriority]int `json:"by_priority"`
	AverageExecutionTimeMs float64                 `json:"average_execution_time_ms"`
	TotalResourceUsage     ResourceUsage           `json:"total_resource_usage"`
}
