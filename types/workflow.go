package types

import "time"

// StepKind selects the strategy a workflow step is dispatched to.
type StepKind string

const (
	StepValidation StepKind = "validation"
	StepAnalysis   StepKind = "analysis"
	StepExtraction StepKind = "extraction"
	StepGeneration StepKind = "generation"
	StepFormatting StepKind = "formatting"
	StepStorage    StepKind = "storage"
	StepOutput     StepKind = "output"
	StepGeneric    StepKind = "generic"
)

// StepDefinition is one unit of workflow work. DependsOn is declared
// metadata carried through from the definition; scheduling is the
// definition's linear step order, not a dependency graph.
type StepDefinition struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      StepKind       `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// WorkflowDefinition names an ordered sequence of steps and the retry
// policy every node inherits.
type WorkflowDefinition struct {
	Name       string           `json:"name"`
	Steps      []StepDefinition `json:"steps"`
	MaxRetries int              `json:"max_retries"`
	RetryDelay time.Duration    `json:"retry_delay,omitempty"`
}

// NodeStatus is the execution state of a single workflow node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
)

// NodeState tracks one node within a running workflow.
type NodeState struct {
	Status      NodeStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	DependsOn   []string   `json:"depends_on,omitempty"`
}

// Checkpoint is a versioned snapshot of workflow state captured after a
// successful step. It is populated field by field, never by generic
// deep cloning.
type Checkpoint struct {
	ID          string               `json:"id"`
	Version     int                  `json:"version"`
	NodeID      string               `json:"node_id"`
	Timestamp   time.Time            `json:"timestamp"`
	CurrentNode string               `json:"current_node"`
	Nodes       map[string]NodeState `json:"nodes"`
	Variables   map[string]any       `json:"variables"`
}

// WorkflowState is the private execution state of one workflow run,
// owned exclusively by its executor.
type WorkflowState struct {
	ProcessID   string                `json:"process_id"`
	Nodes       map[string]*NodeState `json:"nodes"`
	Variables   map[string]any        `json:"variables"`
	CurrentNode string                `json:"current_node,omitempty"`
	PausePoint  string                `json:"pause_point,omitempty"`
	Checkpoints []Checkpoint          `json:"checkpoints,omitempty"`
}
