package workflow

import (
	"context"
	"errors"

	"github.com/procflow/process-engine/rules"
	"github.com/procflow/process-engine/storage"
	"github.com/procflow/process-engine/tool"
	"github.com/procflow/process-engine/types"
)

// ErrValidationFailed indicates a validation step's rule set did not hold.
var ErrValidationFailed = errors.New("validation failed")

// Strategy executes one kind of workflow step. Strategies read and
// write the shared variable bag through the state; the returned value
// is stored as the node's output.
type Strategy interface {
	Execute(ctx context.Context, step types.StepDefinition, state *types.WorkflowState) (any, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(ctx context.Context, step types.StepDefinition, state *types.WorkflowState) (any, error)

// Execute implements Strategy.
func (f StrategyFunc) Execute(ctx context.Context, step types.StepDefinition, state *types.WorkflowState) (any, error) {
	return f(ctx, step, state)
}

// StrategyDeps are the collaborators default strategies draw on.
type StrategyDeps struct {
	Evaluator rules.Evaluator
	Tools     tool.Executor
	Store     storage.ProcessStore
}

// defaultStrategies builds the built-in strategy set, one per step kind.
func defaultStrategies(deps StrategyDeps) map[types.StepKind]Strategy {
	return map[types.StepKind]Strategy{
		types.StepValidation: &ValidationStrategy{Evaluator: deps.Evaluator},
		types.StepAnalysis:   &AnalysisStrategy{},
		types.StepExtraction: &ExtractionStrategy{},
		types.StepGeneration: &GenerationStrategy{},
		types.StepFormatting: &FormattingStrategy{},
		types.StepStorage:    &StorageStrategy{Store: deps.Store},
		types.StepOutput:     &OutputStrategy{},
		types.StepGeneric:    &GenericStrategy{Tools: deps.Tools},
	}
}
