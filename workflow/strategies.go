package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/procflow/process-engine/rules"
	"github.com/procflow/process-engine/storage"
	"github.com/procflow/process-engine/tool"
	"github.com/procflow/process-engine/types"
)

// ValidationStrategy evaluates the step's rule expressions against
// the shared variable bag. Every rule must hold.
type ValidationStrategy struct {
	Evaluator rules.Evaluator
}

// Execute runs the rule set from params["rules"].
func (s *ValidationStrategy) Execute(ctx context.Context, step types.StepDefinition, state *types.WorkflowState) (any, error) {
	if s.Evaluator == nil {
		return nil, errors.New("validation step requires an evaluator")
	}
	ruleSet := stringSlice(step.Params["rules"])
	if len(ruleSet) == 0 {
		return map[string]any{"valid": true, "rules_checked": 0}, nil
	}

	failed, err := rules.EvaluateAll(s.Evaluator, ruleSet, state.Variables)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(failed, "; "))
	}

	state.Variables["validated"] = true
	return map[string]any{"valid": true, "rules_checked": len(ruleSet)}, nil
}

// AnalysisStrategy produces a numeric summary of the variable bag, or
// of the fields named in params["fields"].
type AnalysisStrategy struct{}

// Execute summarizes the selected variables.
func (s *AnalysisStrategy) Execute(ctx context.Context, step types.StepDefinition, state *types.WorkflowState) (any, error) {
	fields := stringSlice(step.Params["fields"])
	if len(fields) == 0 {
		for k := range state.Variables {
			fields = append(fields, k)
		}
	}

	var numericTotal float64
	var numericCount int
	for _, field := range fields {
		if n, ok := asFloat(state.Variables[field]); ok {
			numericTotal += n
			numericCount++
		}
	}

	result := map[string]any{
		"fields_examined": len(fields),
		"numeric_count":   numericCount,
		"numeric_total":   numericTotal,
	}
	state.Variables["analysis"] = result
	return result, nil
}

// ExtractionStrategy copies the fields named in params["fields"] out
// of the variable bag into a new map, stored under params["as"]
// (default "extracted").
type ExtractionStrategy struct{}

// Execute picks fields from the variable bag.
func (s *ExtractionStrategy) Execute(ctx context.Context, step types.StepDefinition, state *types.WorkflowState) (any, error) {
	fields := stringSlice(step.Params["fields"])
	if len(fields) == 0 {
		return nil, errors.New("extraction step requires params.fields")
	}

	extracted := make(map[string]any, len(fields))
	for _, field := range fields {
		if v, ok := state.Variables[field]; ok {
			extracted[field] = v
		}
	}

	state.Variables[stringParam(step.Params, "as", "extracted")] = extracted
	return extracted, nil
}

// GenerationStrategy renders params["template"], substituting ${name}
// references with variable values, and stores the result under
// params["as"] (default "generated").
type GenerationStrategy struct{}

// Execute renders the template.
func (s *GenerationStrategy) Execute(ctx context.Context, step types.StepDefinition, state *types.WorkflowState) (any, error) {
	template, _ := step.Params["template"].(string)
	if template == "" {
		return nil, errors.New("generation step requires params.template")
	}

	rendered := template
	for key, value := range state.Variables {
		placeholder := "${" + key + "}"
		if strings.Contains(rendered, placeholder) {
			rendered = strings.ReplaceAll(rendered, placeholder, fmt.Sprintf("%v", value))
		}
	}

	state.Variables[stringParam(step.Params, "as", "generated")] = rendered
	return rendered, nil
}

// FormattingStrategy serializes the variable named in params["source"]
// (default: the whole bag) as json or text per params["format"].
type FormattingStrategy struct{}

// Execute formats the selected value.
func (s *FormattingStrategy) Execute(ctx context.Context, step types.StepDefinition, state *types.WorkflowState) (any, error) {
	var value any = state.Variables
	if source, ok := step.Params["source"].(string); ok && source != "" {
		v, found := state.Variables[source]
		if !found {
			return nil, fmt.Errorf("formatting source %q not in variables", source)
		}
		value = v
	}

	var formatted string
	switch format := stringParam(step.Params, "format", "json"); format {
	case "json":
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to format as json: %w", err)
		}
		formatted = string(data)
	case "text":
		formatted = fmt.Sprintf("%v", value)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	state.Variables[stringParam(step.Params, "as", "formatted")] = formatted
	return formatted, nil
}

// StorageStrategy persists the current workflow state snapshot
// through the configured store.
type StorageStrategy struct {
	Store storage.ProcessStore
}

// Execute saves the state snapshot.
func (s *StorageStrategy) Execute(ctx context.Context, step types.StepDefinition, state *types.WorkflowState) (any, error) {
	if s.Store == nil {
		return nil, errors.New("storage step requires a store")
	}
	if err := s.Store.SaveWorkflowState(ctx, *state); err != nil {
		return nil, fmt.Errorf("failed to store workflow state: %w", err)
	}
	return map[string]any{"stored": true, "node": step.ID}, nil
}

// OutputStrategy assembles the workflow result map from the variables
// named in params["keys"], or from the whole bag when unset.
type OutputStrategy struct{}

// Execute builds the result payload.
func (s *OutputStrategy) Execute(ctx context.Context, step types.StepDefinition, state *types.WorkflowState) (any, error) {
	keys := stringSlice(step.Params["keys"])
	out := make(map[string]any)
	if len(keys) == 0 {
		for k, v := range state.Variables {
			out[k] = v
		}
	} else {
		for _, key := range keys {
			if v, ok := state.Variables[key]; ok {
				out[key] = v
			}
		}
	}
	return out, nil
}

// GenericStrategy is the catch-all step. It can invoke a downstream
// tool (params["tool"]), simulate a chunked long-running body
// (params["delay_ms"], checked tick by tick so cancel and pause stay
// responsive), and merge params["set"] into the variable bag.
type GenericStrategy struct {
	Tools tool.Executor
}

const genericTick = 10 * time.Millisecond

// Execute runs the generic step body.
func (s *GenericStrategy) Execute(ctx context.Context, step types.StepDefinition, state *types.WorkflowState) (any, error) {
	if delay, ok := asFloat(step.Params["delay_ms"]); ok && delay > 0 {
		remaining := time.Duration(delay) * time.Millisecond
		for remaining > 0 {
			// Each tick is a suspension point, so a paused run stops
			// here instead of draining the whole delay.
			if err := Suspend(ctx); err != nil {
				return nil, err
			}
			tick := genericTick
			if remaining < tick {
				tick = remaining
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(tick):
				remaining -= tick
			}
		}
	}

	result := map[string]any{"step": step.ID}

	if toolID, ok := step.Params["tool"].(string); ok && toolID != "" {
		if s.Tools == nil {
			return nil, errors.New("generic step names a tool but no tool executor is configured")
		}
		toolParams, _ := step.Params["tool_params"].(map[string]any)
		out, err := s.Tools.Execute(ctx, toolID, toolParams)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", toolID, err)
		}
		result["tool_result"] = out
		state.Variables[step.ID+"_result"] = out
	}

	if set, ok := step.Params["set"].(map[string]any); ok {
		for k, v := range set {
			state.Variables[k] = v
		}
		result["set"] = len(set)
	}

	return result, nil
}

// stringSlice coerces a params value into a string slice. JSON
// decoding yields []any, code usually passes []string.
func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringParam(params map[string]any, key, fallback string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
