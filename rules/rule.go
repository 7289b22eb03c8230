package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates boolean rule expressions against a variable bag.
type Evaluator interface {
	Evaluate(expression string, vars map[string]interface{}) (bool, error)
}

// ExprEvaluator implements Evaluator with expr-lang/expr, caching
// compiled programs per expression.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates an ExprEvaluator with an empty cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate compiles (or reuses) the expression and runs it against
// vars. The expression must yield a boolean.
func (e *ExprEvaluator) Evaluate(expression string, vars map[string]interface{}) (bool, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(vars))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, vars)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// EvaluateAll runs every rule against vars and returns the rules that
// evaluated to false. A compile or runtime error aborts evaluation.
func EvaluateAll(e Evaluator, ruleSet []string, vars map[string]interface{}) ([]string, error) {
	var failed []string
	for _, rule := range ruleSet {
		ok, err := e.Evaluate(rule, vars)
		if err != nil {
			return nil, fmt.Errorf("rule '%s': %w", rule, err)
		}
		if !ok {
			failed = append(failed, rule)
		}
	}
	return failed, nil
}
