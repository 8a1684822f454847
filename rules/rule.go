package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides whether a connection condition holds for a decision
// environment. Conditions appear on edges leaving conditional nodes; the
// environment is the decision payload supplied to an advance call.
type Evaluator interface {
	Evaluate(condition string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator evaluates conditions with expr-lang/expr, caching compiled
// programs per condition string.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates an ExprEvaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs the condition against env. An empty condition is an
// unconditional edge and evaluates to true. The condition must produce a
// boolean; anything else is an error.
func (e *ExprEvaluator) Evaluate(condition string, env map[string]interface{}) (bool, error) {
	if condition == "" {
		return true, nil
	}
	if env == nil {
		env = map[string]interface{}{}
	}

	e.mu.RLock()
	program, ok := e.cache[condition]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[condition]; !ok {
			var err error
			program, err = expr.Compile(condition, expr.Env(env), expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile condition %q: %w", condition, err)
			}
			e.cache[condition] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, want bool", condition, result)
	}
	return b, nil
}
