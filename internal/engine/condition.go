package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionEvaluator runs target conditions against an event. Compiled
// programs are cached by expression text.
type ConditionEvaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{programs: make(map[string]*vm.Program)}
}

// Evaluate reports whether condition holds for the event. An empty condition
// always holds. The environment exposes `event` and the decoded `payload`.
func (ce *ConditionEvaluator) Evaluate(condition, event string, payload []byte) (bool, error) {
	if condition == "" {
		return true, nil
	}
	prog, err := ce.compile(condition)
	if err != nil {
		return false, err
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return false, fmt.Errorf("decode payload for condition: %w", err)
	}
	env := map[string]any{
		"event":   event,
		"payload": decoded,
	}
	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return bool")
	}
	return b, nil
}

func (ce *ConditionEvaluator) compile(condition string) (*vm.Program, error) {
	ce.mu.RLock()
	prog, ok := ce.programs[condition]
	ce.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(condition, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	ce.mu.Lock()
	ce.programs[condition] = prog
	ce.mu.Unlock()
	return prog, nil
}
