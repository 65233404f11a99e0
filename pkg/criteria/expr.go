package criteria

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/petrijr/convoflow/pkg/api"
)

// exprEvaluator evaluates a boolean expression over the signal and
// instance context using expr-lang. Compiled programs are cached per
// expression.
//
// Params: expression (required), category / collection (optional; when set,
// memoryCount / recordCount are resolved and exposed to the expression).
//
// Environment:
//
//	action       string ("complete_step", "stay", "need_input")
//	data         map[string]any (signal data)
//	stepData     map[string]any (current step's accumulated data)
//	shared       map[string]any
//	memoryCount  int (only when params.category is set)
//	recordCount  int (only when params.collection is set)
type exprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newExprEvaluator() *exprEvaluator {
	return &exprEvaluator{cache: make(map[string]*vm.Program)}
}

func (e *exprEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

func (e *exprEvaluator) Evaluate(ctx context.Context, in Input) (api.CriteriaResult, error) {
	expression := stringParam(in.Step.Criteria.Params, "expression", "")
	if expression == "" {
		return api.CriteriaResult{}, fmt.Errorf("expression criteria requires params.expression")
	}

	program, err := e.compile(expression)
	if err != nil {
		return api.CriteriaResult{}, fmt.Errorf("compile expression: %w", err)
	}

	env := map[string]any{
		"action":   string(in.Action),
		"data":     orEmpty(in.SignalData),
		"stepData": orEmpty(in.Instance.StepData[in.Instance.CurrentStep]),
		"shared":   orEmpty(in.Instance.Shared),
	}

	if category := stringParam(in.Step.Criteria.Params, "category", ""); category != "" {
		if in.Memory == nil {
			return api.CriteriaResult{}, fmt.Errorf("memory reader not configured")
		}
		n, err := in.Memory.CountFacts(ctx, in.Instance.UserID, category)
		if err != nil {
			return api.CriteriaResult{}, fmt.Errorf("memory count: %w", err)
		}
		env["memoryCount"] = n
	}
	if collection := stringParam(in.Step.Criteria.Params, "collection", ""); collection != "" {
		if in.Records == nil {
			return api.CriteriaResult{}, fmt.Errorf("record reader not configured")
		}
		n, err := in.Records.CountRecords(ctx, collection, in.Instance.UserID)
		if err != nil {
			return api.CriteriaResult{}, fmt.Errorf("record count: %w", err)
		}
		env["recordCount"] = n
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return api.CriteriaResult{}, fmt.Errorf("run expression: %w", err)
	}
	satisfied, ok := out.(bool)
	if !ok {
		return api.CriteriaResult{}, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", expression, out)
	}

	res := api.CriteriaResult{Satisfied: satisfied}
	if !satisfied {
		res.Missing = []string{fmt.Sprintf("expression not satisfied: %s", expression)}
	}
	return res, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
