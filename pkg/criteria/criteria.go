// Package criteria evaluates step completion criteria.
//
// A CriteriaSpec names an evaluator kind; the Registry maps kinds to
// Evaluators and is the only extension point: new kinds are added with
// Register, never by modifying the state machine.
//
// Evaluators are pure functions of their Input. The only side effect
// permitted is reading through the injected MemoryReader / RecordReader
// accessors. Evaluation errors fail closed: a step never advances because
// a checker broke.
package criteria

import (
	"context"
	"fmt"
	"sync"

	"github.com/petrijr/convoflow/pkg/api"
)

// Input is everything an evaluator may look at.
type Input struct {
	Instance   *api.WorkflowInstance
	Step       api.StepDefinition
	Action     api.Action
	SignalData map[string]any

	// Read-only external accessors; either may be nil when the
	// deployment has no such collaborator.
	Memory  api.MemoryReader
	Records api.RecordReader
}

// Evaluator decides whether a step may close.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (api.CriteriaResult, error)
}

// EvaluatorFunc is a function adapter for Evaluator.
type EvaluatorFunc func(ctx context.Context, in Input) (api.CriteriaResult, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, in Input) (api.CriteriaResult, error) {
	return f(ctx, in)
}

// Built-in evaluator kinds.
const (
	KindAgentSignal        = "agent_signal"
	KindAgentSignalMemory  = "agent_signal_memory"
	KindAgentSignalRecords = "agent_signal_records"
	KindAuto               = "auto"
	KindExpression         = "expression"
)

// Registry maps criteria kinds to evaluators.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewRegistry returns a Registry with all built-in kinds registered.
func NewRegistry() *Registry {
	r := &Registry{evaluators: make(map[string]Evaluator)}
	r.Register(KindAgentSignal, EvaluatorFunc(evalAgentSignal))
	r.Register(KindAgentSignalMemory, EvaluatorFunc(evalAgentSignalMemory))
	r.Register(KindAgentSignalRecords, EvaluatorFunc(evalAgentSignalRecords))
	r.Register(KindAuto, EvaluatorFunc(evalAuto))
	r.Register(KindExpression, newExprEvaluator())
	return r
}

// Register adds or replaces the evaluator for a kind.
func (r *Registry) Register(kind string, ev Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[kind] = ev
}

// Get returns the evaluator for a kind.
func (r *Registry) Get(kind string) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.evaluators[kind]
	return ev, ok
}

// Evaluate dispatches a spec to its evaluator. An unknown kind falls back
// to agent_signal; an evaluator error yields satisfied=false (fail closed)
// with the error reported in Missing.
func (r *Registry) Evaluate(ctx context.Context, spec api.CriteriaSpec, in Input) api.CriteriaResult {
	kind := spec.Kind
	if kind == "" {
		kind = KindAgentSignal
	}
	ev, ok := r.Get(kind)
	if !ok {
		ev, _ = r.Get(KindAgentSignal)
	}

	in.Step.Criteria = spec
	res, err := ev.Evaluate(ctx, in)
	if err != nil {
		return api.CriteriaResult{
			Satisfied: false,
			Missing:   []string{fmt.Sprintf("criteria check failed: %v", err)},
		}
	}
	return res
}

// evalAgentSignal is satisfied iff the agent asked to complete the step.
func evalAgentSignal(ctx context.Context, in Input) (api.CriteriaResult, error) {
	if in.Action != api.ActionCompleteStep {
		return api.CriteriaResult{
			Satisfied: false,
			Missing:   []string{"agent has not signalled completion"},
		}, nil
	}
	return api.CriteriaResult{Satisfied: true}, nil
}

// evalAgentSignalMemory additionally requires a minimum number of stored
// facts for (userID, category).
//
// Params: min_facts (default 1), category.
func evalAgentSignalMemory(ctx context.Context, in Input) (api.CriteriaResult, error) {
	base, err := evalAgentSignal(ctx, in)
	if err != nil || !base.Satisfied {
		return base, err
	}

	minFacts := intParam(in.Step.Criteria.Params, "min_facts", 1)
	category := stringParam(in.Step.Criteria.Params, "category", "")

	if in.Memory == nil {
		return api.CriteriaResult{}, fmt.Errorf("memory reader not configured")
	}

	count, err := in.Memory.CountFacts(ctx, in.Instance.UserID, category)
	if err != nil {
		return api.CriteriaResult{}, fmt.Errorf("memory count: %w", err)
	}

	if count >= minFacts {
		return api.CriteriaResult{
			Satisfied: true,
			Data:      map[string]any{"facts_count": count},
		}, nil
	}
	return api.CriteriaResult{
		Satisfied: false,
		Missing:   []string{fmt.Sprintf("%d more facts", minFacts-count)},
		Data:      map[string]any{"facts_count": count},
	}, nil
}

// evalAgentSignalRecords additionally requires a minimum number of records
// in a named collection, e.g. inbox items collected during a brain dump.
//
// Params: min_items (default 1), collection (default "inbox_items").
func evalAgentSignalRecords(ctx context.Context, in Input) (api.CriteriaResult, error) {
	base, err := evalAgentSignal(ctx, in)
	if err != nil || !base.Satisfied {
		return base, err
	}

	minItems := intParam(in.Step.Criteria.Params, "min_items", 1)
	collection := stringParam(in.Step.Criteria.Params, "collection", "inbox_items")

	if in.Records == nil {
		return api.CriteriaResult{}, fmt.Errorf("record reader not configured")
	}

	count, err := in.Records.CountRecords(ctx, collection, in.Instance.UserID)
	if err != nil {
		return api.CriteriaResult{}, fmt.Errorf("record count: %w", err)
	}

	if count >= minItems {
		return api.CriteriaResult{
			Satisfied: true,
			Data:      map[string]any{"items_count": count},
		}, nil
	}
	return api.CriteriaResult{
		Satisfied: false,
		Missing:   []string{fmt.Sprintf("%d more items in %s", minItems-count, collection)},
		Data:      map[string]any{"items_count": count},
	}, nil
}

// evalAuto always passes; intended for terminal steps that close as soon
// as they are reached.
func evalAuto(ctx context.Context, in Input) (api.CriteriaResult, error) {
	return api.CriteriaResult{Satisfied: true}, nil
}

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func stringParam(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return def
}
