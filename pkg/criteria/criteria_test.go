package criteria

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/convoflow/pkg/api"
)

type fakeMemory struct {
	count int
	err   error
}

func (f fakeMemory) CountFacts(ctx context.Context, userID, category string) (int, error) {
	return f.count, f.err
}

type fakeRecords struct {
	count int
	err   error
}

func (f fakeRecords) CountRecords(ctx context.Context, collection, userID string) (int, error) {
	return f.count, f.err
}

func testInput(action api.Action, spec api.CriteriaSpec) Input {
	return Input{
		Instance: &api.WorkflowInstance{ID: "i-1", UserID: "u-1"},
		Step:     api.StepDefinition{Name: "discovery", Criteria: spec},
		Action:   action,
	}
}

func TestAgentSignal(t *testing.T) {
	r := NewRegistry()
	spec := api.CriteriaSpec{Kind: KindAgentSignal}

	res := r.Evaluate(context.Background(), spec, testInput(api.ActionCompleteStep, spec))
	assert.True(t, res.Satisfied)

	res = r.Evaluate(context.Background(), spec, testInput(api.ActionStay, spec))
	assert.False(t, res.Satisfied)
	assert.Equal(t, []string{"agent has not signalled completion"}, res.Missing)
}

func TestAgentSignalMemory(t *testing.T) {
	r := NewRegistry()
	spec := api.CriteriaSpec{
		Kind:   KindAgentSignalMemory,
		Params: map[string]any{"min_facts": 3, "category": "personal"},
	}

	in := testInput(api.ActionCompleteStep, spec)
	in.Memory = fakeMemory{count: 1}
	res := r.Evaluate(context.Background(), spec, in)
	assert.False(t, res.Satisfied)
	assert.Equal(t, []string{"2 more facts"}, res.Missing)
	assert.Equal(t, 1, res.Data["facts_count"])

	in.Memory = fakeMemory{count: 3}
	res = r.Evaluate(context.Background(), spec, in)
	assert.True(t, res.Satisfied)
	assert.Equal(t, 3, res.Data["facts_count"])

	// Without the agent signal the memory count is never consulted.
	in = testInput(api.ActionStay, spec)
	in.Memory = fakeMemory{count: 100}
	res = r.Evaluate(context.Background(), spec, in)
	assert.False(t, res.Satisfied)
}

func TestAgentSignalMemoryFailsClosed(t *testing.T) {
	r := NewRegistry()
	spec := api.CriteriaSpec{Kind: KindAgentSignalMemory}

	in := testInput(api.ActionCompleteStep, spec)
	in.Memory = fakeMemory{err: errors.New("memory service down")}
	res := r.Evaluate(context.Background(), spec, in)
	assert.False(t, res.Satisfied)
	require.Len(t, res.Missing, 1)
	assert.Contains(t, res.Missing[0], "criteria check failed")

	// Nil reader is an error, not a pass.
	in.Memory = nil
	res = r.Evaluate(context.Background(), spec, in)
	assert.False(t, res.Satisfied)
}

func TestAgentSignalRecords(t *testing.T) {
	r := NewRegistry()
	spec := api.CriteriaSpec{
		Kind:   KindAgentSignalRecords,
		Params: map[string]any{"min_items": 2, "collection": "inbox_items"},
	}

	in := testInput(api.ActionCompleteStep, spec)
	in.Records = fakeRecords{count: 0}
	res := r.Evaluate(context.Background(), spec, in)
	assert.False(t, res.Satisfied)
	assert.Equal(t, []string{"2 more items in inbox_items"}, res.Missing)

	in.Records = fakeRecords{count: 2}
	res = r.Evaluate(context.Background(), spec, in)
	assert.True(t, res.Satisfied)
	assert.Equal(t, 2, res.Data["items_count"])
}

func TestAuto(t *testing.T) {
	r := NewRegistry()
	spec := api.CriteriaSpec{Kind: KindAuto}

	// auto passes regardless of the action.
	res := r.Evaluate(context.Background(), spec, testInput(api.ActionStay, spec))
	assert.True(t, res.Satisfied)
}

func TestUnknownKindFallsBackToAgentSignal(t *testing.T) {
	r := NewRegistry()
	spec := api.CriteriaSpec{Kind: "no_such_kind"}

	res := r.Evaluate(context.Background(), spec, testInput(api.ActionCompleteStep, spec))
	assert.True(t, res.Satisfied)

	res = r.Evaluate(context.Background(), spec, testInput(api.ActionStay, spec))
	assert.False(t, res.Satisfied)
}

func TestEmptyKindDefaultsToAgentSignal(t *testing.T) {
	r := NewRegistry()
	spec := api.CriteriaSpec{}

	res := r.Evaluate(context.Background(), spec, testInput(api.ActionCompleteStep, spec))
	assert.True(t, res.Satisfied)
}

func TestRegisterCustomKind(t *testing.T) {
	r := NewRegistry()
	r.Register("always_no", EvaluatorFunc(func(ctx context.Context, in Input) (api.CriteriaResult, error) {
		return api.CriteriaResult{Satisfied: false, Missing: []string{"never"}}, nil
	}))

	spec := api.CriteriaSpec{Kind: "always_no"}
	res := r.Evaluate(context.Background(), spec, testInput(api.ActionCompleteStep, spec))
	assert.False(t, res.Satisfied)
	assert.Equal(t, []string{"never"}, res.Missing)
}

func TestIntParamCoercion(t *testing.T) {
	// YAML and JSON decode numbers differently; both must work.
	assert.Equal(t, 3, intParam(map[string]any{"n": 3}, "n", 1))
	assert.Equal(t, 3, intParam(map[string]any{"n": int64(3)}, "n", 1))
	assert.Equal(t, 3, intParam(map[string]any{"n": float64(3)}, "n", 1))
	assert.Equal(t, 1, intParam(map[string]any{"n": "3"}, "n", 1))
	assert.Equal(t, 1, intParam(nil, "n", 1))
}
