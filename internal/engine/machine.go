package engine

import (
	"context"

	"github.com/petrijr/convoflow/internal/persistence"
	"github.com/petrijr/convoflow/pkg/api"
	"github.com/petrijr/convoflow/pkg/criteria"
)

// Machine is the deterministic transition core. Apply consumes exactly one
// signal against one instance and produces the new instance state plus
// outbound events. It never performs non-idempotent I/O: agent calls
// happen in the caller and arrive as an AgentResult; the only reads are
// through the criteria registry's injected accessors.
type Machine struct {
	criteria *criteria.Registry
	memory   api.MemoryReader
	records  api.RecordReader
}

// NewMachine creates a Machine. memory and records may be nil when the
// deployment has no such collaborators.
func NewMachine(reg *criteria.Registry, memory api.MemoryReader, records api.RecordReader) *Machine {
	if reg == nil {
		reg = criteria.NewRegistry()
	}
	return &Machine{criteria: reg, memory: memory, records: records}
}

// Transition is the outcome of applying one signal.
type Transition struct {
	Instance *api.WorkflowInstance
	Events   []api.Event

	// Changed reports whether Instance differs from the input; replayed
	// duplicates and signals against terminal instances leave it false.
	Changed bool
}

// Apply consumes sig against inst. The input instance is never mutated;
// the returned Transition carries a copy.
func (m *Machine) Apply(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, sig api.Signal, agent api.AgentResult) (Transition, error) {
	next, err := persistence.CloneInstance(inst)
	if err != nil {
		return Transition{}, err
	}
	tr := Transition{Instance: next}

	switch sig.Kind {
	case api.SignalStreamingComplete:
		m.applyStreamOutcome(ctx, def, &tr, sig)

	case api.SignalManualOverride:
		if next.Status.Terminal() || sig.Override == nil {
			return tr, nil
		}
		m.applyAction(ctx, def, &tr, sig, sig.Override, "", "")
		tr.Changed = true

	case api.SignalUserMessage, api.SignalUserConnected:
		// Terminal instances accept no further mutating signals.
		if next.Status.Terminal() {
			return tr, nil
		}
		if sig.Kind == api.SignalUserMessage && sig.RequestID != "" {
			// Streaming turn: the orchestrator answers this message
			// and synthesizes a streamingComplete signal later.
			// Nothing to apply yet.
			return tr, nil
		}
		step, _ := def.Step(next.CurrentStep)
		m.noteTopicAdvisory(def, &tr, agent)
		m.applyAction(ctx, def, &tr, sig, agent.Signal, agent.Content, step.Agent)
		tr.Changed = true
	}

	return tr, nil
}

// applyStreamOutcome performs the transition bookkeeping for a finished
// stream from its single, already-computed result. Redelivery of the same
// request id is a no-op.
func (m *Machine) applyStreamOutcome(ctx context.Context, def api.WorkflowDefinition, tr *Transition, sig api.Signal) {
	outcome := sig.Stream
	if outcome == nil || outcome.RequestID == "" {
		return
	}
	next := tr.Instance
	if next.HasConsumed(outcome.RequestID) {
		return
	}
	next.ConsumedRequests = append(next.ConsumedRequests, outcome.RequestID)
	tr.Changed = true

	if next.Status.Terminal() {
		return
	}

	action := outcome.Action
	if outcome.Failed() {
		// Failed or cancelled streams never advance; the consumed
		// request id is still recorded so the instance leaves its
		// "thinking" state.
		action = &api.ActionSignal{Action: api.ActionStay}
	}
	// Chunk events already delivered the content; suppress message.new.
	m.applyAction(ctx, def, tr, sig, action, "", "")
}

// noteTopicAdvisory records a coordinator judgement that the message
// belongs to a different step. The current step stays authoritative; the
// advisory is stored in shared context and surfaced to the user.
func (m *Machine) noteTopicAdvisory(def api.WorkflowDefinition, tr *Transition, agent api.AgentResult) {
	next := tr.Instance
	if agent.TopicStep == "" || agent.TopicStep == next.CurrentStep {
		return
	}
	if _, ok := def.Step(agent.TopicStep); !ok {
		return
	}

	if next.Shared == nil {
		next.Shared = make(map[string]any)
	}
	deferred, _ := next.Shared["deferred_topics"].([]any)
	for _, d := range deferred {
		if d == agent.TopicStep {
			return
		}
	}
	next.Shared["deferred_topics"] = append(deferred, agent.TopicStep)

	tr.Events = append(tr.Events, api.Event{
		Type: api.EventTopicDeferred,
		Payload: map[string]any{
			"workflowId":  next.ID,
			"currentStep": next.CurrentStep,
			"topicStep":   agent.TopicStep,
			"note":        "will revisit later",
		},
	})
}

// applyAction applies the agent's (or override's) action signal under the
// transition rule: stay merges data, needInput additionally blocks on
// client input, completeStep transitions only if the step's completion
// criteria are satisfied. A required step can never be skipped regardless
// of signal content.
func (m *Machine) applyAction(ctx context.Context, def api.WorkflowDefinition, tr *Transition, sig api.Signal, action *api.ActionSignal, content, agentName string) {
	next := tr.Instance
	step, ok := def.Step(next.CurrentStep)
	if !ok {
		// Graph invariant violated by a definition change; refuse to
		// guess a transition.
		tr.Events = append(tr.Events, api.Event{
			Type: api.EventAgentError,
			Payload: map[string]any{
				"workflowId":  next.ID,
				"error":       "unknown step: " + next.CurrentStep,
				"recoverable": false,
			},
		})
		return
	}

	if action != nil && len(action.Data) > 0 {
		if next.StepData == nil {
			next.StepData = make(map[string]map[string]any)
		}
		merged := next.StepData[next.CurrentStep]
		if merged == nil {
			merged = make(map[string]any)
		}
		for k, v := range action.Data {
			merged[k] = v
		}
		next.StepData[next.CurrentStep] = merged
	}

	if content != "" {
		tr.Events = append(tr.Events, api.Event{
			Type: api.EventMessageNew,
			Payload: map[string]any{
				"workflowId": next.ID,
				"message": map[string]any{
					"role":      "assistant",
					"content":   content,
					"agentName": agentName,
				},
			},
		})
	}

	switch action.Effective() {
	case api.ActionStay:
		// Data already merged; message event already emitted.

	case api.ActionNeedInput:
		next.InputRequested = true
		tr.Events = append(tr.Events, api.Event{
			Type: api.EventInputRequested,
			Payload: map[string]any{
				"workflowId":  next.ID,
				"currentStep": next.CurrentStep,
				"data":        orEmptyMap(actionData(action)),
			},
		})

	case api.ActionCompleteStep:
		res := m.criteria.Evaluate(ctx, step.Criteria, criteria.Input{
			Instance:   next,
			Step:       step,
			Action:     api.ActionCompleteStep,
			SignalData: actionData(action),
			Memory:     m.memory,
			Records:    m.records,
		})
		if !res.Satisfied {
			tr.Events = append(tr.Events, api.Event{
				Type: api.EventStepBlocked,
				Payload: map[string]any{
					"workflowId":      next.ID,
					"currentStep":     next.CurrentStep,
					"missingCriteria": res.Missing,
				},
			})
			return
		}
		m.transition(def, tr, sig, step)
	}
}

// transition closes the current step and moves on, or completes the
// instance when the step is terminal.
func (m *Machine) transition(def api.WorkflowDefinition, tr *Transition, sig api.Signal, step api.StepDefinition) {
	next := tr.Instance
	previous := next.CurrentStep

	next.StepsCompleted = append(next.StepsCompleted, previous)
	next.InputRequested = false

	if step.Next == "" {
		next.Status = api.StatusCompleted
		// The signal's arrival time is the deterministic clock for
		// replay; wall time here would diverge on redelivery.
		next.CompletedAt = sig.ReceivedAt
		tr.Events = append(tr.Events, api.Event{
			Type: api.EventWorkflowCompleted,
			Payload: map[string]any{
				"workflowId":  next.ID,
				"completedAt": next.CompletedAt,
			},
		})
		return
	}

	next.CurrentStep = step.Next
	tr.Events = append(tr.Events, api.Event{
		Type: api.EventStepChanged,
		Payload: map[string]any{
			"workflowId":      next.ID,
			"previousStep":    previous,
			"currentStep":     next.CurrentStep,
			"progressPercent": api.ProgressOf(def, next).Percentage,
		},
	})
}

func actionData(action *api.ActionSignal) map[string]any {
	if action == nil {
		return nil
	}
	return action.Data
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
