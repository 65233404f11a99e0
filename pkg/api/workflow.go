package api

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further mutating signals are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Action is what an agent asks the workflow engine to do after a turn.
type Action string

const (
	// ActionCompleteStep requests a move to the next step, subject to the
	// step's completion criteria.
	ActionCompleteStep Action = "complete_step"

	// ActionStay keeps the instance on the current step.
	ActionStay Action = "stay"

	// ActionNeedInput keeps the instance on the current step and asks the
	// client to show an input control.
	ActionNeedInput Action = "need_input"
)

// ActionSignal is the structured output attached to an agent response.
//
// A nil ActionSignal, or one with an empty Action, means ActionStay: an
// agent that says nothing never advances the workflow.
type ActionSignal struct {
	Action Action         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Effective returns the action to apply, defaulting to ActionStay.
func (s *ActionSignal) Effective() Action {
	if s == nil || s.Action == "" {
		return ActionStay
	}
	return s.Action
}

// CriteriaSpec names a completion-criteria evaluator and its parameters.
// Well-known Params keys are documented on the built-in evaluators in
// package criteria.
type CriteriaSpec struct {
	Kind   string         `json:"kind" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params"`
}

// StepDefinition describes one named stage of a workflow. It is static
// configuration and is never mutated at runtime.
type StepDefinition struct {
	Name     string       `json:"name"`
	Agent    string       `json:"agent"`
	Required bool         `json:"isRequired"`
	Criteria CriteriaSpec `json:"completionCriteria"`

	// Next is the step to move to once criteria are satisfied.
	// Empty means this step is terminal.
	Next string `json:"nextStep,omitempty"`
}

// WorkflowDefinition describes a workflow as a graph of named steps linked
// by Next pointers, starting at InitialStep.
type WorkflowDefinition struct {
	Name        string
	InitialStep string
	Steps       []StepDefinition
}

// Step returns the definition for the given step name.
func (d WorkflowDefinition) Step(name string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Validate checks structural integrity of the step graph: a known initial
// step, unique step names, and Next pointers that resolve.
func (d WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(d.Steps) == 0 {
		return errors.New("workflow must have at least one step")
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return errors.New("step name must not be empty")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate step name: %s", s.Name)
		}
		seen[s.Name] = true
	}
	if _, ok := d.Step(d.InitialStep); !ok {
		return fmt.Errorf("initial step %q is not defined", d.InitialStep)
	}
	for _, s := range d.Steps {
		if s.Next == "" {
			continue
		}
		if !seen[s.Next] {
			return fmt.Errorf("step %q points to unknown next step %q", s.Name, s.Next)
		}
	}
	return nil
}

// WorkflowInstance is one user's run of a workflow definition. At most one
// instance per user+workflow is active at a time. Instances are never
// deleted; completion and failure only change Status.
type WorkflowInstance struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	WorkflowName string    `json:"workflowName"`
	CurrentStep  string    `json:"currentStep"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"startedAt"`
	CompletedAt  time.Time `json:"completedAt,omitzero"`

	// StepData holds per-step context merged from agent action signals.
	StepData map[string]map[string]any `json:"stepData,omitempty"`

	// Shared holds cross-step context, including deferred topic advisories.
	Shared map[string]any `json:"shared,omitempty"`

	// StepsCompleted lists closed steps in completion order.
	StepsCompleted []string `json:"stepsCompleted,omitempty"`

	// ConsumedRequests records streaming request ids whose completion
	// signal has already been applied, so redelivery is a no-op.
	ConsumedRequests []string `json:"consumedRequests,omitempty"`

	// InputRequested is set while the current step is blocked on a
	// client-side input control.
	InputRequested bool `json:"inputRequested,omitempty"`
}

// HasConsumed reports whether a streamingComplete signal with the given
// request id has already been applied to this instance.
func (w *WorkflowInstance) HasConsumed(requestID string) bool {
	for _, id := range w.ConsumedRequests {
		if id == requestID {
			return true
		}
	}
	return false
}

// Progress summarizes how far an instance has advanced through its graph.
type Progress struct {
	Completed      int      `json:"completed"`
	Total          int      `json:"total"`
	Percentage     int      `json:"percentage"`
	CurrentStep    string   `json:"currentStep"`
	StepsCompleted []string `json:"stepsCompleted"`
}

// ProgressOf computes progress for an instance against its definition.
func ProgressOf(def WorkflowDefinition, inst *WorkflowInstance) Progress {
	p := Progress{
		Completed:      len(inst.StepsCompleted),
		Total:          len(def.Steps),
		CurrentStep:    inst.CurrentStep,
		StepsCompleted: inst.StepsCompleted,
	}
	if p.Total > 0 {
		p.Percentage = p.Completed * 100 / p.Total
	}
	return p
}

// SignalKind identifies an external event offered to a running instance.
type SignalKind string

const (
	SignalUserMessage       SignalKind = "userMessage"
	SignalUserConnected     SignalKind = "userConnected"
	SignalStreamingComplete SignalKind = "streamingComplete"
	SignalManualOverride    SignalKind = "manualOverride"
)

// Signal is an immutable event offered to a running instance. Signals for
// one instance are totally ordered by arrival and consumed one at a time.
type Signal struct {
	Kind       SignalKind `json:"kind"`
	ReceivedAt time.Time  `json:"receivedAt"`

	// Content is the user message text (SignalUserMessage).
	Content string `json:"content,omitempty"`

	// RequestID marks a user message that is being answered on the
	// streaming path; the state machine waits for the matching
	// streamingComplete signal instead of invoking the agent itself.
	RequestID string `json:"requestId,omitempty"`

	// Stream carries the outcome of a finished stream
	// (SignalStreamingComplete).
	Stream *StreamOutcome `json:"stream,omitempty"`

	// Override carries a pre-computed action signal
	// (SignalManualOverride); used for testing and operator repair.
	Override *ActionSignal `json:"override,omitempty"`
}

// StreamOutcome is the final, already-computed result of one stream,
// synthesized back into the signal inbox so the deterministic core can
// perform its transition bookkeeping without re-invoking the agent.
type StreamOutcome struct {
	RequestID string        `json:"requestId"`
	Content   string        `json:"content,omitempty"`
	Action    *ActionSignal `json:"action,omitempty"`
	Error     string        `json:"error,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
}

// Failed reports whether the stream terminated without a usable result.
func (o *StreamOutcome) Failed() bool {
	return o.Error != "" || o.Cancelled
}

// CriteriaResult is the outcome of a completion-criteria evaluation.
type CriteriaResult struct {
	Satisfied bool           `json:"satisfied"`
	Missing   []string       `json:"missing,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// AgentResult is what a reasoning agent returns for one user turn.
type AgentResult struct {
	Content string

	// Signal is the structured workflow action; nil means stay.
	Signal *ActionSignal

	// TopicStep, when non-empty, is the coordinator's advisory judgement
	// that the message belongs to a different step. It never forces a
	// transition.
	TopicStep string
}

// Engine is the workflow orchestration surface.
type Engine interface {
	// RegisterWorkflow registers a definition by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// StartInstance creates and persists a new active instance for the
	// user. It fails with ErrConflict if one is already active.
	StartInstance(ctx context.Context, userID, workflowName string) (*WorkflowInstance, error)

	// OfferSignal appends a signal to the instance's durable inbox and
	// returns immediately; it does not wait for processing.
	OfferSignal(ctx context.Context, instanceID string, sig Signal) error

	// Drain processes all pending signals for one instance, in arrival
	// order, one at a time. Safe to call concurrently; calls for the
	// same instance are serialized.
	Drain(ctx context.Context, instanceID string) error

	// RecoverPending re-drains every instance that still has unacked
	// signals, typically on process startup. Returns the number of
	// instances drained.
	RecoverPending(ctx context.Context) (int, error)

	// Definition returns a registered workflow definition by name.
	Definition(name string) (WorkflowDefinition, bool)

	// GetInstance looks up an instance by id.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// GetActiveForUser returns the user's active instance of the named
	// workflow, or ErrNotFound.
	GetActiveForUser(ctx context.Context, userID, workflowName string) (*WorkflowInstance, error)

	// GetProgress reports completedSteps/totalSteps for an instance.
	GetProgress(ctx context.Context, id string) (Progress, error)
}
