package api

import "context"

// AgentContext is the step context passed to a reasoning agent for one turn.
type AgentContext struct {
	WorkflowName   string         `json:"workflowName"`
	InstanceID     string         `json:"instanceId"`
	UserID         string         `json:"userId"`
	CurrentStep    string         `json:"currentStep"`
	StepAgent      string         `json:"stepAgent"`
	Required       bool           `json:"isRequired"`
	StepsCompleted []string       `json:"stepsCompleted,omitempty"`
	StepData       map[string]any `json:"stepData,omitempty"`
	Shared         map[string]any `json:"shared,omitempty"`
}

// AgentInvoker runs a reasoning agent to completion for one user turn.
// Failures may be transient; the engine retries with bounded attempts
// before treating the turn as a stay.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentName, message string, actx AgentContext) (AgentResult, error)
}

// AgentStreamer runs a reasoning agent with incremental text output.
// emit is called once per delta, in generation order, from a single
// goroutine. The returned AgentResult carries the final accumulated
// content and the structured action signal extracted from it.
type AgentStreamer interface {
	Stream(ctx context.Context, agentName, message string, actx AgentContext, emit func(delta string)) (AgentResult, error)
}

// MemoryMessage is one conversational message handed to long-term memory.
type MemoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MemoryReader is the read-only memory access criteria evaluators use.
type MemoryReader interface {
	CountFacts(ctx context.Context, userID, category string) (int, error)
}

// MemoryStore is full long-term memory access for the engine.
type MemoryStore interface {
	MemoryReader
	Search(ctx context.Context, userID, query string, limit int) ([]string, error)
	Add(ctx context.Context, userID string, messages []MemoryMessage) error
}

// RecordReader is the read-only record-store access criteria evaluators
// use, e.g. counting inbox items a user has collected.
type RecordReader interface {
	CountRecords(ctx context.Context, collection, userID string) (int, error)
}

// Notifier delivers outbound events to a user's live connection.
// Delivery is best-effort at-least-once; the core requires no ack.
type Notifier interface {
	Send(ctx context.Context, userID string, ev Event) error
}

// NoopNotifier discards all events.
type NoopNotifier struct{}

func (NoopNotifier) Send(ctx context.Context, userID string, ev Event) error { return nil }
