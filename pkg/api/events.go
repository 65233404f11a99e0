package api

// EventType identifies an outbound event on the notification channel.
// These names are a stable wire contract.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventStepChanged       EventType = "workflow.step_changed"
	EventStepBlocked       EventType = "workflow.step_blocked"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventTopicDeferred     EventType = "workflow.topic_deferred"
	EventInputRequested    EventType = "workflow.input_requested"

	EventMessageNew EventType = "message.new"
	EventAgentError EventType = "agent.error"

	EventStreamStart EventType = "stream.start"
	EventStreamChunk EventType = "stream.chunk"
	EventStreamEnd   EventType = "stream.end"
	EventStreamError EventType = "stream.error"
)

// Event is one outbound notification. Payload keys follow the wire
// contract, e.g. workflow.step_changed carries
// {workflowId, previousStep, currentStep, progressPercent}.
type Event struct {
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}
