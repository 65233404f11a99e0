package convoflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/convoflow/internal/engine"
	"github.com/petrijr/convoflow/pkg/api"
	"github.com/petrijr/convoflow/pkg/criteria"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowDefinition   = api.WorkflowDefinition
	StepDefinition       = api.StepDefinition
	WorkflowInstance     = api.WorkflowInstance
	Status               = api.Status
	Signal               = api.Signal
	SignalKind           = api.SignalKind
	Action               = api.Action
	ActionSignal         = api.ActionSignal
	StreamOutcome        = api.StreamOutcome
	CriteriaSpec         = api.CriteriaSpec
	CriteriaResult       = api.CriteriaResult
	AgentResult          = api.AgentResult
	AgentContext         = api.AgentContext
	Progress             = api.Progress
	Event                = api.Event
	EventType            = api.EventType
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	NoopObserver         = api.NoopObserver
	CompositeObserver    = api.CompositeObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	AgentInvoker         = api.AgentInvoker
	AgentStreamer        = api.AgentStreamer
	MemoryStore          = api.MemoryStore
	MemoryReader         = api.MemoryReader
	RecordReader         = api.RecordReader
	Notifier             = api.Notifier
	CriteriaRegistry     = criteria.Registry
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewCriteriaRegistry  = criteria.NewRegistry
)

// Re-export status, action and signal-kind values for convenience.

const (
	StatusActive    = api.StatusActive
	StatusPaused    = api.StatusPaused
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed

	ActionCompleteStep = api.ActionCompleteStep
	ActionStay         = api.ActionStay
	ActionNeedInput    = api.ActionNeedInput

	SignalUserMessage       = api.SignalUserMessage
	SignalUserConnected     = api.SignalUserConnected
	SignalStreamingComplete = api.SignalStreamingComplete
	SignalManualOverride    = api.SignalManualOverride
)

// Re-export error sentinels.

var (
	ErrConflict      = api.ErrConflict
	ErrNotFound      = api.ErrNotFound
	ErrStartTimeout  = api.ErrStartTimeout
	ErrStreamTimeout = api.ErrStreamTimeout
)

// AgentRetry bounds retries of transient agent failures.
type AgentRetry = engine.AgentRetry

// Options holds the external collaborators and tuning for an engine.
// Agents is required for conversational workflows; everything else has a
// working default (noop notifier/observer, built-in criteria registry).
type Options struct {
	Agents     api.AgentInvoker
	Memory     api.MemoryStore
	Records    api.RecordReader
	Notifier   api.Notifier
	Observer   api.Observer
	Criteria   *criteria.Registry
	AgentRetry AgentRetry
}

func (o Options) engineConfig() engine.Config {
	return engine.Config{
		Criteria:   o.Criteria,
		Agents:     o.Agents,
		Memory:     o.Memory,
		Records:    o.Records,
		Notifier:   o.Notifier,
		Observer:   o.Observer,
		AgentRetry: o.AgentRetry,
	}
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory
// stores. Non-durable; best for tests and local development.
func NewInMemoryEngine(opts Options) Engine {
	return engine.NewInMemoryEngine(opts.engineConfig())
}

// NewSQLiteEngine returns an Engine that persists instances, history and
// the signal inbox in a SQLite database. Workflow definitions are kept
// in-memory.
func NewSQLiteEngine(db *sql.DB, opts Options) (Engine, error) {
	return engine.NewSQLiteEngine(db, opts.engineConfig())
}

// NewRedisEngine returns an Engine that persists instances in Redis.
func NewRedisEngine(client *redis.Client, opts Options) Engine {
	return engine.NewRedisEngine(client, opts.engineConfig())
}

// Convenience helpers that just forward to the underlying Engine.

// Start creates a new active instance for the user.
func Start(ctx context.Context, eng Engine, userID, workflowName string) (*WorkflowInstance, error) {
	return eng.StartInstance(ctx, userID, workflowName)
}

// OfferUserMessage offers a user message signal to an instance.
func OfferUserMessage(ctx context.Context, eng Engine, instanceID, content string) error {
	return eng.OfferSignal(ctx, instanceID, Signal{
		Kind:       SignalUserMessage,
		ReceivedAt: time.Now(),
		Content:    content,
	})
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

// GetProgress reports completedSteps/totalSteps for an instance.
func GetProgress(ctx context.Context, eng Engine, id string) (Progress, error) {
	return eng.GetProgress(ctx, id)
}

// RecoverPending delegates to eng.RecoverPending.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := convoflow.RecoverPending(ctx, engine)
func RecoverPending(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverPending(ctx)
}
