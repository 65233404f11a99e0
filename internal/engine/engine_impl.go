package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/convoflow/internal/inbox"
	"github.com/petrijr/convoflow/internal/persistence"
	"github.com/petrijr/convoflow/pkg/api"
	"github.com/petrijr/convoflow/pkg/criteria"
)

// AgentRetry bounds retries of transient agent failures. MaxAttempts
// includes the first attempt; after the last failed attempt the turn is
// absorbed as a stay with a recoverable error event.
type AgentRetry struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Config describes how to construct an engine.
// Only used inside this package; external callers use the convoflow
// package's constructors.
type Config struct {
	Persistence persistence.Persistence
	Inbox       inbox.Inbox
	Criteria    *criteria.Registry
	Agents      api.AgentInvoker
	Memory      api.MemoryStore
	Records     api.RecordReader
	Notifier    api.Notifier
	Observer    api.Observer
	AgentRetry  AgentRetry
}

type engineImpl struct {
	mu   sync.RWMutex
	defs map[string]api.WorkflowDefinition

	instances persistence.InstanceStore
	history   persistence.EventStore
	inbox     inbox.Inbox
	machine   *Machine

	agents   api.AgentInvoker
	memory   api.MemoryStore
	notifier api.Notifier
	observer api.Observer
	retry    AgentRetry

	locks *instanceLocks
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	if cfg.Persistence.Instances == nil {
		mem := persistence.NewInMemoryStore()
		cfg.Persistence.Instances = mem
		if cfg.Persistence.History == nil {
			cfg.Persistence.History = mem
		}
	}
	if cfg.Persistence.History == nil {
		cfg.Persistence.History = persistence.NoopEventStore{}
	}
	if cfg.Inbox == nil {
		cfg.Inbox = inbox.NewInMemoryInbox()
	}
	if cfg.Criteria == nil {
		cfg.Criteria = criteria.NewRegistry()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = api.NoopNotifier{}
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.AgentRetry.MaxAttempts <= 0 {
		cfg.AgentRetry.MaxAttempts = 3
	}
	if cfg.AgentRetry.Backoff <= 0 {
		cfg.AgentRetry.Backoff = 200 * time.Millisecond
	}

	var memReader api.MemoryReader
	if cfg.Memory != nil {
		memReader = cfg.Memory
	}

	return &engineImpl{
		defs:      make(map[string]api.WorkflowDefinition),
		instances: cfg.Persistence.Instances,
		history:   cfg.Persistence.History,
		inbox:     cfg.Inbox,
		machine:   NewMachine(cfg.Criteria, memReader, cfg.Records),
		agents:    cfg.Agents,
		memory:    cfg.Memory,
		notifier:  cfg.Notifier,
		observer:  cfg.Observer,
		retry:     cfg.AgentRetry,
		locks:     newInstanceLocks(),
	}
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(cfg Config) api.Engine {
	cfg.Persistence = persistence.Persistence{}
	cfg.Inbox = nil
	return NewEngineWithConfig(cfg)
}

// NewSQLiteEngine returns an Engine that persists instances, history and
// the signal inbox in a SQLite database.
func NewSQLiteEngine(db *sql.DB, cfg Config) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	box, err := inbox.NewSQLiteInbox(db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = persistence.Persistence{Instances: store, History: store}
	cfg.Inbox = box
	return NewEngineWithConfig(cfg), nil
}

// NewRedisEngine returns an Engine that persists instances in Redis.
// The signal inbox stays in-memory; pair it with RecoverPending-based
// draining only when that tradeoff is acceptable.
func NewRedisEngine(client *redis.Client, cfg Config) api.Engine {
	cfg.Persistence = persistence.Persistence{
		Instances: persistence.NewRedisInstanceStore(client, "convoflow:"),
	}
	return NewEngineWithConfig(cfg)
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.defs[def.Name]; ok {
		return fmt.Errorf("workflow already registered: %s", def.Name)
	}
	e.defs[def.Name] = def
	return nil
}

// Definition returns a registered workflow definition by name.
func (e *engineImpl) Definition(name string) (api.WorkflowDefinition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[name]
	return def, ok
}

func (e *engineImpl) definition(name string) (api.WorkflowDefinition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[name]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("unknown workflow %q: %w", name, api.ErrNotFound)
	}
	return def, nil
}

func (e *engineImpl) StartInstance(ctx context.Context, userID, workflowName string) (*api.WorkflowInstance, error) {
	def, err := e.definition(workflowName)
	if err != nil {
		return nil, err
	}

	inst := &api.WorkflowInstance{
		ID:           uuid.NewString(),
		UserID:       userID,
		WorkflowName: def.Name,
		CurrentStep:  def.InitialStep,
		Status:       api.StatusActive,
		StartedAt:    time.Now(),
	}

	if err := e.instances.Create(ctx, inst); err != nil {
		if errors.Is(err, persistence.ErrActiveInstanceExists) {
			return nil, fmt.Errorf("user %s already has an active %s instance: %w", userID, workflowName, api.ErrConflict)
		}
		return nil, err
	}

	_ = e.history.Append(ctx, persistence.HistoryRecord{
		InstanceID: inst.ID,
		At:         inst.StartedAt,
		Type:       api.EventWorkflowStarted,
		Step:       inst.CurrentStep,
	})
	_ = e.notifier.Send(ctx, userID, api.Event{
		Type: api.EventWorkflowStarted,
		Payload: map[string]any{
			"workflowId":  inst.ID,
			"initialStep": inst.CurrentStep,
		},
	})
	e.observer.OnInstanceStarted(ctx, inst)

	return inst, nil
}

func (e *engineImpl) OfferSignal(ctx context.Context, instanceID string, sig api.Signal) error {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now()
	}
	if _, err := e.instances.Get(ctx, instanceID); err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return fmt.Errorf("instance %s: %w", instanceID, api.ErrNotFound)
		}
		return err
	}
	return e.inbox.Offer(ctx, instanceID, sig)
}

// Drain processes pending signals for one instance, strictly in arrival
// order: apply, persist, then ack. A crash between persist and ack leads
// to redelivery, which the machine's bookkeeping absorbs.
func (e *engineImpl) Drain(ctx context.Context, instanceID string) error {
	lock := e.locks.get(instanceID)
	lock.Lock()
	defer lock.Unlock()

	for {
		entry, err := e.inbox.Peek(ctx, instanceID)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if err := e.processEntry(ctx, entry); err != nil {
			return err
		}
		if err := e.inbox.Ack(ctx, instanceID, entry.ID); err != nil {
			return err
		}
	}
}

func (e *engineImpl) RecoverPending(ctx context.Context) (int, error) {
	ids, err := e.inbox.Backlog(ctx)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := e.Drain(ctx, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

func (e *engineImpl) processEntry(ctx context.Context, entry *inbox.Entry) error {
	start := time.Now()

	inst, err := e.instances.Get(ctx, entry.InstanceID)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return fmt.Errorf("instance %s: %w", entry.InstanceID, api.ErrNotFound)
		}
		return err
	}
	def, err := e.definition(inst.WorkflowName)
	if err != nil {
		return err
	}

	sig := entry.Signal
	var agentRes api.AgentResult
	var agentEvents []api.Event

	if e.needsAgent(inst, sig) {
		agentRes, agentEvents = e.invokeAgent(ctx, def, inst, sig)
	}

	tr, err := e.machine.Apply(ctx, def, inst, sig, agentRes)
	if err != nil {
		e.observer.OnSignalApplied(ctx, inst, sig, err, time.Since(start))
		return err
	}

	if tr.Changed {
		if err := e.instances.Save(ctx, tr.Instance); err != nil {
			e.observer.OnSignalApplied(ctx, inst, sig, err, time.Since(start))
			return err
		}
	}

	events := append(agentEvents, tr.Events...)
	e.emit(ctx, def, tr.Instance, events)
	e.observer.OnSignalApplied(ctx, tr.Instance, sig, nil, time.Since(start))

	// Long-term memory write-back happens after the durable transition;
	// a memory failure never affects instance state.
	if e.memory != nil && sig.Kind == api.SignalUserMessage && sig.Content != "" && agentRes.Content != "" {
		_ = e.memory.Add(ctx, inst.UserID, []api.MemoryMessage{
			{Role: "user", Content: sig.Content},
			{Role: "assistant", Content: agentRes.Content},
		})
	}

	return nil
}

// needsAgent reports whether this signal requires a fresh agent turn.
// Streaming turns and synthesized stream outcomes arrive pre-computed.
func (e *engineImpl) needsAgent(inst *api.WorkflowInstance, sig api.Signal) bool {
	if e.agents == nil || inst.Status.Terminal() {
		return false
	}
	switch sig.Kind {
	case api.SignalUserMessage:
		return sig.RequestID == ""
	case api.SignalUserConnected:
		return true
	default:
		return false
	}
}

// invokeAgent calls the step's agent with bounded retries. All failures
// are absorbed into a stay-equivalent result plus an observable event;
// an agent outage is never fatal to the instance.
func (e *engineImpl) invokeAgent(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, sig api.Signal) (api.AgentResult, []api.Event) {
	step, ok := def.Step(inst.CurrentStep)
	if !ok {
		return api.AgentResult{}, nil
	}

	actx := api.AgentContext{
		WorkflowName:   inst.WorkflowName,
		InstanceID:     inst.ID,
		UserID:         inst.UserID,
		CurrentStep:    inst.CurrentStep,
		StepAgent:      step.Agent,
		Required:       step.Required,
		StepsCompleted: inst.StepsCompleted,
		StepData:       inst.StepData[inst.CurrentStep],
		Shared:         inst.Shared,
	}

	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		res, err := e.agents.Invoke(ctx, step.Agent, sig.Content, actx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		// A caller-supplied deadline bounds the whole turn; once it
		// fires there is no point in further attempts.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			break
		}
		if attempt < e.retry.MaxAttempts {
			select {
			case <-ctx.Done():
				attempt = e.retry.MaxAttempts
			case <-time.After(e.retry.Backoff):
			}
		}
	}

	return api.AgentResult{Signal: &api.ActionSignal{Action: api.ActionStay}}, []api.Event{{
		Type: api.EventAgentError,
		Payload: map[string]any{
			"workflowId":  inst.ID,
			"currentStep": inst.CurrentStep,
			"error":       lastErr.Error(),
			"recoverable": true,
		},
	}}
}

// emit fans events out to the history store, the notification channel and
// the observer. Both sinks are best-effort; the durable transition has
// already been committed.
func (e *engineImpl) emit(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, events []api.Event) {
	for _, ev := range events {
		_ = e.history.Append(ctx, persistence.HistoryRecord{
			InstanceID: inst.ID,
			At:         time.Now(),
			Type:       ev.Type,
			Step:       inst.CurrentStep,
			Detail:     eventDetail(ev),
		})
		_ = e.notifier.Send(ctx, inst.UserID, ev)

		switch ev.Type {
		case api.EventStepChanged:
			prev, _ := ev.Payload["previousStep"].(string)
			curr, _ := ev.Payload["currentStep"].(string)
			e.observer.OnStepChanged(ctx, inst, prev, curr)
		case api.EventStepBlocked:
			step, _ := ev.Payload["currentStep"].(string)
			missing, _ := ev.Payload["missingCriteria"].([]string)
			e.observer.OnStepBlocked(ctx, inst, step, missing)
		case api.EventWorkflowCompleted:
			e.observer.OnInstanceCompleted(ctx, inst)
		}
	}
}

func eventDetail(ev api.Event) string {
	switch ev.Type {
	case api.EventStepChanged:
		prev, _ := ev.Payload["previousStep"].(string)
		curr, _ := ev.Payload["currentStep"].(string)
		return prev + " -> " + curr
	case api.EventAgentError:
		msg, _ := ev.Payload["error"].(string)
		return msg
	default:
		return ""
	}
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.Get(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("instance %s: %w", id, api.ErrNotFound)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) GetActiveForUser(ctx context.Context, userID, workflowName string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.GetActiveForUser(ctx, userID, workflowName)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("no active %s instance for user %s: %w", workflowName, userID, api.ErrNotFound)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) GetProgress(ctx context.Context, id string) (api.Progress, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return api.Progress{}, err
	}
	def, err := e.definition(inst.WorkflowName)
	if err != nil {
		return api.Progress{}, err
	}
	return api.ProgressOf(def, inst), nil
}
