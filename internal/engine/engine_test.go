package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/convoflow/internal/persistence"
	"github.com/petrijr/convoflow/pkg/api"
)

// scriptedAgent returns queued results in order, repeating the last one.
type scriptedAgent struct {
	mu      sync.Mutex
	results []api.AgentResult
	errs    []error
	calls   int
}

func (a *scriptedAgent) Invoke(ctx context.Context, agentName, message string, actx api.AgentContext) (api.AgentResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	a.calls++
	if i < len(a.errs) && a.errs[i] != nil {
		return api.AgentResult{}, a.errs[i]
	}
	if len(a.results) == 0 {
		return api.AgentResult{Signal: &api.ActionSignal{Action: api.ActionStay}}, nil
	}
	if i >= len(a.results) {
		i = len(a.results) - 1
	}
	return a.results[i], nil
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// captureNotifier records every event sent to any user.
type captureNotifier struct {
	mu     sync.Mutex
	events []api.Event
}

func (n *captureNotifier) Send(ctx context.Context, userID string, ev api.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *captureNotifier) byType(typ api.EventType) []api.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []api.Event
	for _, ev := range n.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// recordingMemory is a MemoryStore that counts facts it was given.
type recordingMemory struct {
	mu    sync.Mutex
	added []api.MemoryMessage
}

func (m *recordingMemory) CountFacts(ctx context.Context, userID, category string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.added), nil
}

func (m *recordingMemory) Search(ctx context.Context, userID, query string, limit int) ([]string, error) {
	return nil, nil
}

func (m *recordingMemory) Add(ctx context.Context, userID string, messages []api.MemoryMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, messages...)
	return nil
}

// flakyStore wraps an InstanceStore and fails the first N Saves, standing
// in for a crash between persist and ack.
type flakyStore struct {
	persistence.InstanceStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("simulated crash before persist")
	}
	s.mu.Unlock()
	return s.InstanceStore.Save(ctx, inst)
}

func newTestEngine(t *testing.T, cfg Config) api.Engine {
	t.Helper()
	eng := NewEngineWithConfig(cfg)
	require.NoError(t, eng.RegisterWorkflow(threeStepDef()))
	return eng
}

func TestStartInstanceConflict(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx := context.Background()

	inst, err := eng.StartInstance(ctx, "user-1", "onboarding")
	require.NoError(t, err)
	assert.Equal(t, "greeting", inst.CurrentStep)
	assert.Equal(t, api.StatusActive, inst.Status)

	_, err = eng.StartInstance(ctx, "user-1", "onboarding")
	assert.ErrorIs(t, err, api.ErrConflict)

	// The original instance is unaffected.
	got, err := eng.GetActiveForUser(ctx, "user-1", "onboarding")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
}

func TestStartInstanceUnknownWorkflow(t *testing.T) {
	eng := newTestEngine(t, Config{})
	_, err := eng.StartInstance(context.Background(), "user-1", "no_such_flow")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestOfferSignalUnknownInstance(t *testing.T) {
	eng := newTestEngine(t, Config{})
	err := eng.OfferSignal(context.Background(), "ghost", api.Signal{Kind: api.SignalUserMessage})
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestDrainAdvancesThroughSteps(t *testing.T) {
	agent := &scriptedAgent{results: []api.AgentResult{
		{Content: "welcome", Signal: &api.ActionSignal{Action: api.ActionCompleteStep}},
	}}
	notifier := &captureNotifier{}
	eng := newTestEngine(t, Config{
		Agents:   agent,
		Memory:   &recordingMemory{added: make([]api.MemoryMessage, 10)},
		Notifier: notifier,
	})
	ctx := context.Background()

	inst, err := eng.StartInstance(ctx, "user-1", "onboarding")
	require.NoError(t, err)

	progress, err := eng.GetProgress(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Percentage)

	require.NoError(t, eng.OfferSignal(ctx, inst.ID, api.Signal{Kind: api.SignalUserMessage, Content: "hi"}))
	require.NoError(t, eng.Drain(ctx, inst.ID))

	got, err := eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "discovery", got.CurrentStep)

	progress, err = eng.GetProgress(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Completed)
	assert.Equal(t, 3, progress.Total)
	assert.Equal(t, 33, progress.Percentage)

	changed := notifier.byType(api.EventStepChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "greeting", changed[0].Payload["previousStep"])
}

func TestDrainRunsToCompletion(t *testing.T) {
	agent := &scriptedAgent{results: []api.AgentResult{
		{Signal: &api.ActionSignal{Action: api.ActionCompleteStep}},
	}}
	mem := &recordingMemory{added: make([]api.MemoryMessage, 10)}
	notifier := &captureNotifier{}
	eng := newTestEngine(t, Config{Agents: agent, Memory: mem, Notifier: notifier})
	ctx := context.Background()

	inst, err := eng.StartInstance(ctx, "user-1", "onboarding")
	require.NoError(t, err)

	for _, msg := range []string{"hi", "lots of facts", "bye"} {
		require.NoError(t, eng.OfferSignal(ctx, inst.ID, api.Signal{Kind: api.SignalUserMessage, Content: msg}))
	}
	require.NoError(t, eng.Drain(ctx, inst.ID))

	got, err := eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, got.Status)
	assert.Equal(t, []string{"greeting", "discovery", "wrap_up"}, got.StepsCompleted)
	assert.False(t, got.CompletedAt.IsZero())
	require.Len(t, notifier.byType(api.EventWorkflowCompleted), 1)

	// The slot is free for a new run.
	_, err = eng.StartInstance(ctx, "user-1", "onboarding")
	require.NoError(t, err)
}

func TestDrainRedeliversAfterSaveFailure(t *testing.T) {
	mem := persistence.NewInMemoryStore()
	flaky := &flakyStore{InstanceStore: mem, failures: 1}
	agent := &scriptedAgent{results: []api.AgentResult{
		{Signal: &api.ActionSignal{Action: api.ActionCompleteStep}},
	}}
	eng := newTestEngine(t, Config{
		Persistence: persistence.Persistence{Instances: flaky, History: mem},
		Agents:      agent,
		Memory:      &recordingMemory{added: make([]api.MemoryMessage, 10)},
	})
	ctx := context.Background()

	inst, err := eng.StartInstance(ctx, "user-1", "onboarding")
	require.NoError(t, err)
	require.NoError(t, eng.OfferSignal(ctx, inst.ID, api.Signal{Kind: api.SignalUserMessage, Content: "hi"}))

	// First drain dies at the persist step; the signal stays queued.
	err = eng.Drain(ctx, inst.ID)
	require.Error(t, err)

	got, err := eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "greeting", got.CurrentStep, "failed save must not leak state")

	// Redelivery after the "restart" produces the state a clean run
	// would have produced.
	require.NoError(t, eng.Drain(ctx, inst.ID))
	got, err = eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "discovery", got.CurrentStep)
	assert.Equal(t, []string{"greeting"}, got.StepsCompleted)
}

func TestRecoverPending(t *testing.T) {
	agent := &scriptedAgent{results: []api.AgentResult{
		{Signal: &api.ActionSignal{Action: api.ActionCompleteStep}},
	}}
	eng := newTestEngine(t, Config{Agents: agent, Memory: &recordingMemory{added: make([]api.MemoryMessage, 10)}})
	ctx := context.Background()

	instA, err := eng.StartInstance(ctx, "user-a", "onboarding")
	require.NoError(t, err)
	instB, err := eng.StartInstance(ctx, "user-b", "onboarding")
	require.NoError(t, err)

	require.NoError(t, eng.OfferSignal(ctx, instA.ID, api.Signal{Kind: api.SignalUserMessage, Content: "hi"}))
	require.NoError(t, eng.OfferSignal(ctx, instB.ID, api.Signal{Kind: api.SignalUserMessage, Content: "hi"}))

	n, err := eng.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{instA.ID, instB.ID} {
		got, err := eng.GetInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "discovery", got.CurrentStep)
	}
}

func TestAgentRetrySucceedsAfterTransientFailure(t *testing.T) {
	agent := &scriptedAgent{
		errs: []error{errors.New("flaky"), errors.New("flaky again")},
		results: []api.AgentResult{
			{}, {},
			{Signal: &api.ActionSignal{Action: api.ActionCompleteStep}},
		},
	}
	eng := newTestEngine(t, Config{
		Agents:     agent,
		AgentRetry: AgentRetry{MaxAttempts: 3, Backoff: time.Millisecond},
	})
	ctx := context.Background()

	inst, err := eng.StartInstance(ctx, "user-1", "onboarding")
	require.NoError(t, err)
	require.NoError(t, eng.OfferSignal(ctx, inst.ID, api.Signal{Kind: api.SignalUserMessage, Content: "hi"}))
	require.NoError(t, eng.Drain(ctx, inst.ID))

	got, err := eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "discovery", got.CurrentStep)
	assert.Equal(t, 3, agent.callCount())
}

func TestAgentOutageAbsorbedAsStay(t *testing.T) {
	agent := &scriptedAgent{
		errs: []error{errors.New("down"), errors.New("down"), errors.New("down")},
	}
	notifier := &captureNotifier{}
	eng := newTestEngine(t, Config{
		Agents:     agent,
		Notifier:   notifier,
		AgentRetry: AgentRetry{MaxAttempts: 3, Backoff: time.Millisecond},
	})
	ctx := context.Background()

	inst, err := eng.StartInstance(ctx, "user-1", "onboarding")
	require.NoError(t, err)
	require.NoError(t, eng.OfferSignal(ctx, inst.ID, api.Signal{Kind: api.SignalUserMessage, Content: "hi"}))
	require.NoError(t, eng.Drain(ctx, inst.ID), "agent outage is not fatal to the instance")

	got, err := eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "greeting", got.CurrentStep)
	assert.Equal(t, api.StatusActive, got.Status)

	errs := notifier.byType(api.EventAgentError)
	require.Len(t, errs, 1)
	assert.Equal(t, true, errs[0].Payload["recoverable"])
}

func TestMemoryWriteBack(t *testing.T) {
	agent := &scriptedAgent{results: []api.AgentResult{
		{Content: "noted!", Signal: &api.ActionSignal{Action: api.ActionStay}},
	}}
	mem := &recordingMemory{}
	eng := newTestEngine(t, Config{Agents: agent, Memory: mem})
	ctx := context.Background()

	inst, err := eng.StartInstance(ctx, "user-1", "onboarding")
	require.NoError(t, err)
	require.NoError(t, eng.OfferSignal(ctx, inst.ID, api.Signal{Kind: api.SignalUserMessage, Content: "I live in Oslo"}))
	require.NoError(t, eng.Drain(ctx, inst.ID))

	mem.mu.Lock()
	defer mem.mu.Unlock()
	require.Len(t, mem.added, 2)
	assert.Equal(t, api.MemoryMessage{Role: "user", Content: "I live in Oslo"}, mem.added[0])
	assert.Equal(t, api.MemoryMessage{Role: "assistant", Content: "noted!"}, mem.added[1])
}

func TestStreamingCompleteAppliedExactlyOnce(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx := context.Background()

	inst, err := eng.StartInstance(ctx, "user-1", "onboarding")
	require.NoError(t, err)

	sig := api.Signal{
		Kind: api.SignalStreamingComplete,
		Stream: &api.StreamOutcome{
			RequestID: "req-1",
			Content:   "Hi there!",
			Action:    &api.ActionSignal{Action: api.ActionCompleteStep},
		},
	}
	require.NoError(t, eng.OfferSignal(ctx, inst.ID, sig))
	require.NoError(t, eng.OfferSignal(ctx, inst.ID, sig))
	require.NoError(t, eng.Drain(ctx, inst.ID))

	got, err := eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "discovery", got.CurrentStep)
	assert.Equal(t, []string{"greeting"}, got.StepsCompleted)
	assert.Equal(t, []string{"req-1"}, got.ConsumedRequests)
}

func TestConcurrentDrainsSerialized(t *testing.T) {
	agent := &scriptedAgent{results: []api.AgentResult{
		{Signal: &api.ActionSignal{Action: api.ActionStay}},
	}}
	eng := newTestEngine(t, Config{Agents: agent})
	ctx := context.Background()

	inst, err := eng.StartInstance(ctx, "user-1", "onboarding")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, eng.OfferSignal(ctx, inst.ID, api.Signal{Kind: api.SignalUserMessage, Content: "msg"}))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = eng.Drain(ctx, inst.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, agent.callCount())
}

func TestDefinitionLookup(t *testing.T) {
	eng := newTestEngine(t, Config{})

	def, ok := eng.Definition("onboarding")
	assert.True(t, ok)
	assert.Equal(t, "greeting", def.InitialStep)

	_, ok = eng.Definition("missing")
	assert.False(t, ok)

	// Duplicate registration is refused.
	err := eng.RegisterWorkflow(threeStepDef())
	assert.Error(t, err)
}
