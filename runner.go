package convoflow

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/convoflow/pkg/api"
	"github.com/petrijr/convoflow/pkg/stream"
)

// Runner bundles an Engine, background drain workers, and a streaming
// orchestrator into a single process-local runtime.
//
// Typical usage:
//
//	runner := convoflow.NewRunner(convoflow.NewInMemoryEngine(opts), streamer, notifier)
//	_ = runner.Engine.RegisterWorkflow(def)
//
//	_ = runner.StartWorkers(ctx, 2)
//	inst, _ := runner.Engine.StartInstance(ctx, userID, "onboarding")
//	_ = runner.OfferSignal(ctx, inst.ID, convoflow.Signal{Kind: convoflow.SignalUserMessage, Content: "hi"})
//	...
//	runner.Stop()
//
// OfferSignal enqueues the signal and wakes a worker to drain that
// instance; Engine.OfferSignal alone only enqueues.
type Runner struct {
	// Engine is the workflow engine used by this runner.
	Engine Engine

	// Streams is the streaming orchestrator, nil when no AgentStreamer
	// was provided.
	Streams *stream.Orchestrator

	work chan string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRunner constructs a Runner around an existing engine. streamer may
// be nil when token-level streaming is not needed; notifier should match
// the one the engine was built with so stream and workflow events reach
// the same channel.
func NewRunner(eng Engine, streamer api.AgentStreamer, notifier api.Notifier) *Runner {
	return NewRunnerWithOptions(eng, streamer, notifier, stream.Options{})
}

// NewRunnerWithOptions is NewRunner with explicit stream timeouts.
func NewRunnerWithOptions(eng Engine, streamer api.AgentStreamer, notifier api.Notifier, opts stream.Options) *Runner {
	r := &Runner{
		Engine: eng,
		work:   make(chan string, 1024),
	}
	if streamer != nil {
		if notifier == nil {
			notifier = api.NoopNotifier{}
		}
		r.Streams = stream.NewOrchestrator(streamer, notifier, r, opts)
	}
	return r
}

// StartWorkers starts 'concurrency' goroutines that drain instances as
// signals arrive, until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an
// error.
func (r *Runner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("convoflow: Runner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				select {
				case <-ctx.Done():
					return
				case instanceID := <-r.work:
					if err := r.Engine.Drain(ctx, instanceID); err != nil {
						if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
							return
						}
						// Log and keep going so one bad instance doesn't
						// kill the worker loop; its signals stay queued.
						log.Printf("convoflow: runner drain error for %s: %v", instanceID, err)
					}
				}
			}
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers, waits for
// in-flight streams to finish, and waits for the workers to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if r.Streams != nil {
		r.Streams.Wait()
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// OfferSignal enqueues a signal and wakes a worker for that instance.
// Satisfies stream.SignalTarget, so synthesized streamingComplete signals
// from the orchestrator are drained without a separate poller.
func (r *Runner) OfferSignal(ctx context.Context, instanceID string, sig api.Signal) error {
	if err := r.Engine.OfferSignal(ctx, instanceID, sig); err != nil {
		return err
	}
	select {
	case r.work <- instanceID:
	default:
		// Channel full; RecoverPending or a later signal picks it up.
	}
	return nil
}

// StartStream begins a token-level streaming turn for the instance and
// returns the generated request ID. Fails with ErrConflict while another
// stream is active for the same instance, and with ErrNotFound when the
// runner was built without a streamer.
func (r *Runner) StartStream(ctx context.Context, instanceID, message string) (string, error) {
	if r.Streams == nil {
		return "", errors.New("convoflow: runner has no streamer configured")
	}

	inst, err := r.Engine.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if inst.Status.Terminal() {
		return "", errors.New("convoflow: instance is no longer active")
	}

	// Record the user turn in the durable timeline; the RequestID marks
	// it as stream-handled so the drain does not invoke the agent again.
	requestID := uuid.NewString()
	if err := r.OfferSignal(ctx, instanceID, api.Signal{
		Kind:       api.SignalUserMessage,
		ReceivedAt: time.Now(),
		Content:    message,
		RequestID:  requestID,
	}); err != nil {
		return "", err
	}

	agentName := ""
	if def, ok := r.Engine.Definition(inst.WorkflowName); ok {
		if step, ok := def.Step(inst.CurrentStep); ok {
			agentName = step.Agent
		}
	}

	err = r.Streams.Start(ctx, stream.Request{
		RequestID:  requestID,
		UserID:     inst.UserID,
		InstanceID: instanceID,
		AgentName:  agentName,
		Message:    message,
		Context: api.AgentContext{
			WorkflowName:   inst.WorkflowName,
			InstanceID:     inst.ID,
			UserID:         inst.UserID,
			CurrentStep:    inst.CurrentStep,
			StepAgent:      agentName,
			StepsCompleted: inst.StepsCompleted,
			StepData:       inst.StepData[inst.CurrentStep],
			Shared:         inst.Shared,
		},
	})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// CancelStream stops an active stream by request ID.
func (r *Runner) CancelStream(requestID string) error {
	if r.Streams == nil {
		return errors.New("convoflow: runner has no streamer configured")
	}
	return r.Streams.Cancel(requestID)
}
