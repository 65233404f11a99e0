// Package stream delivers token-level agent output outside the durable
// core.
//
// A stream runs the agent call directly and emits chunk events to the
// notification channel; the deterministic engine only ever sees the final
// result, synthesized back into the signal inbox as a streamingComplete
// signal. Every terminal outcome (completion, error, timeout,
// cancellation) offers that signal, so an instance is never left waiting
// on a stream that will not report back.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/convoflow/pkg/api"
)

// State is the lifecycle of one stream request. Terminal states are
// final; there is no re-entry.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateCancelled State = "cancelled"
)

// Request identifies one streaming attempt. It is immutable once created.
type Request struct {
	RequestID  string
	UserID     string
	InstanceID string
	AgentName  string
	Message    string
	Context    api.AgentContext
}

// Options configures the orchestrator's timeouts.
type Options struct {
	// StartTimeout bounds the wait for the first token.
	StartTimeout time.Duration

	// CompletionTimeout bounds the whole stream.
	CompletionTimeout time.Duration
}

// DefaultOptions returns the timeouts used when Options fields are zero.
func DefaultOptions() Options {
	return Options{
		StartTimeout:      15 * time.Second,
		CompletionTimeout: 2 * time.Minute,
	}
}

// SignalTarget is where synthesized streamingComplete signals go;
// satisfied by the engine and by the Runner.
type SignalTarget interface {
	OfferSignal(ctx context.Context, instanceID string, sig api.Signal) error
}

// ActionExtractor derives the structured workflow action from a finished
// stream. The default keeps whatever the streamer returned.
type ActionExtractor func(res api.AgentResult) *api.ActionSignal

type activeStream struct {
	req    Request
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	accumulated string
	chunkCount  int
	startedAt   time.Time
	failure     error
}

// Orchestrator coordinates in-flight streams: at most one active stream
// per instance, many across instances.
type Orchestrator struct {
	streamer api.AgentStreamer
	notifier api.Notifier
	target   SignalTarget
	extract  ActionExtractor
	opts     Options

	mu         sync.Mutex
	byInstance map[string]*activeStream
	byRequest  map[string]*activeStream
	wg         sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. notifier and target must be
// non-nil; zero Options fields fall back to DefaultOptions.
func NewOrchestrator(streamer api.AgentStreamer, notifier api.Notifier, target SignalTarget, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = def.StartTimeout
	}
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = def.CompletionTimeout
	}
	return &Orchestrator{
		streamer:   streamer,
		notifier:   notifier,
		target:     target,
		extract:    func(res api.AgentResult) *api.ActionSignal { return res.Signal },
		opts:       opts,
		byInstance: make(map[string]*activeStream),
		byRequest:  make(map[string]*activeStream),
	}
}

// SetActionExtractor replaces how the final action signal is derived from
// the streamed result. Must be called before any Start.
func (o *Orchestrator) SetActionExtractor(fn ActionExtractor) {
	if fn != nil {
		o.extract = fn
	}
}

// Start begins streaming for the request and returns immediately. It
// fails with api.ErrConflict while another stream is active for the same
// instance.
func (o *Orchestrator) Start(ctx context.Context, req Request) error {
	if req.RequestID == "" || req.InstanceID == "" {
		return errors.New("stream request needs RequestID and InstanceID")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &activeStream{
		req:       req,
		cancel:    cancel,
		state:     StatePending,
		startedAt: time.Now(),
	}

	o.mu.Lock()
	if _, busy := o.byInstance[req.InstanceID]; busy {
		o.mu.Unlock()
		cancel()
		return fmt.Errorf("instance %s already has an active stream: %w", req.InstanceID, api.ErrConflict)
	}
	o.byInstance[req.InstanceID] = s
	o.byRequest[req.RequestID] = s
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx, s)
	return nil
}

// Cancel stops an active stream. No further chunk events are emitted; a
// streamingComplete signal with a cancellation marker is still offered so
// the instance does not stall.
func (o *Orchestrator) Cancel(requestID string) error {
	o.mu.Lock()
	s, ok := o.byRequest[requestID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream %s: %w", requestID, api.ErrNotFound)
	}

	s.mu.Lock()
	if s.state == StatePending || s.state == StateStreaming {
		s.state = StateCancelled
	}
	s.mu.Unlock()
	s.cancel()
	return nil
}

// Active reports whether the instance currently has an in-flight stream.
func (o *Orchestrator) Active(instanceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.byInstance[instanceID]
	return ok
}

// Wait blocks until all in-flight streams have terminated. Intended for
// shutdown and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, s *activeStream) {
	defer o.wg.Done()
	defer o.remove(s)

	ctx, cancelTimeout := context.WithTimeout(ctx, o.opts.CompletionTimeout)
	defer cancelTimeout()

	// Start-timeout watchdog: fires unless the first token arrives in
	// time.
	startTimer := time.AfterFunc(o.opts.StartTimeout, func() {
		s.mu.Lock()
		if s.state == StatePending {
			s.state = StateErrored
			s.failure = api.ErrStartTimeout
		}
		s.mu.Unlock()
		s.cancel()
	})
	defer startTimer.Stop()

	o.send(ctx, s.req.UserID, api.Event{
		Type:    api.EventStreamStart,
		Payload: map[string]any{"requestId": s.req.RequestID},
	})

	emit := func(delta string) {
		s.mu.Lock()
		if s.state == StatePending {
			s.state = StateStreaming
			startTimer.Stop()
		}
		if s.state != StateStreaming {
			// Cancelled or timed out mid-flight; drop the chunk.
			s.mu.Unlock()
			return
		}
		s.accumulated += delta
		s.chunkCount++
		accumulated := s.accumulated
		s.mu.Unlock()

		o.send(ctx, s.req.UserID, api.Event{
			Type: api.EventStreamChunk,
			Payload: map[string]any{
				"requestId":   s.req.RequestID,
				"delta":       delta,
				"accumulated": accumulated,
			},
		})
	}

	result, err := o.streamer.Stream(ctx, s.req.AgentName, s.req.Message, s.req.Context, emit)

	s.mu.Lock()
	switch {
	case s.state == StateCancelled:
		// Marked by Cancel; keep it.
	case err == nil:
		s.state = StateCompleted
	case s.failure != nil:
		// Start-timeout watchdog already classified the failure.
	case errors.Is(err, context.DeadlineExceeded):
		s.state = StateErrored
		s.failure = api.ErrStreamTimeout
	default:
		s.state = StateErrored
		s.failure = err
	}
	state := s.state
	failure := s.failure
	accumulated := s.accumulated
	s.mu.Unlock()

	outcome := api.StreamOutcome{
		RequestID: s.req.RequestID,
		Content:   accumulated,
	}

	switch state {
	case StateCompleted:
		outcome.Content = result.Content
		if outcome.Content == "" {
			outcome.Content = accumulated
		}
		outcome.Action = o.extract(result)
		o.send(ctx, s.req.UserID, api.Event{
			Type: api.EventStreamEnd,
			Payload: map[string]any{
				"requestId": s.req.RequestID,
				"message": map[string]any{
					"role":      "assistant",
					"content":   outcome.Content,
					"agentName": s.req.AgentName,
				},
			},
		})

	case StateCancelled:
		outcome.Cancelled = true

	default: // StateErrored
		if failure == nil {
			failure = err
		}
		outcome.Error = failure.Error()
		o.send(ctx, s.req.UserID, api.Event{
			Type: api.EventStreamError,
			Payload: map[string]any{
				"requestId":   s.req.RequestID,
				"error":       outcome.Error,
				"recoverable": recoverable(failure),
			},
		})
	}

	// Always synthesize the completion signal; the deterministic core
	// finishes its bookkeeping from this single result. Use a fresh
	// context: the stream's own context is already done on timeout and
	// cancellation.
	offerCtx, cancelOffer := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelOffer()
	_ = o.target.OfferSignal(offerCtx, s.req.InstanceID, api.Signal{
		Kind:       api.SignalStreamingComplete,
		ReceivedAt: time.Now(),
		Stream:     &outcome,
	})
}

func (o *Orchestrator) remove(s *activeStream) {
	o.mu.Lock()
	delete(o.byInstance, s.req.InstanceID)
	delete(o.byRequest, s.req.RequestID)
	o.mu.Unlock()
	// StreamState dies with the request; nothing holds it afterwards.
}

func (o *Orchestrator) send(ctx context.Context, userID string, ev api.Event) {
	sendCtx := ctx
	if sendCtx.Err() != nil {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	_ = o.notifier.Send(sendCtx, userID, ev)
}

func recoverable(err error) bool {
	return errors.Is(err, api.ErrStartTimeout) || errors.Is(err, api.ErrStreamTimeout)
}
