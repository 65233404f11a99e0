package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay signal processing.
type Observer interface {
	// OnInstanceStarted is called once when a new instance is created.
	OnInstanceStarted(ctx context.Context, inst *WorkflowInstance)

	// OnInstanceCompleted is called when an instance reaches
	// StatusCompleted.
	OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnSignalApplied is called after one signal has been consumed by
	// the state machine, for both successes and failures (err != nil).
	OnSignalApplied(ctx context.Context, inst *WorkflowInstance, sig Signal, err error, duration time.Duration)

	// OnStepChanged is called when an instance transitions between steps.
	OnStepChanged(ctx context.Context, inst *WorkflowInstance, previous, current string)

	// OnStepBlocked is called when a completeStep request was refused
	// because completion criteria were not satisfied.
	OnStepBlocked(ctx context.Context, inst *WorkflowInstance, step string, missing []string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStarted(ctx context.Context, inst *WorkflowInstance)   {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {}
func (NoopObserver) OnSignalApplied(ctx context.Context, inst *WorkflowInstance, sig Signal, err error, d time.Duration) {
}
func (NoopObserver) OnStepChanged(ctx context.Context, inst *WorkflowInstance, previous, current string) {
}
func (NoopObserver) OnStepBlocked(ctx context.Context, inst *WorkflowInstance, step string, missing []string) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStarted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceStarted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnSignalApplied(ctx context.Context, inst *WorkflowInstance, sig Signal, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnSignalApplied(ctx, inst, sig, err, d)
	}
}

func (c *CompositeObserver) OnStepChanged(ctx context.Context, inst *WorkflowInstance, previous, current string) {
	for _, o := range c.observers {
		o.OnStepChanged(ctx, inst, previous, current)
	}
}

func (c *CompositeObserver) OnStepBlocked(ctx context.Context, inst *WorkflowInstance, step string, missing []string) {
	for _, o := range c.observers {
		o.OnStepBlocked(ctx, inst, step, missing)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance / signal
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStarted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "instance_started",
		slog.String("workflow", inst.WorkflowName),
		slog.String("instance_id", inst.ID),
		slog.String("user_id", inst.UserID),
		slog.String("step", inst.CurrentStep),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("workflow", inst.WorkflowName),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnSignalApplied(ctx context.Context, inst *WorkflowInstance, sig Signal, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "signal_applied",
		slog.String("instance_id", inst.ID),
		slog.String("kind", string(sig.Kind)),
		slog.String("step", inst.CurrentStep),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepChanged(ctx context.Context, inst *WorkflowInstance, previous, current string) {
	o.Logger.InfoContext(ctx, "step_changed",
		slog.String("instance_id", inst.ID),
		slog.String("previous", previous),
		slog.String("current", current),
	)
}

func (o *LoggingObserver) OnStepBlocked(ctx context.Context, inst *WorkflowInstance, step string, missing []string) {
	o.Logger.WarnContext(ctx, "step_blocked",
		slog.String("instance_id", inst.ID),
		slog.String("step", step),
		slog.Any("missing", missing),
	)
}

// BasicMetrics is an Observer that keeps simple atomic counters.
type BasicMetrics struct {
	started   atomic.Int64
	completed atomic.Int64
	signals   atomic.Int64
	blocked   atomic.Int64
	failures  atomic.Int64
}

// BasicMetricsSnapshot is a point-in-time copy of BasicMetrics counters.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesCompleted int64
	SignalsApplied     int64
	StepsBlocked       int64
	SignalFailures     int64
}

// Snapshot returns the current counter values.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	return BasicMetricsSnapshot{
		InstancesStarted:   m.started.Load(),
		InstancesCompleted: m.completed.Load(),
		SignalsApplied:     m.signals.Load(),
		StepsBlocked:       m.blocked.Load(),
		SignalFailures:     m.failures.Load(),
	}
}

func (m *BasicMetrics) OnInstanceStarted(ctx context.Context, inst *WorkflowInstance) {
	m.started.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.completed.Add(1)
}

func (m *BasicMetrics) OnSignalApplied(ctx context.Context, inst *WorkflowInstance, sig Signal, err error, d time.Duration) {
	m.signals.Add(1)
	if err != nil {
		m.failures.Add(1)
	}
}

func (m *BasicMetrics) OnStepChanged(ctx context.Context, inst *WorkflowInstance, previous, current string) {
}

func (m *BasicMetrics) OnStepBlocked(ctx context.Context, inst *WorkflowInstance, step string, missing []string) {
	m.blocked.Add(1)
}
