package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/convoflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrActiveInstanceExists is returned by Create when the user already
	// has an active instance of the workflow.
	ErrActiveInstanceExists = errors.New("active instance already exists")
)

// InstanceStore handles durable storage of workflow instances.
//
// Save is a full-state overwrite and must be atomic with respect to a
// crash: either the whole new state is committed or the prior state stays
// intact. Last-writer-wins is acceptable because all mutation for one
// instance is serialized through the signal inbox.
type InstanceStore interface {
	// Create persists a brand-new instance. It fails with
	// ErrActiveInstanceExists if the user already has an active instance
	// of the same workflow.
	Create(ctx context.Context, inst *api.WorkflowInstance) error

	Save(ctx context.Context, inst *api.WorkflowInstance) error
	Get(ctx context.Context, id string) (*api.WorkflowInstance, error)
	GetActiveForUser(ctx context.Context, userID, workflowName string) (*api.WorkflowInstance, error)
}

// HistoryRecord is a minimal append-only audit record.
// Keep Detail low-volume: do NOT dump large payloads here.
type HistoryRecord struct {
	InstanceID string
	At         time.Time
	Type       api.EventType
	Step       string
	Detail     string
}

// EventStore is an append-only history store for instance events.
type EventStore interface {
	Append(ctx context.Context, rec HistoryRecord) error
	List(ctx context.Context, instanceID string) ([]HistoryRecord, error)
}

// NoopEventStore discards all history records.
type NoopEventStore struct{}

func (NoopEventStore) Append(ctx context.Context, rec HistoryRecord) error { return nil }
func (NoopEventStore) List(ctx context.Context, instanceID string) ([]HistoryRecord, error) {
	return nil, nil
}

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Instances InstanceStore
	History   EventStore
}
