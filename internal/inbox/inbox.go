// Package inbox buffers external signals per workflow instance.
//
// The inbox is the boundary that makes signal processing crash-safe:
// Offer appends durably and returns immediately; the single consumer
// peeks the oldest unacked entry, applies it, persists the resulting
// instance state, and only then acks. An entry that was applied but not
// acked is redelivered after a restart, and the state machine's
// request-id bookkeeping makes the replay a no-op.
package inbox

import (
	"context"

	"github.com/petrijr/convoflow/pkg/api"
)

// Entry is one buffered signal plus its delivery handle.
type Entry struct {
	ID         int64
	InstanceID string
	Signal     api.Signal
}

// Inbox is a durable, per-instance ordered signal queue.
type Inbox interface {
	// Offer appends a signal for an instance. It does not wait for
	// processing.
	Offer(ctx context.Context, instanceID string, sig api.Signal) error

	// Peek returns the oldest unacked entry for an instance, or nil
	// when the instance has no pending signals.
	Peek(ctx context.Context, instanceID string) (*Entry, error)

	// Ack removes a delivered entry. Acking an already-removed entry is
	// a no-op.
	Ack(ctx context.Context, instanceID string, entryID int64) error

	// Pending returns the number of unacked entries for an instance.
	Pending(ctx context.Context, instanceID string) (int, error)

	// Backlog returns the ids of all instances with unacked entries,
	// used for recovery after a restart.
	Backlog(ctx context.Context) ([]string, error)
}
