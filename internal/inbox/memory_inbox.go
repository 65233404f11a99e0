package inbox

import (
	"context"
	"sync"

	"github.com/petrijr/convoflow/pkg/api"
)

// InMemoryInbox is a non-durable Inbox backed by per-instance slices.
// It preserves arrival order and peek/ack semantics but does not survive
// a process restart; use the SQLite inbox for crash recovery.
type InMemoryInbox struct {
	mu      sync.Mutex
	nextID  int64
	entries map[string][]Entry
}

// NewInMemoryInbox creates a new InMemoryInbox.
func NewInMemoryInbox() *InMemoryInbox {
	return &InMemoryInbox{
		entries: make(map[string][]Entry),
	}
}

var _ Inbox = (*InMemoryInbox)(nil)

func (b *InMemoryInbox) Offer(ctx context.Context, instanceID string, sig api.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.entries[instanceID] = append(b.entries[instanceID], Entry{
		ID:         b.nextID,
		InstanceID: instanceID,
		Signal:     sig,
	})
	return nil
}

func (b *InMemoryInbox) Peek(ctx context.Context, instanceID string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.entries[instanceID]
	if len(pending) == 0 {
		return nil, nil
	}
	e := pending[0]
	return &e, nil
}

func (b *InMemoryInbox) Ack(ctx context.Context, instanceID string, entryID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.entries[instanceID]
	for i, e := range pending {
		if e.ID == entryID {
			b.entries[instanceID] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(b.entries[instanceID]) == 0 {
		delete(b.entries, instanceID)
	}
	return nil
}

func (b *InMemoryInbox) Pending(ctx context.Context, instanceID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries[instanceID]), nil
}

func (b *InMemoryInbox) Backlog(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	return ids, nil
}
