package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/convoflow/pkg/api"
)

// InMemoryStore is a goroutine-safe InstanceStore and EventStore backed by
// maps. It is non-durable and intended for tests and local development.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string][]byte
	// active maps userID+"\x00"+workflowName to the active instance id.
	active  map[string]string
	history map[string][]HistoryRecord
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string][]byte),
		active:    make(map[string]string),
		history:   make(map[string][]HistoryRecord),
	}
}

var (
	_ InstanceStore = (*InMemoryStore)(nil)
	_ EventStore    = (*InMemoryStore)(nil)
)

func activeKey(userID, workflowName string) string {
	return userID + "\x00" + workflowName
}

func (s *InMemoryStore) Create(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := EncodeInstance(inst)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := activeKey(inst.UserID, inst.WorkflowName)
	if _, ok := s.active[key]; ok {
		return ErrActiveInstanceExists
	}
	s.instances[inst.ID] = data
	if inst.Status == api.StatusActive {
		s.active[key] = inst.ID
	}
	return nil
}

func (s *InMemoryStore) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := EncodeInstance(inst)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}
	s.instances[inst.ID] = data

	key := activeKey(inst.UserID, inst.WorkflowName)
	if inst.Status.Terminal() && s.active[key] == inst.ID {
		delete(s.active, key)
	}
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	data, ok := s.instances[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrInstanceNotFound
	}
	return DecodeInstance(data)
}

func (s *InMemoryStore) GetActiveForUser(ctx context.Context, userID, workflowName string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	id, ok := s.active[activeKey(userID, workflowName)]
	var data []byte
	if ok {
		data = s.instances[id]
	}
	s.mu.RUnlock()

	if !ok {
		return nil, ErrInstanceNotFound
	}
	return DecodeInstance(data)
}

func (s *InMemoryStore) Append(ctx context.Context, rec HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[rec.InstanceID] = append(s.history[rec.InstanceID], rec)
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, instanceID string) ([]HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.history[instanceID]
	out := make([]HistoryRecord, len(records))
	copy(out, records)
	return out, nil
}
