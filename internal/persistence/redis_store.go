package persistence

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/convoflow/pkg/api"
)

// RedisInstanceStore is an InstanceStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>                     => JSON-encoded instance
//	<prefix>active:<userID>:<workflow>    => id of the user's active instance
//
// The active pointer is claimed with SETNX so two concurrent Creates for
// the same user+workflow cannot both succeed.
type RedisInstanceStore struct {
	client *redis.Client
	prefix string
}

var _ InstanceStore = (*RedisInstanceStore)(nil)

// NewRedisInstanceStore creates a RedisInstanceStore.
// prefix is optional but recommended (e.g. "convoflow:").
func NewRedisInstanceStore(client *redis.Client, prefix string) *RedisInstanceStore {
	if prefix == "" {
		prefix = "convoflow:"
	}
	return &RedisInstanceStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisInstanceStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisInstanceStore) keyActive(userID, workflowName string) string {
	return s.prefix + "active:" + userID + ":" + workflowName
}

func (s *RedisInstanceStore) Create(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := EncodeInstance(inst)
	if err != nil {
		return err
	}

	claimed, err := s.client.SetNX(ctx, s.keyActive(inst.UserID, inst.WorkflowName), inst.ID, 0).Result()
	if err != nil {
		return err
	}
	if !claimed {
		return ErrActiveInstanceExists
	}

	if err := s.client.Set(ctx, s.keyInstance(inst.ID), data, 0).Err(); err != nil {
		// Roll back the claim so the user is not locked out of retrying.
		_ = s.client.Del(ctx, s.keyActive(inst.UserID, inst.WorkflowName)).Err()
		return err
	}
	return nil
}

func (s *RedisInstanceStore) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := EncodeInstance(inst)
	if err != nil {
		return err
	}

	exists, err := s.client.Exists(ctx, s.keyInstance(inst.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrInstanceNotFound
	}

	// SET replaces the whole value in one command, so a reader sees
	// either the old or the new state, never a mix.
	if err := s.client.Set(ctx, s.keyInstance(inst.ID), data, 0).Err(); err != nil {
		return err
	}

	if inst.Status.Terminal() {
		activeKey := s.keyActive(inst.UserID, inst.WorkflowName)
		current, err := s.client.Get(ctx, activeKey).Result()
		if err == nil && current == inst.ID {
			_ = s.client.Del(ctx, activeKey).Err()
		}
	}
	return nil
}

func (s *RedisInstanceStore) Get(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return DecodeInstance(data)
}

func (s *RedisInstanceStore) GetActiveForUser(ctx context.Context, userID, workflowName string) (*api.WorkflowInstance, error) {
	id, err := s.client.Get(ctx, s.keyActive(userID, workflowName)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return s.Get(ctx, id)
}
