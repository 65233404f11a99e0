package persistence

import (
	"encoding/json"

	"github.com/petrijr/convoflow/pkg/api"
)

// Instances are stored as JSON rather than gob: step data and shared
// context are schemaless maps produced by agents, and JSON keeps the
// persisted state readable by non-Go tooling.

// EncodeInstance serializes an instance for storage.
func EncodeInstance(inst *api.WorkflowInstance) ([]byte, error) {
	return json.Marshal(inst)
}

// DecodeInstance deserializes a stored instance.
func DecodeInstance(data []byte) (*api.WorkflowInstance, error) {
	var inst api.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// CloneInstance returns a deep copy via the codec. The state machine
// mutates only copies, so a failed save never corrupts the caller's view.
func CloneInstance(inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	data, err := EncodeInstance(inst)
	if err != nil {
		return nil, err
	}
	return DecodeInstance(data)
}
