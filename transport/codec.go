package transport

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// envelope is the wire shape of a Task. IDs travel as strings so the
// encoding does not depend on how id.ID marshals itself.
type envelope struct {
	ID         string `msgpack:"id"`
	Queue      string `msgpack:"q"`
	Kind       string `msgpack:"k"`
	RunID      string `msgpack:"r"`
	JobType    string `msgpack:"t"`
	BatchIndex int    `msgpack:"b"`
	Payload    []byte `msgpack:"p,omitempty"`
	EnqueuedAt int64  `msgpack:"e"`
	ReservedAt int64  `msgpack:"rs,omitempty"`
	WorkerID   string `msgpack:"w,omitempty"`
}

// Encode serializes a task as MessagePack.
func Encode(t *Task) ([]byte, error) {
	env := envelope{
		ID:         t.ID.String(),
		Queue:      t.Queue,
		Kind:       string(t.Kind),
		RunID:      t.RunID.String(),
		JobType:    t.JobType,
		BatchIndex: t.BatchIndex,
		Payload:    t.Payload,
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
		WorkerID:   t.WorkerID.String(),
	}
	if !t.ReservedAt.IsZero() {
		env.ReservedAt = t.ReservedAt.UnixNano()
	}
	return msgpack.Marshal(&env)
}

// Decode deserializes a MessagePack task.
func Decode(data []byte) (*Task, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}

	taskID, err := id.ParseTaskID(env.ID)
	if err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	t := &Task{
		ID:         taskID,
		Queue:      env.Queue,
		Kind:       Kind(env.Kind),
		JobType:    env.JobType,
		BatchIndex: env.BatchIndex,
		Payload:    env.Payload,
		EnqueuedAt: time.Unix(0, env.EnqueuedAt).UTC(),
	}
	if env.RunID != "" {
		if t.RunID, err = id.ParseRunID(env.RunID); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", env.ID, err)
		}
	}
	if env.WorkerID != "" {
		if t.WorkerID, err = id.ParseWorkerID(env.WorkerID); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", env.ID, err)
		}
	}
	if env.ReservedAt != 0 {
		t.ReservedAt = time.Unix(0, env.ReservedAt).UTC()
	}
	return t, nil
}
