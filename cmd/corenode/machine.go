package main

import (
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// kvCommand is the wire shape of one Apply command: set key to value, or
// delete key when value is nil.
type kvCommand struct {
	Key   string
	Value []byte
}

// KVStateMachine is the demo replicated state machine: an in-memory string
// keyed store, snapshotted wholesale with msgpack (the same codec the
// frame layer uses, so the domain stack has one serialization dependency
// instead of two).
type KVStateMachine struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewKVStateMachine() *KVStateMachine {
	return &KVStateMachine{data: make(map[string][]byte)}
}

func (m *KVStateMachine) Apply(command []byte) ([]byte, error) {
	var cmd kvCommand
	if err := msgpack.Unmarshal(command, &cmd); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd.Value == nil {
		delete(m.data, cmd.Key)
		return nil, nil
	}
	m.data[cmd.Key] = cmd.Value
	return cmd.Value, nil
}

func (m *KVStateMachine) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return msgpack.Marshal(m.data)
}

func (m *KVStateMachine) Restore(snapshot []byte, _, _ uint64) error {
	data := make(map[string][]byte)
	if len(snapshot) > 0 {
		if err := msgpack.Unmarshal(snapshot, &data); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func (m *KVStateMachine) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func encodeSetCommand(key string, value []byte) ([]byte, error) {
	return msgpack.Marshal(kvCommand{Key: key, Value: value})
}
