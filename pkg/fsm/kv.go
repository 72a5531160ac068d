package fsm

import (
	"fmt"
	"sync"
)

// KVStore is a string map driven by committed Commands. Reads go through the
// log too, so a get observes every write committed before it.
type KVStore struct {
	mu      sync.RWMutex
	data    map[string]string
	applied uint64
}

func NewKVStore() *KVStore {
	return &KVStore{
		data: make(map[string]string),
	}
}

// Apply executes one encoded Command. Errors are application errors: the
// entry is still consumed and the store is left unchanged.
func (kv *KVStore) Apply(command []byte) ([]byte, error) {
	cmd, err := DecodeCommand(command)
	if err != nil {
		return nil, err
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.applied++

	switch cmd.Op {
	case OpSet:
		kv.data[cmd.Key] = cmd.Value
		return []byte("OK"), nil
	case OpGet:
		val, ok := kv.data[cmd.Key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, cmd.Key)
		}
		return []byte(val), nil
	case OpDelete:
		if _, ok := kv.data[cmd.Key]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, cmd.Key)
		}
		delete(kv.data, cmd.Key)
		return []byte("OK"), nil
	case OpCAS:
		cur, ok := kv.data[cmd.Key]
		switch {
		case cmd.Expect == nil && ok:
			return []byte(cur), fmt.Errorf("%w: %q exists", ErrCompareFail, cmd.Key)
		case cmd.Expect != nil && (!ok || cur != *cmd.Expect):
			return []byte(cur), fmt.Errorf("%w: %q holds %q", ErrCompareFail, cmd.Key, cur)
		}
		kv.data[cmd.Key] = cmd.Value
		return []byte("OK"), nil
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrBadCommand, cmd.Op)
	}
}

// Get reads key from local state without going through the log. The value
// may be stale on a follower.
func (kv *KVStore) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.data[key]
	return v, ok
}

func (kv *KVStore) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.data)
}

// Applied is the number of commands applied, including ones that failed.
func (kv *KVStore) Applied() uint64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.applied
}
