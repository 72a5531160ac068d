// Package fsm holds example state machines driven by raft.
package fsm

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrBadCommand  = errors.New("fsm: malformed command")
	ErrNotFound    = errors.New("fsm: key not found")
	ErrCompareFail = errors.New("fsm: compare failed")
)

const (
	OpSet    = "set"
	OpGet    = "get"
	OpDelete = "delete"
	OpCAS    = "cas"
)

// Command is the JSON form of a KVStore operation.
type Command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	// Expect is the value cas requires the key to hold. A nil Expect
	// requires the key to be absent.
	Expect *string `json:"expect,omitempty"`
}

func (c Command) Encode() []byte {
	b, _ := json.Marshal(c)
	return b
}

func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	if c.Key == "" {
		return Command{}, fmt.Errorf("%w: empty key", ErrBadCommand)
	}
	return c, nil
}

func Set(key, value string) Command { return Command{Op: OpSet, Key: key, Value: value} }

func Get(key string) Command { return Command{Op: OpGet, Key: key} }

func Delete(key string) Command { return Command{Op: OpDelete, Key: key} }

// CompareAndSet sets key to value if it currently holds expect. A nil expect
// means the key must not exist.
func CompareAndSet(key string, expect *string, value string) Command {
	return Command{Op: OpCAS, Key: key, Value: value, Expect: expect}
}
