package raft

import (
	"errors"
	"fmt"
)

// Raft errors.
var (
	// ErrNotLeader is returned when a proposal reaches a non-leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrLeaderUnknown is returned when no leader is known.
	ErrLeaderUnknown = errors.New("raft: leader unknown")

	// ErrStopped is returned once a server stopped participating.
	ErrStopped = errors.New("raft: stopped")

	// ErrLogCorrupted is returned when durable log data fails validation.
	ErrLogCorrupted = errors.New("raft: log corrupted")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")

	// ErrUnknownPeer is returned for messages from servers outside the cluster.
	ErrUnknownPeer = errors.New("raft: unknown peer")

	// ErrSessionExpired is returned for proposals older than the client's
	// last acknowledged sequence number.
	ErrSessionExpired = errors.New("raft: session expired")

	// ErrLeaderSearchExhausted is returned by clients after every cluster
	// member was tried without finding a leader.
	ErrLeaderSearchExhausted = errors.New("raft: leader search exhausted")
)

// Kind classifies an Error.
type Kind uint8

const (
	// KindProtocol marks a malformed or out-of-context message. The message
	// is dropped and no state changes.
	KindProtocol Kind = iota + 1
	// KindStorage marks a durable write or read failure. Fatal.
	KindStorage
	// KindConsistency marks a violated protocol invariant, such as a request
	// to truncate committed entries. Fatal.
	KindConsistency
	// KindStopped marks a Step on an instance that already failed.
	KindStopped
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindStorage:
		return "storage"
	case KindConsistency:
		return "consistency"
	case KindStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Error is the error type returned by Consensus.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("raft: %s error in %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("raft: %s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewStorageError wraps a durable I/O failure. PersistentLog and
// StateMachine implementations return it to signal a fatal fault.
func NewStorageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

func protocolError(op string, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal reports whether err ends the server's participation.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindStorage, KindConsistency, KindStopped:
		return true
	}
	return false
}
