// Package transport carries raft messages between servers and client calls
// into a server. Delivery of raft messages is best effort: a failed or
// dropped Send is indistinguishable from message loss.
package transport

import (
	"context"
	"errors"

	"github.com/virajbhartiya/raftcore/pkg/raft"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrUnreachable = errors.New("transport: peer unreachable")
	ErrDropped     = errors.New("transport: message dropped")
)

type Transport interface {
	Send(to raft.ServerID, msg raft.Message) error
	// Inbound yields messages from other servers.
	Inbound() <-chan raft.Message
	// Calls yields client requests. Each must be answered exactly once.
	Calls() <-chan *Call
	Close() error
}

// Call is a client request waiting on the server. A Call either carries a
// proposal or asks for the node status.
type Call struct {
	Proposal raft.ClientProposal
	Status   bool

	done chan callResult
}

type callResult struct {
	v   any
	err error
}

func NewProposalCall(p raft.ClientProposal) *Call {
	return &Call{Proposal: p, done: make(chan callResult, 1)}
}

func NewStatusCall() *Call {
	return &Call{Status: true, done: make(chan callResult, 1)}
}

// Respond answers a proposal call. Later answers are dropped.
func (c *Call) Respond(resp raft.ClientResponse) {
	c.answer(resp)
}

// RespondStatus answers a status call.
func (c *Call) RespondStatus(st raft.NodeStatus) {
	c.answer(st)
}

// Fail answers the call with err.
func (c *Call) Fail(err error) {
	c.finish(callResult{err: err})
}

func (c *Call) answer(v any) {
	c.finish(callResult{v: v})
}

func (c *Call) finish(r callResult) {
	select {
	case c.done <- r:
	default:
	}
}

// Wait blocks for the answer, which is a raft.ClientResponse or a
// raft.NodeStatus depending on the call.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-c.done:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
