package transport

import (
	"sync"
	"time"

	"github.com/virajbhartiya/raftcore/pkg/raft"
)

// Endpoint is one server's attachment to a Network. It implements
// Transport.
type Endpoint struct {
	id      raft.ServerID
	net     *Network
	inbound chan raft.Message
	calls   chan *Call

	once   sync.Once
	closed chan struct{}
}

var _ Transport = (*Endpoint)(nil)

func (e *Endpoint) ID() raft.ServerID {
	return e.id
}

func (e *Endpoint) Send(to raft.ServerID, msg raft.Message) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	target, delay, err := e.net.route(e.id, to)
	if err != nil {
		return err
	}
	if delay <= 0 {
		e.net.deliver(target, msg)
		return nil
	}
	time.AfterFunc(delay, func() {
		// the partition may have formed while the message was in flight
		if e.net.IsPartitioned(e.id, to) {
			return
		}
		e.net.deliver(target, msg)
	})
	return nil
}

func (e *Endpoint) Inbound() <-chan raft.Message {
	return e.inbound
}

func (e *Endpoint) Calls() <-chan *Call {
	return e.calls
}

// Close detaches the endpoint. Calls queued but not yet taken fail with
// ErrClosed.
func (e *Endpoint) Close() error {
	e.net.unregister(e)
	return nil
}

func (e *Endpoint) shutdown() {
	e.once.Do(func() {
		close(e.closed)
		for {
			select {
			case c := <-e.calls:
				c.Fail(ErrClosed)
			default:
				return
			}
		}
	})
}
