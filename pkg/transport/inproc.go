package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/virajbhartiya/raftcore/pkg/raft"
)

const inboxSize = 1024

// Network is an in-process message fabric for tests and the simulator. It
// can drop, delay and partition traffic between its endpoints.
type Network struct {
	mu        sync.RWMutex
	endpoints map[raft.ServerID]*Endpoint
	rand      *rand.Rand
	dropRate  float64
	delayMin  time.Duration
	delayMax  time.Duration
	isolated  map[raft.ServerID]bool
	cut       map[link]bool
}

type link struct {
	from, to raft.ServerID
}

func NewNetwork(seed int64) *Network {
	return &Network{
		endpoints: make(map[raft.ServerID]*Endpoint),
		rand:      rand.New(rand.NewSource(seed)),
		isolated:  make(map[raft.ServerID]bool),
		cut:       make(map[link]bool),
	}
}

// Register attaches a fresh endpoint for id, replacing any previous one.
func (n *Network) Register(id raft.ServerID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.endpoints[id]; ok {
		old.shutdown()
	}
	ep := &Endpoint{
		id:      id,
		net:     n,
		inbound: make(chan raft.Message, inboxSize),
		calls:   make(chan *Call, inboxSize),
		closed:  make(chan struct{}),
	}
	n.endpoints[id] = ep
	return ep
}

func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

func (n *Network) SetDelay(min, max time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delayMin = min
	n.delayMax = max
}

// Isolate cuts id off from every other endpoint, or reconnects it.
func (n *Network) Isolate(id raft.ServerID, isolated bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[id] = isolated
}

// Cut blocks (or restores) traffic in both directions between a and b.
func (n *Network) Cut(a, b raft.ServerID, cut bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[link{a, b}] = cut
	n.cut[link{b, a}] = cut
}

// Heal removes every partition.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated = make(map[raft.ServerID]bool)
	n.cut = make(map[link]bool)
}

func (n *Network) IsPartitioned(from, to raft.ServerID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.partitioned(from, to)
}

func (n *Network) partitioned(from, to raft.ServerID) bool {
	return n.isolated[from] || n.isolated[to] || n.cut[link{from, to}]
}

// route decides the fate of one message. It returns the target and the
// delivery delay, or an error if the message is lost.
func (n *Network) route(from, to raft.ServerID) (*Endpoint, time.Duration, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[to]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	if n.partitioned(from, to) {
		return nil, 0, fmt.Errorf("%w: %s -> %s partitioned", ErrUnreachable, from, to)
	}
	if n.dropRate > 0 && n.rand.Float64() < n.dropRate {
		return nil, 0, ErrDropped
	}
	delay := n.delayMin
	if n.delayMax > n.delayMin {
		delay += time.Duration(n.rand.Int63n(int64(n.delayMax - n.delayMin)))
	}
	return ep, delay, nil
}

// Propose submits a client proposal to server to and waits for its answer.
// Client calls are never dropped or delayed, but respect partitions of the
// target server.
func (n *Network) Propose(ctx context.Context, to raft.ServerID, p raft.ClientProposal) (raft.ClientResponse, error) {
	v, err := n.call(ctx, to, NewProposalCall(p))
	if err != nil {
		return raft.ClientResponse{}, err
	}
	return v.(raft.ClientResponse), nil
}

// Status asks server to for its status.
func (n *Network) Status(ctx context.Context, to raft.ServerID) (raft.NodeStatus, error) {
	v, err := n.call(ctx, to, NewStatusCall())
	if err != nil {
		return raft.NodeStatus{}, err
	}
	return v.(raft.NodeStatus), nil
}

func (n *Network) call(ctx context.Context, to raft.ServerID, c *Call) (any, error) {
	n.mu.RLock()
	ep, ok := n.endpoints[to]
	isolated := n.isolated[to]
	n.mu.RUnlock()
	if !ok || isolated {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	select {
	case ep.calls <- c:
	case <-ep.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.Wait(ctx)
}

func (n *Network) unregister(ep *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[ep.id] == ep {
		delete(n.endpoints, ep.id)
	}
	ep.shutdown()
}

func (n *Network) deliver(ep *Endpoint, msg raft.Message) {
	select {
	case ep.inbound <- msg:
	case <-ep.closed:
	default:
		logs.Debugf("inproc: inbox of %s full, dropping %T", ep.id, msg)
	}
}
