// Package simulator runs a whole cluster of servers in one process over an
// in-process network, for tests and experiments with crashes and
// partitions.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logs "github.com/danmuck/smplog"

	"github.com/virajbhartiya/raftcore/pkg/fsm"
	"github.com/virajbhartiya/raftcore/pkg/raft"
	"github.com/virajbhartiya/raftcore/pkg/server"
	"github.com/virajbhartiya/raftcore/pkg/storage"
	"github.com/virajbhartiya/raftcore/pkg/transport"
)

type Options struct {
	// Backend selects the storage backend of every node. Memory when empty.
	Backend string
	// Dir holds one subdirectory per node for file-backed storage.
	Dir string
	// Seed drives network faults and election jitter.
	Seed int64
	// Raft supplies timing and session expiry; ID, Peers and Rand are
	// filled in per node.
	Raft raft.Config
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

type node struct {
	log    raft.PersistentLog
	kv     *fsm.KVStore
	server *server.Server
	ep     *transport.Endpoint
}

type Cluster struct {
	mu    sync.Mutex
	opts  Options
	net   *transport.Network
	ids   []raft.ServerID
	nodes map[raft.ServerID]*node
	seeds *rand.Rand

	client raft.ClientID
	seq    uint64
}

func NewCluster(ids []raft.ServerID, opts Options) (*Cluster, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("simulator: %w: no nodes", raft.ErrInvalidConfig)
	}
	if opts.Raft.ElectionTimeout == 0 {
		opts.Raft = raft.DefaultConfig()
	}
	if opts.Backend == "" {
		opts.Backend = storage.BackendMemory
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	c := &Cluster{
		opts:   opts,
		net:    transport.NewNetwork(opts.Seed),
		ids:    append([]raft.ServerID(nil), ids...),
		nodes:  make(map[raft.ServerID]*node),
		seeds:  rand.New(rand.NewSource(opts.Seed)),
		client: "simulator",
	}
	for _, id := range ids {
		log, err := storage.Open(opts.Backend, c.dataDir(id))
		if err != nil {
			c.closeLogs()
			return nil, fmt.Errorf("simulator: open %s: %w", id, err)
		}
		n := &node{log: log}
		if err := c.boot(id, n); err != nil {
			log.Close()
			c.closeLogs()
			return nil, err
		}
		c.nodes[id] = n
	}
	return c, nil
}

func (c *Cluster) dataDir(id raft.ServerID) string {
	return filepath.Join(c.opts.Dir, string(id))
}

// boot builds a fresh server over n.log with an empty state machine.
func (c *Cluster) boot(id raft.ServerID, n *node) error {
	rc := c.opts.Raft
	rc.ID = id
	rc.Peers = c.ids
	rc.Rand = rand.New(rand.NewSource(c.seeds.Int63()))
	kv := fsm.NewKVStore()
	ep := c.net.Register(id)
	s, err := server.New(server.Config{
		Raft:         rc,
		Log:          n.log,
		StateMachine: kv,
		Transport:    ep,
		Clock:        c.opts.Clock,
	})
	if err != nil {
		ep.Close()
		return fmt.Errorf("simulator: boot %s: %w", id, err)
	}
	n.kv, n.server, n.ep = kv, s, ep
	return nil
}

func (c *Cluster) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.ids {
		if n := c.nodes[id]; n.server != nil {
			n.server.Start()
		}
	}
}

// Stop shuts every node down and closes its storage.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.ids {
		n := c.nodes[id]
		if n.server == nil {
			// crashed; log already closed
			continue
		}
		c.halt(n)
		if err := n.log.Close(); err != nil {
			logs.Warnf("[sim] close %s: %v", id, err)
		}
	}
}

func (c *Cluster) halt(n *node) {
	if n == nil || n.server == nil {
		return
	}
	n.server.Stop()
	n.ep.Close()
	n.server, n.ep = nil, nil
}

func (c *Cluster) closeLogs() {
	for id, n := range c.nodes {
		if err := n.log.Close(); err != nil {
			logs.Warnf("[sim] close %s: %v", id, err)
		}
	}
}

// Partition isolates nodeID from every other node, or reconnects it.
func (c *Cluster) Partition(nodeID raft.ServerID, isolated bool) {
	c.net.Isolate(nodeID, isolated)
}

// Cut severs or restores the link between a and b in both directions.
func (c *Cluster) Cut(a, b raft.ServerID, cut bool) {
	c.net.Cut(a, b, cut)
}

// Heal removes every partition.
func (c *Cluster) Heal() {
	c.net.Heal()
}

func (c *Cluster) SetDropRate(rate float64) {
	c.net.SetDropRate(rate)
}

func (c *Cluster) SetDelay(min, max time.Duration) {
	c.net.SetDelay(min, max)
}

// Crash stops nodeID as if its process died. Durable state survives; the
// state machine is lost.
func (c *Cluster) Crash(nodeID raft.ServerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[nodeID]
	if !ok || n.server == nil {
		return
	}
	c.halt(n)
	if err := n.log.Close(); err != nil {
		logs.Warnf("[sim] close %s: %v", nodeID, err)
	}
	logs.Infof("[sim] crashed %s", nodeID)
}

// Restart brings a crashed node back over its durable state with an empty
// state machine.
func (c *Cluster) Restart(nodeID raft.ServerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[nodeID]
	if !ok {
		return fmt.Errorf("simulator: unknown node %s", nodeID)
	}
	if n.server != nil {
		return nil
	}
	if ml, ok := n.log.(*storage.MemoryLog); ok {
		ml.Reopen()
	} else {
		log, err := storage.Open(c.opts.Backend, c.dataDir(nodeID))
		if err != nil {
			return fmt.Errorf("simulator: reopen %s: %w", nodeID, err)
		}
		n.log = log
	}
	if err := c.boot(nodeID, n); err != nil {
		return err
	}
	n.server.Start()
	logs.Infof("[sim] restarted %s", nodeID)
	return nil
}

// GetServer returns the running server of nodeID, or nil when crashed.
func (c *Cluster) GetServer(nodeID raft.ServerID) *server.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[nodeID]; ok {
		return n.server
	}
	return nil
}

// GetFSM returns the state machine of the current incarnation of nodeID.
func (c *Cluster) GetFSM(nodeID raft.ServerID) *fsm.KVStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[nodeID]; ok {
		return n.kv
	}
	return nil
}

func (c *Cluster) GetLog(nodeID raft.ServerID) raft.PersistentLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[nodeID]; ok {
		return n.log
	}
	return nil
}

// Leaders returns every running node that believes it leads, with its term.
func (c *Cluster) Leaders() map[raft.ServerID]raft.Term {
	out := make(map[raft.ServerID]raft.Term)
	for _, id := range c.ids {
		s := c.GetServer(id)
		if s == nil {
			continue
		}
		if leader, term := s.Leader(); leader == id {
			out[id] = term
		}
	}
	return out
}

// WaitForLeader polls until some reachable node leads, returning "" on
// timeout.
func (c *Cluster) WaitForLeader(timeout time.Duration) raft.ServerID {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if id := c.leader(); id != raft.None {
			return id
		}
		time.Sleep(10 * time.Millisecond)
	}
	return raft.None
}

// leader picks the highest-term leader that is not isolated.
func (c *Cluster) leader() raft.ServerID {
	var (
		best raft.ServerID
		top  raft.Term
	)
	for id, term := range c.Leaders() {
		if c.isolated(id) {
			continue
		}
		if best == raft.None || term > top {
			best, top = id, term
		}
	}
	return best
}

func (c *Cluster) isolated(id raft.ServerID) bool {
	for _, other := range c.ids {
		if other != id && !c.net.IsPartitioned(id, other) {
			return false
		}
	}
	return len(c.ids) > 1
}

// Propose submits command as the simulator's own client and retries with
// the same sequence number until a leader answers or ctx ends.
func (c *Cluster) Propose(ctx context.Context, command []byte) (raft.ClientResponse, error) {
	c.mu.Lock()
	c.seq++
	p := raft.ClientProposal{ClientID: c.client, Sequence: c.seq, Command: command}
	c.mu.Unlock()

	for {
		if id := c.leader(); id != raft.None {
			attempt, cancel := context.WithTimeout(ctx, 10*c.opts.Raft.ElectionTimeout)
			resp, err := c.net.Propose(attempt, id, p)
			cancel()
			if err == nil && resp.Status == raft.StatusOK {
				return resp, nil
			}
			if err == nil && resp.Status == raft.StatusSessionExpired {
				return resp, resp.Err()
			}
			logs.Debugf("[sim] proposal %d via %s: status=%v err=%v", p.Sequence, id, resp.Status, err)
		}
		select {
		case <-ctx.Done():
			return raft.ClientResponse{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// WaitApplied polls until every running node has applied at least n
// commands.
func (c *Cluster) WaitApplied(n uint64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		done := true
		for _, id := range c.ids {
			if c.GetServer(id) == nil {
				continue
			}
			if kv := c.GetFSM(id); kv.Applied() < n {
				done = false
				break
			}
		}
		if done {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
