package raft_test

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/virajbhartiya/raftcore/pkg/raft"
	"github.com/virajbhartiya/raftcore/pkg/storage"
)

// recordingSM applies commands by remembering them. The command "fail"
// produces an application error.
type recordingSM struct {
	applied []string
}

func (s *recordingSM) Apply(cmd []byte) ([]byte, error) {
	s.applied = append(s.applied, string(cmd))
	if string(cmd) == "fail" {
		return nil, errors.New("rejected")
	}
	return []byte("ok:" + string(cmd)), nil
}

type testNode struct {
	id        raft.ServerID
	c         *raft.Consensus
	log       *storage.MemoryLog
	sm        *recordingSM
	responses []raft.ClientResponse
}

type envelope struct {
	from, to raft.ServerID
	msg      raft.Message
}

// network delivers messages between in-memory Consensus instances in FIFO
// order. Timers never fire on their own; tests step timeouts explicitly.
type network struct {
	t     *testing.T
	ids   []raft.ServerID
	nodes map[raft.ServerID]*testNode
	queue []envelope
	cut   map[raft.ServerID]bool
}

func memLogs(n int) []*storage.MemoryLog {
	out := make([]*storage.MemoryLog, n)
	for i := range out {
		out[i] = storage.NewMemoryLog()
	}
	return out
}

// preload fills log with entries of the given terms and sets the durable
// term. The entries carry no client session.
func preload(t *testing.T, log *storage.MemoryLog, term raft.Term, terms ...raft.Term) *storage.MemoryLog {
	t.Helper()
	for i, et := range terms {
		e := raft.LogEntry{Term: et, Index: raft.LogIndex(i + 1), Command: []byte(fmt.Sprintf("pre-%d", i+1))}
		if err := log.Append([]raft.LogEntry{e}); err != nil {
			t.Fatalf("preload: %v", err)
		}
	}
	if err := log.PersistVote(term, raft.None); err != nil {
		t.Fatalf("preload: %v", err)
	}
	return log
}

func testConfig(id raft.ServerID, ids []raft.ServerID) raft.Config {
	cfg := raft.DefaultConfig()
	cfg.ID = id
	cfg.Peers = ids
	cfg.Rand = rand.New(rand.NewSource(int64(len(id)) + 7))
	return cfg
}

func newNetwork(t *testing.T, logs ...*storage.MemoryLog) *network {
	t.Helper()
	n := &network{t: t, nodes: make(map[raft.ServerID]*testNode), cut: make(map[raft.ServerID]bool)}
	for i := range logs {
		n.ids = append(n.ids, raft.ServerID(fmt.Sprintf("n%d", i+1)))
	}
	for i, id := range n.ids {
		n.nodes[id] = &testNode{id: id, log: logs[i]}
		n.restart(id)
	}
	return n
}

// restart rebuilds id's Consensus over its existing log with an empty state
// machine, as a process restart would.
func (n *network) restart(id raft.ServerID) *testNode {
	n.t.Helper()
	node := n.nodes[id]
	node.sm = &recordingSM{}
	node.responses = nil
	c, err := raft.New(testConfig(id, n.ids), node.log, node.sm)
	if err != nil {
		n.t.Fatalf("new %s: %v", id, err)
	}
	node.c = c
	c.Start()
	return node
}

func (n *network) node(id raft.ServerID) *testNode {
	return n.nodes[id]
}

// step feeds ev to id, queues its outgoing messages and records responses.
func (n *network) step(id raft.ServerID, ev raft.Event) []raft.Action {
	n.t.Helper()
	node := n.nodes[id]
	acts, err := node.c.Step(ev)
	if err != nil {
		n.t.Fatalf("%s step %T: %v", id, ev, err)
	}
	for _, a := range acts {
		switch a := a.(type) {
		case raft.Send:
			if n.cut[id] || n.cut[a.To] {
				continue
			}
			n.queue = append(n.queue, envelope{from: id, to: a.To, msg: a.Msg})
		case raft.Respond:
			node.responses = append(node.responses, a.Response)
		}
	}
	return acts
}

// deliver runs the network until no messages are in flight.
func (n *network) deliver() {
	n.t.Helper()
	for steps := 0; len(n.queue) > 0; steps++ {
		if steps > 10000 {
			n.t.Fatalf("network did not settle")
		}
		env := n.queue[0]
		n.queue = n.queue[1:]
		if n.cut[env.from] || n.cut[env.to] {
			continue
		}
		n.step(env.to, env.msg)
	}
}

func (n *network) elect(id raft.ServerID) {
	n.t.Helper()
	n.step(id, raft.ElectionTimeout{})
	n.deliver()
	if r := n.nodes[id].c.Role(); r != raft.Leader {
		n.t.Fatalf("%s is %s after election, want leader", id, r)
	}
}

func (n *network) propose(id raft.ServerID, client raft.ClientID, seq uint64, cmd string) []raft.Action {
	n.t.Helper()
	return n.step(id, raft.ClientProposal{ClientID: client, Sequence: seq, Command: []byte(cmd)})
}

func (n *network) heartbeat(id raft.ServerID) {
	n.t.Helper()
	n.step(id, raft.HeartbeatTimeout{})
	n.deliver()
}

func sends(acts []raft.Action) []raft.Send {
	var out []raft.Send
	for _, a := range acts {
		if s, ok := a.(raft.Send); ok {
			out = append(out, s)
		}
	}
	return out
}

func responses(acts []raft.Action) []raft.ClientResponse {
	var out []raft.ClientResponse
	for _, a := range acts {
		if r, ok := a.(raft.Respond); ok {
			out = append(out, r.Response)
		}
	}
	return out
}

func hasAction[T raft.Action](acts []raft.Action) bool {
	for _, a := range acts {
		if _, ok := a.(T); ok {
			return true
		}
	}
	return false
}
