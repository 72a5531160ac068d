package transport

import (
	"bufio"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/virajbhartiya/raftcore/pkg/codec"
	"github.com/virajbhartiya/raftcore/pkg/raft"
)

func listen(t *testing.T, id raft.ServerID) *TCP {
	t.Helper()
	tr, err := ListenTCP(TCPConfig{ID: id, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen %s: %v", id, err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTCPPeerMessages(t *testing.T) {
	a, b := listen(t, "a"), listen(t, "b")
	a.SetPeer("b", b.Addr().String())
	b.SetPeer("a", a.Addr().String())

	req := raft.AppendEntriesRequest{
		Term:         2,
		LeaderID:     "a",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries: []raft.LogEntry{
			{Term: 2, Index: 2, ClientID: "c", Sequence: 1, Command: []byte("set")},
		},
		LeaderCommit: 1,
	}
	if err := a.Send("b", req); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := recv(t, b, 2*time.Second); !reflect.DeepEqual(got, req) {
		t.Fatalf("received %+v, want %+v", got, req)
	}

	resp := raft.AppendEntriesResponse{From: "b", Term: 2, Success: true, MatchIndex: 2, LastLogIndex: 2}
	if err := b.Send("a", resp); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, a, 2*time.Second); got != resp {
		t.Fatalf("received %+v, want %+v", got, resp)
	}
}

func TestTCPSendUnknownPeer(t *testing.T) {
	a := listen(t, "a")
	if err := a.Send("ghost", raft.VoteResponse{From: "a"}); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

func TestTCPClientCalls(t *testing.T) {
	srv := listen(t, "b")
	srv.SetPeer("a", "10.0.0.1:7000")
	go func() {
		for c := range srv.Calls() {
			if c.Status {
				c.RespondStatus(raft.NodeStatus{ID: "b", Role: raft.Follower, Term: 5, Leader: "a"})
				continue
			}
			c.Respond(raft.ClientResponse{
				ClientID:   c.Proposal.ClientID,
				Sequence:   c.Proposal.Sequence,
				Status:     raft.StatusNotLeader,
				LeaderHint: "a",
			})
		}
	}()

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	if err := codec.WriteFrame(conn, codec.Hello{ClientID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := codec.WriteFrame(conn, raft.ClientProposal{ClientID: "c1", Sequence: 1, Command: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	v, err := codec.ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	reply, ok := v.(codec.Reply)
	if !ok {
		t.Fatalf("got %T, want codec.Reply", v)
	}
	if reply.Response.Status != raft.StatusNotLeader || reply.LeaderAddr != "10.0.0.1:7000" {
		t.Fatalf("reply = %+v", reply)
	}

	if err := codec.WriteFrame(conn, codec.StatusRequest{}); err != nil {
		t.Fatal(err)
	}
	v, err = codec.ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if st, ok := v.(raft.NodeStatus); !ok || st.Term != 5 || st.Leader != "a" {
		t.Fatalf("status = %#v", v)
	}
}

func TestTCPCloseIsIdempotent(t *testing.T) {
	tr, err := ListenTCP(TCPConfig{ID: "a", Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	tr.Close()
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := tr.Send("b", raft.VoteResponse{From: "a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
}
