package raft_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/virajbhartiya/raftcore/pkg/raft"
	"github.com/virajbhartiya/raftcore/pkg/storage"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := raft.DefaultConfig()
	cfg.ID = "n1"
	cfg.HeartbeatInterval = cfg.ElectionTimeout
	if _, err := raft.New(cfg, storage.NewMemoryLog(), &recordingSM{}); !errors.Is(err, raft.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestElectionWinsWithMajority(t *testing.T) {
	ids := []raft.ServerID{"n1", "n2", "n3", "n4", "n5"}
	log := storage.NewMemoryLog()
	c, err := raft.New(testConfig("n1", ids), log, &recordingSM{})
	if err != nil {
		t.Fatal(err)
	}
	start := c.Start()
	if len(start) != 1 {
		t.Fatalf("start actions = %v", start)
	}

	acts, err := c.Step(raft.ElectionTimeout{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Role() != raft.Candidate || c.Term() != 1 {
		t.Fatalf("after timeout: %s term %d, want candidate term 1", c.Role(), c.Term())
	}
	if term, vote, _ := log.LoadVote(); term != 1 || vote != "n1" {
		t.Fatalf("persisted vote = %d %q, want 1 n1", term, vote)
	}
	reqs := sends(acts)
	if len(reqs) != 4 {
		t.Fatalf("sent %d vote requests, want 4", len(reqs))
	}
	for _, s := range reqs {
		if _, ok := s.Msg.(raft.VoteRequest); !ok {
			t.Fatalf("candidate sent %T", s.Msg)
		}
	}
	for _, a := range acts {
		if r, ok := a.(raft.ResetElectionTimer); ok {
			if r.After < 150*time.Millisecond || r.After > 300*time.Millisecond {
				t.Fatalf("election timer %v outside [T, 2T]", r.After)
			}
		}
	}

	if _, err := c.Step(raft.VoteResponse{From: "n2", Term: 1, Granted: true}); err != nil {
		t.Fatal(err)
	}
	if c.Role() != raft.Candidate {
		t.Fatalf("leader with 2 of 5 votes")
	}
	acts, err = c.Step(raft.VoteResponse{From: "n3", Term: 1, Granted: true})
	if err != nil {
		t.Fatal(err)
	}
	if c.Role() != raft.Leader {
		t.Fatalf("role = %s with 3 of 5 votes, want leader", c.Role())
	}
	heartbeats := 0
	for _, s := range sends(acts) {
		if req, ok := s.Msg.(raft.AppendEntriesRequest); ok && req.Term == 1 && len(req.Entries) == 0 {
			heartbeats++
		}
	}
	if heartbeats != 4 {
		t.Fatalf("leader sent %d heartbeats, want 4", heartbeats)
	}
	if !hasAction[raft.ResetHeartbeatTimer](acts) || !hasAction[raft.StopElectionTimer](acts) {
		t.Fatalf("leader did not swap timers: %v", acts)
	}
}

func TestReplicationCommitsInOrder(t *testing.T) {
	n := newNetwork(t, memLogs(3)...)
	n.elect("n1")

	for i, cmd := range []string{"a", "b", "c"} {
		n.propose("n1", "client", uint64(i+1), cmd)
	}
	n.deliver()

	leader := n.node("n1")
	if got := leader.c.CommitIndex(); got != 3 {
		t.Fatalf("leader commit = %d, want 3", got)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(leader.sm.applied, want) {
		t.Fatalf("leader applied %v, want %v", leader.sm.applied, want)
	}
	if len(leader.responses) != 3 {
		t.Fatalf("leader answered %d proposals, want 3", len(leader.responses))
	}
	for i, r := range leader.responses {
		if r.Status != raft.StatusOK || r.Sequence != uint64(i+1) {
			t.Fatalf("response %d = %+v", i, r)
		}
	}
	if string(leader.responses[1].Result) != "ok:b" {
		t.Fatalf("result = %q, want ok:b", leader.responses[1].Result)
	}

	// followers learn the commit index from the next append
	n.heartbeat("n1")
	for _, id := range []raft.ServerID{"n2", "n3"} {
		f := n.node(id)
		if f.c.CommitIndex() != 3 || !reflect.DeepEqual(f.sm.applied, []string{"a", "b", "c"}) {
			t.Fatalf("%s commit %d applied %v", id, f.c.CommitIndex(), f.sm.applied)
		}
		if f.c.Leader() != "n1" {
			t.Fatalf("%s follows %q, want n1", id, f.c.Leader())
		}
	}
}

func TestFollowerRepairsConflictingEntry(t *testing.T) {
	log := preload(t, storage.NewMemoryLog(), 2, 1, 1)
	sm := &recordingSM{}
	c, err := raft.New(testConfig("n2", []raft.ServerID{"n1", "n2", "n3"}), log, sm)
	if err != nil {
		t.Fatal(err)
	}
	c.Start()

	acts, err := c.Step(raft.AppendEntriesRequest{
		Term:         2,
		LeaderID:     "n1",
		PrevLogIndex: 2,
		PrevLogTerm:  2,
		Entries:      []raft.LogEntry{{Term: 2, Index: 3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := sends(acts)
	if len(out) != 1 {
		t.Fatalf("sent %v", out)
	}
	rej := out[0].Msg.(raft.AppendEntriesResponse)
	if rej.Success || rej.ConflictTerm != 1 || rej.ConflictIndex != 1 || rej.LastLogIndex != 2 {
		t.Fatalf("rejection = %+v", rej)
	}

	acts, err = c.Step(raft.AppendEntriesRequest{
		Term:         2,
		LeaderID:     "n1",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries:      []raft.LogEntry{{Term: 2, Index: 2}, {Term: 2, Index: 3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	ok := sends(acts)[0].Msg.(raft.AppendEntriesResponse)
	if !ok.Success || ok.MatchIndex != 3 {
		t.Fatalf("response = %+v", ok)
	}
	for i, want := range []raft.Term{1, 2, 2} {
		if got, _ := log.TermAt(raft.LogIndex(i + 1)); got != want {
			t.Fatalf("term at %d = %d, want %d", i+1, got, want)
		}
	}
}

func TestLeaderRepairsDivergentFollower(t *testing.T) {
	logs := []*storage.MemoryLog{
		preload(t, storage.NewMemoryLog(), 2, 1, 2, 2),
		preload(t, storage.NewMemoryLog(), 2, 1, 2, 2),
		preload(t, storage.NewMemoryLog(), 1, 1, 1),
	}
	n := newNetwork(t, logs...)
	n.elect("n1")

	leader := n.node("n1")
	if got := leader.c.CommitIndex(); got != 0 {
		t.Fatalf("committed %d entries from an earlier term", got)
	}
	if got, want := logs[2].Entries(1, 4), logs[0].Entries(1, 4); !reflect.DeepEqual(got, want) {
		t.Fatalf("n3 log %v, want %v", got, want)
	}

	n.propose("n1", "client", 1, "x")
	n.deliver()
	if got := leader.c.CommitIndex(); got != 4 {
		t.Fatalf("commit = %d, want 4", got)
	}
	if want := []string{"pre-1", "pre-2", "pre-3", "x"}; !reflect.DeepEqual(leader.sm.applied, want) {
		t.Fatalf("applied %v, want %v", leader.sm.applied, want)
	}
	st := leader.c.Status()
	if pr := st.Progress["n3"]; pr.Match != 4 || pr.State != raft.ProgressReplicate {
		t.Fatalf("n3 progress = %+v", pr)
	}
}

func TestDuplicateProposalUsesCachedResult(t *testing.T) {
	n := newNetwork(t, memLogs(3)...)
	n.elect("n1")
	leader := n.node("n1")

	n.propose("n1", "client", 5, "x")
	if acts := n.propose("n1", "client", 5, "x"); len(acts) != 0 {
		t.Fatalf("retry of a pending proposal produced %v", acts)
	}
	if got := leader.log.LastIndex(); got != 1 {
		t.Fatalf("last index = %d, want 1", got)
	}
	n.deliver()
	if len(leader.responses) != 1 {
		t.Fatalf("responses = %v", leader.responses)
	}

	acts := n.propose("n1", "client", 5, "x")
	rs := responses(acts)
	if len(rs) != 1 || rs[0].Status != raft.StatusOK || string(rs[0].Result) != "ok:x" {
		t.Fatalf("cached response = %v", rs)
	}
	if len(sends(acts)) != 0 || leader.log.LastIndex() != 1 {
		t.Fatalf("duplicate was appended")
	}
	if len(leader.sm.applied) != 1 {
		t.Fatalf("applied %v, want one command", leader.sm.applied)
	}

	rs = responses(n.propose("n1", "client", 4, "old"))
	if len(rs) != 1 || rs[0].Status != raft.StatusSessionExpired {
		t.Fatalf("stale sequence response = %v", rs)
	}
	if !errors.Is(rs[0].Err(), raft.ErrSessionExpired) {
		t.Fatalf("Err() = %v", rs[0].Err())
	}
}

func TestApplicationErrorIsReported(t *testing.T) {
	n := newNetwork(t, memLogs(3)...)
	n.elect("n1")
	n.propose("n1", "client", 1, "fail")
	n.deliver()
	rs := n.node("n1").responses
	if len(rs) != 1 || rs[0].Status != raft.StatusOK || rs[0].Error != "rejected" {
		t.Fatalf("responses = %+v", rs)
	}
	if n.node("n1").c.Err() != nil {
		t.Fatalf("application error halted the node")
	}
}

func TestVoteGrantedOncePerTerm(t *testing.T) {
	log := storage.NewMemoryLog()
	c, err := raft.New(testConfig("n1", []raft.ServerID{"n1", "n2", "n3"}), log, &recordingSM{})
	if err != nil {
		t.Fatal(err)
	}
	vote := func(from raft.ServerID, term raft.Term, lastIndex raft.LogIndex, lastTerm raft.Term) raft.VoteResponse {
		t.Helper()
		acts, err := c.Step(raft.VoteRequest{Term: term, CandidateID: from, LastLogIndex: lastIndex, LastLogTerm: lastTerm})
		if err != nil {
			t.Fatal(err)
		}
		return sends(acts)[0].Msg.(raft.VoteResponse)
	}

	if r := vote("n2", 1, 0, 0); !r.Granted || r.Term != 1 {
		t.Fatalf("first vote = %+v", r)
	}
	if r := vote("n3", 1, 0, 0); r.Granted {
		t.Fatalf("second candidate in the same term got a vote")
	}
	if r := vote("n2", 1, 0, 0); !r.Granted {
		t.Fatalf("repeated request from the same candidate was refused")
	}
	if term, v, _ := log.LoadVote(); term != 1 || v != "n2" {
		t.Fatalf("persisted vote = %d %q", term, v)
	}
	if r := vote("n3", 0, 0, 0); r.Granted || r.Term != 1 {
		t.Fatalf("stale request = %+v", r)
	}
}

func TestVoteRefusedForStaleLog(t *testing.T) {
	log := preload(t, storage.NewMemoryLog(), 2, 1, 2)
	c, err := raft.New(testConfig("n1", []raft.ServerID{"n1", "n2", "n3"}), log, &recordingSM{})
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		lastIndex raft.LogIndex
		lastTerm  raft.Term
		granted   bool
	}{
		{lastIndex: 5, lastTerm: 1, granted: false},
		{lastIndex: 1, lastTerm: 2, granted: false},
		{lastIndex: 2, lastTerm: 2, granted: true},
	}
	for i, tc := range cases {
		term := raft.Term(3 + i)
		acts, err := c.Step(raft.VoteRequest{Term: term, CandidateID: "n2", LastLogIndex: tc.lastIndex, LastLogTerm: tc.lastTerm})
		if err != nil {
			t.Fatal(err)
		}
		r := sends(acts)[0].Msg.(raft.VoteResponse)
		if r.Granted != tc.granted {
			t.Fatalf("case %d: granted = %v, want %v", i, r.Granted, tc.granted)
		}
		if c.Term() != term {
			t.Fatalf("case %d: term = %d, want %d", i, c.Term(), term)
		}
	}
}

func TestHigherTermStepsDownLeader(t *testing.T) {
	n := newNetwork(t, memLogs(3)...)
	n.elect("n1")
	n.cut["n2"], n.cut["n3"] = true, true
	n.propose("n1", "client", 1, "x")

	acts := n.step("n1", raft.VoteRequest{Term: 5, CandidateID: "n2"})
	c := n.node("n1").c
	if c.Role() != raft.Follower || c.Term() != 5 {
		t.Fatalf("%s term %d after higher term, want follower term 5", c.Role(), c.Term())
	}
	if !hasAction[raft.StopHeartbeatTimer](acts) {
		t.Fatalf("heartbeat timer left running")
	}
	rs := responses(acts)
	if len(rs) != 1 || rs[0].Status != raft.StatusLeaderUnknown {
		t.Fatalf("pending proposal answered with %v", rs)
	}
	// the candidate's empty log is behind ours
	if r := sends(acts)[0].Msg.(raft.VoteResponse); r.Granted {
		t.Fatalf("vote granted to a stale log")
	}
}

func TestProposalOnFollower(t *testing.T) {
	n := newNetwork(t, memLogs(3)...)
	rs := responses(n.propose("n2", "client", 1, "x"))
	if len(rs) != 1 || rs[0].Status != raft.StatusLeaderUnknown {
		t.Fatalf("response = %v", rs)
	}

	n.elect("n1")
	n.heartbeat("n1")
	rs = responses(n.propose("n2", "client", 1, "x"))
	if len(rs) != 1 || rs[0].Status != raft.StatusNotLeader || rs[0].LeaderHint != "n1" {
		t.Fatalf("response = %v", rs)
	}
	if !errors.Is(rs[0].Err(), raft.ErrNotLeader) {
		t.Fatalf("Err() = %v", rs[0].Err())
	}
}

func TestSingleServerCommitsAlone(t *testing.T) {
	c, err := raft.New(testConfig("solo", nil), storage.NewMemoryLog(), &recordingSM{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Step(raft.ElectionTimeout{}); err != nil {
		t.Fatal(err)
	}
	if c.Role() != raft.Leader {
		t.Fatalf("role = %s, want leader", c.Role())
	}
	acts, err := c.Step(raft.ClientProposal{ClientID: "client", Sequence: 1, Command: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	rs := responses(acts)
	if len(rs) != 1 || string(rs[0].Result) != "ok:x" {
		t.Fatalf("responses = %v", rs)
	}
	if len(sends(acts)) != 0 {
		t.Fatalf("single server sent messages")
	}
}

func TestStorageFaultHaltsInstance(t *testing.T) {
	log := storage.NewMemoryLog()
	c, err := raft.New(testConfig("n1", []raft.ServerID{"n1", "n2", "n3"}), log, &recordingSM{})
	if err != nil {
		t.Fatal(err)
	}
	log.Fail(nil)

	acts, err := c.Step(raft.ElectionTimeout{})
	if err == nil || raft.KindOf(err) != raft.KindStorage || !raft.IsFatal(err) {
		t.Fatalf("err = %v, want fatal storage error", err)
	}
	if len(acts) != 0 {
		t.Fatalf("failed step returned actions %v", acts)
	}
	if !errors.Is(err, storage.ErrInjected) {
		t.Fatalf("err = %v does not wrap the fault", err)
	}

	log.Heal()
	if _, err := c.Step(raft.HeartbeatTimeout{}); raft.KindOf(err) != raft.KindStopped {
		t.Fatalf("step after fault: %v, want stopped", err)
	}
	if c.Err() == nil || c.Status().Err == nil {
		t.Fatalf("fault not latched")
	}
}

func TestUnknownSenderIsProtocolError(t *testing.T) {
	c, err := raft.New(testConfig("n1", []raft.ServerID{"n1", "n2", "n3"}), storage.NewMemoryLog(), &recordingSM{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Step(raft.VoteRequest{Term: 9, CandidateID: "intruder"})
	if !errors.Is(err, raft.ErrUnknownPeer) || raft.IsFatal(err) {
		t.Fatalf("err = %v, want non-fatal unknown peer", err)
	}
	if c.Term() != 0 {
		t.Fatalf("rejected message changed the term to %d", c.Term())
	}
	if _, err := c.Step(raft.ElectionTimeout{}); err != nil {
		t.Fatalf("instance unusable after protocol error: %v", err)
	}
}

func TestMalformedAppendLeavesStateUnchanged(t *testing.T) {
	log := storage.NewMemoryLog()
	c, err := raft.New(testConfig("n2", []raft.ServerID{"n1", "n2", "n3"}), log, &recordingSM{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Step(raft.AppendEntriesRequest{
		Term:     3,
		LeaderID: "n1",
		Entries:  []raft.LogEntry{{Term: 3, Index: 2}},
	})
	if raft.KindOf(err) != raft.KindProtocol {
		t.Fatalf("err = %v, want protocol error", err)
	}
	if c.Term() != 0 || log.LastIndex() != 0 {
		t.Fatalf("malformed append changed state: term %d last %d", c.Term(), log.LastIndex())
	}
}

func TestStaleAppendRejected(t *testing.T) {
	log := preload(t, storage.NewMemoryLog(), 3)
	c, err := raft.New(testConfig("n2", []raft.ServerID{"n1", "n2", "n3"}), log, &recordingSM{})
	if err != nil {
		t.Fatal(err)
	}
	acts, err := c.Step(raft.AppendEntriesRequest{Term: 2, LeaderID: "n1"})
	if err != nil {
		t.Fatal(err)
	}
	r := sends(acts)[0].Msg.(raft.AppendEntriesResponse)
	if r.Success || r.Term != 3 {
		t.Fatalf("response = %+v", r)
	}
	if c.Leader() != raft.None {
		t.Fatalf("stale leader %q accepted", c.Leader())
	}
}

func TestConflictBelowCommitIsFatal(t *testing.T) {
	c, err := raft.New(testConfig("n2", []raft.ServerID{"n1", "n2", "n3"}), storage.NewMemoryLog(), &recordingSM{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Step(raft.AppendEntriesRequest{
		Term: 1, LeaderID: "n1", LeaderCommit: 1,
		Entries: []raft.LogEntry{{Term: 1, Index: 1}},
	}); err != nil {
		t.Fatal(err)
	}
	if c.CommitIndex() != 1 {
		t.Fatalf("commit = %d, want 1", c.CommitIndex())
	}
	_, err = c.Step(raft.AppendEntriesRequest{
		Term: 2, LeaderID: "n3",
		Entries: []raft.LogEntry{{Term: 2, Index: 1}},
	})
	if raft.KindOf(err) != raft.KindConsistency || !raft.IsFatal(err) {
		t.Fatalf("err = %v, want fatal consistency error", err)
	}
}

func TestAppendAtOwnTermIsProtocolError(t *testing.T) {
	n := newNetwork(t, memLogs(3)...)
	n.elect("n1")
	c := n.node("n1").c
	_, err := c.Step(raft.AppendEntriesRequest{Term: c.Term(), LeaderID: "n2"})
	if raft.KindOf(err) != raft.KindProtocol {
		t.Fatalf("err = %v, want protocol error", err)
	}
	if c.Role() != raft.Leader {
		t.Fatalf("leader stepped down on a conflicting append")
	}
}

func TestRestartReplaysCommittedEntries(t *testing.T) {
	n := newNetwork(t, memLogs(3)...)
	n.elect("n1")
	n.propose("n1", "client", 1, "a")
	n.propose("n1", "client", 2, "b")
	n.deliver()
	n.heartbeat("n1")

	f := n.restart("n2")
	if f.c.CommitIndex() != 0 || f.c.AppliedIndex() != 0 || f.c.Term() != 1 {
		t.Fatalf("restarted with commit %d applied %d term %d", f.c.CommitIndex(), f.c.AppliedIndex(), f.c.Term())
	}
	n.heartbeat("n1")
	if want := []string{"a", "b"}; !reflect.DeepEqual(f.sm.applied, want) {
		t.Fatalf("replayed %v, want %v", f.sm.applied, want)
	}
	if f.c.Sessions().Len() != 1 {
		t.Fatalf("sessions not rebuilt: %d", f.c.Sessions().Len())
	}
}

func TestRestoreRejectsLogAheadOfTerm(t *testing.T) {
	log := preload(t, storage.NewMemoryLog(), 1, 1, 2)
	_, err := raft.New(testConfig("n1", []raft.ServerID{"n1", "n2", "n3"}), log, &recordingSM{})
	if raft.KindOf(err) != raft.KindConsistency {
		t.Fatalf("err = %v, want consistency error", err)
	}
}

func TestElectionSafetyUnderSplitVote(t *testing.T) {
	n := newNetwork(t, memLogs(3)...)
	// both time out in term 1 before hearing from each other
	n.step("n1", raft.ElectionTimeout{})
	n.step("n2", raft.ElectionTimeout{})
	n.deliver()

	leaders := 0
	for _, id := range n.ids {
		if c := n.node(id).c; c.Role() == raft.Leader && c.Term() == 1 {
			leaders++
		}
	}
	if leaders > 1 {
		t.Fatalf("%d leaders in term 1", leaders)
	}
}

// Replicas whose wall clocks disagree must still expire sessions at the
// same log position and so apply the same commands.
func TestSessionExpiryFollowsEntryTimestamps(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	at := func(d time.Duration) int64 { return t0.Add(d).UnixNano() }
	entries := []raft.LogEntry{
		{Term: 1, Index: 1, ClientID: "c", Sequence: 1, Timestamp: at(0), Command: []byte("a")},
		// retried proposal appended twice by the leader
		{Term: 1, Index: 2, ClientID: "c", Sequence: 1, Timestamp: at(time.Second), Command: []byte("a")},
		{Term: 1, Index: 3, ClientID: "d", Sequence: 1, Timestamp: at(2 * time.Minute), Command: []byte("b")},
		// c has been idle past the ttl by entry time, so this is new again
		{Term: 1, Index: 4, ClientID: "c", Sequence: 1, Timestamp: at(2 * time.Minute), Command: []byte("a")},
	}

	var applied [][]string
	for _, skew := range []time.Duration{0, time.Hour} {
		cfg := testConfig("n2", []raft.ServerID{"n1", "n2", "n3"})
		cfg.SessionTTL = time.Minute
		now := t0.Add(skew)
		cfg.Now = func() time.Time { return now }
		sm := &recordingSM{}
		c, err := raft.New(cfg, storage.NewMemoryLog(), sm)
		if err != nil {
			t.Fatal(err)
		}
		c.Start()
		for i := range entries {
			prevTerm := raft.Term(1)
			if i == 0 {
				prevTerm = 0
			}
			if _, err := c.Step(raft.AppendEntriesRequest{
				Term:         1,
				LeaderID:     "n1",
				PrevLogIndex: raft.LogIndex(i),
				PrevLogTerm:  prevTerm,
				Entries:      entries[i : i+1],
				LeaderCommit: raft.LogIndex(i + 1),
			}); err != nil {
				t.Fatal(err)
			}
		}
		if st := c.Status(); st.AppliedIndex != 4 || st.Sessions != 2 {
			t.Fatalf("skew %v: status = %+v", skew, st)
		}
		applied = append(applied, sm.applied)
	}

	want := []string{"a", "b", "a"}
	for i, got := range applied {
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("replica %d applied %v, want %v", i, got, want)
		}
	}
}

func TestOversizedProposalRejected(t *testing.T) {
	cfg := testConfig("n1", []raft.ServerID{"n1"})
	cfg.MaxBytesPerMessage = 4
	c, err := raft.New(cfg, storage.NewMemoryLog(), &recordingSM{})
	if err != nil {
		t.Fatal(err)
	}
	c.Start()
	if _, err := c.Step(raft.ElectionTimeout{}); err != nil {
		t.Fatal(err)
	}
	_, err = c.Step(raft.ClientProposal{ClientID: "c", Sequence: 1, Command: []byte("too large")})
	if raft.KindOf(err) != raft.KindProtocol {
		t.Fatalf("err = %v, want protocol error", err)
	}
	if c.CommitIndex() != 0 {
		t.Fatalf("oversized command was committed")
	}
}

func TestAppendBatchesRespectByteBudget(t *testing.T) {
	logs := memLogs(2)
	for i := 1; i <= 4; i++ {
		e := raft.LogEntry{Term: 1, Index: raft.LogIndex(i), Command: make([]byte, 3)}
		if err := logs[0].Append([]raft.LogEntry{e}); err != nil {
			t.Fatal(err)
		}
	}
	if err := logs[0].PersistVote(1, raft.None); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig("n1", []raft.ServerID{"n1", "n2"})
	cfg.MaxBytesPerMessage = 7
	c, err := raft.New(cfg, logs[0], &recordingSM{})
	if err != nil {
		t.Fatal(err)
	}
	c.Start()
	if _, err := c.Step(raft.ElectionTimeout{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Step(raft.VoteResponse{From: "n2", Term: 2, Granted: true}); err != nil {
		t.Fatal(err)
	}
	// the follower is empty; the leader backs off to index 1
	acts, err := c.Step(raft.AppendEntriesResponse{From: "n2", Term: 2, LastLogIndex: 0, ConflictIndex: 1})
	if err != nil {
		t.Fatal(err)
	}
	out := sends(acts)
	if len(out) != 1 {
		t.Fatalf("sent %v", out)
	}
	req := out[0].Msg.(raft.AppendEntriesRequest)
	if req.PrevLogIndex != 0 || len(req.Entries) != 2 {
		t.Fatalf("batch starts after %d with %d entries, want 2 within 7 bytes", req.PrevLogIndex, len(req.Entries))
	}
}
