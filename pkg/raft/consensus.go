package raft

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/virajbhartiya/raftcore/pkg/session"
)

// roleState is the role-specific part of the protocol state. Exactly one
// variant is active at a time.
type roleState interface {
	role() Role
}

type followerState struct {
	leaderHint ServerID
}

type candidateState struct {
	votes map[ServerID]bool
}

// leaderState lives only while leading and is discarded on step-down.
type leaderState struct {
	progress map[ServerID]*Progress
	pending  map[proposalKey]LogIndex
}

type proposalKey struct {
	client ClientID
	seq    uint64
}

func (*followerState) role() Role  { return Follower }
func (*candidateState) role() Role { return Candidate }
func (*leaderState) role() Role    { return Leader }

// Consensus is the protocol state machine of one server. It is not safe for
// concurrent use.
type Consensus struct {
	id      ServerID
	members []ServerID
	peers   []ServerID

	electionTimeout   time.Duration
	heartbeatInterval time.Duration
	maxEntries        int
	maxBytes          int
	sessionTTL        time.Duration
	rand              *rand.Rand
	now               func() time.Time

	log      PersistentLog
	sm       StateMachine
	sessions *session.Table

	// durable
	term     Term
	votedFor ServerID

	state roleState

	commitIndex  LogIndex
	appliedIndex LogIndex

	// failed latches the first fatal error.
	failed error
	acts   []Action
}

// New restores a Consensus from log. The returned instance is a follower in
// the restored term and has not armed any timer; call Start.
func New(cfg Config, log PersistentLog, sm StateMachine) (*Consensus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil || sm == nil {
		return nil, ErrInvalidConfig
	}
	term, votedFor, err := log.LoadVote()
	if err != nil {
		return nil, NewStorageError("load vote", err)
	}
	if last := log.LastTerm(); last > term {
		return nil, &Error{Kind: KindConsistency, Op: "restore", Err: fmt.Errorf("last log term %d ahead of current term %d", last, term)}
	}

	c := &Consensus{
		id:                cfg.ID,
		members:           cfg.members(),
		electionTimeout:   cfg.ElectionTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		maxEntries:        cfg.MaxEntriesPerMessage,
		maxBytes:          cfg.MaxBytesPerMessage,
		sessionTTL:        cfg.SessionTTL,
		rand:              cfg.Rand,
		now:               cfg.Now,
		log:               log,
		sm:                sm,
		sessions:          session.NewTable(),
		term:              term,
		votedFor:          votedFor,
		state:             &followerState{},
	}
	c.peers = c.members[1:]
	if c.rand == nil {
		c.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.maxEntries == 0 {
		c.maxEntries = DefaultConfig().MaxEntriesPerMessage
	}
	if c.maxBytes == 0 {
		c.maxBytes = DefaultConfig().MaxBytesPerMessage
	}
	logs.Debugf("[%s] restored term=%d votedFor=%q lastIndex=%d", c.id, c.term, c.votedFor, log.LastIndex())
	return c, nil
}

// Start returns the actions that begin participation: arming the election
// timer.
func (c *Consensus) Start() []Action {
	c.resetElectionTimer()
	return c.flush()
}

// Step feeds one event into the state machine and returns the actions to
// execute, in order.
func (c *Consensus) Step(ev Event) ([]Action, error) {
	if c.failed != nil {
		return nil, &Error{Kind: KindStopped, Op: "step", Err: c.failed}
	}
	var err error
	switch e := ev.(type) {
	case ElectionTimeout:
		err = c.handleElectionTimeout()
	case HeartbeatTimeout:
		err = c.handleHeartbeatTimeout()
	case ClientProposal:
		err = c.handleProposal(e)
	case Message:
		err = c.handleMessage(e)
	default:
		err = protocolError("step", "unexpected event %T", ev)
	}
	if err != nil && IsFatal(err) {
		c.failed = err
		c.acts = nil
		logs.Errorf(err, "[%s] consensus halted", c.id)
		return nil, err
	}
	return c.flush(), err
}

// Sessions exposes the client session table. It must only be used from the
// goroutine calling Step.
func (c *Consensus) Sessions() *session.Table {
	return c.sessions
}

// Err returns the fatal error that stopped the instance, if any.
func (c *Consensus) Err() error {
	return c.failed
}

func (c *Consensus) Role() Role { return c.state.role() }

func (c *Consensus) Term() Term { return c.term }

// Leader returns the server believed to lead the current term.
func (c *Consensus) Leader() ServerID {
	switch s := c.state.(type) {
	case *leaderState:
		return c.id
	case *followerState:
		return s.leaderHint
	}
	return None
}

func (c *Consensus) CommitIndex() LogIndex { return c.commitIndex }

func (c *Consensus) AppliedIndex() LogIndex { return c.appliedIndex }

func (c *Consensus) emit(a Action) {
	c.acts = append(c.acts, a)
}

func (c *Consensus) flush() []Action {
	acts := c.acts
	c.acts = nil
	return acts
}

func (c *Consensus) send(to ServerID, m Message) {
	c.emit(Send{To: to, Msg: m})
}

func (c *Consensus) quorum() int {
	return len(c.members)/2 + 1
}

func (c *Consensus) isMember(id ServerID) bool {
	for _, m := range c.members {
		if m == id {
			return true
		}
	}
	return false
}

// randomizedElectionTimeout is uniform in [T, 2T].
func (c *Consensus) randomizedElectionTimeout() time.Duration {
	return c.electionTimeout + time.Duration(c.rand.Int63n(int64(c.electionTimeout)+1))
}

func (c *Consensus) resetElectionTimer() {
	c.emit(ResetElectionTimer{After: c.randomizedElectionTimeout()})
}

// persistVote writes term and vote before any dependent message is emitted.
func (c *Consensus) persistVote() error {
	if err := c.log.PersistVote(c.term, c.votedFor); err != nil {
		return NewStorageError("persist vote", err)
	}
	return nil
}

// becomeFollower steps down into term with the given leader hint. A term
// change clears the vote and is persisted first.
func (c *Consensus) becomeFollower(term Term, leader ServerID) error {
	if term > c.term {
		c.term = term
		c.votedFor = None
		if err := c.persistVote(); err != nil {
			return err
		}
	}
	if ls, ok := c.state.(*leaderState); ok {
		c.emit(StopHeartbeatTimer{})
		c.abandonPending(ls, leader)
	}
	prev := c.state.role()
	c.state = &followerState{leaderHint: leader}
	c.resetElectionTimer()
	c.emit(RoleChanged{Role: Follower, Term: c.term, Leader: leader})
	if prev != Follower {
		logs.Infof("[%s] became follower in term %d (leader %q)", c.id, c.term, leader)
	}
	return nil
}

func (c *Consensus) becomeCandidate() error {
	c.term++
	c.votedFor = c.id
	if err := c.persistVote(); err != nil {
		return err
	}
	c.state = &candidateState{votes: map[ServerID]bool{c.id: true}}
	c.resetElectionTimer()
	c.emit(RoleChanged{Role: Candidate, Term: c.term})
	logs.Infof("[%s] became candidate in term %d", c.id, c.term)
	return nil
}

func (c *Consensus) becomeLeader() error {
	last := c.log.LastIndex()
	ls := &leaderState{
		progress: make(map[ServerID]*Progress, len(c.peers)),
		pending:  make(map[proposalKey]LogIndex),
	}
	for _, p := range c.peers {
		ls.progress[p] = &Progress{Next: last + 1, State: ProgressSeek}
	}
	c.state = ls
	c.emit(StopElectionTimer{})
	c.emit(RoleChanged{Role: Leader, Term: c.term, Leader: c.id})
	logs.Infof("[%s] became leader in term %d (lastIndex=%d)", c.id, c.term, last)

	for _, p := range c.peers {
		if err := c.sendAppend(ls, p, true); err != nil {
			return err
		}
	}
	c.emit(ResetHeartbeatTimer{After: c.heartbeatInterval})
	return nil
}

// abandonPending answers every proposal still waiting on this leader. The
// entries may still commit; retries are deduplicated at apply time.
func (c *Consensus) abandonPending(ls *leaderState, leader ServerID) {
	if len(ls.pending) == 0 {
		return
	}
	keys := make([]proposalKey, 0, len(ls.pending))
	for k := range ls.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return ls.pending[keys[i]] < ls.pending[keys[j]] })
	for _, k := range keys {
		c.emit(Respond{Response: c.notLeader(k.client, k.seq, leader)})
	}
	ls.pending = nil
}

func (c *Consensus) notLeader(client ClientID, seq uint64, leader ServerID) ClientResponse {
	resp := ClientResponse{ClientID: client, Sequence: seq, Status: StatusNotLeader, LeaderHint: leader}
	if leader == None {
		resp.Status = StatusLeaderUnknown
	}
	return resp
}

func (c *Consensus) handleMessage(m Message) error {
	from := m.Sender()
	if from == c.id || !c.isMember(from) {
		return &Error{Kind: KindProtocol, Op: "receive", Err: fmt.Errorf("%w: %q", ErrUnknownPeer, from)}
	}
	if req, ok := m.(AppendEntriesRequest); ok {
		if err := validateAppend(req); err != nil {
			return err
		}
	}

	if m.MsgTerm() > c.term {
		leader := None
		if req, ok := m.(AppendEntriesRequest); ok {
			leader = req.LeaderID
		}
		logs.Debugf("[%s] higher term %d from %s (current %d)", c.id, m.MsgTerm(), from, c.term)
		if err := c.becomeFollower(m.MsgTerm(), leader); err != nil {
			return err
		}
	}

	switch m := m.(type) {
	case VoteRequest:
		return c.handleVoteRequest(m)
	case VoteResponse:
		return c.handleVoteResponse(m)
	case AppendEntriesRequest:
		return c.handleAppendEntries(m)
	case AppendEntriesResponse:
		return c.handleAppendResponse(m)
	}
	return protocolError("receive", "unexpected message %T", m)
}

// validateAppend rejects malformed batches before any state changes.
func validateAppend(req AppendEntriesRequest) error {
	prevTerm := req.PrevLogTerm
	for i, e := range req.Entries {
		if want := req.PrevLogIndex + LogIndex(i) + 1; e.Index != want {
			return protocolError("append", "entry %d has index %d, want %d", i, e.Index, want)
		}
		if e.Term < prevTerm || e.Term > req.Term {
			return protocolError("append", "entry %d has term %d outside [%d, %d]", e.Index, e.Term, prevTerm, req.Term)
		}
		prevTerm = e.Term
	}
	if req.PrevLogTerm > req.Term {
		return protocolError("append", "prev term %d ahead of request term %d", req.PrevLogTerm, req.Term)
	}
	return nil
}
