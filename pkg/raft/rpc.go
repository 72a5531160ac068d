package raft

// Event is an input to Consensus.Step.
type Event interface {
	event()
}

// Message is an Event exchanged between servers.
type Message interface {
	Event
	// MsgTerm is the sender's term.
	MsgTerm() Term
	// Sender is the server the message came from.
	Sender() ServerID
}

type VoteRequest struct {
	Term         Term
	CandidateID  ServerID
	LastLogIndex LogIndex
	LastLogTerm  Term
}

type VoteResponse struct {
	From    ServerID
	Term    Term
	Granted bool
}

type AppendEntriesRequest struct {
	Term         Term
	LeaderID     ServerID
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	Entries      []LogEntry
	LeaderCommit LogIndex
}

// AppendEntriesResponse reports the outcome of an append. On success
// MatchIndex is the index up to which the follower's log now matches the
// leader's. On rejection LastLogIndex, ConflictTerm and ConflictIndex let the
// leader choose the next point to try.
type AppendEntriesResponse struct {
	From       ServerID
	Term       Term
	Success    bool
	MatchIndex LogIndex

	LastLogIndex  LogIndex
	ConflictTerm  Term
	ConflictIndex LogIndex
}

type ElectionTimeout struct{}

type HeartbeatTimeout struct{}

type ClientProposal struct {
	ClientID ClientID
	Sequence uint64
	Command  []byte
}

// Status is the outcome class of a client proposal.
type Status uint8

const (
	StatusOK Status = iota
	StatusNotLeader
	StatusLeaderUnknown
	StatusSessionExpired
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotLeader:
		return "not-leader"
	case StatusLeaderUnknown:
		return "leader-unknown"
	case StatusSessionExpired:
		return "session-expired"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ClientResponse answers a ClientProposal. Error carries the state machine's
// application error, if any; Status carries protocol-level refusals.
type ClientResponse struct {
	ClientID   ClientID
	Sequence   uint64
	Status     Status
	Result     []byte
	Error      string
	LeaderHint ServerID
}

// Err maps a non-OK status onto the package sentinels.
func (r ClientResponse) Err() error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusNotLeader:
		return ErrNotLeader
	case StatusLeaderUnknown:
		return ErrLeaderUnknown
	case StatusSessionExpired:
		return ErrSessionExpired
	default:
		return ErrStopped
	}
}

func (VoteRequest) event()           {}
func (VoteResponse) event()          {}
func (AppendEntriesRequest) event()  {}
func (AppendEntriesResponse) event() {}
func (ElectionTimeout) event()       {}
func (HeartbeatTimeout) event()      {}
func (ClientProposal) event()        {}

func (m VoteRequest) MsgTerm() Term           { return m.Term }
func (m VoteResponse) MsgTerm() Term          { return m.Term }
func (m AppendEntriesRequest) MsgTerm() Term  { return m.Term }
func (m AppendEntriesResponse) MsgTerm() Term { return m.Term }

func (m VoteRequest) Sender() ServerID           { return m.CandidateID }
func (m VoteResponse) Sender() ServerID          { return m.From }
func (m AppendEntriesRequest) Sender() ServerID  { return m.LeaderID }
func (m AppendEntriesResponse) Sender() ServerID { return m.From }
