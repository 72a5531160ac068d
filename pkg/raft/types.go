package raft

import "fmt"

// Term is a cluster-wide election epoch.
type Term uint64

// LogIndex is a 1-based position in the replicated log. Zero means "before
// the first entry".
type LogIndex uint64

// ServerID identifies a cluster member.
type ServerID string

// ClientID identifies a proposing client.
type ClientID string

// None is the empty ServerID, used for "no vote" and "no known leader".
const None ServerID = ""

type LogEntry struct {
	Term  Term
	Index LogIndex

	// ClientID and Sequence identify the proposal the entry came from. They are
	// empty for entries not submitted by a client.
	ClientID ClientID
	Sequence uint64
	// Timestamp is the leader's clock, in Unix nanoseconds, when the entry
	// was appended. Session expiry is measured against it so that every
	// replica expires sessions at the same log position.
	Timestamp int64

	Command []byte
}

func (e LogEntry) String() string {
	return fmt.Sprintf("{idx=%d term=%d client=%q seq=%d len=%d}", e.Index, e.Term, e.ClientID, e.Sequence, len(e.Command))
}

// Role is the protocol role of a server.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}
