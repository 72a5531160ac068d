package raft

// NodeStatus is a point-in-time view of a Consensus instance.
type NodeStatus struct {
	ID           ServerID
	Role         Role
	Term         Term
	VotedFor     ServerID
	Leader       ServerID
	CommitIndex  LogIndex
	AppliedIndex LogIndex
	LastIndex    LogIndex
	LastTerm     Term
	Sessions     int
	// Progress is set only on the leader.
	Progress map[ServerID]Progress
	Err      error
}

func (c *Consensus) Status() NodeStatus {
	st := NodeStatus{
		ID:           c.id,
		Role:         c.state.role(),
		Term:         c.term,
		VotedFor:     c.votedFor,
		Leader:       c.Leader(),
		CommitIndex:  c.commitIndex,
		AppliedIndex: c.appliedIndex,
		LastIndex:    c.log.LastIndex(),
		LastTerm:     c.log.LastTerm(),
		Sessions:     c.sessions.Len(),
		Err:          c.failed,
	}
	if ls, ok := c.state.(*leaderState); ok {
		st.Progress = make(map[ServerID]Progress, len(ls.progress))
		for id, pr := range ls.progress {
			st.Progress[id] = *pr
		}
	}
	return st
}
