package raft

import logs "github.com/danmuck/smplog"

func (c *Consensus) handleElectionTimeout() error {
	if _, ok := c.state.(*leaderState); ok {
		// stale firing raced with becoming leader
		return nil
	}
	if err := c.becomeCandidate(); err != nil {
		return err
	}
	if c.quorum() == 1 {
		return c.becomeLeader()
	}
	req := VoteRequest{
		Term:         c.term,
		CandidateID:  c.id,
		LastLogIndex: c.log.LastIndex(),
		LastLogTerm:  c.log.LastTerm(),
	}
	for _, p := range c.peers {
		c.send(p, req)
	}
	return nil
}

// logUpToDate reports whether a log ending at (lastIndex, lastTerm) is at
// least as up-to-date as ours.
func (c *Consensus) logUpToDate(lastIndex LogIndex, lastTerm Term) bool {
	ourTerm := c.log.LastTerm()
	if lastTerm != ourTerm {
		return lastTerm > ourTerm
	}
	return lastIndex >= c.log.LastIndex()
}

func (c *Consensus) handleVoteRequest(m VoteRequest) error {
	resp := VoteResponse{From: c.id, Term: c.term}
	if m.Term < c.term {
		logs.Debugf("[%s] rejecting vote for %s: stale term %d < %d", c.id, m.CandidateID, m.Term, c.term)
		c.send(m.CandidateID, resp)
		return nil
	}

	canVote := c.votedFor == None || c.votedFor == m.CandidateID
	switch {
	case !canVote:
		logs.Debugf("[%s] rejecting vote for %s: already voted for %s in term %d", c.id, m.CandidateID, c.votedFor, c.term)
	case !c.logUpToDate(m.LastLogIndex, m.LastLogTerm):
		logs.Debugf("[%s] rejecting vote for %s: log (%d,%d) behind ours (%d,%d)", c.id, m.CandidateID,
			m.LastLogTerm, m.LastLogIndex, c.log.LastTerm(), c.log.LastIndex())
	default:
		if c.votedFor != m.CandidateID {
			c.votedFor = m.CandidateID
			if err := c.persistVote(); err != nil {
				return err
			}
		}
		resp.Granted = true
		c.resetElectionTimer()
		logs.Debugf("[%s] granted vote to %s in term %d", c.id, m.CandidateID, c.term)
	}
	c.send(m.CandidateID, resp)
	return nil
}

func (c *Consensus) handleVoteResponse(m VoteResponse) error {
	cs, ok := c.state.(*candidateState)
	if !ok || m.Term != c.term {
		return nil
	}
	cs.votes[m.From] = m.Granted
	granted := 0
	for _, v := range cs.votes {
		if v {
			granted++
		}
	}
	if granted >= c.quorum() {
		logs.Debugf("[%s] won election in term %d with %d/%d votes", c.id, c.term, granted, len(c.members))
		return c.becomeLeader()
	}
	return nil
}
