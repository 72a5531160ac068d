package raft

import (
	logs "github.com/danmuck/smplog"

	"github.com/virajbhartiya/raftcore/pkg/session"
)

// handleProposal appends a client command on the leader. Duplicates of the
// last applied sequence number are answered from the session cache, and a
// proposal already waiting in the log is not appended again.
func (c *Consensus) handleProposal(p ClientProposal) error {
	ls, ok := c.state.(*leaderState)
	if !ok {
		c.emit(Respond{Response: c.notLeader(p.ClientID, p.Sequence, c.Leader())})
		return nil
	}

	if p.ClientID == "" {
		return protocolError("propose", "proposal without client id")
	}
	if len(p.Command) > c.maxBytes {
		return protocolError("propose", "command of %d bytes exceeds %d", len(p.Command), c.maxBytes)
	}

	outcome, s := c.sessions.Check(string(p.ClientID), p.Sequence)
	switch outcome {
	case session.Duplicate:
		c.emit(Respond{Response: ClientResponse{
			ClientID: p.ClientID,
			Sequence: p.Sequence,
			Status:   StatusOK,
			Result:   s.Result,
			Error:    s.Err,
		}})
		return nil
	case session.Stale:
		c.emit(Respond{Response: ClientResponse{ClientID: p.ClientID, Sequence: p.Sequence, Status: StatusSessionExpired}})
		return nil
	}
	key := proposalKey{client: p.ClientID, seq: p.Sequence}
	if _, waiting := ls.pending[key]; waiting {
		return nil
	}

	entry := LogEntry{
		Term:      c.term,
		Index:     c.log.LastIndex() + 1,
		ClientID:  p.ClientID,
		Sequence:  p.Sequence,
		Timestamp: c.now().UnixNano(),
		Command:   p.Command,
	}
	if err := c.appendLog([]LogEntry{entry}); err != nil {
		return err
	}
	ls.pending[key] = entry.Index
	logs.Debugf("[%s] appended %s", c.id, entry)

	if c.maybeCommit(ls) {
		if err := c.applyCommitted(); err != nil {
			return err
		}
	}
	return c.broadcastAppend(ls)
}
