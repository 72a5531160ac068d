package raft

import (
	"fmt"
	"sort"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/virajbhartiya/raftcore/pkg/session"
)

func (c *Consensus) handleHeartbeatTimeout() error {
	ls, ok := c.state.(*leaderState)
	if !ok {
		return nil
	}
	for _, p := range c.peers {
		ls.progress[p].paused = false
		if err := c.sendAppend(ls, p, true); err != nil {
			return err
		}
	}
	c.emit(ResetHeartbeatTimer{After: c.heartbeatInterval})
	return nil
}

// sendAppend sends the next batch to peer. Heartbeats are sent even when
// there is nothing new; other sends are skipped while a seeking append is outstanding
// or the follower is caught up.
func (c *Consensus) sendAppend(ls *leaderState, peer ServerID, heartbeat bool) error {
	pr := ls.progress[peer]
	last := c.log.LastIndex()
	if !heartbeat && (pr.paused || pr.Next > last) {
		return nil
	}
	prev := pr.Next - 1
	prevTerm, ok := c.log.TermAt(prev)
	if !ok {
		return &Error{Kind: KindConsistency, Op: "replicate", Err: fmt.Errorf("no entry at %d for %s (last %d)", prev, peer, last)}
	}
	hi := last + 1
	if limit := pr.Next + LogIndex(c.maxEntries); limit < hi {
		hi = limit
	}
	entries := limitBytes(c.log.Entries(pr.Next, hi), c.maxBytes)

	c.send(peer, AppendEntriesRequest{
		Term:         c.term,
		LeaderID:     c.id,
		PrevLogIndex: prev,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: c.commitIndex,
	})

	switch pr.State {
	case ProgressReplicate:
		if n := len(entries); n > 0 {
			pr.Next = entries[n-1].Index + 1
		}
	case ProgressSeek:
		pr.paused = true
	}
	return nil
}

// limitBytes trims entries to the longest prefix whose commands fit in max
// bytes, keeping at least one entry.
func limitBytes(entries []LogEntry, max int) []LogEntry {
	size := 0
	for i, e := range entries {
		size += len(e.Command)
		if size > max && i > 0 {
			return entries[:i]
		}
	}
	return entries
}

// broadcastAppend pushes new entries to every follower that can take them.
func (c *Consensus) broadcastAppend(ls *leaderState) error {
	for _, p := range c.peers {
		if err := c.sendAppend(ls, p, false); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consensus) handleAppendEntries(m AppendEntriesRequest) error {
	if m.Term < c.term {
		c.send(m.LeaderID, AppendEntriesResponse{From: c.id, Term: c.term, LastLogIndex: c.log.LastIndex()})
		return nil
	}

	switch s := c.state.(type) {
	case *leaderState:
		return protocolError("append", "append from %s for term %d which %s leads", m.LeaderID, m.Term, c.id)
	case *candidateState:
		if err := c.becomeFollower(m.Term, m.LeaderID); err != nil {
			return err
		}
	case *followerState:
		if s.leaderHint != m.LeaderID {
			s.leaderHint = m.LeaderID
			c.emit(RoleChanged{Role: Follower, Term: c.term, Leader: m.LeaderID})
			logs.Infof("[%s] following %s in term %d", c.id, m.LeaderID, c.term)
		}
		c.resetElectionTimer()
	}

	last := c.log.LastIndex()
	if m.PrevLogIndex > last {
		c.send(m.LeaderID, AppendEntriesResponse{
			From:          c.id,
			Term:          c.term,
			LastLogIndex:  last,
			ConflictIndex: last + 1,
		})
		return nil
	}
	if t, _ := c.log.TermAt(m.PrevLogIndex); t != m.PrevLogTerm {
		logs.Debugf("[%s] rejecting append from %s: term at %d is %d, want %d", c.id, m.LeaderID, m.PrevLogIndex, t, m.PrevLogTerm)
		c.send(m.LeaderID, AppendEntriesResponse{
			From:          c.id,
			Term:          c.term,
			LastLogIndex:  last,
			ConflictTerm:  t,
			ConflictIndex: c.firstIndexOfTerm(m.PrevLogIndex, t),
		})
		return nil
	}

	if err := c.mergeEntries(m.Entries); err != nil {
		return err
	}

	match := m.PrevLogIndex + LogIndex(len(m.Entries))
	if commit := min(m.LeaderCommit, match); commit > c.commitIndex {
		c.commitIndex = commit
		if err := c.applyCommitted(); err != nil {
			return err
		}
	}
	c.send(m.LeaderID, AppendEntriesResponse{
		From:         c.id,
		Term:         c.term,
		Success:      true,
		MatchIndex:   match,
		LastLogIndex: c.log.LastIndex(),
	})
	return nil
}

// mergeEntries appends the part of entries the log does not already hold,
// truncating from the first conflicting index. Entries that already match
// are left alone so a delayed, shorter request never shortens the log.
func (c *Consensus) mergeEntries(entries []LogEntry) error {
	last := c.log.LastIndex()
	for i, e := range entries {
		if e.Index > last {
			return c.appendLog(entries[i:])
		}
		if t, _ := c.log.TermAt(e.Index); t != e.Term {
			if e.Index <= c.commitIndex {
				return &Error{Kind: KindConsistency, Op: "append", Err: fmt.Errorf("conflict at committed index %d (commit %d)", e.Index, c.commitIndex)}
			}
			logs.Infof("[%s] truncating log from %d (term %d, leader has %d)", c.id, e.Index, t, e.Term)
			if err := c.log.TruncateFrom(e.Index); err != nil {
				return NewStorageError("truncate", err)
			}
			return c.appendLog(entries[i:])
		}
	}
	return nil
}

func (c *Consensus) appendLog(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := c.log.Append(entries); err != nil {
		return NewStorageError("append", err)
	}
	return nil
}

// firstIndexOfTerm walks back from index to the first entry of term t.
func (c *Consensus) firstIndexOfTerm(index LogIndex, t Term) LogIndex {
	for index > 1 {
		prev, _ := c.log.TermAt(index - 1)
		if prev != t {
			break
		}
		index--
	}
	return index
}

// lastIndexOfTerm finds the last entry of term t in our log.
func (c *Consensus) lastIndexOfTerm(t Term) (LogIndex, bool) {
	for i := c.log.LastIndex(); i > 0; i-- {
		it, _ := c.log.TermAt(i)
		if it == t {
			return i, true
		}
		if it < t {
			break
		}
	}
	return 0, false
}

func (c *Consensus) handleAppendResponse(m AppendEntriesResponse) error {
	ls, ok := c.state.(*leaderState)
	if !ok || m.Term != c.term {
		return nil
	}
	pr := ls.progress[m.From]

	if m.Success {
		if m.MatchIndex > c.log.LastIndex() {
			return protocolError("append response", "%s acknowledged %d beyond last index %d", m.From, m.MatchIndex, c.log.LastIndex())
		}
		pr.update(m.MatchIndex)
		if pr.State == ProgressSeek {
			pr.becomeReplicate()
		}
		pr.paused = false
		if c.maybeCommit(ls) {
			if err := c.applyCommitted(); err != nil {
				return err
			}
		}
		return c.sendAppend(ls, m.From, false)
	}

	hint := m.ConflictIndex
	if m.ConflictTerm != 0 {
		if idx, ok := c.lastIndexOfTerm(m.ConflictTerm); ok {
			hint = idx + 1
		}
	}
	if m.LastLogIndex+1 < hint {
		hint = m.LastLogIndex + 1
	}
	before := pr.Next
	pr.becomeSeek()
	pr.backtrack(hint)
	logs.Debugf("[%s] %s rejected append, next %d -> %d", c.id, m.From, before, pr.Next)
	return c.sendAppend(ls, m.From, false)
}

// maybeCommit advances commitIndex to the highest index stored on a
// majority, provided that entry is from the current term.
func (c *Consensus) maybeCommit(ls *leaderState) bool {
	matches := make([]LogIndex, 0, len(c.members))
	matches = append(matches, c.log.LastIndex())
	for _, p := range c.peers {
		matches = append(matches, ls.progress[p].Match)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	n := matches[c.quorum()-1]
	if n <= c.commitIndex {
		return false
	}
	if t, _ := c.log.TermAt(n); t != c.term {
		return false
	}
	logs.Debugf("[%s] commit index %d -> %d", c.id, c.commitIndex, n)
	c.commitIndex = n
	return true
}

// applyCommitted applies every committed but unapplied entry in index order.
func (c *Consensus) applyCommitted() error {
	for c.appliedIndex < c.commitIndex {
		idx := c.appliedIndex + 1
		e, ok := c.log.EntryAt(idx)
		if !ok {
			return &Error{Kind: KindConsistency, Op: "apply", Err: fmt.Errorf("committed entry %d missing", idx)}
		}
		resp, err := c.applyEntry(e)
		if err != nil {
			return err
		}
		c.appliedIndex = idx

		if ls, ok := c.state.(*leaderState); ok && e.ClientID != "" {
			key := proposalKey{client: e.ClientID, seq: e.Sequence}
			if pidx, ok := ls.pending[key]; ok && pidx == idx {
				delete(ls.pending, key)
				c.emit(Respond{Response: resp})
			}
		}
	}
	return nil
}

// applyEntry runs e through the state machine unless its session already
// recorded that sequence number.
func (c *Consensus) applyEntry(e LogEntry) (ClientResponse, error) {
	resp := ClientResponse{ClientID: e.ClientID, Sequence: e.Sequence, Status: StatusOK}
	if e.ClientID == "" {
		if _, err := c.apply(e); err != nil {
			return resp, err
		}
		return resp, nil
	}

	at := time.Unix(0, e.Timestamp)
	if e.Timestamp != 0 {
		if evicted := c.sessions.EvictIdle(at, c.sessionTTL); len(evicted) > 0 {
			logs.Infof("[%s] expired %d idle client sessions at entry %d", c.id, len(evicted), e.Index)
		}
	}
	outcome, s := c.sessions.Check(string(e.ClientID), e.Sequence)
	switch outcome {
	case session.Duplicate:
		logs.Debugf("[%s] entry %d duplicates %s/%d, skipping apply", c.id, e.Index, e.ClientID, e.Sequence)
		resp.Result, resp.Error = s.Result, s.Err
	case session.Stale:
		resp.Status = StatusSessionExpired
	default:
		result, err := c.apply(e)
		if err != nil {
			return resp, err
		}
		resp.Result, resp.Error = result.Result, result.Error
		c.sessions.Record(string(e.ClientID), e.Sequence, result.Result, result.Error, at)
	}
	return resp, nil
}

func (c *Consensus) apply(e LogEntry) (ClientResponse, error) {
	var resp ClientResponse
	result, err := c.sm.Apply(e.Command)
	if err != nil {
		if KindOf(err) == KindStorage {
			return resp, err
		}
		resp.Error = err.Error()
	}
	resp.Result = result
	return resp, nil
}
