// Package session tracks the last acknowledged proposal of every client so
// that retried proposals are answered from cache instead of being applied a
// second time.
package session

import (
	"time"

	"github.com/google/btree"
)

// Outcome classifies a proposal against the session table.
type Outcome int

const (
	// New means the sequence number has not been seen yet.
	New Outcome = iota
	// Duplicate means the sequence number is the last one applied; the cached
	// result answers it.
	Duplicate
	// Stale means the sequence number is older than the last applied one and
	// its result is no longer held.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case New:
		return "new"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Session is the per-client dedup record.
type Session struct {
	ClientID     string
	LastSequence uint64
	Result       []byte
	Err          string
	LastActive   time.Time
}

// idleItem orders sessions by last activity for eviction.
type idleItem struct {
	at time.Time
	id string
}

func (a idleItem) Less(than btree.Item) bool {
	b := than.(idleItem)
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// Table is not safe for concurrent use; it is owned by the consensus loop.
type Table struct {
	sessions map[string]*Session
	idle     *btree.BTree
}

func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*Session),
		idle:     btree.New(16),
	}
}

func (t *Table) Len() int {
	return len(t.sessions)
}

// Get returns a copy of the session for id.
func (t *Table) Get(id string) (Session, bool) {
	s, ok := t.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Check classifies seq for client id. For Duplicate the returned session
// carries the cached result.
func (t *Table) Check(id string, seq uint64) (Outcome, Session) {
	s, ok := t.sessions[id]
	if !ok {
		return New, Session{}
	}
	switch {
	case seq > s.LastSequence:
		return New, *s
	case seq == s.LastSequence:
		return Duplicate, *s
	default:
		return Stale, *s
	}
}

// Record stores the result of the newly applied proposal seq. Records for
// sequence numbers at or below the current one are ignored.
func (t *Table) Record(id string, seq uint64, result []byte, errMsg string, now time.Time) {
	s, ok := t.sessions[id]
	if !ok {
		s = &Session{ClientID: id}
		t.sessions[id] = s
	} else {
		if seq <= s.LastSequence {
			return
		}
		t.idle.Delete(idleItem{at: s.LastActive, id: id})
	}
	s.LastSequence = seq
	s.Result = result
	s.Err = errMsg
	s.LastActive = now
	t.idle.ReplaceOrInsert(idleItem{at: now, id: id})
}

// EvictIdle drops every session whose last activity is older than ttl and
// returns the evicted client ids, oldest first.
func (t *Table) EvictIdle(now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := now.Add(-ttl)
	var evicted []string
	for t.idle.Len() > 0 {
		min := t.idle.Min().(idleItem)
		if !min.at.Before(cutoff) {
			break
		}
		t.idle.DeleteMin()
		delete(t.sessions, min.id)
		evicted = append(evicted, min.id)
	}
	return evicted
}
