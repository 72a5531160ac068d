package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
	bolt "go.etcd.io/bbolt"

	"github.com/virajbhartiya/raftcore/pkg/codec"
	"github.com/virajbhartiya/raftcore/pkg/raft"
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")

	termKey = []byte("term")
	voteKey = []byte("voted_for")
)

// BoltLog stores entries in a bolt database keyed by big-endian index, with
// term and vote in a separate bucket. Each write is one committed
// transaction.
type BoltLog struct {
	mu sync.Mutex
	db *bolt.DB
	m  mirror

	term     raft.Term
	votedFor raft.ServerID
}

func indexKey(i raft.LogIndex) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

func OpenBoltLog(path string) (*BoltLog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	l := &BoltLog{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		err = db.View(l.load)
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	logs.Debugf("storage: opened %s (entries=%d term=%d)", path, l.m.lastIndex(), l.term)
	return l, nil
}

func (l *BoltLog) load(tx *bolt.Tx) error {
	err := tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
		e, err := codec.DecodeEntry(v)
		if err != nil {
			return fmt.Errorf("%w: entry %x: %v", raft.ErrLogCorrupted, k, err)
		}
		if len(k) != 8 || raft.LogIndex(binary.BigEndian.Uint64(k)) != e.Index {
			return fmt.Errorf("%w: key %x holds index %d", raft.ErrLogCorrupted, k, e.Index)
		}
		if err := l.m.check([]raft.LogEntry{e}); err != nil {
			return fmt.Errorf("%w: %v", raft.ErrLogCorrupted, err)
		}
		l.m.append([]raft.LogEntry{e})
		return nil
	})
	if err != nil {
		return err
	}
	meta := tx.Bucket(metaBucket)
	if v := meta.Get(termKey); len(v) == 8 {
		l.term = raft.Term(binary.BigEndian.Uint64(v))
	}
	l.votedFor = raft.ServerID(meta.Get(voteKey))
	return nil
}

func (l *BoltLog) Append(entries []raft.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.m.check(entries); err != nil {
		return err
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for _, e := range entries {
			if err := b.Put(indexKey(e.Index), codec.EncodeEntry(e)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.m.append(entries)
	return nil
}

func (l *BoltLog) TruncateFrom(index raft.LogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 1 {
		index = 1
	}
	if index > l.m.lastIndex() {
		return nil
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(indexKey(index)); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.m.truncate(index)
	return nil
}

func (l *BoltLog) PersistVote(term raft.Term, votedFor raft.ServerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		t := make([]byte, 8)
		binary.BigEndian.PutUint64(t, uint64(term))
		if err := b.Put(termKey, t); err != nil {
			return err
		}
		return b.Put(voteKey, []byte(votedFor))
	})
	if err != nil {
		return err
	}
	l.term, l.votedFor = term, votedFor
	return nil
}

func (l *BoltLog) LoadVote() (raft.Term, raft.ServerID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.term, l.votedFor, nil
}

func (l *BoltLog) EntryAt(index raft.LogIndex) (raft.LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.entryAt(index)
}

func (l *BoltLog) TermAt(index raft.LogIndex) (raft.Term, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.termAt(index)
}

func (l *BoltLog) Entries(lo, hi raft.LogIndex) []raft.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.slice(lo, hi)
}

func (l *BoltLog) LastIndex() raft.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.lastIndex()
}

func (l *BoltLog) LastTerm() raft.Term {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.lastTerm()
}

func (l *BoltLog) Close() error {
	return l.db.Close()
}
