// Package storage provides durable PersistentLog backends: an append-only
// file log (FileLog), a bbolt B+tree store (BoltLog) and a volatile
// MemoryLog for tests.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/virajbhartiya/raftcore/pkg/raft"
)

var ErrClosed = errors.New("storage: log closed")

const (
	BackendWAL    = "wal"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Open opens the named backend rooted at dir.
func Open(backend, dir string) (raft.PersistentLog, error) {
	switch strings.ToLower(backend) {
	case "", BackendWAL:
		return OpenFileLog(dir)
	case BackendBolt:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return OpenBoltLog(filepath.Join(dir, "raft.db"))
	case BackendMemory:
		return NewMemoryLog(), nil
	}
	return nil, fmt.Errorf("storage: unknown backend %q", backend)
}

// voteState is the on-disk form of the durable term and vote.
type voteState struct {
	Term     uint64 `toml:"term"`
	VotedFor string `toml:"voted_for"`
}

func readVoteFile(path string) (raft.Term, raft.ServerID, error) {
	var vs voteState
	if _, err := toml.DecodeFile(path, &vs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, raft.None, nil
		}
		return 0, raft.None, fmt.Errorf("%w: %s: %v", raft.ErrLogCorrupted, path, err)
	}
	return raft.Term(vs.Term), raft.ServerID(vs.VotedFor), nil
}

// writeVoteFile replaces path atomically: the new state goes to a temp file
// which is synced and renamed over the old one, then the directory is synced.
func writeVoteFile(path string, term raft.Term, votedFor raft.ServerID) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.toml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(voteState{Term: uint64(term), VotedFor: string(votedFor)}); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
