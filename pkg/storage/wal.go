package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	logs "github.com/danmuck/smplog"

	"github.com/virajbhartiya/raftcore/pkg/codec"
	"github.com/virajbhartiya/raftcore/pkg/raft"
)

const (
	walFile   = "wal"
	stateFile = "state.toml"

	// record header: payload length, crc32c of the payload, crc32c of the
	// preceding eight header bytes
	headerSize = 12
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// FileLog keeps entries in an append-only file of checksummed records and
// the term/vote in a separate TOML file. Every write is fsynced before it
// returns.
type FileLog struct {
	mu   sync.Mutex
	dir  string
	file *os.File

	m       mirror
	offsets []int64 // offsets[i] is where entry i+1 starts
	size    int64

	term     raft.Term
	votedFor raft.ServerID
	closed   bool
}

// OpenFileLog opens or creates the log in dir. A torn record at the tail of
// the file, left by a crash during append, is cut off. Any other damage is
// reported as raft.ErrLogCorrupted.
func OpenFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(dir, walFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	l := &FileLog{dir: dir, file: file}
	if err := l.load(); err != nil {
		file.Close()
		return nil, err
	}
	l.term, l.votedFor, err = readVoteFile(filepath.Join(dir, stateFile))
	if err != nil {
		file.Close()
		return nil, err
	}
	logs.Debugf("storage: opened %s (entries=%d term=%d)", dir, l.m.lastIndex(), l.term)
	return l, nil
}

func (l *FileLog) load() error {
	data, err := io.ReadAll(l.file)
	if err != nil {
		return err
	}
	var off int64
	for off < int64(len(data)) {
		rest := data[off:]
		if len(rest) < headerSize {
			break
		}
		if crc32.Checksum(rest[0:8], crcTable) != binary.BigEndian.Uint32(rest[8:12]) {
			// a header is written in one piece; only a torn append leaves
			// a bad one, and then nothing but zeros can follow it
			if allZero(rest) {
				break
			}
			return fmt.Errorf("%w: bad record header at offset %d", raft.ErrLogCorrupted, off)
		}
		n := int64(binary.BigEndian.Uint32(rest[0:4]))
		if n > codec.MaxFrameSize {
			return fmt.Errorf("%w: record of %d bytes at offset %d", raft.ErrLogCorrupted, n, off)
		}
		if int64(len(rest)) < headerSize+n {
			// intact header, payload cut short by a crash
			break
		}
		end := off + headerSize + n
		payload := rest[headerSize : headerSize+n]
		if crc32.Checksum(payload, crcTable) != binary.BigEndian.Uint32(rest[4:8]) {
			if end == int64(len(data)) {
				break
			}
			return fmt.Errorf("%w: checksum mismatch at offset %d", raft.ErrLogCorrupted, off)
		}
		e, err := codec.DecodeEntry(payload)
		if err != nil {
			return fmt.Errorf("%w: offset %d: %v", raft.ErrLogCorrupted, off, err)
		}
		if err := l.m.check([]raft.LogEntry{e}); err != nil {
			return fmt.Errorf("%w: %v", raft.ErrLogCorrupted, err)
		}
		l.m.append([]raft.LogEntry{e})
		l.offsets = append(l.offsets, off)
		off = end
	}
	if off < int64(len(data)) {
		logs.Warnf("storage: discarding %d torn bytes at the end of %s", int64(len(data))-off, l.file.Name())
		if err := l.file.Truncate(off); err != nil {
			return err
		}
		if err := l.file.Sync(); err != nil {
			return err
		}
	}
	l.size = off
	return nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func recordHeader(payload []byte) [headerSize]byte {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.Checksum(payload, crcTable))
	binary.BigEndian.PutUint32(hdr[8:12], crc32.Checksum(hdr[0:8], crcTable))
	return hdr
}

func encodeRecord(buf *bytes.Buffer, e raft.LogEntry) {
	payload := codec.EncodeEntry(e)
	hdr := recordHeader(payload)
	buf.Write(hdr[:])
	buf.Write(payload)
}

func (l *FileLog) Append(entries []raft.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.m.check(entries); err != nil {
		return err
	}
	var buf bytes.Buffer
	offsets := make([]int64, 0, len(entries))
	for _, e := range entries {
		offsets = append(offsets, l.size+int64(buf.Len()))
		encodeRecord(&buf, e)
	}
	if _, err := l.file.WriteAt(buf.Bytes(), l.size); err != nil {
		// drop whatever part made it out so the tail stays clean
		if terr := l.file.Truncate(l.size); terr != nil {
			logs.Errorf(terr, "storage: cutting failed append back to %d in %s", l.size, l.file.Name())
		}
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.m.append(entries)
	l.offsets = append(l.offsets, offsets...)
	l.size += int64(buf.Len())
	return nil
}

func (l *FileLog) TruncateFrom(index raft.LogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if index < 1 {
		index = 1
	}
	if index > l.m.lastIndex() {
		return nil
	}
	off := l.offsets[index-1]
	if err := l.file.Truncate(off); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.m.truncate(index)
	l.offsets = l.offsets[:index-1]
	l.size = off
	return nil
}

func (l *FileLog) PersistVote(term raft.Term, votedFor raft.ServerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := writeVoteFile(filepath.Join(l.dir, stateFile), term, votedFor); err != nil {
		return err
	}
	l.term, l.votedFor = term, votedFor
	return nil
}

func (l *FileLog) LoadVote() (raft.Term, raft.ServerID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.term, l.votedFor, nil
}

func (l *FileLog) EntryAt(index raft.LogIndex) (raft.LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.entryAt(index)
}

func (l *FileLog) TermAt(index raft.LogIndex) (raft.Term, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.termAt(index)
}

func (l *FileLog) Entries(lo, hi raft.LogIndex) []raft.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.slice(lo, hi)
}

func (l *FileLog) LastIndex() raft.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.lastIndex()
}

func (l *FileLog) LastTerm() raft.Term {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.lastTerm()
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
