// Package codec encodes raft messages, client traffic and log entries in the
// protobuf wire format. Frames are length-prefixed envelopes whose single
// populated field identifies the payload kind.
package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/virajbhartiya/raftcore/pkg/raft"
)

// MaxFrameSize bounds a single decoded frame.
const MaxFrameSize = 64 << 20

var (
	// ErrMalformed is returned for bytes that do not decode.
	ErrMalformed = errors.New("codec: malformed frame")
	// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("codec: frame too large")
	// ErrUnknownKind is returned for envelopes with no known payload.
	ErrUnknownKind = errors.New("codec: unknown frame kind")
)

// Hello is the preamble a connection opens with. Exactly one of ServerID
// and ClientID is set.
type Hello struct {
	ServerID raft.ServerID
	ClientID raft.ClientID
}

// StatusRequest asks a server for its NodeStatus.
type StatusRequest struct{}

// Reply answers a client proposal. LeaderAddr resolves LeaderHint to a
// dialable address when the responding server knows it.
type Reply struct {
	Response   raft.ClientResponse
	LeaderAddr string
}

// Envelope field numbers, one per payload kind.
const (
	kindHello          protowire.Number = 1
	kindVoteRequest    protowire.Number = 2
	kindVoteResponse   protowire.Number = 3
	kindAppendRequest  protowire.Number = 4
	kindAppendResponse protowire.Number = 5
	kindProposal       protowire.Number = 6
	kindReply          protowire.Number = 7
	kindStatusRequest  protowire.Number = 8
	kindStatus         protowire.Number = 9
)

// Encode serializes v, which must be one of Hello, StatusRequest, Reply,
// raft.NodeStatus, raft.ClientProposal or a raft.Message.
func Encode(v any) ([]byte, error) {
	var kind protowire.Number
	var body []byte
	switch m := v.(type) {
	case Hello:
		kind = kindHello
		body = appendString(body, 1, string(m.ServerID))
		body = appendString(body, 2, string(m.ClientID))
	case raft.VoteRequest:
		kind, body = kindVoteRequest, encodeVoteRequest(m)
	case raft.VoteResponse:
		kind, body = kindVoteResponse, encodeVoteResponse(m)
	case raft.AppendEntriesRequest:
		kind, body = kindAppendRequest, encodeAppendRequest(m)
	case raft.AppendEntriesResponse:
		kind, body = kindAppendResponse, encodeAppendResponse(m)
	case raft.ClientProposal:
		kind = kindProposal
		body = appendString(body, 1, string(m.ClientID))
		body = appendUint(body, 2, m.Sequence)
		body = appendBytes(body, 3, m.Command)
	case Reply:
		kind, body = kindReply, encodeReply(m)
	case StatusRequest:
		kind = kindStatusRequest
	case raft.NodeStatus:
		kind, body = kindStatus, encodeStatus(m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, v)
	}
	out := protowire.AppendTag(nil, kind, protowire.BytesType)
	return protowire.AppendBytes(out, body), nil
}

// Decode is the inverse of Encode. Message payloads are returned as values
// (raft.VoteRequest, not *raft.VoteRequest).
func Decode(b []byte) (any, error) {
	var out any
	err := walk(b, func(f field) error {
		if out != nil {
			return fmt.Errorf("%w: multiple payloads", ErrMalformed)
		}
		if f.typ != protowire.BytesType {
			return fmt.Errorf("%w: envelope field %d is not a message", ErrMalformed, f.num)
		}
		var err error
		switch f.num {
		case kindHello:
			out, err = decodeHello(f.bytes)
		case kindVoteRequest:
			out, err = decodeVoteRequest(f.bytes)
		case kindVoteResponse:
			out, err = decodeVoteResponse(f.bytes)
		case kindAppendRequest:
			out, err = decodeAppendRequest(f.bytes)
		case kindAppendResponse:
			out, err = decodeAppendResponse(f.bytes)
		case kindProposal:
			out, err = decodeProposal(f.bytes)
		case kindReply:
			out, err = decodeReply(f.bytes)
		case kindStatusRequest:
			out = StatusRequest{}
		case kindStatus:
			out, err = decodeStatus(f.bytes)
		default:
			return fmt.Errorf("%w: %d", ErrUnknownKind, f.num)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformed)
	}
	return out, nil
}

// WriteFrame writes v with a uvarint length prefix.
func WriteFrame(w io.Writer, v any) error {
	body, err := Encode(v)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, binary.MaxVarintLen64+len(body))
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	buf = append(buf, body...)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r *bufio.Reader) (any, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Decode(buf)
}

// EncodeEntry serializes a log entry for storage.
func EncodeEntry(e raft.LogEntry) []byte {
	return appendEntry(nil, e)
}

func DecodeEntry(b []byte) (raft.LogEntry, error) {
	var e raft.LogEntry
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			e.Term = raft.Term(f.u)
		case 2:
			e.Index = raft.LogIndex(f.u)
		case 3:
			e.ClientID = raft.ClientID(f.bytes)
		case 4:
			e.Sequence = f.u
		case 5:
			e.Command = cloneBytes(f.bytes)
		case 6:
			e.Timestamp = int64(f.u)
		}
		return nil
	})
	if err != nil {
		return raft.LogEntry{}, err
	}
	if e.Index == 0 {
		return raft.LogEntry{}, fmt.Errorf("%w: entry without index", ErrMalformed)
	}
	return e, nil
}

func appendEntry(b []byte, e raft.LogEntry) []byte {
	b = appendUint(b, 1, uint64(e.Term))
	b = appendUint(b, 2, uint64(e.Index))
	b = appendString(b, 3, string(e.ClientID))
	b = appendUint(b, 4, e.Sequence)
	b = appendBytes(b, 5, e.Command)
	return appendUint(b, 6, uint64(e.Timestamp))
}

func decodeHello(b []byte) (Hello, error) {
	var h Hello
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			h.ServerID = raft.ServerID(f.bytes)
		case 2:
			h.ClientID = raft.ClientID(f.bytes)
		}
		return nil
	})
	if err == nil && (h.ServerID == "") == (h.ClientID == "") {
		err = fmt.Errorf("%w: hello must name exactly one of server or client", ErrMalformed)
	}
	return h, err
}

func encodeVoteRequest(m raft.VoteRequest) []byte {
	var b []byte
	b = appendUint(b, 1, uint64(m.Term))
	b = appendString(b, 2, string(m.CandidateID))
	b = appendUint(b, 3, uint64(m.LastLogIndex))
	return appendUint(b, 4, uint64(m.LastLogTerm))
}

func decodeVoteRequest(b []byte) (raft.VoteRequest, error) {
	var m raft.VoteRequest
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Term = raft.Term(f.u)
		case 2:
			m.CandidateID = raft.ServerID(f.bytes)
		case 3:
			m.LastLogIndex = raft.LogIndex(f.u)
		case 4:
			m.LastLogTerm = raft.Term(f.u)
		}
		return nil
	})
	return m, err
}

func encodeVoteResponse(m raft.VoteResponse) []byte {
	var b []byte
	b = appendString(b, 1, string(m.From))
	b = appendUint(b, 2, uint64(m.Term))
	return appendBool(b, 3, m.Granted)
}

func decodeVoteResponse(b []byte) (raft.VoteResponse, error) {
	var m raft.VoteResponse
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.From = raft.ServerID(f.bytes)
		case 2:
			m.Term = raft.Term(f.u)
		case 3:
			m.Granted = protowire.DecodeBool(f.u)
		}
		return nil
	})
	return m, err
}

func encodeAppendRequest(m raft.AppendEntriesRequest) []byte {
	var b []byte
	b = appendUint(b, 1, uint64(m.Term))
	b = appendString(b, 2, string(m.LeaderID))
	b = appendUint(b, 3, uint64(m.PrevLogIndex))
	b = appendUint(b, 4, uint64(m.PrevLogTerm))
	for _, e := range m.Entries {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEntry(nil, e))
	}
	return appendUint(b, 6, uint64(m.LeaderCommit))
}

func decodeAppendRequest(b []byte) (raft.AppendEntriesRequest, error) {
	var m raft.AppendEntriesRequest
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Term = raft.Term(f.u)
		case 2:
			m.LeaderID = raft.ServerID(f.bytes)
		case 3:
			m.PrevLogIndex = raft.LogIndex(f.u)
		case 4:
			m.PrevLogTerm = raft.Term(f.u)
		case 5:
			e, err := DecodeEntry(f.bytes)
			if err != nil {
				return err
			}
			m.Entries = append(m.Entries, e)
		case 6:
			m.LeaderCommit = raft.LogIndex(f.u)
		}
		return nil
	})
	return m, err
}

func encodeAppendResponse(m raft.AppendEntriesResponse) []byte {
	var b []byte
	b = appendString(b, 1, string(m.From))
	b = appendUint(b, 2, uint64(m.Term))
	b = appendBool(b, 3, m.Success)
	b = appendUint(b, 4, uint64(m.MatchIndex))
	b = appendUint(b, 5, uint64(m.LastLogIndex))
	b = appendUint(b, 6, uint64(m.ConflictTerm))
	return appendUint(b, 7, uint64(m.ConflictIndex))
}

func decodeAppendResponse(b []byte) (raft.AppendEntriesResponse, error) {
	var m raft.AppendEntriesResponse
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.From = raft.ServerID(f.bytes)
		case 2:
			m.Term = raft.Term(f.u)
		case 3:
			m.Success = protowire.DecodeBool(f.u)
		case 4:
			m.MatchIndex = raft.LogIndex(f.u)
		case 5:
			m.LastLogIndex = raft.LogIndex(f.u)
		case 6:
			m.ConflictTerm = raft.Term(f.u)
		case 7:
			m.ConflictIndex = raft.LogIndex(f.u)
		}
		return nil
	})
	return m, err
}

func decodeProposal(b []byte) (raft.ClientProposal, error) {
	var m raft.ClientProposal
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.ClientID = raft.ClientID(f.bytes)
		case 2:
			m.Sequence = f.u
		case 3:
			m.Command = cloneBytes(f.bytes)
		}
		return nil
	})
	return m, err
}

func encodeReply(m Reply) []byte {
	r := m.Response
	var b []byte
	b = appendString(b, 1, string(r.ClientID))
	b = appendUint(b, 2, r.Sequence)
	b = appendUint(b, 3, uint64(r.Status))
	b = appendBytes(b, 4, r.Result)
	b = appendString(b, 5, r.Error)
	b = appendString(b, 6, string(r.LeaderHint))
	return appendString(b, 7, m.LeaderAddr)
}

func decodeReply(b []byte) (Reply, error) {
	var m Reply
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Response.ClientID = raft.ClientID(f.bytes)
		case 2:
			m.Response.Sequence = f.u
		case 3:
			m.Response.Status = raft.Status(f.u)
		case 4:
			m.Response.Result = cloneBytes(f.bytes)
		case 5:
			m.Response.Error = string(f.bytes)
		case 6:
			m.Response.LeaderHint = raft.ServerID(f.bytes)
		case 7:
			m.LeaderAddr = string(f.bytes)
		}
		return nil
	})
	return m, err
}

func encodeStatus(s raft.NodeStatus) []byte {
	var b []byte
	b = appendString(b, 1, string(s.ID))
	b = appendUint(b, 2, uint64(s.Role))
	b = appendUint(b, 3, uint64(s.Term))
	b = appendString(b, 4, string(s.VotedFor))
	b = appendString(b, 5, string(s.Leader))
	b = appendUint(b, 6, uint64(s.CommitIndex))
	b = appendUint(b, 7, uint64(s.AppliedIndex))
	b = appendUint(b, 8, uint64(s.LastIndex))
	b = appendUint(b, 9, uint64(s.LastTerm))
	return appendUint(b, 10, uint64(s.Sessions))
}

func decodeStatus(b []byte) (raft.NodeStatus, error) {
	var s raft.NodeStatus
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			s.ID = raft.ServerID(f.bytes)
		case 2:
			s.Role = raft.Role(f.u)
		case 3:
			s.Term = raft.Term(f.u)
		case 4:
			s.VotedFor = raft.ServerID(f.bytes)
		case 5:
			s.Leader = raft.ServerID(f.bytes)
		case 6:
			s.CommitIndex = raft.LogIndex(f.u)
		case 7:
			s.AppliedIndex = raft.LogIndex(f.u)
		case 8:
			s.LastIndex = raft.LogIndex(f.u)
		case 9:
			s.LastTerm = raft.Term(f.u)
		case 10:
			s.Sessions = int(f.u)
		}
		return nil
	})
	return s, err
}
