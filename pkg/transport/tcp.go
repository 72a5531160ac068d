package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/virajbhartiya/raftcore/pkg/codec"
	"github.com/virajbhartiya/raftcore/pkg/raft"
)

const (
	DefaultDialTimeout  = time.Second
	DefaultWriteTimeout = 2 * time.Second

	senderQueue = 256
)

type TCPConfig struct {
	ID raft.ServerID
	// Addr is the listen address; ":0" picks a free port.
	Addr string
	// Peers maps every other server to its dialable address.
	Peers        map[raft.ServerID]string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// TCP is a Transport over TCP. Every connection opens with a codec.Hello
// naming the dialer. Server connections are one-way: each server dials its
// peers and sends frames; replies travel on the reverse connection. Client
// connections are request/response and answered in order on the same
// connection.
type TCP struct {
	cfg      TCPConfig
	listener net.Listener
	inbound  chan raft.Message
	calls    chan *Call

	mu       sync.Mutex
	peers    map[raft.ServerID]string
	out      map[raft.ServerID]chan raft.Message
	accepted map[net.Conn]struct{}
	closed   bool

	exit chan struct{}
	wg   sync.WaitGroup
}

var _ Transport = (*TCP)(nil)

// ListenTCP starts listening on cfg.Addr and accepting connections.
func ListenTCP(cfg TCPConfig) (*TCP, error) {
	if cfg.ID == raft.None {
		return nil, fmt.Errorf("transport: %w: empty server id", raft.ErrInvalidConfig)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	t := &TCP{
		cfg:      cfg,
		listener: ln,
		inbound:  make(chan raft.Message, inboxSize),
		calls:    make(chan *Call),
		peers:    make(map[raft.ServerID]string, len(cfg.Peers)),
		out:      make(map[raft.ServerID]chan raft.Message),
		accepted: make(map[net.Conn]struct{}),
		exit:     make(chan struct{}),
	}
	for id, addr := range cfg.Peers {
		t.peers[id] = addr
	}
	logs.Infof("transport: %s listening on %s", cfg.ID, ln.Addr())
	t.wg.Add(1)
	go t.acceptConnections()
	return t, nil
}

func (t *TCP) Addr() net.Addr {
	return t.listener.Addr()
}

// SetPeer adds or updates the address of a peer. An open connection to the
// old address is kept until it fails.
func (t *TCP) SetPeer(id raft.ServerID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = addr
}

// PeerAddr resolves a server id to its address. The local server resolves
// to its own listen address.
func (t *TCP) PeerAddr(id raft.ServerID) string {
	if id == raft.None {
		return ""
	}
	if id == t.cfg.ID {
		return t.listener.Addr().String()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[id]
}

func (t *TCP) Inbound() <-chan raft.Message {
	return t.inbound
}

func (t *TCP) Calls() <-chan *Call {
	return t.calls
}

// Send queues msg for peer to and returns without waiting for the write.
// Each peer has one sender goroutine that owns the connection and redials
// after failures.
func (t *TCP) Send(to raft.ServerID, msg raft.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	q, ok := t.out[to]
	if !ok {
		if _, known := t.peers[to]; !known {
			t.mu.Unlock()
			return fmt.Errorf("%w: no address for %s", ErrUnreachable, to)
		}
		q = make(chan raft.Message, senderQueue)
		t.out[to] = q
		t.wg.Add(1)
		go t.runSender(to, q)
	}
	t.mu.Unlock()

	select {
	case q <- msg:
		return nil
	default:
		return ErrDropped
	}
}

func (t *TCP) runSender(to raft.ServerID, q chan raft.Message) {
	defer t.wg.Done()
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	for {
		var msg raft.Message
		select {
		case msg = <-q:
		case <-t.exit:
			return
		}
		if conn == nil {
			c, err := t.dial(to)
			if err != nil {
				logs.Debugf("transport: %s: %v", t.cfg.ID, err)
				continue
			}
			conn = c
		}
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		if err := codec.WriteFrame(conn, msg); err != nil {
			logs.Debugf("transport: send to %s: %v", to, err)
			conn.Close()
			conn = nil
		}
	}
}

func (t *TCP) dial(to raft.ServerID) (net.Conn, error) {
	t.mu.Lock()
	addr := t.peers[to]
	t.mu.Unlock()
	c, err := net.DialTimeout("tcp", addr, t.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	c.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := codec.WriteFrame(c, codec.Hello{ServerID: t.cfg.ID}); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: hello to %s: %v", ErrUnreachable, to, err)
	}
	logs.Debugf("transport: %s connected to %s at %s", t.cfg.ID, to, addr)
	return c, nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.exit)
	err := t.listener.Close()
	for c := range t.accepted {
		c.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	logs.Debugf("transport: %s closed", t.cfg.ID)
	return err
}

func (t *TCP) acceptConnections() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.exit:
			default:
				logs.Warnf("transport: accept on %s: %v", t.listener.Addr(), err)
			}
			return
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.accepted[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

func (t *TCP) handleConnection(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.accepted, conn)
		t.mu.Unlock()
		conn.Close()
	}()
	remote := conn.RemoteAddr().String()
	r := bufio.NewReader(conn)

	first, err := codec.ReadFrame(r)
	if err != nil {
		logs.Debugf("transport: %s: no hello: %v", remote, err)
		return
	}
	hello, ok := first.(codec.Hello)
	if !ok {
		logs.Warnf("transport: %s opened with %T instead of hello", remote, first)
		return
	}
	if hello.ServerID != raft.None {
		t.servePeer(hello.ServerID, r)
		return
	}
	t.serveClient(hello.ClientID, conn, r)
}

func (t *TCP) servePeer(from raft.ServerID, r *bufio.Reader) {
	logs.Debugf("transport: %s accepted peer %s", t.cfg.ID, from)
	for {
		v, err := codec.ReadFrame(r)
		if err != nil {
			t.logReadError(string(from), err)
			return
		}
		msg, ok := v.(raft.Message)
		if !ok || msg.Sender() != from {
			logs.Warnf("transport: dropping %T from peer %s", v, from)
			continue
		}
		select {
		case t.inbound <- msg:
		case <-t.exit:
			return
		}
	}
}

func (t *TCP) serveClient(client raft.ClientID, conn net.Conn, r *bufio.Reader) {
	logs.Debugf("transport: %s accepted client %s", t.cfg.ID, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.exit:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		v, err := codec.ReadFrame(r)
		if err != nil {
			t.logReadError(string(client), err)
			return
		}
		var call *Call
		switch req := v.(type) {
		case raft.ClientProposal:
			if req.ClientID != client {
				logs.Warnf("transport: client %s proposed as %s", client, req.ClientID)
				return
			}
			call = NewProposalCall(req)
		case codec.StatusRequest:
			call = NewStatusCall()
		default:
			logs.Warnf("transport: unexpected %T from client %s", v, client)
			return
		}

		select {
		case t.calls <- call:
		case <-ctx.Done():
			return
		}
		answer, err := call.Wait(ctx)
		if err != nil {
			return
		}
		var reply any = answer
		if resp, ok := answer.(raft.ClientResponse); ok {
			reply = codec.Reply{Response: resp, LeaderAddr: t.PeerAddr(resp.LeaderHint)}
		}
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		if err := codec.WriteFrame(conn, reply); err != nil {
			logs.Debugf("transport: reply to client %s: %v", client, err)
			return
		}
	}
}

func (t *TCP) logReadError(who string, err error) {
	select {
	case <-t.exit:
		return
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		logs.Debugf("transport: %s disconnected", who)
		return
	}
	logs.Warnf("transport: reading from %s: %v", who, err)
}
