// Package client talks to a raft cluster over the TCP transport. A Client
// finds the leader by trying members and following redirects, keeps the
// leader connection for later requests, and numbers its proposals so that
// retries are applied at most once.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
	"github.com/google/uuid"

	"github.com/virajbhartiya/raftcore/pkg/codec"
	"github.com/virajbhartiya/raftcore/pkg/raft"
)

// ErrApplication wraps an error returned by the state machine.
var ErrApplication = errors.New("client: application error")

type Config struct {
	// Cluster lists the addresses of the members.
	Cluster     []string
	DialTimeout time.Duration
	// ID defaults to a random UUID.
	ID raft.ClientID
}

type Client struct {
	id          raft.ClientID
	cluster     []string
	dialTimeout time.Duration

	mu   sync.Mutex
	seq  uint64
	conn *conn
}

type conn struct {
	addr string
	c    net.Conn
	r    *bufio.Reader
}

func New(cfg Config) (*Client, error) {
	if len(cfg.Cluster) == 0 {
		return nil, fmt.Errorf("client: %w: empty cluster", raft.ErrInvalidConfig)
	}
	if cfg.ID == "" {
		cfg.ID = raft.ClientID(uuid.NewString())
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = time.Second
	}
	return &Client{
		id:          cfg.ID,
		cluster:     append([]string(nil), cfg.Cluster...),
		dialTimeout: cfg.DialTimeout,
	}, nil
}

func (c *Client) ID() raft.ClientID {
	return c.id
}

// Leader returns the address of the connected leader, if any.
func (c *Client) Leader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.addr
}

// Propose submits command and blocks until it has been committed and
// applied. It returns the state machine's result. An error from the state
// machine is returned wrapped in ErrApplication together with any result.
// Proposals are serialized per client.
func (c *Client) Propose(ctx context.Context, command []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	p := raft.ClientProposal{ClientID: c.id, Sequence: c.seq, Command: command}

	tried := make(map[string]bool, len(c.cluster))
	next := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.conn == nil {
			for next < len(c.cluster) && tried[c.cluster[next]] {
				next++
			}
			if next == len(c.cluster) {
				return nil, raft.ErrLeaderSearchExhausted
			}
			addr := c.cluster[next]
			tried[addr] = true
			if err := c.connect(ctx, addr); err != nil {
				logs.Debugf("client %s: %v", c.id, err)
				continue
			}
		}
		tried[c.conn.addr] = true

		reply, err := c.roundTrip(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				c.disconnect()
				return nil, ctx.Err()
			}
			logs.Debugf("client %s: %s: %v", c.id, c.conn.addr, err)
			c.disconnect()
			continue
		}

		resp := reply.Response
		switch resp.Status {
		case raft.StatusOK:
			if resp.Error != "" {
				return resp.Result, fmt.Errorf("%w: %s", ErrApplication, resp.Error)
			}
			return resp.Result, nil
		case raft.StatusSessionExpired:
			return nil, raft.ErrSessionExpired
		case raft.StatusNotLeader:
			c.disconnect()
			if addr := reply.LeaderAddr; addr != "" && !tried[addr] {
				logs.Debugf("client %s: redirected to %s (%s)", c.id, resp.LeaderHint, addr)
				tried[addr] = true
				if err := c.connect(ctx, addr); err != nil {
					logs.Debugf("client %s: %v", c.id, err)
				}
			}
		default:
			// leader unknown or server unavailable: try the next member
			c.disconnect()
		}
	}
}

// Status asks the member at addr for its status on a separate connection.
func (c *Client) Status(ctx context.Context, addr string) (raft.NodeStatus, error) {
	cn, err := c.dial(ctx, addr)
	if err != nil {
		return raft.NodeStatus{}, err
	}
	defer cn.c.Close()
	v, err := cn.exchange(ctx, codec.StatusRequest{})
	if err != nil {
		return raft.NodeStatus{}, err
	}
	st, ok := v.(raft.NodeStatus)
	if !ok {
		return raft.NodeStatus{}, fmt.Errorf("client: %s answered status with %T", addr, v)
	}
	return st, nil
}

// Close drops the leader connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect()
	return nil
}

func (c *Client) connect(ctx context.Context, addr string) error {
	cn, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	c.conn = cn
	return nil
}

func (c *Client) disconnect() {
	if c.conn != nil {
		c.conn.c.Close()
		c.conn = nil
	}
}

// dial connects to addr and sends the preamble.
func (c *Client) dial(ctx context.Context, addr string) (*conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := codec.WriteFrame(nc, codec.Hello{ClientID: c.id}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("hello to %s: %w", addr, err)
	}
	return &conn{addr: addr, c: nc, r: bufio.NewReader(nc)}, nil
}

func (c *Client) roundTrip(ctx context.Context, p raft.ClientProposal) (codec.Reply, error) {
	v, err := c.conn.exchange(ctx, p)
	if err != nil {
		return codec.Reply{}, err
	}
	reply, ok := v.(codec.Reply)
	if !ok {
		return codec.Reply{}, fmt.Errorf("unexpected %T in reply to proposal", v)
	}
	if reply.Response.ClientID != p.ClientID || reply.Response.Sequence != p.Sequence {
		return codec.Reply{}, fmt.Errorf("reply for %s/%d, want %s/%d",
			reply.Response.ClientID, reply.Response.Sequence, p.ClientID, p.Sequence)
	}
	return reply, nil
}

// exchange writes one request and reads one frame back. Cancelling ctx
// aborts the exchange by expiring the connection deadline.
func (cn *conn) exchange(ctx context.Context, req any) (any, error) {
	deadline, _ := ctx.Deadline()
	cn.c.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		cn.c.SetDeadline(time.Now())
	})
	defer stop()

	if err := codec.WriteFrame(cn.c, req); err != nil {
		return nil, err
	}
	return codec.ReadFrame(cn.r)
}
