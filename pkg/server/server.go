// Package server runs a raft.Consensus against a transport and a clock.
// A single goroutine owns the Consensus: it pulls messages, client calls and
// timer firings from channels, steps the Consensus and executes the
// resulting actions.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logs "github.com/danmuck/smplog"

	"github.com/virajbhartiya/raftcore/pkg/raft"
	"github.com/virajbhartiya/raftcore/pkg/transport"
)

type Config struct {
	Raft         raft.Config
	Log          raft.PersistentLog
	StateMachine raft.StateMachine
	Transport    transport.Transport
	// Clock drives timers and stamps new entries. Defaults to the wall
	// clock.
	Clock clock.Clock
}

type timerKind uint8

const (
	electionTimer timerKind = iota
	heartbeatTimer
)

// firing carries the generation the timer was armed with; firings of a
// timer that was since reset or stopped are dropped.
type firing struct {
	kind timerKind
	gen  uint64
}

type waitKey struct {
	client raft.ClientID
	seq    uint64
}

type view struct {
	role   raft.Role
	term   raft.Term
	leader raft.ServerID
}

type Server struct {
	id    raft.ServerID
	c     *raft.Consensus
	tr    transport.Transport
	clock clock.Clock

	local   chan *transport.Call
	firings chan firing

	// owned by the loop
	timers  [2]*clock.Timer
	gens    [2]uint64
	waiters map[waitKey][]*transport.Call

	mu   sync.RWMutex
	view view
	err  error

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New restores the Consensus from cfg.Log. The server does not run until
// Start is called.
func New(cfg Config) (*Server, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("server: %w: no transport", raft.ErrInvalidConfig)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Raft.Now == nil {
		cfg.Raft.Now = cfg.Clock.Now
	}
	c, err := raft.New(cfg.Raft, cfg.Log, cfg.StateMachine)
	if err != nil {
		return nil, err
	}
	return &Server{
		id:      cfg.Raft.ID,
		c:       c,
		tr:      cfg.Transport,
		clock:   cfg.Clock,
		local:   make(chan *transport.Call),
		firings: make(chan firing, 64),
		waiters: make(map[waitKey][]*transport.Call),
		view:    view{role: c.Role(), term: c.Term(), leader: c.Leader()},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start arms the election timer and launches the event loop. Timers are
// armed before Start returns.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		logs.Infof("[%s] starting in term %d", s.id, s.c.Term())
		s.execute(s.c.Start())
		go s.run()
	})
}

// Stop ends the event loop and waits for it to exit. Waiting proposals fail
// with raft.ErrStopped. The transport and log are left open.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

// Done is closed once the loop has exited, after Stop or a fatal error.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal error that stopped the server, if any.
func (s *Server) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Server) ID() raft.ServerID { return s.id }

func (s *Server) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.role == raft.Leader
}

// Leader returns the last known leader and term.
func (s *Server) Leader() (raft.ServerID, raft.Term) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.leader, s.view.term
}

// Propose submits p and blocks until it is applied, refused or ctx ends. A
// non-OK status is also returned as the matching raft sentinel error;
// application errors are left in the response's Error field.
func (s *Server) Propose(ctx context.Context, p raft.ClientProposal) (raft.ClientResponse, error) {
	v, err := s.call(ctx, transport.NewProposalCall(p))
	if err != nil {
		return raft.ClientResponse{}, err
	}
	resp := v.(raft.ClientResponse)
	return resp, resp.Err()
}

// Status returns a snapshot of the Consensus state taken on the loop.
func (s *Server) Status(ctx context.Context) (raft.NodeStatus, error) {
	v, err := s.call(ctx, transport.NewStatusCall())
	if err != nil {
		return raft.NodeStatus{}, err
	}
	return v.(raft.NodeStatus), nil
}

func (s *Server) call(ctx context.Context, c *transport.Call) (any, error) {
	select {
	case s.local <- c:
	case <-s.done:
		return nil, raft.ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.Wait(ctx)
}

func (s *Server) run() {
	defer close(s.done)
	defer s.shutdown()
	for {
		select {
		case <-s.stop:
			logs.Infof("[%s] stopping", s.id)
			return
		case m := <-s.tr.Inbound():
			s.step(m)
		case c := <-s.tr.Calls():
			s.handleCall(c)
		case c := <-s.local:
			s.handleCall(c)
		case f := <-s.firings:
			s.handleFiring(f)
		}
		if s.Err() != nil {
			return
		}
	}
}

// step feeds ev to the Consensus and executes the resulting actions.
// Protocol errors are logged and dropped; fatal errors stop the loop.
func (s *Server) step(ev raft.Event) error {
	acts, err := s.c.Step(ev)
	if err != nil {
		if raft.IsFatal(err) {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			logs.Errorf(err, "[%s] fatal error, server stopping", s.id)
			return err
		}
		logs.Warnf("[%s] dropped %T: %v", s.id, ev, err)
	}
	s.execute(acts)
	return err
}

func (s *Server) handleCall(c *transport.Call) {
	if c.Status {
		c.RespondStatus(s.c.Status())
		return
	}
	key := waitKey{client: c.Proposal.ClientID, seq: c.Proposal.Sequence}
	s.waiters[key] = append(s.waiters[key], c)
	if err := s.step(c.Proposal); err != nil && !raft.IsFatal(err) {
		s.failWaiters(key, err)
	}
}

func (s *Server) handleFiring(f firing) {
	if f.gen != s.gens[f.kind] {
		return
	}
	s.timers[f.kind] = nil
	switch f.kind {
	case electionTimer:
		s.step(raft.ElectionTimeout{})
	case heartbeatTimer:
		s.step(raft.HeartbeatTimeout{})
	}
}

func (s *Server) execute(acts []raft.Action) {
	for _, a := range acts {
		switch a := a.(type) {
		case raft.Send:
			if err := s.tr.Send(a.To, a.Msg); err != nil {
				logs.Debugf("[%s] send %T to %s: %v", s.id, a.Msg, a.To, err)
			}
		case raft.ResetElectionTimer:
			s.arm(electionTimer, a.After)
		case raft.StopElectionTimer:
			s.disarm(electionTimer)
		case raft.ResetHeartbeatTimer:
			s.arm(heartbeatTimer, a.After)
		case raft.StopHeartbeatTimer:
			s.disarm(heartbeatTimer)
		case raft.Respond:
			s.respond(a.Response)
		case raft.RoleChanged:
			s.mu.Lock()
			s.view = view{role: a.Role, term: a.Term, leader: a.Leader}
			s.mu.Unlock()
		}
	}
}

func (s *Server) arm(kind timerKind, after time.Duration) {
	s.disarm(kind)
	gen := s.gens[kind]
	s.timers[kind] = s.clock.AfterFunc(after, func() {
		select {
		case s.firings <- firing{kind: kind, gen: gen}:
		case <-s.done:
		}
	})
}

func (s *Server) disarm(kind timerKind) {
	s.gens[kind]++
	if t := s.timers[kind]; t != nil {
		t.Stop()
		s.timers[kind] = nil
	}
}

func (s *Server) respond(resp raft.ClientResponse) {
	key := waitKey{client: resp.ClientID, seq: resp.Sequence}
	for _, c := range s.waiters[key] {
		c.Respond(resp)
	}
	delete(s.waiters, key)
}

func (s *Server) failWaiters(key waitKey, err error) {
	for _, c := range s.waiters[key] {
		c.Fail(err)
	}
	delete(s.waiters, key)
}

func (s *Server) shutdown() {
	for kind := range s.timers {
		s.disarm(timerKind(kind))
	}
	for key := range s.waiters {
		s.failWaiters(key, raft.ErrStopped)
	}
}
