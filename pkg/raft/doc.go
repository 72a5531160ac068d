// Package raft implements the Raft consensus protocol as a deterministic
// state machine.
//
// A Consensus instance owns the protocol state of one server: its term, vote,
// role, per-follower replication progress, commit and apply watermarks, and
// the client session table. It never performs network I/O or touches timers.
// Every input is an Event passed to Step, and every side effect other than
// durable log writes and state machine application is returned as an Action:
//
//	acts, err := c.Step(raft.ElectionTimeout{})
//	for _, a := range acts {
//	    switch a := a.(type) {
//	    case raft.Send:
//	        transport.Send(a.To, a.Msg)
//	    case raft.ResetElectionTimer:
//	        clock.Reset(a.After)
//	    }
//	}
//
// Step must be called from a single goroutine. Durable writes triggered by an
// event complete before Step returns, so executing the returned actions after
// Step preserves the rule that no vote or append acknowledgement leaves the
// server before it is on disk.
//
// Storage and consistency faults are fatal: once Step returns such an error
// the instance refuses all further events. Protocol errors leave the state
// unchanged and the offending message should be dropped.
//
// The pkg/server package drives a Consensus from a transport and a clock.
package raft
