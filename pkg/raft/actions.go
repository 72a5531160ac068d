package raft

import "time"

// Action is an instruction returned by Consensus.Step for the caller to carry
// out. Actions are returned in the order they must be executed.
type Action interface {
	action()
}

// Send delivers Msg to server To. Delivery is best effort.
type Send struct {
	To  ServerID
	Msg Message
}

// ResetElectionTimer (re)arms the election timer to fire After from now.
type ResetElectionTimer struct {
	After time.Duration
}

type StopElectionTimer struct{}

// ResetHeartbeatTimer (re)arms the heartbeat timer to fire After from now.
type ResetHeartbeatTimer struct {
	After time.Duration
}

type StopHeartbeatTimer struct{}

// Respond completes the caller waiting on a client proposal.
type Respond struct {
	Response ClientResponse
}

// RoleChanged reports a role or term transition.
type RoleChanged struct {
	Role   Role
	Term   Term
	Leader ServerID
}

func (Send) action()                {}
func (ResetElectionTimer) action()  {}
func (StopElectionTimer) action()   {}
func (ResetHeartbeatTimer) action() {}
func (StopHeartbeatTimer) action()  {}
func (Respond) action()             {}
func (RoleChanged) action()         {}
