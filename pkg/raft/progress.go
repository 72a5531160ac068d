package raft

// ProgressState is the replication mode the leader uses for a follower.
type ProgressState uint8

const (
	// ProgressSeek sends one append per heartbeat until the follower's log
	// position is found.
	ProgressSeek ProgressState = iota
	// ProgressReplicate streams entries optimistically.
	ProgressReplicate
)

func (s ProgressState) String() string {
	if s == ProgressReplicate {
		return "replicate"
	}
	return "seek"
}

// Progress is a follower's replication state in the leader's view.
type Progress struct {
	// Match is the highest index known to be replicated on the follower.
	Match LogIndex
	// Next is the index of the next entry to send.
	Next  LogIndex
	State ProgressState

	// paused is set while a seeking append is outstanding.
	paused bool
}

func (pr *Progress) becomeSeek() {
	pr.State = ProgressSeek
	pr.paused = false
}

func (pr *Progress) becomeReplicate() {
	pr.State = ProgressReplicate
	pr.paused = false
	if pr.Next < pr.Match+1 {
		pr.Next = pr.Match + 1
	}
}

// update records a successful append up to match. It reports whether Match
// advanced; stale acknowledgements never move it backwards.
func (pr *Progress) update(match LogIndex) bool {
	advanced := false
	if match > pr.Match {
		pr.Match = match
		advanced = true
	}
	if pr.Next < pr.Match+1 {
		pr.Next = pr.Match + 1
	}
	return advanced
}

// backtrack moves Next toward hint after a rejection. Next never drops below
// Match+1 and, unless already there, always decreases.
func (pr *Progress) backtrack(hint LogIndex) {
	next := pr.Next - 1
	if hint < next {
		next = hint
	}
	if next < pr.Match+1 {
		next = pr.Match + 1
	}
	pr.Next = next
}
