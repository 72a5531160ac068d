package raft

import (
	"math/rand"
	"time"
)

// Config holds the parameters of a Consensus instance.
type Config struct {
	ID    ServerID   // this server
	Peers []ServerID // every cluster member, ID included or not

	// ElectionTimeout is T: election timers fire uniformly in [T, 2T].
	ElectionTimeout time.Duration
	// HeartbeatInterval must be well below ElectionTimeout.
	HeartbeatInterval time.Duration
	// MaxEntriesPerMessage caps the entries carried by one AppendEntries.
	MaxEntriesPerMessage int
	// MaxBytesPerMessage caps the command bytes carried by one
	// AppendEntries. A single larger entry is still sent alone.
	MaxBytesPerMessage int
	// SessionTTL expires client sessions idle for longer, measured by entry
	// timestamps. Zero keeps them forever. It must be far longer than any
	// client retries a request, and the same on every member.
	SessionTTL time.Duration

	// Rand drives election timer jitter. Defaults to a time-seeded source.
	Rand *rand.Rand
	// Now stamps entries appended while leading. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns default timing parameters.
func DefaultConfig() Config {
	return Config{
		ElectionTimeout:      150 * time.Millisecond,
		HeartbeatInterval:    50 * time.Millisecond,
		MaxEntriesPerMessage: 64,
		MaxBytesPerMessage:   8 << 20,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ID == None {
		return ErrInvalidConfig
	}
	if c.ElectionTimeout <= 0 || c.HeartbeatInterval <= 0 {
		return ErrInvalidConfig
	}
	if c.HeartbeatInterval >= c.ElectionTimeout {
		return ErrInvalidConfig
	}
	if c.MaxEntriesPerMessage < 0 || c.MaxBytesPerMessage < 0 || c.SessionTTL < 0 {
		return ErrInvalidConfig
	}
	seen := make(map[ServerID]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p == None || seen[p] {
			return ErrInvalidConfig
		}
		seen[p] = true
	}
	return nil
}

// members returns the sorted-as-given cluster membership with ID included
// exactly once.
func (c *Config) members() []ServerID {
	out := make([]ServerID, 0, len(c.Peers)+1)
	out = append(out, c.ID)
	for _, p := range c.Peers {
		if p != c.ID {
			out = append(out, p)
		}
	}
	return out
}
