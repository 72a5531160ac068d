// Package config loads a node's configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	gonanoid "github.com/matoous/go-nanoid"

	"github.com/virajbhartiya/raftcore/pkg/codec"
	"github.com/virajbhartiya/raftcore/pkg/raft"
	"github.com/virajbhartiya/raftcore/pkg/storage"
)

const (
	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	idLength   = 10
	idFile     = "node-id"
)

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as a string such as "150ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type NodeConfig struct {
	ID      string `toml:"id"`
	Listen  string `toml:"listen"`
	DataDir string `toml:"data_dir"`
	Storage string `toml:"storage"`
	// Peers maps every cluster member, this node included, to its address.
	Peers map[string]string `toml:"peers"`

	ElectionTimeout      Duration `toml:"election_timeout"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	MaxEntriesPerMessage int      `toml:"max_entries_per_message"`
	MaxBytesPerMessage   int      `toml:"max_bytes_per_message"`
	SessionTTL           Duration `toml:"session_ttl"`
	DialTimeout          Duration `toml:"dial_timeout"`
}

// Default returns a single-node configuration listening on localhost.
func Default() NodeConfig {
	rc := raft.DefaultConfig()
	return NodeConfig{
		Listen:               "127.0.0.1:7000",
		DataDir:              "data",
		Storage:              storage.BackendWAL,
		Peers:                map[string]string{},
		ElectionTimeout:      Duration{rc.ElectionTimeout},
		HeartbeatInterval:    Duration{rc.HeartbeatInterval},
		MaxEntriesPerMessage: rc.MaxEntriesPerMessage,
		MaxBytesPerMessage:   rc.MaxBytesPerMessage,
		DialTimeout:          Duration{time.Second},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (NodeConfig, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config: %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return NodeConfig{}, fmt.Errorf("%w: %s: unknown keys %s", ErrInvalid, path, strings.Join(keys, ", "))
	}
	if cfg.Peers == nil {
		cfg.Peers = map[string]string{}
	}
	return cfg, nil
}

// EnsureID fills in a missing ID. A generated ID is stored in the data
// directory so the node keeps it across restarts.
func (c *NodeConfig) EnsureID() error {
	if c.ID != "" {
		return nil
	}
	path := filepath.Join(c.DataDir, idFile)
	if b, err := os.ReadFile(path); err == nil {
		c.ID = strings.TrimSpace(string(b))
		if c.ID != "" {
			return nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config: read node id: %w", err)
	}
	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return fmt.Errorf("config: generate node id: %w", err)
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("config: write node id: %w", err)
	}
	c.ID = id
	return nil
}

func (c *NodeConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if c.Listen == "" {
		return fmt.Errorf("%w: missing listen address", ErrInvalid)
	}
	switch c.Storage {
	case storage.BackendWAL, storage.BackendBolt:
		if c.DataDir == "" {
			return fmt.Errorf("%w: %s storage needs data_dir", ErrInvalid, c.Storage)
		}
	case storage.BackendMemory:
	default:
		return fmt.Errorf("%w: unknown storage %q", ErrInvalid, c.Storage)
	}
	for id, addr := range c.Peers {
		if id == "" || addr == "" {
			return fmt.Errorf("%w: peer %q has address %q", ErrInvalid, id, addr)
		}
	}
	if c.SessionTTL.Duration < 0 {
		return fmt.Errorf("%w: negative session_ttl", ErrInvalid)
	}
	// a batch must fit in one frame with room for entry headers
	if c.MaxBytesPerMessage > codec.MaxFrameSize/2 {
		return fmt.Errorf("%w: max_bytes_per_message above %d", ErrInvalid, codec.MaxFrameSize/2)
	}
	rc := c.Raft()
	if err := rc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Members returns the cluster member IDs in sorted order, this node
// included.
func (c *NodeConfig) Members() []raft.ServerID {
	seen := map[string]bool{c.ID: true}
	ids := []string{c.ID}
	for id := range c.Peers {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]raft.ServerID, len(ids))
	for i, id := range ids {
		out[i] = raft.ServerID(id)
	}
	return out
}

// PeerAddrs returns the addresses of every other member.
func (c *NodeConfig) PeerAddrs() map[raft.ServerID]string {
	out := make(map[raft.ServerID]string, len(c.Peers))
	for id, addr := range c.Peers {
		if id != c.ID {
			out[raft.ServerID(id)] = addr
		}
	}
	return out
}

func (c *NodeConfig) Raft() raft.Config {
	return raft.Config{
		ID:                   raft.ServerID(c.ID),
		Peers:                c.Members(),
		ElectionTimeout:      c.ElectionTimeout.Duration,
		HeartbeatInterval:    c.HeartbeatInterval.Duration,
		MaxEntriesPerMessage: c.MaxEntriesPerMessage,
		MaxBytesPerMessage:   c.MaxBytesPerMessage,
		SessionTTL:           c.SessionTTL.Duration,
	}
}
