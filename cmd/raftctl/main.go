package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/virajbhartiya/raftcore/cmd/internal/logcfg"
	"github.com/virajbhartiya/raftcore/pkg/client"
	"github.com/virajbhartiya/raftcore/pkg/fsm"
)

func main() {
	var (
		cluster = flag.String("cluster", "localhost:7000", "Comma-separated list of server addresses")
		command = flag.String("command", "", "Command: set, get, delete, cas, status")
		key     = flag.String("key", "", "Key")
		value   = flag.String("value", "", "Value for set and cas")
		expect  = flag.String("expect", "", "Value cas requires the key to hold")
		absent  = flag.Bool("absent", false, "cas requires the key to be absent")
		timeout = flag.Duration("timeout", 5*time.Second, "Request timeout")
	)
	flag.Parse()
	logs.Configure(logcfg.Load())

	if *command == "" {
		fmt.Fprintf(os.Stderr, "Error: -command is required\n")
		os.Exit(1)
	}
	addrs := strings.Split(*cluster, ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}

	c, err := client.New(client.Config{Cluster: addrs})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *command == "status" {
		out := make(map[string]any, len(addrs))
		for _, addr := range addrs {
			st, err := c.Status(ctx, addr)
			if err != nil {
				out[addr] = map[string]string{"error": err.Error()}
				continue
			}
			out[addr] = map[string]any{
				"id":            st.ID,
				"role":          st.Role.String(),
				"term":          st.Term,
				"leader":        st.Leader,
				"voted_for":     st.VotedFor,
				"commit_index":  st.CommitIndex,
				"applied_index": st.AppliedIndex,
				"last_index":    st.LastIndex,
				"last_term":     st.LastTerm,
				"sessions":      st.Sessions,
			}
		}
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
		return
	}

	if *key == "" {
		fmt.Fprintf(os.Stderr, "Error: -key is required for %s\n", *command)
		os.Exit(1)
	}
	var cmd fsm.Command
	switch *command {
	case "set":
		cmd = fsm.Set(*key, *value)
	case "get":
		cmd = fsm.Get(*key)
	case "delete":
		cmd = fsm.Delete(*key)
	case "cas":
		var want *string
		if !*absent {
			want = expect
		}
		cmd = fsm.CompareAndSet(*key, want, *value)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		os.Exit(1)
	}

	result, err := c.Propose(ctx, cmd.Encode())
	switch {
	case errors.Is(err, client.ErrApplication):
		fmt.Fprintf(os.Stderr, "Rejected: %v\n", err)
		os.Exit(2)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	b, _ := json.MarshalIndent(map[string]string{
		"leader": c.Leader(),
		"result": string(result),
	}, "", "  ")
	fmt.Println(string(b))
}
