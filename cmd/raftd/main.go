package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/virajbhartiya/raftcore/cmd/internal/logcfg"
	"github.com/virajbhartiya/raftcore/pkg/config"
	"github.com/virajbhartiya/raftcore/pkg/fsm"
	"github.com/virajbhartiya/raftcore/pkg/server"
	"github.com/virajbhartiya/raftcore/pkg/storage"
	"github.com/virajbhartiya/raftcore/pkg/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML node configuration")
		id         = flag.String("id", "", "Node ID (generated and kept in the data directory if empty)")
		dataDir    = flag.String("data-dir", "", "Data directory")
		listen     = flag.String("listen", "", "Listen address")
		peers      = flag.String("peers", "", "Comma-separated id=address list of cluster members")
		backend    = flag.String("storage", "", "Storage backend: wal, bolt or memory")
	)
	flag.Parse()
	logs.Configure(logcfg.Load())

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// flags given on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			cfg.ID = *id
		case "data-dir":
			cfg.DataDir = *dataDir
		case "listen":
			cfg.Listen = *listen
		case "storage":
			cfg.Storage = *backend
		case "peers":
			cfg.Peers = map[string]string{}
			for _, p := range strings.Split(*peers, ",") {
				name, addr, ok := strings.Cut(strings.TrimSpace(p), "=")
				if !ok {
					fmt.Fprintf(os.Stderr, "Error: peer %q is not id=address\n", p)
					os.Exit(1)
				}
				cfg.Peers[name] = addr
			}
		}
	})

	if cfg.Storage != storage.BackendMemory {
		if err := cfg.EnsureID(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, err := storage.Open(cfg.Storage, cfg.DataDir)
	if err != nil {
		logs.Fatalf(err, "opening %s storage in %s", cfg.Storage, cfg.DataDir)
	}

	rc := cfg.Raft()
	tcp, err := transport.ListenTCP(transport.TCPConfig{
		ID:          rc.ID,
		Addr:        cfg.Listen,
		Peers:       cfg.PeerAddrs(),
		DialTimeout: cfg.DialTimeout.Duration,
	})
	if err != nil {
		log.Close()
		logs.Fatalf(err, "starting transport on %s", cfg.Listen)
	}

	kv := fsm.NewKVStore()
	srv, err := server.New(server.Config{
		Raft:         rc,
		Log:          log,
		StateMachine: kv,
		Transport:    tcp,
	})
	if err != nil {
		tcp.Close()
		log.Close()
		logs.Fatalf(err, "restoring node %s", rc.ID)
	}
	srv.Start()
	logs.Infof("raft node %s started on %s with members %v (storage %s)", rc.ID, tcp.Addr(), rc.Peers, cfg.Storage)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	code := 0
	select {
	case sig := <-sigCh:
		logs.Infof("received %v, shutting down", sig)
	case <-srv.Done():
		logs.Errorf(srv.Err(), "node %s stopped", rc.ID)
		code = 1
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		srv.Stop()
	}()
	select {
	case <-stopped:
	case <-time.After(500 * time.Millisecond):
		logs.Warnf("server did not stop in time, continuing")
	}
	if err := tcp.Close(); err != nil {
		logs.Warnf("closing transport: %v", err)
	}
	if err := log.Close(); err != nil {
		logs.Warnf("closing storage: %v", err)
	}
	logs.Infof("shutdown complete (%d commands applied)", kv.Applied())
	os.Exit(code)
}
