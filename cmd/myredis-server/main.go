// Command myredis-server runs the single-node key-value server described
// by spec.md: it starts either as a master accepting client and replica
// connections, or, when --replicaof is given, as a replica that first
// syncs from a master before opening its own client-facing listener.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mshelll/myredis/internal/config"
	"github.com/mshelll/myredis/internal/engine"
	applog "github.com/mshelll/myredis/internal/logging"
	"github.com/mshelll/myredis/internal/metrics"
	"github.com/mshelll/myredis/internal/rdb"
	"github.com/mshelll/myredis/internal/repl"
	"github.com/mshelll/myredis/internal/server"
	"github.com/mshelll/myredis/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	applog.Init(cfg.LogLevel)
	log := applog.Get("main")

	st := store.New()
	reg := metrics.New()

	entries, _ := rdb.Load(cfg.Dir, cfg.DBFilename)
	for _, e := range entries {
		st.Set(string(e.Key), e.Value, e.ExpiresAt)
	}
	if len(entries) > 0 {
		log.Infof("loaded %d keys from %s/%s", len(entries), cfg.Dir, cfg.DBFilename)
	}

	var master *repl.Master
	var eng *engine.Engine

	if cfg.IsReplica {
		eng = engine.New(st, cfg, nil, reg)
		eng.ReplicaOfHost = cfg.MasterHost
		eng.ReplicaOfPort = cfg.MasterPort

		rc, err := repl.Handshake(cfg.MasterHost, cfg.MasterPort, cfg.Port)
		if err != nil {
			log.Errorf("replica handshake failed: %v", err)
			os.Exit(1)
		}
		log.Infof("replica synced with master %s:%d", cfg.MasterHost, cfg.MasterPort)

		go func() {
			err := rc.Run(eng.ApplyWrite)
			if err != nil {
				log.Infof("replication stream from master closed: %v", err)
			}
		}()
	} else {
		master = repl.NewMaster(reg)
		eng = engine.New(st, cfg, master, reg)
	}

	srv := server.New(eng, reg)

	addr := server.ListenAddr(cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorf("listen on %s: %v", addr, err)
		os.Exit(1)
	}
	log.Infof("listening on %s (role=%s)", addr, role(cfg))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		ln.Close()
		os.Exit(0)
	}()

	if err := srv.Serve(ln); err != nil {
		log.Infof("listener closed: %v", err)
	}
}

func role(cfg *config.Config) string {
	if cfg.IsReplica {
		return "replica"
	}
	return "master"
}
