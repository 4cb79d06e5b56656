// Package server implements the connection-handling loop of spec.md
// §4.4: accept clients, decode frames off each socket, dispatch them
// through internal/engine, and write back replies, with a PSYNC
// special case that hands the raw connection off to internal/repl for
// the lifetime of that replica.
package server

import (
	"net"
	"strconv"
	"strings"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/mshelll/myredis/internal/engine"
	"github.com/mshelll/myredis/internal/metrics"
	"github.com/mshelll/myredis/internal/rdb"
	"github.com/mshelll/myredis/internal/resp"
)

// Server accepts client connections and runs their session loops.
type Server struct {
	Engine  *engine.Engine
	Metrics *metrics.Registry
	log     *logging.Logger
}

// New builds a Server around an already-constructed Engine.
func New(e *engine.Engine, m *metrics.Registry) *Server {
	return &Server{Engine: e, Metrics: m, log: logging.MustGetLogger("server")}
}

// Serve accepts connections on ln until it is closed, running each
// session on its own goroutine, per spec.md §4.4.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn runs one client's session loop: decode a command frame,
// dispatch it, write the reply, repeat. A panic in dispatch is
// recovered and turned into a closed connection rather than taking
// down the whole server, matching the teacher's defensive connection
// handlers.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("session %s: recovered from panic: %v", conn.RemoteAddr(), r)
		}
	}()

	if s.Metrics != nil {
		s.Metrics.ConnectedClients.Inc()
		defer s.Metrics.ConnectedClients.Dec()
	}

	var buf []byte
	becameReplica := false
	defer func() {
		if !becameReplica {
			conn.Close()
		}
	}()

	for {
		f, _, rest, err := resp.ReadFrame(conn, buf)
		if err != nil {
			return
		}
		buf = rest

		args, ok := resp.AsCommandArgs(f)
		if !ok || len(args) == 0 {
			continue
		}

		if strings.EqualFold(string(args[0]), "PSYNC") && s.Engine.Master != nil && len(args) == 3 {
			if err := s.Engine.Master.AddReplica(conn, rdb.EmptyRDB()); err != nil {
				s.log.Errorf("session %s: PSYNC handoff failed: %v", conn.RemoteAddr(), err)
				return
			}
			becameReplica = true
			return
		}

		raw := resp.Encode(f)
		reply := s.Engine.Dispatch(args, raw)
		if _, err := conn.Write(resp.Encode(reply)); err != nil {
			return
		}
	}
}

// ListenAddr formats a loopback "127.0.0.1:port" listen address, per
// spec.md §6 ("binds only to localhost").
func ListenAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
