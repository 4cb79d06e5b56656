// Package engine implements the command dispatch table of spec.md §4.3:
// it decodes a command's arguments, mutates internal/store as needed,
// and produces the wire reply. Dispatch is the entry point used by
// client sessions (C5); ApplyWrite is the entry point used by the
// replica-side consumer (C7), which must apply writes without replying.
package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/mshelll/myredis/internal/config"
	"github.com/mshelll/myredis/internal/metrics"
	"github.com/mshelll/myredis/internal/repl"
	"github.com/mshelll/myredis/internal/resp"
	"github.com/mshelll/myredis/internal/store"
)

// Engine wires the store, configuration, and (when this process is a
// master) the replication fan-out together behind the dispatch table.
type Engine struct {
	Store   *store.Store
	Cfg     *config.Config
	Master  *repl.Master // nil when this process is a replica
	Metrics *metrics.Registry

	// Set only when this process was started with --replicaof, for the
	// INFO reply's replica-side fields.
	ReplicaOfHost string
	ReplicaOfPort int

	log *logging.Logger
}

// New builds an Engine. master is nil for a replica process.
func New(st *store.Store, cfg *config.Config, master *repl.Master, m *metrics.Registry) *Engine {
	return &Engine{Store: st, Cfg: cfg, Master: master, Metrics: m, log: logging.MustGetLogger("engine")}
}

func arityError(cmd string) resp.Frame {
	return resp.NewError(fmt.Sprintf("ERR wrong number of arguments for %s command", strings.ToUpper(cmd)))
}

func intError() resp.Frame {
	return resp.NewError("ERR value is not an integer or out of range")
}

func unknownCommandError(cmd string) resp.Frame {
	return resp.NewError(fmt.Sprintf("ERR unknown command '%s'", cmd))
}

// Dispatch decodes args[0] as a command name (case-insensitive) and runs
// it against e.Store / e.Master, returning the reply frame. Write
// commands that complete successfully are propagated to replicas when
// e.Master is non-nil, after the reply has been computed, per spec.md
// §4.3.
func (e *Engine) Dispatch(args [][]byte, rawCmdFrame []byte) resp.Frame {
	if len(args) == 0 {
		return unknownCommandError("")
	}
	cmd := strings.ToUpper(string(args[0]))

	if e.Metrics != nil {
		e.Metrics.CommandsTotal.WithLabelValues(cmd).Inc()
	}

	switch cmd {
	case "PING":
		return e.cmdPing(args)
	case "ECHO":
		return e.cmdEcho(args)
	case "SET":
		return e.cmdSet(args, rawCmdFrame)
	case "GET":
		return e.cmdGet(args)
	case "DEL":
		return e.cmdDel(args, rawCmdFrame)
	case "TYPE":
		return e.cmdType(args)
	case "KEYS":
		return e.cmdKeys(args)
	case "CONFIG":
		return e.cmdConfig(args)
	case "INFO":
		return e.cmdInfo(args)
	case "REPLCONF":
		return e.cmdReplconf(args)
	case "PSYNC":
		// Successful PSYNC on a master transfers the connection before
		// ever reaching Dispatch (see internal/server); arriving here
		// always means either a non-master role or a malformed call.
		if e.Master == nil {
			return resp.NewError("ERR PSYNC not supported in this role")
		}
		if len(args) != 3 {
			return arityError("PSYNC")
		}
		return resp.NewError("ERR PSYNC not supported in this role")
	case "WAIT":
		return e.cmdWait(args)
	case "RPUSH":
		return e.cmdPush(args, rawCmdFrame, e.Store.RPush)
	case "LPUSH":
		return e.cmdPush(args, rawCmdFrame, e.Store.LPush)
	case "LRANGE":
		return e.cmdLRange(args)
	case "LLEN":
		return e.cmdLLen(args)
	case "LPOP":
		return e.cmdLPop(args, rawCmdFrame)
	case "BLPOP":
		return e.cmdBLPop(args)
	case "REPLICAOF", "SLAVEOF":
		return resp.NewError("ERR dynamic replication role changes are not supported")
	default:
		return unknownCommandError(strings.ToLower(cmd))
	}
}

func (e *Engine) propagate(raw []byte) {
	if e.Master != nil {
		e.Master.Propagate(raw)
	}
}

func (e *Engine) cmdPing(args [][]byte) resp.Frame {
	if len(args) > 2 {
		return arityError("PING")
	}
	if len(args) == 2 {
		return resp.NewBulk(args[1])
	}
	return resp.NewSimpleString("PONG")
}

func (e *Engine) cmdEcho(args [][]byte) resp.Frame {
	if len(args) != 2 {
		return arityError("ECHO")
	}
	return resp.NewBulk(args[1])
}

func (e *Engine) cmdSet(args [][]byte, raw []byte) resp.Frame {
	if len(args) != 3 && len(args) != 5 {
		return arityError("SET")
	}
	key, val := string(args[1]), args[2]

	var expiresAt time.Time
	if len(args) == 5 {
		if !strings.EqualFold(string(args[3]), "PX") {
			return resp.NewError("ERR syntax error")
		}
		ms, err := strconv.ParseInt(string(args[4]), 10, 64)
		if err != nil {
			return intError()
		}
		expiresAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}

	e.Store.Set(key, val, expiresAt)
	e.propagate(raw)
	return resp.NewSimpleString("OK")
}

func (e *Engine) cmdGet(args [][]byte) resp.Frame {
	if len(args) != 2 {
		return arityError("GET")
	}
	v, ok := e.Store.Get(string(args[1]))
	if !ok {
		return resp.NewNullBulk()
	}
	return resp.NewBulk(v)
}

func (e *Engine) cmdDel(args [][]byte, raw []byte) resp.Frame {
	if len(args) < 2 {
		return arityError("DEL")
	}
	keys := make([]string, 0, len(args)-1)
	for _, a := range args[1:] {
		keys = append(keys, string(a))
	}
	n := e.Store.Del(keys...)
	e.propagate(raw)
	return resp.NewInteger(int64(n))
}

func (e *Engine) cmdType(args [][]byte) resp.Frame {
	if len(args) != 2 {
		return arityError("TYPE")
	}
	return resp.NewSimpleString(e.Store.Type(string(args[1])))
}

func (e *Engine) cmdKeys(args [][]byte) resp.Frame {
	if len(args) != 2 {
		return arityError("KEYS")
	}
	keys := e.Store.Keys(string(args[1]))
	elems := make([]resp.Frame, len(keys))
	for i, k := range keys {
		elems[i] = resp.NewBulk([]byte(k))
	}
	return resp.NewArray(elems)
}

func (e *Engine) cmdConfig(args [][]byte) resp.Frame {
	if len(args) != 3 || !strings.EqualFold(string(args[1]), "GET") {
		return arityError("CONFIG")
	}
	name := string(args[2])
	var value string
	switch strings.ToLower(name) {
	case "dir":
		value = e.Cfg.Dir
	case "dbfilename":
		value = e.Cfg.DBFilename
	default:
		return resp.NewArray([]resp.Frame{})
	}
	return resp.NewArray([]resp.Frame{resp.NewBulk([]byte(name)), resp.NewBulk([]byte(value))})
}

func (e *Engine) cmdInfo(args [][]byte) resp.Frame {
	if len(args) > 2 {
		return arityError("INFO")
	}

	var b strings.Builder
	b.WriteString("# Server\r\n")
	fmt.Fprintf(&b, "myredis_version:%s\r\n", serverVersion())

	b.WriteString("# Replication\r\n")
	if e.Master != nil {
		fmt.Fprintf(&b, "role:master\r\n")
		fmt.Fprintf(&b, "connected_slaves:%d\r\n", e.Master.ConnectedReplicas())
		fmt.Fprintf(&b, "master_replid:%s\r\n", e.Master.ReplID)
		fmt.Fprintf(&b, "master_repl_offset:0\r\n")
	} else {
		fmt.Fprintf(&b, "role:slave\r\n")
		fmt.Fprintf(&b, "master_host:%s\r\n", e.ReplicaOfHost)
		fmt.Fprintf(&b, "master_port:%d\r\n", e.ReplicaOfPort)
		fmt.Fprintf(&b, "master_repl_offset:0\r\n")
	}

	if e.Metrics != nil {
		b.WriteString("# Metrics\r\n")
		for _, line := range e.Metrics.InfoLines() {
			b.WriteString(line)
			b.WriteString("\r\n")
		}
	}

	return resp.NewBulk([]byte(b.String()))
}

func serverVersion() string {
	if v := versioninfo.Version; v != "" && v != "unknown" {
		return v
	}
	return "dev"
}

func (e *Engine) cmdReplconf(args [][]byte) resp.Frame {
	if len(args) < 2 {
		return arityError("REPLCONF")
	}
	switch strings.ToLower(string(args[1])) {
	case "listening-port", "capa":
		return resp.NewSimpleString("OK")
	default:
		// GETACK/ACK are handled on the dedicated replication paths
		// (internal/repl), never reached through a generic client
		// session in this implementation.
		return resp.NewSimpleString("OK")
	}
}

func (e *Engine) cmdWait(args [][]byte) resp.Frame {
	if len(args) != 3 {
		return arityError("WAIT")
	}
	n, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return intError()
	}
	timeoutMS, err := strconv.Atoi(string(args[2]))
	if err != nil {
		return intError()
	}
	if e.Master == nil {
		return resp.NewInteger(0)
	}
	return resp.NewInteger(int64(e.Master.Wait(n, timeoutMS)))
}

func (e *Engine) cmdPush(args [][]byte, raw []byte, push func(string, ...[]byte) int) resp.Frame {
	name := string(args[0])
	if len(args) < 3 {
		return arityError(name)
	}
	key := string(args[1])
	n := push(key, args[2:]...)
	e.propagate(raw)
	return resp.NewInteger(int64(n))
}

func (e *Engine) cmdLRange(args [][]byte) resp.Frame {
	if len(args) != 4 {
		return arityError("LRANGE")
	}
	start, err := strconv.Atoi(string(args[2]))
	if err != nil {
		return intError()
	}
	stop, err := strconv.Atoi(string(args[3]))
	if err != nil {
		return intError()
	}
	vals := e.Store.LRange(string(args[1]), start, stop)
	elems := make([]resp.Frame, len(vals))
	for i, v := range vals {
		elems[i] = resp.NewBulk(v)
	}
	return resp.NewArray(elems)
}

func (e *Engine) cmdLLen(args [][]byte) resp.Frame {
	if len(args) != 2 {
		return arityError("LLEN")
	}
	return resp.NewInteger(int64(e.Store.LLen(string(args[1]))))
}

func (e *Engine) cmdLPop(args [][]byte, raw []byte) resp.Frame {
	if len(args) != 2 && len(args) != 3 {
		return arityError("LPOP")
	}
	n := 1
	if len(args) == 3 {
		v, err := strconv.Atoi(string(args[2]))
		if err != nil {
			return intError()
		}
		n = v
	}
	popped, ok := e.Store.LPop(string(args[1]), n)
	if !ok {
		return resp.NewNullBulk()
	}
	if len(popped) > 0 {
		e.propagate(raw)
	}
	if len(args) == 2 {
		if len(popped) == 0 {
			return resp.NewNullBulk()
		}
		return resp.NewBulk(popped[0])
	}
	elems := make([]resp.Frame, len(popped))
	for i, v := range popped {
		elems[i] = resp.NewBulk(v)
	}
	return resp.NewArray(elems)
}

// cmdBLPop implements the blocking pop of spec.md §4.2: it releases no
// RESP state to replicas by itself, but a successful pop must be
// propagated as an equivalent LPOP so replica stores observe the same
// removal (spec.md §4.5 propagates effects, not verbatim BLPOP calls).
func (e *Engine) cmdBLPop(args [][]byte) resp.Frame {
	if len(args) != 3 {
		return arityError("BLPOP")
	}
	timeoutSecs, err := strconv.ParseFloat(string(args[2]), 64)
	if err != nil || timeoutSecs < 0 {
		return resp.NewError("ERR timeout is not a float or out of range")
	}
	key := string(args[1])

	v, ok := e.Store.BLPop(key, time.Duration(timeoutSecs*float64(time.Second)))
	if !ok {
		return resp.Frame{Kind: resp.Array, IsNull: true}
	}
	e.propagate(resp.Encode(resp.NewArrayOfBulks("LPOP", key)))
	return resp.NewArray([]resp.Frame{resp.NewBulk([]byte(key)), resp.NewBulk(v)})
}

// ApplyWrite applies a write command (SET/RPUSH/LPUSH/LPOP/DEL) received
// on the replication stream, with no client reply and no further
// propagation, per spec.md §4.3 and §4.6. Any other command name is
// ignored.
func (e *Engine) ApplyWrite(args [][]byte) {
	if len(args) == 0 {
		return
	}
	cmd := strings.ToUpper(string(args[0]))
	switch cmd {
	case "SET":
		if len(args) != 3 && len(args) != 5 {
			return
		}
		var expiresAt time.Time
		if len(args) == 5 && strings.EqualFold(string(args[3]), "PX") {
			if ms, err := strconv.ParseInt(string(args[4]), 10, 64); err == nil {
				expiresAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
			}
		}
		e.Store.Set(string(args[1]), args[2], expiresAt)
	case "RPUSH":
		if len(args) >= 3 {
			e.Store.RPush(string(args[1]), args[2:]...)
		}
	case "LPUSH":
		if len(args) >= 3 {
			e.Store.LPush(string(args[1]), args[2:]...)
		}
	case "LPOP":
		if len(args) >= 2 {
			n := 1
			if len(args) >= 3 {
				if v, err := strconv.Atoi(string(args[2])); err == nil {
					n = v
				}
			}
			e.Store.LPop(string(args[1]), n)
		}
	case "DEL":
		if len(args) >= 2 {
			keys := make([]string, 0, len(args)-1)
			for _, a := range args[1:] {
				keys = append(keys, string(a))
			}
			e.Store.Del(keys...)
		}
	}
}
