package repl

import (
	"fmt"
	"net"
	"strconv"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/mshelll/myredis/internal/resp"
)

// ReplicaClient is the replica-side replication state machine of
// spec.md §4.6: it performs the outbound handshake against a master,
// then consumes the propagation stream, applying writes silently and
// answering REPLCONF GETACK on the same socket.
type ReplicaClient struct {
	conn            net.Conn
	buf             []byte
	offset          int64
	firstGetAckSent bool
	log             *logging.Logger
}

// errHandshake wraps a failure at a specific handshake step so callers
// can log which step failed.
type errHandshake struct {
	step string
	err  error
}

func (e *errHandshake) Error() string { return fmt.Sprintf("replica handshake at %s: %v", e.step, e.err) }
func (e *errHandshake) Unwrap() error { return e.err }

// Handshake dials host:port and performs the four-step handshake of
// spec.md §4.6: PING, REPLCONF listening-port, REPLCONF capa psync2,
// PSYNC ? -1. The RDB blob that follows FULLRESYNC is read and
// discarded — this implementation rebuilds replica state entirely from
// the propagation stream, per spec.md §4.6.
func Handshake(host string, port int, ownListenPort int) (*ReplicaClient, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, &errHandshake{"dial", err}
	}

	rc := &ReplicaClient{conn: conn, log: logging.MustGetLogger("repl-replica")}

	if err := rc.roundTrip(resp.NewArrayOfBulks("PING"), "+PONG"); err != nil {
		conn.Close()
		return nil, &errHandshake{"PING", err}
	}

	portStr := strconv.Itoa(ownListenPort)
	if err := rc.roundTrip(resp.NewArrayOfBulks("REPLCONF", "listening-port", portStr), "+OK"); err != nil {
		conn.Close()
		return nil, &errHandshake{"REPLCONF listening-port", err}
	}

	if err := rc.roundTrip(resp.NewArrayOfBulks("REPLCONF", "capa", "psync2"), "+OK"); err != nil {
		conn.Close()
		return nil, &errHandshake{"REPLCONF capa", err}
	}

	if _, err := conn.Write(resp.Encode(resp.NewArrayOfBulks("PSYNC", "?", "-1"))); err != nil {
		conn.Close()
		return nil, &errHandshake{"PSYNC write", err}
	}
	f, _, rest, err := resp.ReadFrame(conn, rc.buf)
	rc.buf = rest
	if err != nil {
		conn.Close()
		return nil, &errHandshake{"PSYNC response", err}
	}
	if f.Kind != resp.SimpleString {
		conn.Close()
		return nil, &errHandshake{"PSYNC response", fmt.Errorf("unexpected frame kind %v", f.Kind)}
	}
	rc.log.Infof("handshake: %s", f.Str)

	_, rest, err = resp.ReadRDBBlob(conn, rc.buf)
	rc.buf = rest
	if err != nil {
		conn.Close()
		return nil, &errHandshake{"RDB transfer", err}
	}

	return rc, nil
}

// roundTrip writes a command frame and asserts the reply is the simple
// string want (e.g. "+PONG"), keeping any leftover stream bytes in rc.buf
// for later frames regardless.
func (rc *ReplicaClient) roundTrip(cmd resp.Frame, want string) error {
	if _, err := rc.conn.Write(resp.Encode(cmd)); err != nil {
		return err
	}
	f, _, rest, err := resp.ReadFrame(rc.conn, rc.buf)
	rc.buf = rest
	if err != nil {
		return err
	}
	got := resp.Encode(f)
	if string(got) != want+"\r\n" {
		return fmt.Errorf("expected %q, got %q", want, string(got))
	}
	return nil
}

// Offset returns the number of propagation-stream bytes consumed since
// handshake completion, per spec.md §3.
func (rc *ReplicaClient) Offset() int64 { return rc.offset }

// Run consumes frames from the master stream until the connection is
// closed or errors, per spec.md §4.6. apply is called for every decoded
// command array other than REPLCONF GETACK and must not itself write
// back to the connection. Run returns the error that ended the stream,
// which is io.EOF when the master closes the connection; it makes no
// attempt to reconnect.
func (rc *ReplicaClient) Run(apply func(args [][]byte)) error {
	for {
		f, n, rest, err := resp.ReadFrame(rc.conn, rc.buf)
		if err != nil {
			rc.buf = rest
			return err
		}
		rc.buf = rest

		args, isCmd := resp.AsCommandArgs(f)

		if isCmd && len(args) >= 2 && equalFoldASCII(args[0], "REPLCONF") && equalFoldASCII(args[1], "GETACK") {
			var ackOffset int64
			if !rc.firstGetAckSent {
				ackOffset = 0
				rc.firstGetAckSent = true
			} else {
				ackOffset = rc.offset
			}
			rc.offset += int64(n)

			reply := resp.Encode(resp.NewArrayOfBulks("REPLCONF", "ACK", strconv.FormatInt(ackOffset, 10)))
			if _, werr := rc.conn.Write(reply); werr != nil {
				return werr
			}
			continue
		}

		if isCmd && len(args) > 0 {
			apply(args)
		}
		rc.offset += int64(n)
	}
}

// Close releases the master connection.
func (rc *ReplicaClient) Close() error { return rc.conn.Close() }
