// Package repl implements the replication subsystem of spec.md §4.5 and
// §4.6: master-side replica fan-out with a WAIT barrier, and the
// replica-side handshake and stream consumer. Grounded on the pack's own
// from-scratch Redis replication handlers (replication_handlers.go,
// replica.go), adapted to this codec and store.
package repl

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/mshelll/myredis/internal/metrics"
	"github.com/mshelll/myredis/internal/resp"
)

// replicaSession is the master's bookkeeping for one connected replica,
// per spec.md §3 "Replication state (master)".
type replicaSession struct {
	id   int64
	conn net.Conn
	addr string

	// ioMu serializes this replica's socket I/O and incremental decode
	// buffer across concurrent WAIT callers (Propagate and Wait may both
	// touch the connection; net.Conn itself tolerates concurrent
	// goroutines, but the decode buffer below does not).
	ioMu sync.Mutex
	buf  []byte
}

// Master tracks connected replicas, fans out propagated writes, and
// implements the WAIT barrier. The zero value is not usable; use
// NewMaster.
type Master struct {
	// mu is the "ack lock" of spec.md §5: guards the replica collection
	// and the pending-ack map together.
	mu          sync.Mutex
	replicas    map[int64]*replicaSession
	nextID      int64
	writeSeq    uint64
	pendingAcks map[uint64]map[int64]struct{}

	ReplID  string
	metrics *metrics.Registry
	log     *logging.Logger
}

// NewMaster generates a fresh 40-hex-character replication ID (stable for
// the process lifetime, per spec.md §4.5) and returns an empty Master.
func NewMaster(m *metrics.Registry) *Master {
	return &Master{
		replicas:    make(map[int64]*replicaSession),
		pendingAcks: make(map[uint64]map[int64]struct{}),
		ReplID:      newReplID(),
		metrics:     m,
		log:         logging.MustGetLogger("repl-master"),
	}
}

func newReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is fatal-grade, but a replid only needs to
		// be unique enough for this process's lifetime; fall back rather
		// than crash the server over it.
		for i := range b {
			b[i] = byte(i)
		}
	}
	return hex.EncodeToString(b) // 40 hex chars
}

// AddReplica completes the PSYNC handshake on conn: it writes the
// +FULLRESYNC reply followed by the fixed empty-RDB blob (no trailing
// CRLF, per spec.md §4.1/§6), then records conn as a replica session.
// From this point the caller's generic session loop must stop reading
// from conn; ownership passes to the Master.
func (m *Master) AddReplica(conn net.Conn, rdbBlob []byte) error {
	fullresync := resp.Encode(resp.NewSimpleString("FULLRESYNC " + m.ReplID + " 0"))
	if _, err := conn.Write(fullresync); err != nil {
		return err
	}
	if _, err := conn.Write(resp.EncodeRDBBlob(rdbBlob)); err != nil {
		return err
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.replicas[id] = &replicaSession{id: id, conn: conn, addr: conn.RemoteAddr().String()}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectedReplicas.Set(float64(m.ConnectedReplicas()))
	}
	m.log.Infof("replica attached: %s", conn.RemoteAddr())
	return nil
}

// ConnectedReplicas returns the current number of live replica sessions.
func (m *Master) ConnectedReplicas() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}

// Propagate fans cmdBytes (the canonical encoded command array) out to
// every connected replica, per spec.md §4.5. It records the write under
// a fresh sequence number so WAIT can later measure acknowledgement of
// this exact write, and drops any replica whose socket write fails.
func (m *Master) Propagate(cmdBytes []byte) {
	m.mu.Lock()
	m.writeSeq++
	seq := m.writeSeq
	targets := make(map[int64]struct{}, len(m.replicas))
	sessions := make([]*replicaSession, 0, len(m.replicas))
	for id, rs := range m.replicas {
		targets[id] = struct{}{}
		sessions = append(sessions, rs)
	}
	m.pendingAcks[seq] = targets
	m.mu.Unlock()

	var failed []int64
	for _, rs := range sessions {
		rs.ioMu.Lock()
		_, err := rs.conn.Write(cmdBytes)
		rs.ioMu.Unlock()
		if err != nil {
			failed = append(failed, rs.id)
		}
	}
	for _, id := range failed {
		m.dropReplica(id)
	}
}

func (m *Master) dropReplica(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.replicas[id]; ok {
		rs.conn.Close()
		delete(m.replicas, id)
	}
	for _, set := range m.pendingAcks {
		delete(set, id)
	}
	if m.metrics != nil {
		m.metrics.ConnectedReplicas.Set(float64(len(m.replicas)))
	}
}

const pollInterval = 10 * time.Millisecond

// Wait implements the WAIT barrier of spec.md §4.5: it returns once n
// replicas have acknowledged every write propagated before this call, or
// once timeoutMS elapses, whichever comes first.
func (m *Master) Wait(n int, timeoutMS int) int {
	m.mu.Lock()
	if m.writeSeq == 0 {
		count := len(m.replicas)
		m.mu.Unlock()
		return count
	}
	target := m.writeSeq
	sessions := make([]*replicaSession, 0, len(m.replicas))
	for _, rs := range m.replicas {
		sessions = append(sessions, rs)
	}
	m.mu.Unlock()

	getack := resp.Encode(resp.NewArrayOfBulks("REPLCONF", "GETACK", "*"))
	for _, rs := range sessions {
		rs.ioMu.Lock()
		rs.conn.Write(getack)
		rs.ioMu.Unlock()
	}

	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)

	for {
		acked := m.ackedCount(target)
		if acked >= n {
			return acked
		}
		now := time.Now()
		if !now.Before(deadline) {
			return acked
		}

		for _, rs := range sessions {
			if m.pollReplicaAck(rs, target) {
				m.dropReplica(rs.id)
			}
		}

		remaining := deadline.Sub(time.Now())
		if remaining <= 0 {
			return m.ackedCount(target)
		}
		if remaining > pollInterval {
			time.Sleep(pollInterval)
		} else {
			time.Sleep(remaining)
		}
	}
}

// pollReplicaAck does one non-blocking-ish read of rs's socket, decodes
// any complete REPLCONF ACK frames found, and records them against
// target. It returns true if the socket should be considered dead.
func (m *Master) pollReplicaAck(rs *replicaSession, target uint64) bool {
	rs.ioMu.Lock()
	defer rs.ioMu.Unlock()

	rs.conn.SetReadDeadline(time.Now().Add(2 * time.Millisecond))
	tmp := make([]byte, 4096)
	k, err := rs.conn.Read(tmp)
	if k > 0 {
		rs.buf = append(rs.buf, tmp[:k]...)
	}
	rs.conn.SetReadDeadline(time.Time{})

	for {
		f, n, derr := resp.DecodeOne(rs.buf)
		if derr != nil {
			break
		}
		rs.buf = rs.buf[n:]
		if args, ok := resp.AsCommandArgs(f); ok && isReplconfAck(args) {
			m.ackUpTo(rs.id, target)
		}
	}

	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false
		}
		return true
	}
	return false
}

func isReplconfAck(args [][]byte) bool {
	if len(args) < 2 {
		return false
	}
	return equalFoldASCII(args[0], "REPLCONF") && equalFoldASCII(args[1], "ACK")
}

func equalFoldASCII(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := range b {
		c := b[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		d := s[i]
		if d >= 'a' && d <= 'z' {
			d -= 'a' - 'A'
		}
		if c != d {
			return false
		}
	}
	return true
}

// ackUpTo records that replica id has caught up through target: per
// spec.md §9, any inbound ACK is treated as evidence the replica has
// applied every write up to and including target, so it is removed from
// every pending-ack set whose sequence is at most target.
func (m *Master) ackUpTo(id int64, target uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for seq, set := range m.pendingAcks {
		if seq <= target {
			delete(set, id)
		}
	}
	if m.metrics != nil {
		m.metrics.ReplicaAckOffset.Set(float64(target))
	}
}

func (m *Master) ackedCount(target uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.pendingAcks[target]
	return len(m.replicas) - len(set)
}
