package repl

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mshelll/myredis/internal/resp"
)

// fakeMaster drives the server side of a handshake the way a real master
// would, for exercising ReplicaClient.Handshake and Run.
func fakeMaster(t *testing.T, conn net.Conn, afterHandshake func(conn net.Conn)) {
	t.Helper()
	var buf []byte

	expect := func(want string) {
		f, _, rest, err := resp.ReadFrame(conn, buf)
		require.NoError(t, err)
		buf = rest
		args, ok := resp.AsCommandArgs(f)
		require.True(t, ok)
		require.Equal(t, want, string(args[0]))
	}

	expect("PING")
	conn.Write(resp.Encode(resp.NewSimpleString("PONG")))

	expect("REPLCONF")
	conn.Write(resp.Encode(resp.NewSimpleString("OK")))

	expect("REPLCONF")
	conn.Write(resp.Encode(resp.NewSimpleString("OK")))

	expect("PSYNC")
	conn.Write(resp.Encode(resp.NewSimpleString("FULLRESYNC abc123 0")))
	conn.Write(resp.EncodeRDBBlob([]byte{0xAA, 0xBB}))

	if afterHandshake != nil {
		afterHandshake(conn)
	}
}

func TestHandshakeSucceeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fakeMaster(t, conn, func(conn net.Conn) { conn.Close() })
	}()

	rc, err := Handshake("127.0.0.1", addr.Port, 9999)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(0), rc.Offset())
}

func TestRunAppliesWritesAndAdvancesOffset(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	setCmd := resp.Encode(resp.NewArrayOfBulks("SET", "k", "v"))

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fakeMaster(t, conn, func(conn net.Conn) {
			conn.Write(setCmd)
			conn.Close()
		})
	}()

	rc, err := Handshake("127.0.0.1", addr.Port, 9999)
	require.NoError(t, err)
	defer rc.Close()

	var applied [][]byte
	err = rc.Run(func(args [][]byte) {
		applied = append(applied, args[0])
	})
	assert.Error(t, err) // connection closed by fake master, surfaces as EOF
	require.Len(t, applied, 1)
	assert.Equal(t, "SET", string(applied[0]))
	assert.Equal(t, int64(len(setCmd)), rc.Offset())
}

func TestRunFirstGetackAlwaysRepliesZero(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	getack := resp.Encode(resp.NewArrayOfBulks("REPLCONF", "GETACK", "*"))

	ackCh := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fakeMaster(t, conn, func(conn net.Conn) {
			conn.Write(getack)
			f, _, _, err := resp.ReadFrame(conn, nil)
			if err != nil {
				return
			}
			args, _ := resp.AsCommandArgs(f)
			if len(args) == 3 {
				ackCh <- string(args[2])
			}
			conn.Close()
		})
	}()

	rc, err := Handshake("127.0.0.1", addr.Port, 9999)
	require.NoError(t, err)
	defer rc.Close()

	go rc.Run(func(args [][]byte) {})

	ack := <-ackCh
	assert.Equal(t, "0", ack, "the first GETACK after handshake must always report offset 0")
}
