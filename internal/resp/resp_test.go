package resp

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOneSimpleValues(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Frame
	}{
		{"simple string", "+OK\r\n", NewSimpleString("OK")},
		{"error", "-ERR boom\r\n", NewError("ERR boom")},
		{"integer", ":1000\r\n", NewInteger(1000)},
		{"negative integer", ":-1\r\n", NewInteger(-1)},
		{"null bulk", "$-1\r\n", NewNullBulk()},
		{"bulk", "$5\r\nhello\r\n", NewBulk([]byte("hello"))},
		{"empty bulk", "$0\r\n\r\n", NewBulk([]byte{})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, n, err := DecodeOne([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, len(tc.in), n)
			assert.Equal(t, tc.want.Kind, f.Kind)
			assert.Equal(t, tc.want.Str, f.Str)
			assert.Equal(t, tc.want.Int, f.Int)
			assert.Equal(t, tc.want.IsNull, f.IsNull)
			assert.Equal(t, tc.want.Bulk, f.Bulk)
		})
	}
}

func TestDecodeOneArray(t *testing.T) {
	in := "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"
	f, n, err := DecodeOne([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, len(in), n)
	args, ok := AsCommandArgs(f)
	require.True(t, ok)
	require.Len(t, args, 2)
	assert.Equal(t, "GET", string(args[0]))
	assert.Equal(t, "foo", string(args[1]))
}

func TestDecodeOneNeedsMoreNeverConsumesPartialFrame(t *testing.T) {
	full := "$5\r\nhello\r\n"
	for i := 1; i < len(full); i++ {
		_, _, err := DecodeOne([]byte(full[:i]))
		assert.ErrorIs(t, err, ErrNeedMore, "prefix length %d", i)
	}
}

func TestDecodeOneMalformed(t *testing.T) {
	cases := []string{
		"$5\r\nhelloXX", // missing CRLF terminator with bytes present
		":notanumber\r\n",
		"@nope\r\n",
	}
	for _, in := range cases {
		_, _, err := DecodeOne([]byte(in))
		assert.Error(t, err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	f := NewArrayOfBulks("SET", "k", "v")
	encoded := Encode(f)
	decoded, n, err := DecodeOne(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	args, ok := AsCommandArgs(decoded)
	require.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("SET"), []byte("k"), []byte("v")}, args)
}

func TestReadFrameAccumulatesAcrossShortReads(t *testing.T) {
	full := []byte("*1\r\n$4\r\nPING\r\n")
	r := &chunkedReader{chunks: chunkify(full, 3)}
	f, n, rest, err := ReadFrame(r, nil)
	require.NoError(t, err)
	assert.Equal(t, len(full), n)
	assert.Empty(t, rest)
	args, ok := AsCommandArgs(f)
	require.True(t, ok)
	assert.Equal(t, "PING", string(args[0]))
}

func TestReadFrameLeavesLeftoverForNextFrame(t *testing.T) {
	full := []byte("+OK\r\n+PONG\r\n")
	r := bytes.NewReader(full)
	f1, _, rest, err := ReadFrame(r, nil)
	require.NoError(t, err)
	assert.Equal(t, "OK", f1.Str)

	f2, _, rest2, err := ReadFrame(r, rest)
	require.NoError(t, err)
	assert.Equal(t, "PONG", f2.Str)
	assert.Empty(t, rest2)
}

func TestReadRDBBlobNoTrailingCRLF(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, '\r', '\n'} // payload itself may contain CRLF bytes
	framed := EncodeRDBBlob(payload)
	framed = append(framed, []byte("+OK\r\n")...) // next frame immediately follows, no extra terminator

	r := bytes.NewReader(framed)
	got, rest, err := ReadRDBBlob(r, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	next, _, leftover, err := ReadFrame(r, rest)
	require.NoError(t, err)
	assert.Equal(t, "OK", next.Str)
	assert.Empty(t, leftover)
}

// chunkedReader serves fixed-size byte slices one Read call at a time, to
// exercise the decoder against partial TCP reads.
type chunkedReader struct {
	chunks [][]byte
	i      int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.i >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.i])
	r.i++
	return n, nil
}

func chunkify(b []byte, size int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
