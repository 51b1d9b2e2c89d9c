package rfsproto

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/openmined/rfsync/internal/filestate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersions(t *testing.T) {
	v, err := ParseVersions("VERSIONS 3 5")
	require.NoError(t, err)
	assert.Equal(t, []byte{'3', '5'}, v)

	_, err = ParseVersions("VERSIONS")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = ParseVersions("VERSIONS 35")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = ParseVersions("HELLO 5")
	assert.ErrorIs(t, err, ErrMalformed)

	cv, ok := ParseControllerVersion("CONTROLLER VERSION 1.4")
	assert.True(t, ok)
	assert.Equal(t, "1.4", cv)
}

func TestHandshakeLines(t *testing.T) {
	assert.Equal(t, "VERSION=5", VersionLine(VersionTimestamps))
	assert.Equal(t, "SKEW_COUNT=10", SkewCountLine(SkewCount))
	assert.Equal(t, "SKEW 3", SkewLine(3))

	ms, err := ParseFSSkew("FS_SKEW -1500")
	require.NoError(t, err)
	assert.Equal(t, int64(-1500), ms)
	_, err = ParseFSSkew("FS_SKEW soon")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseMillis("17x")
	assert.ErrorIs(t, err, ErrMalformed)

	port, err := ParsePort("PORT 40123")
	require.NoError(t, err)
	assert.Equal(t, 40123, port)
	_, err = ParsePort("PORT 0")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestManifestLines(t *testing.T) {
	assert.Equal(t, "D /r/src", DirLine("/r/src"))
	assert.Equal(t, []string{"L /r/cur", "v2"}, LinkLines("/r/cur", "v2"))

	ts := RemoteTimestamp(1_700_000_000_250, 1_500)
	assert.Equal(t, Timestamp{Sec: 1_700_000_001, Usec: 750_000}, ts)

	assert.Equal(t, "i 12 1700000001 750000 /r/a.c", FileLine(filestate.Initial, 12, &ts, "/r/a.c"))
	assert.Equal(t, "c 0 /r/b.h", FileLine(filestate.Copied, 0, nil, "/r/b.h"))
}

func TestReadAcks(t *testing.T) {
	in := "*c/r/a.c\n/real/r/a.c\nt /r/b.c\n*u/r/gen.h\n/r/gen.h\n\nPORT 1\n"
	c := NewConn(strings.NewReader(in), io.Discard)

	acks, err := c.ReadAcks()
	require.NoError(t, err)
	assert.Equal(t, []Ack{
		{State: filestate.Copied, RemotePath: "/r/a.c", Canonical: "/real/r/a.c"},
		{State: filestate.Touched, RemotePath: "/r/b.c", Legacy: true},
		{State: filestate.Uncontrolled, RemotePath: "/r/gen.h", Canonical: "/r/gen.h"},
	}, acks)

	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "PORT 1", line)
}

func TestReadAcks_Malformed(t *testing.T) {
	c := NewConn(strings.NewReader("?? what\n\n"), io.Discard)
	_, err := c.ReadAcks()
	assert.ErrorIs(t, err, ErrMalformed)

	c = NewConn(strings.NewReader("*z/r/a\n/r/a\n\n"), io.Discard)
	_, err = c.ReadAcks()
	assert.ErrorIs(t, err, ErrMalformed)

	c = NewConn(strings.NewReader("*c/r/a\n"), io.Discard)
	_, err = c.ReadAcks()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseRequest(t *testing.T) {
	cases := map[string]Request{
		"r /r/a.c":   {Kind: Read, Path: "/r/a.c"},
		"w /r/a b.o": {Kind: Written, Path: "/r/a b.o"},
		"p":          {Kind: Ping},
		"Killed":     {Kind: Killed},
	}
	for line, want := range cases {
		got, err := ParseRequest(line)
		require.NoError(t, err, line)
		assert.Equal(t, want, got)
	}

	for _, bad := range []string{"", "r", "r ", "x /a", "killed"} {
		_, err := ParseRequest(bad)
		assert.ErrorIs(t, err, ErrMalformed, bad)
	}
}

func TestConn_SendAndReadLine(t *testing.T) {
	var out bytes.Buffer
	c := NewConn(strings.NewReader("a\r\nb"), &out)
	require.NoError(t, c.Send("x", "", "y"))
	assert.Equal(t, "x\n\ny\n", out.String())

	l, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "a", l)
	l, err = c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "b", l)
	_, err = c.ReadLine()
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, "1", ResponseOK())
	assert.Equal(t, "0 21", ResponseFail(CodeIsDir))
}
