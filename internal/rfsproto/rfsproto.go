// Package rfsproto encodes and decodes the line protocol spoken between the
// local controller and the remote file system agent.
package rfsproto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Protocol versions. The timestamp version adds modification times to
// manifest file lines.
const (
	VersionTimestamps byte = '5'
	VersionPlain      byte = '3'
)

// SkewCount is the number of clock samples taken during the handshake.
const SkewCount = 10

// Read response codes, errno-valued as the agent reports them to the
// intercepted open().
const (
	CodeNotFound = 2
	CodeIO       = 5
	CodeIsDir    = 21
)

var ErrMalformed = errors.New("malformed protocol line")

func malformed(what, line string) error {
	return fmt.Errorf("%w: %s: %q", ErrMalformed, what, line)
}

// Conn frames lines over the agent's stdout and stdin.
type Conn struct {
	r *bufio.Reader
	w *bufio.Writer
}

func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: bufio.NewWriter(w)}
}

// ReadLine returns the next line without its terminator. A final line
// without newline is returned before io.EOF.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Write buffers lines; Flush sends them.
func (c *Conn) Write(lines ...string) error {
	for _, l := range lines {
		if _, err := c.w.WriteString(l); err != nil {
			return err
		}
		if err := c.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) Flush() error {
	return c.w.Flush()
}

// Send writes and flushes.
func (c *Conn) Send(lines ...string) error {
	if err := c.Write(lines...); err != nil {
		return err
	}
	return c.Flush()
}

// ParseControllerVersion recognizes the optional "CONTROLLER VERSION <v>".
func ParseControllerVersion(line string) (string, bool) {
	v, ok := strings.CutPrefix(line, "CONTROLLER VERSION ")
	return strings.TrimSpace(v), ok
}

// ParseVersions parses "VERSIONS <c1> <c2> ...".
func ParseVersions(line string) ([]byte, error) {
	rest, ok := strings.CutPrefix(line, "VERSIONS")
	if !ok {
		return nil, malformed("versions", line)
	}
	var versions []byte
	for _, f := range strings.Fields(rest) {
		if len(f) != 1 {
			return nil, malformed("version char", line)
		}
		versions = append(versions, f[0])
	}
	if len(versions) == 0 {
		return nil, malformed("empty versions", line)
	}
	return versions, nil
}

func VersionLine(v byte) string {
	return "VERSION=" + string(v)
}

func SkewCountLine(n int) string {
	return "SKEW_COUNT=" + strconv.Itoa(n)
}

func SkewLine(i int) string {
	return "SKEW " + strconv.Itoa(i)
}

const SkewEnd = "SKEW_END"

// ParseMillis parses a bare epoch milliseconds reply.
func ParseMillis(line string) (int64, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return 0, malformed("timestamp", line)
	}
	return ms, nil
}

// ParseFSSkew parses "FS_SKEW <ms>".
func ParseFSSkew(line string) (int64, error) {
	v, ok := strings.CutPrefix(line, "FS_SKEW ")
	if !ok {
		return 0, malformed("fs skew", line)
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, malformed("fs skew", line)
	}
	return ms, nil
}

// ParsePort parses "PORT <n>".
func ParsePort(line string) (int, error) {
	v, ok := strings.CutPrefix(line, "PORT ")
	if !ok {
		return 0, malformed("port", line)
	}
	port, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || port <= 0 || port > 65535 {
		return 0, malformed("port", line)
	}
	return port, nil
}

func ResponseOK() string {
	return "1"
}

func ResponseFail(code int) string {
	return "0 " + strconv.Itoa(code)
}
