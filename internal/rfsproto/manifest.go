package rfsproto

import (
	"strconv"
	"strings"

	"github.com/openmined/rfsync/internal/filestate"
)

// Timestamp is a modification time as sent in manifest file lines.
type Timestamp struct {
	Sec  int64
	Usec int64
}

// RemoteTimestamp converts a local mtime into the remote clock's frame.
func RemoteTimestamp(mtimeMs, skewMs int64) Timestamp {
	remote := mtimeMs + skewMs
	return Timestamp{Sec: remote / 1000, Usec: (remote % 1000) * 1000}
}

func DirLine(remotePath string) string {
	return "D " + remotePath
}

// LinkLines is the two-line link entry: path, then target.
func LinkLines(remotePath, target string) []string {
	return []string{"L " + remotePath, target}
}

// FileLine encodes a plain file entry. ts is omitted for the plain version.
func FileLine(state filestate.State, length int64, ts *Timestamp, remotePath string) string {
	var b strings.Builder
	b.WriteByte(state.Char())
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(length, 10))
	if ts != nil {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(ts.Sec, 10))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(ts.Usec, 10))
	}
	b.WriteByte(' ')
	b.WriteString(remotePath)
	return b.String()
}

// Ack is one manifest acknowledgement from the agent.
type Ack struct {
	State      filestate.State
	RemotePath string
	// Canonical is the agent's resolved path; empty for legacy acks.
	Canonical string
	Legacy    bool
}

// ReadAcks reads acknowledgements up to the terminating blank line. The
// current form is "*<state><path>" followed by a canonical path line; the
// legacy form is "t <path>".
func (c *Conn) ReadAcks() ([]Ack, error) {
	var acks []Ack
	for {
		line, err := c.ReadLine()
		if err != nil {
			return acks, err
		}
		if line == "" {
			return acks, nil
		}

		switch {
		case strings.HasPrefix(line, "*") && len(line) > 2:
			state, err := filestate.ParseChar(line[1])
			if err != nil {
				return acks, malformed("ack state", line)
			}
			canonical, err := c.ReadLine()
			if err != nil {
				return acks, err
			}
			acks = append(acks, Ack{State: state, RemotePath: line[2:], Canonical: canonical})
		case strings.HasPrefix(line, "t "):
			acks = append(acks, Ack{State: filestate.Touched, RemotePath: line[2:], Legacy: true})
		default:
			return acks, malformed("ack", line)
		}
	}
}
