package rfsproto

import "strings"

type RequestKind int

const (
	Read RequestKind = iota + 1
	Written
	Ping
	Killed
)

func (k RequestKind) String() string {
	switch k {
	case Read:
		return "read"
	case Written:
		return "written"
	case Ping:
		return "ping"
	case Killed:
		return "killed"
	default:
		return "unknown"
	}
}

// Request is one steady-state line from the agent.
type Request struct {
	Kind RequestKind
	Path string
}

// ParseRequest decodes "r <path>", "w <path>", "p" and "Killed".
func ParseRequest(line string) (Request, error) {
	switch {
	case line == "p":
		return Request{Kind: Ping}, nil
	case line == "Killed":
		return Request{Kind: Killed}, nil
	case strings.HasPrefix(line, "r ") && len(line) > 2:
		return Request{Kind: Read, Path: line[2:]}, nil
	case strings.HasPrefix(line, "w ") && len(line) > 2:
		return Request{Kind: Written, Path: line[2:]}, nil
	default:
		return Request{}, malformed("request", line)
	}
}
