// Package filestate tracks what rfsync believes about every local file it
// has offered to a remote host, and keeps that belief across builds.
package filestate

import (
	"fmt"
)

// State is the synchronization state of one local file.
type State int

const (
	// Initial: never synced, or nothing is known.
	Initial State = iota
	// Touched: announced to the remote side, presence not confirmed.
	Touched
	// Copied: present remotely, as of the stored local timestamp.
	Copied
	// Error: the last transfer failed.
	Error
	// Uncontrolled: written on the remote side, must not be overwritten.
	Uncontrolled
	// Inexistent: known to exist neither locally nor remotely.
	Inexistent
)

var stateChars = [...]byte{
	Initial:      'i',
	Touched:      't',
	Copied:       'c',
	Error:        'e',
	Uncontrolled: 'u',
	Inexistent:   'n',
}

var stateNames = [...]string{
	Initial:      "INITIAL",
	Touched:      "TOUCHED",
	Copied:       "COPIED",
	Error:        "ERROR",
	Uncontrolled: "UNCONTROLLED",
	Inexistent:   "INEXISTENT",
}

// Char is the single character used for s on the wire and in the journal.
// The mapping never changes between protocol versions.
func (s State) Char() byte {
	if !s.Valid() {
		return '?'
	}
	return stateChars[s]
}

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) Valid() bool {
	return s >= Initial && s <= Inexistent
}

// ParseChar is the inverse of State.Char.
func ParseChar(c byte) (State, error) {
	for s, sc := range stateChars {
		if sc == c {
			return State(s), nil
		}
	}
	return Initial, fmt.Errorf("unknown file state %q", c)
}

// MarshalText and UnmarshalText make states readable in yaml dumps.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown file state %q", b)
}
