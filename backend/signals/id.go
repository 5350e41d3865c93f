// Package signals defines the node tree model of signal state,
// the commands mutating it, and revisions applying those commands.
package signals

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// ID identifies nodes and commands. The id of a command is also the id of any node it creates.
type ID [16]byte

// Well-known ids.
var (
	// ZeroID is the id of the root node.
	ZeroID = ID{}

	// MaxID is the edge sentinel in list positions.
	MaxID = ID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// NewID generates a new random id.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the string representation of an id.
func ParseID(s string) (ID, error) {
	switch s {
	case "ZERO":
		return ZeroID, nil
	case "MAX":
		return MaxID, nil
	}

	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("failed to parse id '%s': %w", s, err)
	}
	return ID(u), nil
}

// Compare ids bytewise.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// IsZero checks whether id is the root id.
func (id ID) IsZero() bool {
	return id == ZeroID
}

func (id ID) String() string {
	switch id {
	case ZeroID:
		return "ZERO"
	case MaxID:
		return "MAX"
	default:
		return uuid.UUID(id).String()
	}
}

// Short returns an abbreviated form of the id for logs and debug output.
func (id ID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
