package eventlog

import (
	"fmt"
	"strconv"
	"strings"
)

// ID identifies one committed event. Ids order lexicographically in their
// string form and numerically by (WallNS, Seq, Node) — the two orders agree
// because every component renders as fixed-width big-endian hex.
//
// WallNS is nanoseconds since the Unix epoch, forced monotonic by the writer:
// it never repeats across batches and never decreases, even if the wall clock
// steps backwards. Seq separates events that share a WallNS (events of one
// batch). Node is reserved for multi-node deployments and is constant within
// a single log.
type ID struct {
	WallNS int64
	Seq    uint32
	Node   uint16
}

// String renders the id as "%016x-%08x-%04x".
func (id ID) String() string {
	return fmt.Sprintf("%016x-%08x-%04x", uint64(id.WallNS), id.Seq, id.Node)
}

// IsZero reports whether the id is the zero value, which sorts before every
// assigned id.
func (id ID) IsZero() bool {
	return id.WallNS == 0 && id.Seq == 0 && id.Node == 0
}

// Compare returns -1, 0, or 1 ordering ids by (WallNS, Seq, Node).
func (id ID) Compare(other ID) int {
	switch {
	case id.WallNS != other.WallNS:
		if id.WallNS < other.WallNS {
			return -1
		}
		return 1
	case id.Seq != other.Seq:
		if id.Seq < other.Seq {
			return -1
		}
		return 1
	case id.Node != other.Node:
		if id.Node < other.Node {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether id orders before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// Next returns the immediate successor id, used to resume reads after a
// known position without re-delivering it.
func (id ID) Next() ID {
	if id.Seq < ^uint32(0) {
		return ID{WallNS: id.WallNS, Seq: id.Seq + 1, Node: id.Node}
	}
	return ID{WallNS: id.WallNS + 1, Seq: 0, Node: id.Node}
}

// MarshalText implements encoding.TextMarshaler so ids serialize as their
// canonical string in JSON and in index files.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses the canonical "%016x-%08x-%04x" form.
func ParseID(s string) (ID, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || len(parts[0]) != 16 || len(parts[1]) != 8 || len(parts[2]) != 4 {
		return ID{}, fmt.Errorf("malformed event id %q", s)
	}
	ns, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return ID{}, fmt.Errorf("malformed event id %q: %w", s, err)
	}
	if ns > uint64(1)<<63-1 {
		return ID{}, fmt.Errorf("malformed event id %q: timestamp out of range", s)
	}
	seq, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return ID{}, fmt.Errorf("malformed event id %q: %w", s, err)
	}
	node, err := strconv.ParseUint(parts[2], 16, 16)
	if err != nil {
		return ID{}, fmt.Errorf("malformed event id %q: %w", s, err)
	}
	return ID{WallNS: int64(ns), Seq: uint32(seq), Node: uint16(node)}, nil
}
