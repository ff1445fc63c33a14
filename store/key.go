package store

import (
	"fmt"
	"strings"
)

// PartitionKey is an ordered sequence of 1..N string segments identifying a
// partition. Segment 0 is always the coarsest grouping; segment order is
// caller-determined and never re-sorted by the engine.
type PartitionKey struct {
	segments []string
}

// Key builds a partition key from one or more segments. It fails with
// ErrValidation when no segments are given or any segment is blank.
func Key(segments ...string) (PartitionKey, error) {
	if len(segments) == 0 {
		return PartitionKey{}, fmt.Errorf("%w: partition key requires at least one segment", ErrValidation)
	}
	out := make([]string, len(segments))
	for i, seg := range segments {
		if strings.TrimSpace(seg) == "" {
			return PartitionKey{}, fmt.Errorf("%w: partition key segment %d is blank", ErrValidation, i)
		}
		out[i] = seg
	}
	return PartitionKey{segments: out}, nil
}

// MustKey is like Key but panics on invalid input. Intended for keys built
// from constants.
func MustKey(segments ...string) PartitionKey {
	k, err := Key(segments...)
	if err != nil {
		panic(err)
	}
	return k
}

// IsZero reports whether the key has no segments.
func (k PartitionKey) IsZero() bool {
	return len(k.segments) == 0
}

// Len returns the number of segments.
func (k PartitionKey) Len() int {
	return len(k.segments)
}

// Segments returns a copy of the key's segments.
func (k PartitionKey) Segments() []string {
	out := make([]string, len(k.segments))
	copy(out, k.segments)
	return out
}

// String joins the segments with "#". Used for grouping and logging only;
// the joined form is not an alternate construction syntax.
func (k PartitionKey) String() string {
	return strings.Join(k.segments, "#")
}

// Equal reports whether both keys have equal arity and pointwise-equal segments.
func (k PartitionKey) Equal(other PartitionKey) bool {
	if len(k.segments) != len(other.segments) {
		return false
	}
	for i, seg := range k.segments {
		if other.segments[i] != seg {
			return false
		}
	}
	return true
}

// IsPrefixOf reports whether k is a strict ordered prefix of candidate, i.e.
// candidate has more segments and its leading segments equal k's.
func (k PartitionKey) IsPrefixOf(candidate PartitionKey) bool {
	if len(k.segments) == 0 || len(k.segments) >= len(candidate.segments) {
		return false
	}
	for i, seg := range k.segments {
		if candidate.segments[i] != seg {
			return false
		}
	}
	return true
}

// Matches reports whether candidate falls inside the scope named by k:
// either an exact match or k being a strict prefix of candidate.
func (k PartitionKey) Matches(candidate PartitionKey) bool {
	return k.Equal(candidate) || k.IsPrefixOf(candidate)
}
