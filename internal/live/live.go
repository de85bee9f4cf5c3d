// Package live defines the low-latency push store used for real-time
// message delivery, presence, typing state and per-user counters. It is
// the bounded-window half of the dual-store engine; the archive package
// holds durable history.
package live

import (
	"context"
	"strconv"
	"strings"
)

// EventType tags a watch event.
type EventType int

const (
	// Added means a child appeared under the watched path.
	Added EventType = iota
	// Changed means an existing child's value was rewritten.
	Changed
	// Removed means a child was deleted.
	Removed
	// InitialSync is emitted once per watch, after every pre-existing
	// child inside the window has been replayed as Added.
	InitialSync
)

func (t EventType) String() string {
	switch t {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	case InitialSync:
		return "initial_sync"
	default:
		return "unknown"
	}
}

// Event is one watch notification. Key is the child path relative to the
// watched path; replay events always name direct children, incremental
// events may name deeper descendants (e.g. "cid/unread").
type Event struct {
	Type  EventType
	Key   string
	Value []byte
}

// OpKind distinguishes disconnect cleanup operations.
type OpKind int

const (
	OpDelete OpKind = iota
	OpSet
)

// Op is one cleanup operation queued to run when the store session ends,
// regardless of how it ends. Presence registers its own removal this way.
type Op struct {
	Kind  OpKind
	Path  string
	Value []byte
}

// Store is the live channel contract. Every write is last-writer-wins at
// the path level; Update and Incr are the only read-modify-write
// primitives and both are atomic.
type Store interface {
	// Set writes value at path, creating or replacing it.
	Set(ctx context.Context, path string, value []byte) error

	// Get returns the value at path. ok is false when the path is empty.
	Get(ctx context.Context, path string) (value []byte, ok bool, err error)

	// Delete removes the value at path. Deleting an absent path is a no-op.
	Delete(ctx context.Context, path string) error

	// Update atomically applies fn to the current value (nil when absent)
	// and writes the result. Returning (nil, nil) from fn skips the write.
	Update(ctx context.Context, path string, fn func(cur []byte) ([]byte, error)) error

	// Incr atomically adds delta to the integer counter at path and
	// returns the new value. An absent counter starts at zero.
	Incr(ctx context.Context, path string, delta int64) (int64, error)

	// Exists reports whether any value is stored at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Children returns the direct children of path, keyed by child name.
	Children(ctx context.Context, path string) (map[string][]byte, error)

	// Watch streams events for descendants of path. The last `window`
	// direct children (by write order) are replayed as Added, followed by
	// one InitialSync marker, then incremental events. window <= 0 means
	// unbounded replay. The returned cancel func releases the watch and
	// must be called; leaked watches hold live network subscriptions.
	Watch(ctx context.Context, path string, window int) (<-chan Event, func(), error)

	// QueueDisconnect registers cleanup ops executed when the store
	// session closes.
	QueueDisconnect(ops ...Op)

	// Close runs queued disconnect ops and releases the session.
	Close() error
}

// ParseCounter decodes a counter leaf value. Absent or malformed values
// read as zero.
func ParseCounter(b []byte) int64 {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// FormatCounter encodes a counter leaf value.
func FormatCounter(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

// Parent returns the parent path of p, or "" for a root-level path.
func Parent(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}
