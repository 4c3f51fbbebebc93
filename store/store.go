// Package store defines the narrow contract the core requires from a
// coordination store (an etcd or ZooKeeper-shaped ensemble): create/set/
// delete/watch of ephemeral nodes under a discovery path. Store is the only
// component permitted to suspend on coordination-store I/O.
package store

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations. Callers should compare
// with errors.Is, since implementations may wrap these with context.
var (
	// ErrNodeExists is returned by CreateEphemeral when a node already
	// exists at the given path.
	ErrNodeExists = errors.New("store: node already exists")
	// ErrNoNode is returned by SetData/GetData/Delete when the target path
	// does not exist. NoNode is not an error at server startup when
	// best-effort deleting a possibly-stale node (see server.Start).
	ErrNoNode = errors.New("store: no such node")
	// ErrSessionLost is returned when the underlying session (and with it,
	// every ephemeral node owned by it) has been invalidated. The caller
	// (server lifecycle) is responsible for treating this as a signal to
	// re-register.
	ErrSessionLost = errors.New("store: session lost")
)

// EventType distinguishes the kinds of notification WatchChildren can
// report. Added/Updated/Removed describe individual child mutations;
// ReplayStart and ReplayComplete bracket a full re-list of the child set
// (issued on first subscribe and again on every reconnect) so a consumer
// can tell which Added events belong to a replay batch and diff the batch
// against what it already knows once ReplayComplete arrives.
type EventType int

const (
	Added EventType = iota
	Updated
	Removed
	ReplayStart
	ReplayComplete
)

func (t EventType) String() string {
	switch t {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case ReplayStart:
		return "replay_start"
	case ReplayComplete:
		return "replay_complete"
	default:
		return "unknown"
	}
}

// ChildEvent describes one child-node mutation under a watched path, or one
// of the ReplayStart/ReplayComplete markers bracketing a full re-list. Name
// and Data are unset on the two marker types.
type ChildEvent struct {
	Type EventType
	Name string
	Data []byte // nil for Removed, ReplayStart, ReplayComplete
}

// Store is the coordination-store adapter contract. All methods may block on
// I/O; callers pass a context to bound that wait.
type Store interface {
	// EnsurePath idempotently creates the interior nodes of path.
	EnsurePath(ctx context.Context, path string) error

	// CreateEphemeral creates a node at path tied to the current session's
	// lifetime, failing with ErrNodeExists or ErrSessionLost.
	CreateEphemeral(ctx context.Context, path string, data []byte) error

	// SetData unconditionally overwrites the node at path, failing with
	// ErrNoNode or ErrSessionLost. The write is atomic: a concurrent reader
	// never observes a partial payload. EtcdStore does not return ErrNoNode
	// here: it creates a missing path instead.
	SetData(ctx context.Context, path string, data []byte) error

	// Delete removes the node at path. ErrNoNode is returned but is not
	// necessarily fatal to the caller — see server.Start's startup sequence.
	Delete(ctx context.Context, path string) error

	// GetData performs a point read of path.
	GetData(ctx context.Context, path string) ([]byte, error)

	// WatchChildren returns an infinite, restartable stream of ChildEvents
	// for children of path. On first subscribe, and again on every
	// reconnection after the watch channel breaks (session loss, revision
	// compaction), the implementation lists the current child set and
	// replays it as ReplayStart, one Added per child, ReplayComplete — the
	// consumer diffs the replayed names against what it already holds and
	// treats anything missing from the batch as removed (membership.Mirror
	// does exactly this). The initial list and the watch that follows it
	// are pinned to the same revision, so no mutation landing in the gap
	// between listing and watching is lost. The returned channel is closed
	// when ctx is done.
	WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error)

	// Close releases the underlying session and any background resources.
	Close() error
}
