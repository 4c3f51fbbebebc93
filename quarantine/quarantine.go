// Package quarantine implements the atomic quarantine flag and the
// controller that flips it and propagates the change to the coordination
// store.
package quarantine

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"orbit-rpc/host"
	"orbit-rpc/metrics"
	"orbit-rpc/store"
)

// Flag is a per-server atomic boolean, safe for concurrent get-and-set from
// the quarantine controller and concurrent reads from the load publisher.
// Modeled on a server's atomic.Bool shutdown flag: a single word, set and
// read from multiple goroutines without a lock.
type Flag struct {
	v atomic.Bool
}

// NewFlag returns a Flag starting in the non-quarantined state.
func NewFlag() *Flag { return &Flag{} }

// Get returns the current value.
func (f *Flag) Get() bool { return f.v.Load() }

// Set atomically stores v.
func (f *Flag) Set(v bool) { f.v.Store(v) }

// Controller exposes EnterQuarantine/ExitQuarantine: each atomically flips
// the Flag and issues one SetData writing a Host whose Quarantined field
// matches the new state, preserving the current Load. A mutex serializes the
// read-modify-write against the store so concurrent Enter/Exit calls don't
// interleave two writes — the last writer wins both in memory and in the
// store, as required.
type Controller struct {
	flag    *Flag
	path    string
	loadAt  func() int32 // returns the last published (or last known) load value
	store   store.Store
	logger  *zap.Logger
	writeMu sync.Mutex
	identity host.Host
}

// New builds a Controller for the server identified by identity, writing to
// nodePath, using loadAt to fill in the Load field of the propagated Host
// (the publisher exposes its last-written value for this purpose so
// quarantine transitions never clobber load with a stale zero).
func New(identity host.Host, nodePath string, st store.Store, loadAt func() int32, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		flag:     NewFlag(),
		path:     nodePath,
		loadAt:   loadAt,
		store:    st,
		logger:   logger,
		identity: identity,
	}
}

// Flag returns the underlying atomic flag, so the publisher can read it
// directly rather than through the controller on every emitted sample.
func (c *Controller) Flag() *Flag { return c.flag }

// EnterQuarantine sets the flag and writes a Host record with
// Quarantined=true. After this returns, any subsequent publisher write will
// observe the flag set (happens-before is established by the atomic store
// preceding the write, and by the publisher always reading the flag fresh
// on each emission).
func (c *Controller) EnterQuarantine(ctx context.Context) error {
	metrics.RecordQuarantineTransition(true)
	return c.propagate(ctx, true)
}

// ExitQuarantine clears the flag and writes a Host record with
// Quarantined=false.
func (c *Controller) ExitQuarantine(ctx context.Context) error {
	metrics.RecordQuarantineTransition(false)
	return c.propagate(ctx, false)
}

// propagate sets the flag and writes the corresponding Host record while
// holding writeMu, so the flag transition and the store write for two
// concurrent calls land in the same relative order — whichever call
// acquires the mutex last leaves both the flag and the store agreeing on
// its outcome.
func (c *Controller) propagate(ctx context.Context, quarantined bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.flag.Set(quarantined)

	h := c.identity
	h.Metadata = host.Metadata{
		Load:        c.loadAt(),
		Quarantined: quarantined,
	}
	data, err := host.Serialize(h)
	if err != nil {
		return err
	}
	if err := c.store.SetData(ctx, c.path, data); err != nil {
		c.logger.Warn("quarantine: failed to propagate flag", zap.Bool("quarantined", quarantined), zap.Error(err))
		return err
	}
	return nil
}
