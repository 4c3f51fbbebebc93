// Package membership implements the client-side membership mirror: a
// consistent, concurrently-readable cache of the live host set, kept
// up to date by consuming a store.ChildEvent stream.
package membership

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"orbit-rpc/host"
	"orbit-rpc/metrics"
	"orbit-rpc/store"
)

// Snapshot is an immutable view of the live host set at one point in time,
// with a monotonically increasing Version so subscribers can tell whether
// anything changed since they last looked. changed is closed the moment a
// newer Snapshot replaces this one, so it doubles as this snapshot's
// staleness signal — Mirror.Changed just forwards whichever Snapshot is
// current at call time, avoiding any separate mutable field on Mirror that
// readers and the watch-consumer goroutine would otherwise have to share.
type Snapshot struct {
	Version uint64
	Hosts   map[string]host.Host // keyed by host.Host.Key()
	changed chan struct{}
}

// list returns the hosts in the snapshot as a slice, in unspecified order.
func (s *Snapshot) list() []host.Host {
	out := make([]host.Host, 0, len(s.Hosts))
	for _, h := range s.Hosts {
		out = append(out, h)
	}
	return out
}

// List returns the hosts currently in the snapshot. The returned slice is a
// fresh copy safe for the caller to keep.
func (s *Snapshot) List() []host.Host {
	return s.list()
}

// Mirror subscribes to a store.Store's WatchChildren stream for a discovery
// path and maintains a Snapshot. Reads (Current) and writes (the internal
// watch consumer) never block each other: the current Snapshot is held
// behind an atomic.Pointer, replaced wholesale on every event so readers
// always see either all of one update or none of it.
type Mirror struct {
	path    string
	st      store.Store
	logger  *zap.Logger
	current atomic.Pointer[Snapshot]

	// replaySeen tracks the names observed since the most recent
	// ReplayStart, so ReplayComplete can evict anything the replay didn't
	// re-report. nil outside of a replay batch. It is only ever touched from
	// the single goroutine running Run, so it needs no lock.
	replaySeen map[string]struct{}
}

// New creates a Mirror with an empty initial snapshot. Call Run to start
// consuming watch events; Current is safe to call before Run has delivered
// its first event (it returns an empty snapshot at Version 0).
func New(path string, st store.Store, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mirror{path: path, st: st, logger: logger}
	m.current.Store(&Snapshot{Hosts: map[string]host.Host{}, changed: make(chan struct{})})
	return m
}

// Current returns the latest observed Snapshot. Never blocks.
func (m *Mirror) Current() *Snapshot {
	return m.current.Load()
}

// Changed returns a channel that is closed the next time the snapshot
// changes. Callers select on it and then call Current again — useful for a
// picker or channel implementation that wants to eagerly warm a new
// subchannel rather than waiting for the next RPC.
func (m *Mirror) Changed() <-chan struct{} {
	return m.current.Load().changed
}

// Run consumes the watch stream for path until ctx is cancelled or the
// stream ends. It is meant to be launched in its own goroutine by the
// channel lifecycle (component G).
func (m *Mirror) Run(ctx context.Context) error {
	if err := m.st.EnsurePath(ctx, m.path); err != nil {
		m.logger.Warn("membership: ensure path failed", zap.String("path", m.path), zap.Error(err))
	}

	events, err := m.st.WatchChildren(ctx, m.path)
	if err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.apply(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// apply folds one ChildEvent into a new Snapshot, published atomically.
//
// ReplayStart/ReplayComplete bracket a full re-list from the store (issued
// on first subscribe and again on every reconnect). Added events delivered
// inside that bracket are tracked in replaySeen; ReplayComplete then evicts
// any host that was present before the replay but wasn't reported during
// it — the host disappeared while the watch was reconnecting (or, on the
// very first replay, was never part of the initial set to begin with).
func (m *Mirror) apply(ev store.ChildEvent) {
	switch ev.Type {
	case store.ReplayStart:
		m.replaySeen = map[string]struct{}{}
		return

	case store.ReplayComplete:
		if m.replaySeen == nil {
			return
		}
		seen := m.replaySeen
		m.replaySeen = nil

		prev := m.current.Load()
		var stale []string
		for k := range prev.Hosts {
			if _, ok := seen[k]; !ok {
				stale = append(stale, k)
			}
		}
		if len(stale) == 0 {
			return
		}

		next := cloneSnapshot(prev)
		for _, k := range stale {
			delete(next.Hosts, k)
		}
		m.publish(next)
		return
	}

	prev := m.current.Load()
	next := cloneSnapshot(prev)

	switch ev.Type {
	case store.Removed:
		delete(next.Hosts, ev.Name)

	case store.Added, store.Updated:
		h, err := host.Deserialize(ev.Data)
		if err != nil {
			m.logger.Warn("membership: dropping event with undecodable payload",
				zap.String("name", ev.Name), zap.Error(err))
			// On decode failure the node is treated as absent until a later
			// event supplies valid bytes. If it was already present from a
			// prior good event, that stale entry is left alone rather than
			// evicted by a bad update. Nothing actually changed, so no new
			// Snapshot is published.
			return
		}
		next.Hosts[ev.Name] = h
		if m.replaySeen != nil {
			m.replaySeen[ev.Name] = struct{}{}
		}
	}

	m.publish(next)
}

// cloneSnapshot returns a new Snapshot one version ahead of prev, with a
// fresh copy of its Hosts map ready for the caller to mutate.
func cloneSnapshot(prev *Snapshot) *Snapshot {
	next := &Snapshot{
		Version: prev.Version + 1,
		Hosts:   make(map[string]host.Host, len(prev.Hosts)+1),
		changed: make(chan struct{}),
	}
	for k, v := range prev.Hosts {
		next.Hosts[k] = v
	}
	return next
}

// publish swaps in next and wakes anyone waiting on the previous snapshot's
// Changed channel.
func (m *Mirror) publish(next *Snapshot) {
	prev := m.current.Swap(next)
	metrics.SetMembershipVersion(next.Version)
	close(prev.changed)
}
