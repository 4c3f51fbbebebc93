// Package picker implements the weighted, quarantine-aware RPC-time
// subchannel selector: filter quarantined hosts, prefer minimum load,
// round-robin among ties using a monotonic cursor for deterministic
// tie-breaking.
package picker

import (
	"errors"
	"sync/atomic"

	"orbit-rpc/host"
	"orbit-rpc/membership"
	"orbit-rpc/metrics"
)

// ErrNoReadyEndpoint is returned when every host in the current snapshot is
// quarantined (or the snapshot is empty). Callers fail the RPC fast; the
// core does not retry internally.
var ErrNoReadyEndpoint = errors.New("picker: no ready endpoint")

// Subchannel is the minimal identity a picker needs: enough to find or
// create the transport that actually carries the RPC. Component G
// (channel.Channel) is responsible for turning a Host into a live
// transport; the picker only ever deals in Hosts.
type Subchannel = host.Host

// WeightedPicker selects a Subchannel on every RPC from a membership
// Mirror's current Snapshot. It is safe for concurrent use — Pick is
// non-blocking and O(n) in snapshot size.
type WeightedPicker struct {
	mirror *membership.Mirror
	cursor atomic.Uint64
}

// New builds a WeightedPicker reading from mirror's snapshots.
func New(mirror *membership.Mirror) *WeightedPicker {
	return &WeightedPicker{mirror: mirror}
}

// Pick selects one non-quarantined Subchannel with minimum Load, rotating
// among ties via an internal cursor. It always reads the mirror's latest
// snapshot; it never caches across calls.
func (p *WeightedPicker) Pick() (Subchannel, error) {
	snapshot := p.mirror.Current()

	candidates := make([]host.Host, 0, len(snapshot.Hosts))
	for _, h := range snapshot.Hosts {
		if !h.Metadata.Quarantined {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		metrics.RecordNoReadyEndpoint()
		return host.Host{}, ErrNoReadyEndpoint
	}

	minLoad := candidates[0].Metadata.Load
	for _, h := range candidates[1:] {
		if h.Metadata.Load < minLoad {
			minLoad = h.Metadata.Load
		}
	}

	tied := candidates[:0:0]
	for _, h := range candidates {
		if h.Metadata.Load == minLoad {
			tied = append(tied, h)
		}
	}

	// Sort tied by key so the cursor's rotation is deterministic across
	// calls; map iteration order above is randomized by Go, so without this
	// the "round robin among ties" property would not actually hold from
	// one Pick to the next.
	sortHostsByKey(tied)

	idx := p.cursor.Add(1) % uint64(len(tied))
	picked := tied[idx]
	metrics.RecordPick(picked.Key())
	return picked, nil
}

func sortHostsByKey(hosts []host.Host) {
	// Insertion sort: candidate sets are small (one entry per live server),
	// so this avoids pulling in sort for a handful of elements on every RPC.
	for i := 1; i < len(hosts); i++ {
		for j := i; j > 0 && hosts[j].Key() < hosts[j-1].Key(); j-- {
			hosts[j], hosts[j-1] = hosts[j-1], hosts[j]
		}
	}
}
