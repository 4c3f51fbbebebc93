// EtcdStore implements Store on top of go.etcd.io/etcd/client/v3. Ephemeral
// nodes are modeled with an etcd lease shared by every CreateEphemeral call
// made through one EtcdStore, so all of one server's ephemeral registrations
// vanish together when that server's session ends — matching the "session"
// concept even though etcd has no native ZooKeeper-style session object.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdStore adapts an etcd v3 client to the Store contract.
type EtcdStore struct {
	client *clientv3.Client
	logger *zap.Logger
	ttl    int64 // lease TTL in seconds

	mu     sync.Mutex
	leaseID clientv3.LeaseID // 0 until the first CreateEphemeral call
}

// EtcdOption configures an EtcdStore.
type EtcdOption func(*EtcdStore)

// WithLeaseTTL overrides the default 10-second ephemeral-node lease TTL.
func WithLeaseTTL(seconds int64) EtcdOption {
	return func(s *EtcdStore) { s.ttl = seconds }
}

// WithLogger attaches a structured logger; defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) EtcdOption {
	return func(s *EtcdStore) { s.logger = logger }
}

// NewEtcdStore dials the given etcd endpoints and returns a Store backed by
// them.
func NewEtcdStore(endpoints []string, opts ...EtcdOption) (*EtcdStore, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("store: dial etcd: %w", err)
	}
	s := &EtcdStore{
		client: c,
		logger: zap.NewNop(),
		ttl:    10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsurePath is a no-op on etcd: etcd has no interior directory nodes, keys
// are just prefixes. It exists to satisfy the Store contract for backends
// (ZooKeeper) that do require interior node creation.
func (s *EtcdStore) EnsurePath(ctx context.Context, path string) error {
	return nil
}

func (s *EtcdStore) ensureLease(ctx context.Context) (clientv3.LeaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaseID != 0 {
		return s.leaseID, nil
	}

	lease, err := s.client.Grant(ctx, s.ttl)
	if err != nil {
		return 0, fmt.Errorf("store: grant lease: %w", err)
	}
	keepAlive, err := s.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, fmt.Errorf("store: keepalive lease: %w", err)
	}
	s.leaseID = lease.ID

	go func() {
		for range keepAlive {
			// Drain KeepAlive responses; nothing to act on per-heartbeat.
		}
		// The channel closes when the lease expires or the client shuts
		// down. Either way the session is gone: forget the lease so the
		// next CreateEphemeral call requests a fresh one.
		s.mu.Lock()
		s.leaseID = 0
		s.mu.Unlock()
		s.logger.Warn("store: lease keepalive stopped, session lost")
	}()

	return lease.ID, nil
}

// CreateEphemeral creates path bound to this Store's shared session lease.
func (s *EtcdStore) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	leaseID, err := s.ensureLease(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}

	txn := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data), clientv3.WithLease(leaseID)))
	resp, err := txn.Commit()
	if err != nil {
		return fmt.Errorf("store: create ephemeral %s: %w", path, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", ErrNodeExists, path)
	}
	return nil
}

// SetData unconditionally overwrites path, keeping it bound to this Store's
// session lease once one has been granted (an etcd Put without a lease would
// detach the key from it). A missing path is created rather than reported as
// ErrNoNode.
func (s *EtcdStore) SetData(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	leaseID := s.leaseID
	s.mu.Unlock()
	var opts []clientv3.OpOption
	if leaseID != 0 {
		opts = append(opts, clientv3.WithLease(leaseID))
	}
	_, err := s.client.Put(ctx, path, string(data), opts...)
	if err != nil {
		return fmt.Errorf("store: set data %s: %w", path, err)
	}
	return nil
}

// Delete best-effort removes path. A missing node is reported as ErrNoNode,
// which callers at startup treat as non-fatal.
func (s *EtcdStore) Delete(ctx context.Context, path string) error {
	resp, err := s.client.Delete(ctx, path)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", path, err)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("%w: %s", ErrNoNode, path)
	}
	return nil
}

// GetData performs a point read of path.
func (s *EtcdStore) GetData(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("store: get data %s: %w", path, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoNode, path)
	}
	return resp.Kvs[0].Value, nil
}

// WatchChildren streams ChildEvents for children of path. Rather than
// re-fetching the entire child list on every notification, this translates
// etcd's own put/delete events directly into Added/Updated/Removed, and only
// falls back to a full re-list when the watch channel itself breaks (session
// loss, revision compaction), re-delivering the full child set — bracketed
// by ReplayStart/ReplayComplete — on reconnection. The watch that follows a
// re-list is pinned to the list's revision, so nothing landing between the
// list and the watch start is missed.
func (s *EtcdStore) WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error) {
	prefix := path
	if prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}

	out := make(chan ChildEvent, 16)

	go func() {
		defer close(out)
		for {
			rev, err := s.replayChildren(ctx, prefix, out)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("store: child listing failed", zap.String("path", path), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}

			watchChan := s.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
			broken := false
			for resp := range watchChan {
				if ctx.Err() != nil {
					return
				}
				if resp.Canceled || resp.Err() != nil {
					s.logger.Warn("store: watch channel broken, will re-list", zap.String("path", path), zap.Error(resp.Err()))
					broken = true
					break
				}
				for _, ev := range resp.Events {
					name := childName(prefix, string(ev.Kv.Key))
					if name == "" {
						continue
					}
					switch ev.Type {
					case clientv3.EventTypeDelete:
						select {
						case out <- ChildEvent{Type: Removed, Name: name}:
						case <-ctx.Done():
							return
						}
					default:
						typ := Updated
						if ev.Kv.CreateRevision == ev.Kv.ModRevision {
							typ = Added
						}
						select {
						case out <- ChildEvent{Type: typ, Name: name, Data: ev.Kv.Value}:
						case <-ctx.Done():
							return
						}
					}
				}
			}
			if !broken {
				// watchChan closed because ctx was cancelled.
				return
			}
		}
	}()

	return out, nil
}

// replayChildren lists every child currently under prefix and emits it
// bracketed by ReplayStart/ReplayComplete, giving a fresh consumer (or one
// recovering from a broken watch) the full set plus an unambiguous point at
// which to diff that set against what it already holds. It returns the
// revision of the listing so the caller can start its next Watch from
// exactly that point, closing the gap between list and watch.
func (s *EtcdStore) replayChildren(ctx context.Context, prefix string, out chan<- ChildEvent) (int64, error) {
	select {
	case out <- ChildEvent{Type: ReplayStart}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	for _, kv := range resp.Kvs {
		name := childName(prefix, string(kv.Key))
		if name == "" {
			continue
		}
		select {
		case out <- ChildEvent{Type: Added, Name: name, Data: kv.Value}:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	select {
	case out <- ChildEvent{Type: ReplayComplete}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	return resp.Header.Revision, nil
}

func childName(prefix, key string) string {
	if len(key) <= len(prefix) {
		return ""
	}
	return key[len(prefix):]
}

// Close releases the etcd client connection.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
