package store

import (
	"context"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// newTestStore dials a local etcd instance, skipping the test entirely when
// none is reachable.
func newTestStore(t *testing.T) *EtcdStore {
	t.Helper()
	probe, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{"127.0.0.1:2379"},
		DialTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Skip("no local etcd reachable:", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := probe.Get(ctx, "healthcheck"); err != nil {
		probe.Close()
		t.Skip("no local etcd reachable:", err)
	}
	probe.Close()

	s, err := NewEtcdStore([]string{"127.0.0.1:2379"}, WithLeaseTTL(5))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateEphemeralAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := "/orbit-test/create/127.0.0.1:9001"

	_ = s.Delete(ctx, path) // best-effort cleanup from a previous run

	if err := s.CreateEphemeral(ctx, path, []byte("payload")); err != nil {
		t.Fatalf("CreateEphemeral: %v", err)
	}

	if err := s.CreateEphemeral(ctx, path, []byte("payload")); err == nil {
		t.Fatal("expected ErrNodeExists on duplicate create")
	}

	got, err := s.GetData(ctx, path)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", got)
	}

	if err := s.Delete(ctx, path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, path); err == nil {
		t.Fatal("expected ErrNoNode deleting an already-deleted path")
	}
}

func TestWatchChildrenReplaysOnStart(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prefix := "/orbit-test/watch"
	_ = s.Delete(ctx, prefix+"/a")
	if err := s.SetData(ctx, prefix+"/a", []byte("v1")); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	t.Cleanup(func() { s.Delete(context.Background(), prefix+"/a") })

	events, err := s.WatchChildren(ctx, prefix)
	if err != nil {
		t.Fatalf("WatchChildren: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != ReplayStart {
			t.Fatalf("expected ReplayStart to open the initial replay, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ReplayStart")
	}

	select {
	case ev := <-events:
		if ev.Name != "a" || ev.Type != Added {
			t.Fatalf("expected initial Added event for 'a', got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial replay event")
	}

	select {
	case ev := <-events:
		if ev.Type != ReplayComplete {
			t.Fatalf("expected ReplayComplete to close the initial replay, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ReplayComplete")
	}
}
