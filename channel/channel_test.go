package channel

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"orbit-rpc/codec"
	"orbit-rpc/host"
	"orbit-rpc/server"
	"orbit-rpc/store"
	"orbit-rpc/transport"

	"go.uber.org/zap"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

// fakeChannelStore is a minimal in-memory store.Store that fans out every
// mutation to its watchers, enough to exercise a real server registering
// itself and a real membership.Mirror picking that registration up.
type fakeChannelStore struct {
	mu   sync.Mutex
	data map[string][]byte
	subs []chan store.ChildEvent
}

func newFakeChannelStore() *fakeChannelStore {
	return &fakeChannelStore{data: make(map[string][]byte)}
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (f *fakeChannelStore) broadcast(ev store.ChildEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		sub <- ev
	}
}

func (f *fakeChannelStore) EnsurePath(context.Context, string) error { return nil }

func (f *fakeChannelStore) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	f.data[path] = data
	f.mu.Unlock()
	f.broadcast(store.ChildEvent{Type: store.Added, Name: lastSegment(path), Data: data})
	return nil
}

func (f *fakeChannelStore) SetData(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	f.data[path] = data
	f.mu.Unlock()
	f.broadcast(store.ChildEvent{Type: store.Updated, Name: lastSegment(path), Data: data})
	return nil
}

func (f *fakeChannelStore) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	_, ok := f.data[path]
	delete(f.data, path)
	f.mu.Unlock()
	if !ok {
		return store.ErrNoNode
	}
	f.broadcast(store.ChildEvent{Type: store.Removed, Name: lastSegment(path)})
	return nil
}

func (f *fakeChannelStore) GetData(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[path]
	if !ok {
		return nil, store.ErrNoNode
	}
	return data, nil
}

func (f *fakeChannelStore) WatchChildren(_ context.Context, path string) (<-chan store.ChildEvent, error) {
	ch := make(chan store.ChildEvent, 16)
	f.mu.Lock()
	ch <- store.ChildEvent{Type: store.ReplayStart}
	for k, v := range f.data {
		if dir := strings.TrimSuffix(k, "/"+lastSegment(k)); dir == path {
			ch <- store.ChildEvent{Type: store.Added, Name: lastSegment(k), Data: v}
		}
	}
	ch <- store.ChildEvent{Type: store.ReplayComplete}
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeChannelStore) Close() error { return nil }

func TestChannelCallRoutesToRegisteredServer(t *testing.T) {
	st := newFakeChannelStore()

	identity := host.Host{Address: "127.0.0.1", Port: 19001}
	svr := server.New(identity, "/discovery", st)
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svr.Start(ctx, "tcp", ":19001")
	time.Sleep(100 * time.Millisecond)

	ch, err := Of("/discovery", st)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Shutdown()

	deadline := time.After(2 * time.Second)
	for len(ch.mirror.Current().Hosts) == 0 {
		select {
		case <-ch.mirror.Changed():
		case <-deadline:
			t.Fatal("timed out waiting for channel to observe the registered server")
		}
	}

	var reply Reply
	if err := ch.Call("Arith.Add", &Args{A: 3, B: 4}, &reply); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Result != 7 {
		t.Fatalf("expected 7, got %d", reply.Result)
	}
}

func TestGetTransportRetriesAfterPartialFillFailure(t *testing.T) {
	// Accept exactly one connection, then stop accepting so any dial beyond
	// the first is refused — simulating a pool that only partially fills.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	c := &Channel{
		codecType:  codec.CodecTypeJSON,
		poolSize:   2,
		logger:     zap.NewNop(),
		transports: make(map[string]chan *transport.ClientTransport),
	}

	if _, err := c.getTransport(addr); err == nil {
		t.Fatal("expected the second dial in the pool fill to fail once the listener stops accepting")
	}
	<-accepted
	ln.Close()

	c.mu.Lock()
	_, leaked := c.transports[addr]
	c.mu.Unlock()
	if leaked {
		t.Fatal("expected the half-filled pool to be removed from transports after a fill failure")
	}

	// A fresh listener on the same address should let a retry succeed.
	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("relisten on %s: %v", addr, err)
	}
	defer ln2.Close()
	go func() {
		for {
			conn, err := ln2.Accept()
			if err != nil {
				return
			}
			_ = conn
		}
	}()

	tr, err := c.getTransport(addr)
	if err != nil {
		t.Fatalf("expected retry after abandoning the failed pool to succeed, got: %v", err)
	}
	if tr == nil {
		t.Fatal("expected a non-nil transport from the retried pool fill")
	}
}

func TestChannelCallNoReadyEndpoint(t *testing.T) {
	st := newFakeChannelStore()
	ch, err := Of("/discovery", st)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Shutdown()

	var reply Reply
	err = ch.Call("Arith.Add", &Args{A: 1, B: 1}, &reply)
	if err == nil {
		t.Fatal("expected an error when no server is registered")
	}
}
