package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"orbit-rpc/codec"
	"orbit-rpc/host"
	"orbit-rpc/message"
	"orbit-rpc/protocol"
	"orbit-rpc/store"
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

// memStore is a minimal in-memory store.Store for exercising the discovery
// lifecycle without a live etcd.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) EnsurePath(context.Context, string) error { return nil }

func (m *memStore) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[path]; ok {
		return store.ErrNodeExists
	}
	m.data[path] = data
	return nil
}

func (m *memStore) SetData(ctx context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[path] = data
	return nil
}

func (m *memStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[path]; !ok {
		return store.ErrNoNode
	}
	delete(m.data, path)
	return nil
}

func (m *memStore) GetData(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[path]
	if !ok {
		return nil, store.ErrNoNode
	}
	return data, nil
}

func (m *memStore) WatchChildren(context.Context, string) (<-chan store.ChildEvent, error) {
	return make(chan store.ChildEvent), nil
}

func (m *memStore) Close() error { return nil }

func TestServer(t *testing.T) {
	identity := host.Host{Address: "127.0.0.1", Port: 18888}
	st := newMemStore()
	svr := New(identity, "/discovery", st)

	if err := svr.Register(&Arith{}); err != nil {
		t.Fatalf("failed to register method: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svr.Start(ctx, "tcp", ":18888")
	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("tcp", ":18888")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload, err := json.Marshal(&Args{1, 2})
	if err != nil {
		t.Fatal(err)
	}

	rpcMessage := message.RPCMessage{
		ServiceMethod: "Arith.Add",
		Payload:       payload,
	}

	cdc := codec.GetCodec(codec.CodecType(protocol.CodecTypeJSON))
	body, err := cdc.Encode(&rpcMessage)
	if err != nil {
		t.Fatal(err)
	}

	header := protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       123,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(conn, &header, body); err != nil {
		t.Fatal(err)
	}

	replyHeader, responseBody, err := protocol.Decode(conn)
	if err != nil {
		t.Fatal(err)
	}
	if replyHeader.Seq != header.Seq {
		t.Fatalf("expected reply seq %v, got %v", header.Seq, replyHeader.Seq)
	}
	if replyHeader.MsgType != protocol.MsgTypeResponse {
		t.Fatalf("expected MsgTypeResponse, got %v", replyHeader.MsgType)
	}

	var responseRPC message.RPCMessage
	if err := cdc.Decode(responseBody, &responseRPC); err != nil {
		t.Fatal(err)
	}

	var reply Reply
	if err := json.Unmarshal(responseRPC.Payload, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("expected result 3, got %v", reply.Result)
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

// neverDeletesStore wraps memStore but makes Delete always report NoNode,
// simulating a rival session's node the local best-effort delete cannot
// clear.
type neverDeletesStore struct {
	*memStore
}

func (n *neverDeletesStore) Delete(context.Context, string) error {
	return store.ErrNoNode
}

func TestServerRegistrationConflict(t *testing.T) {
	identity := host.Host{Address: "127.0.0.1", Port: 18889}
	st := newMemStore()
	nodePath := "/discovery/" + identity.Key()
	data, err := host.Serialize(identity)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CreateEphemeral(context.Background(), nodePath, data); err != nil {
		t.Fatal(err)
	}

	svr := New(identity, "/discovery", &neverDeletesStore{memStore: st})
	err = svr.register(context.Background())
	if !errors.Is(err, ErrRegistrationConflict) {
		t.Fatalf("expected ErrRegistrationConflict, got %v", err)
	}
}
