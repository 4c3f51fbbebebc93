// Package server implements the RPC server: service registration, middleware
// chain, parallel request processing, and the discovery lifecycle that
// registers a Host in the coordination store and keeps its load and
// quarantine state published for the lifetime of the process.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write response
//
// Discovery lifecycle, driven by Start:
//
//	ensurePath → best-effort delete of a stale node → createEphemeral →
//	spawn the load publisher → Accept loop
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"orbit-rpc/codec"
	"orbit-rpc/host"
	"orbit-rpc/message"
	"orbit-rpc/middleware"
	"orbit-rpc/protocol"
	"orbit-rpc/publisher"
	"orbit-rpc/quarantine"
	"orbit-rpc/store"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// ErrRegistrationConflict is returned by Start when another live server
// already owns the ephemeral node for this Host's address:port — i.e. the
// best-effort delete of a stale node did not clear it because a session
// other than this process's still holds it.
var ErrRegistrationConflict = errors.New("server: registration conflict")

// Server is the RPC server that registers services, handles incoming
// requests, and publishes this process's membership under a discovery path.
type Server struct {
	identity      host.Host
	discoveryPath string
	nodePath      string
	store         store.Store
	logger        *zap.Logger
	maxMsgSize    int
	pubInterval   time.Duration

	serviceMap  map[string]*service
	listener    net.Listener
	wg          sync.WaitGroup
	shutdown    atomic.Bool
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	queue      *publisher.LoadQueue
	flag       *quarantine.Flag
	publisher  *publisher.Publisher
	quarantine *quarantine.Controller
	pubCancel  context.CancelFunc
}

// Option configures a Server built by New.
type Option func(*Server)

// WithLogger attaches a structured logger; defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithLoadUpdateInterval overrides the load publisher's debounce window
// (default publisher.DefaultInterval).
func WithLoadUpdateInterval(d time.Duration) Option {
	return func(s *Server) { s.pubInterval = d }
}

// WithMaxMessageSize overrides protocol.DefaultMaxMessageSize for frames
// this server accepts.
func WithMaxMessageSize(n int) Option {
	return func(s *Server) { s.maxMsgSize = n }
}

// New builds a Server identified by identity, whose ephemeral node will live
// under discoveryPath. It does not touch the coordination store or the
// network until Start is called.
func New(identity host.Host, discoveryPath string, st store.Store, opts ...Option) *Server {
	s := &Server{
		identity:      identity,
		discoveryPath: discoveryPath,
		nodePath:      discoveryPath + "/" + identity.Key(),
		store:         st,
		logger:        zap.NewNop(),
		maxMsgSize:    protocol.DefaultMaxMessageSize,
		pubInterval:   publisher.DefaultInterval,
		serviceMap:    make(map[string]*service),
		queue:         publisher.NewLoadQueue(),
		flag:          quarantine.NewFlag(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.quarantine = quarantine.New(identity, s.nodePath, st, func() int32 {
		if s.publisher != nil {
			return s.publisher.LastLoad()
		}
		return 0
	}, s.logger)
	s.flag = s.quarantine.Flag()
	return s
}

// Register registers a service receiver (e.g., &Arith{}) with the server.
// The struct's exported methods that match the RPC signature will be
// available for remote calls.
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added, wrapping the business handler in an onion: Use(A); Use(B) runs
// A.before → B.before → handler → B.after → A.after.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Start runs the discovery lifecycle and then blocks in the Accept loop
// until Shutdown is called or a fatal listener error occurs.
//
//  1. build the RPC listener
//  2. ensurePath(discoveryPath); best-effort delete of a stale node at this
//     host's child path (NoNode is tolerated); createEphemeral with the
//     initial Host (load=0, quarantined=false)
//  3. spawn the load publisher
func (svr *Server) Start(ctx context.Context, network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	svr.listener = listener

	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	if err := svr.register(ctx); err != nil {
		listener.Close()
		return err
	}

	pubCtx, cancel := context.WithCancel(ctx)
	svr.pubCancel = cancel
	svr.publisher = publisher.New(svr.queue, svr.flag, svr.identity, svr.nodePath, svr.store,
		publisher.WithLogger(svr.logger), publisher.WithInterval(svr.pubInterval))
	go svr.publisher.Run(pubCtx)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// register performs step 2 of the startup sequence: ensurePath, best-effort
// delete of a stale node, then createEphemeral with the initial Host record.
func (svr *Server) register(ctx context.Context) error {
	if err := svr.store.EnsurePath(ctx, svr.discoveryPath); err != nil {
		return fmt.Errorf("server: ensure discovery path: %w", err)
	}

	if err := svr.store.Delete(ctx, svr.nodePath); err != nil && !errors.Is(err, store.ErrNoNode) {
		svr.logger.Warn("server: best-effort delete of stale node failed", zap.Error(err))
	}

	initial := svr.identity
	initial.Metadata = host.Metadata{Load: 0, Quarantined: false}
	data, err := host.Serialize(initial)
	if err != nil {
		return fmt.Errorf("server: serialize initial host: %w", err)
	}

	if err := svr.store.CreateEphemeral(ctx, svr.nodePath, data); err != nil {
		if errors.Is(err, store.ErrNodeExists) {
			return fmt.Errorf("%w: %s", ErrRegistrationConflict, svr.nodePath)
		}
		return fmt.Errorf("server: create ephemeral node: %w", err)
	}
	return nil
}

// AssignLoad enqueues a load sample for the publisher to debounce and
// eventually write to the coordination store.
func (svr *Server) AssignLoad(n int32) {
	svr.queue.Push(n)
}

// EnterQuarantine flips the quarantine flag and propagates it to the store.
func (svr *Server) EnterQuarantine(ctx context.Context) error {
	return svr.quarantine.EnterQuarantine(ctx)
}

// ExitQuarantine clears the quarantine flag and propagates it to the store.
func (svr *Server) ExitQuarantine(ctx context.Context) error {
	return svr.quarantine.ExitQuarantine(ctx)
}

// handleConn processes a single TCP connection. It runs a read loop in a
// single goroutine (reads must be sequential to parse frame boundaries), but
// dispatches each request to its own goroutine for parallel processing.
//
// A per-connection write mutex (writeMu) is shared among all request
// goroutines on this connection, preventing frame interleaving when multiple
// goroutines write responses concurrently.
func (svr *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.DecodeLimit(conn, svr.maxMsgSize)
		if err != nil {
			break
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		svr.wg.Add(1)
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

// handleRequest processes a single RPC request: decode → middleware →
// business logic → encode → write.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	msg := message.RPCMessage{}
	if err := c.Decode(body, &msg); err != nil {
		svr.logger.Warn("server: failed to decode request body", zap.Error(err))
		return
	}

	rpcMessage := svr.handler(context.Background(), &msg)

	writeMu.Lock()
	defer writeMu.Unlock()

	result, err := c.Encode(rpcMessage)
	if err != nil {
		svr.logger.Error("server: failed to encode method result", zap.Error(err))
		return
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
		BodyLen:   uint32(len(result)),
	}
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.logger.Error("server: failed to write reply frame", zap.Error(err))
	}
}

// Shutdown cancels the publisher, stops accepting new connections, and waits
// for in-flight requests to finish (bounded by timeout). The ephemeral node
// disappears automatically on session close; an explicit delete is not
// required. Errors from each step are aggregated rather than short-circuited,
// so a slow drain doesn't hide a listener-close failure.
func (svr *Server) Shutdown(timeout time.Duration) error {
	var result *multierror.Error

	if svr.pubCancel != nil {
		svr.pubCancel()
	}

	svr.shutdown.Store(true)
	if svr.listener != nil {
		if err := svr.listener.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("server: close listener: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		result = multierror.Append(result, fmt.Errorf("server: timeout waiting for in-flight requests"))
	}

	return result.ErrorOrNil()
}

// businessHandler dispatches RPC requests to registered services.
//
// Flow: parse "Service.Method" → find service → find method → reflect.New(args) →
// json.Unmarshal(payload, args) → reflect.Call → json.Marshal(reply) → return RPCMessage
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	split := strings.Split(req.ServiceMethod, ".")
	if len(split) != 2 {
		return &message.RPCMessage{Error: "invalid service method format"}
	}
	serviceName := split[0]
	methodName := split[1]

	svc, ok := svr.serviceMap[serviceName]
	if !ok {
		return &message.RPCMessage{Error: fmt.Sprintf("unknown service: %s", serviceName)}
	}
	method, ok := svc.method[methodName]
	if !ok {
		return &message.RPCMessage{Error: fmt.Sprintf("unknown method: %s", req.ServiceMethod)}
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)

	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		return &message.RPCMessage{Error: err.Error()}
	}

	methodErr := svc.Call(method, argv, replyv)

	replyMessage, err := json.Marshal(replyv.Interface())
	if err != nil {
		svr.logger.Error("server: failed to marshal method result", zap.Error(err))
	}

	rpcMessage := &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       replyMessage,
	}
	if methodErr != nil {
		rpcMessage.Error = methodErr.Error()
	}
	return rpcMessage
}
