// Package channel implements the client side of the RPC connection: a
// picker-driven Call surface backed by a pool of multiplexed transports, one
// pool per live subchannel address.
//
// Channel is grounded on client.Client's transport-pool-per-address design,
// with registry.Discover + loadbalance.Balancer replaced by a
// membership.Mirror feeding a picker.WeightedPicker, so host selection reads
// a locally cached snapshot instead of making a synchronous discovery call
// on every RPC.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"orbit-rpc/codec"
	"orbit-rpc/membership"
	"orbit-rpc/picker"
	"orbit-rpc/store"
	"orbit-rpc/transport"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// DefaultPoolSize is the number of transports kept warm per subchannel
// address.
const DefaultPoolSize = 4

// Channel is a client-side handle configured with the weighted picker
// policy against a discovery path. One Channel serves any number of
// concurrent Call invocations.
type Channel struct {
	mirror     *membership.Mirror
	picker     *picker.WeightedPicker
	store      store.Store
	closeStore bool
	logger     *zap.Logger

	codecType codec.CodecType
	poolSize  int

	mu         sync.Mutex
	transports map[string]chan *transport.ClientTransport

	cancel context.CancelFunc
}

// Option configures a Channel built by Of.
type Option func(*Channel)

// WithPoolSize overrides DefaultPoolSize.
func WithPoolSize(n int) Option {
	return func(c *Channel) { c.poolSize = n }
}

// WithCodec selects the wire codec used for outgoing requests.
func WithCodec(t codec.CodecType) Option {
	return func(c *Channel) { c.codecType = t }
}

// WithLogger attaches a structured logger; defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithCloseStoreOnShutdown makes Shutdown also close the underlying store
// client. Off by default, since the caller usually owns that connection and
// may share it with a server on the same process.
func WithCloseStoreOnShutdown() Option {
	return func(c *Channel) { c.closeStore = true }
}

// Of constructs a Channel configured with the weighted round-robin policy
// against discoveryPath, subscribing a membership mirror to st.
func Of(discoveryPath string, st store.Store, opts ...Option) (*Channel, error) {
	c := &Channel{
		store:      st,
		codecType:  codec.CodecTypeJSON,
		poolSize:   DefaultPoolSize,
		logger:     zap.NewNop(),
		transports: make(map[string]chan *transport.ClientTransport),
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mirror = membership.New(discoveryPath, st, c.logger)
	go c.mirror.Run(ctx)
	c.picker = picker.New(c.mirror)

	return c, nil
}

// getTransport returns a transport from addr's pool. The first call for addr
// creates the pool and dials poolSize transports into it; later calls dial
// nothing and, when the pool is empty, block until a transport is put back.
func (c *Channel) getTransport(addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	pool, ok := c.transports[addr]
	if !ok {
		pool = make(chan *transport.ClientTransport, c.poolSize)
		c.transports[addr] = pool
	}
	c.mu.Unlock()

	if !ok {
		for i := 0; i < c.poolSize; i++ {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				c.abandonPool(addr, pool)
				return nil, fmt.Errorf("channel: dial %s: %w", addr, err)
			}
			pool <- transport.NewClientTransport(conn, c.codecType)
		}
	}

	return <-pool, nil
}

// abandonPool discards a pool that failed to fill completely: it is removed
// from c.transports (so the next getTransport call for addr starts a fresh
// dial sequence rather than draining the handful of transports that did
// connect and then blocking forever), and whatever transports it already
// holds are closed.
func (c *Channel) abandonPool(addr string, pool chan *transport.ClientTransport) {
	c.mu.Lock()
	if c.transports[addr] == pool {
		delete(c.transports, addr)
	}
	c.mu.Unlock()

	close(pool)
	for t := range pool {
		t.Conn().Close()
	}
}

func (c *Channel) putTransport(addr string, t *transport.ClientTransport) {
	c.mu.Lock()
	pool, ok := c.transports[addr]
	c.mu.Unlock()
	if !ok {
		t.Conn().Close()
		return
	}
	pool <- t
}

// Call picks a live, non-quarantined subchannel via the weighted policy and
// issues serviceMethod against it, unmarshaling the response payload into
// reply. Returns picker.ErrNoReadyEndpoint if every known host is
// quarantined or the membership snapshot is empty.
func (c *Channel) Call(serviceMethod string, args any, reply any) error {
	if strings.Count(serviceMethod, ".") != 1 {
		return fmt.Errorf("channel: invalid serviceMethod format: %v", serviceMethod)
	}

	h, err := c.picker.Pick()
	if err != nil {
		return err
	}

	addr := h.Key()
	t, err := c.getTransport(addr)
	if err != nil {
		return err
	}
	defer c.putTransport(addr, t)

	_, ch, err := t.Send(serviceMethod, args)
	if err != nil {
		return err
	}

	resp := <-ch
	if resp.Error != "" {
		return fmt.Errorf("channel: server error: %v", resp.Error)
	}

	return json.Unmarshal(resp.Payload, reply)
}

// Shutdown tears down the membership mirror, closes every subchannel's pooled
// transports, and — if WithCloseStoreOnShutdown was set — closes the
// underlying store client. Errors from each closed connection are
// aggregated rather than abandoning the rest of the teardown on the first
// failure.
func (c *Channel) Shutdown() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	var result *multierror.Error
	for addr, pool := range c.transports {
		close(pool)
		for t := range pool {
			if err := t.Conn().Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("channel: close transport to %s: %w", addr, err))
			}
		}
		delete(c.transports, addr)
	}

	if c.closeStore {
		if err := c.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("channel: close store: %w", err))
		}
	}

	return result.ErrorOrNil()
}
