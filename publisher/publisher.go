package publisher

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"orbit-rpc/host"
	"orbit-rpc/metrics"
	"orbit-rpc/quarantine"
	"orbit-rpc/store"
	"orbit-rpc/telemetry"
)

// DefaultInterval is the default debounce window (loadUpdateInterval).
const DefaultInterval = 100 * time.Millisecond

// Publisher is the long-running per-server task that drains a LoadQueue and
// writes debounced updates to the coordination store, unless the server is
// quarantined. Cancel its context to stop it; cancellation discards any
// pending debounced value rather than flushing it, since the store adapter's
// SetData is atomic per-node and a half-applied write is not possible either
// way.
type Publisher struct {
	queue    *LoadQueue
	flag     *quarantine.Flag
	interval time.Duration
	identity host.Host
	path     string
	store    store.Store
	logger   *zap.Logger

	lastLoad atomic.Int32
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(p *Publisher) { p.interval = d }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// New builds a Publisher for the server identified by identity, writing
// debounced load values to nodePath.
func New(queue *LoadQueue, flag *quarantine.Flag, identity host.Host, nodePath string, st store.Store, opts ...Option) *Publisher {
	p := &Publisher{
		queue:    queue,
		flag:     flag,
		interval: DefaultInterval,
		identity: identity,
		path:     nodePath,
		store:    st,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LastLoad returns the most recent debounced value this Publisher emitted,
// including values whose store write was skipped because the server was
// quarantined. quarantine.Controller uses this to fill in the
// Load field of its own propagated writes, so a quarantine transition never
// clobbers the last observed load with a stale zero.
func (p *Publisher) LastLoad() int32 {
	return p.lastLoad.Load()
}

// Run drains the LoadQueue, debouncing samples with the configured interval,
// until ctx is cancelled or the queue is closed. It is intended to be
// launched in its own goroutine by the server lifecycle (component G), which
// owns the context's cancel function.
func (p *Publisher) Run(ctx context.Context) {
	var pending *int32
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for {
		select {
		case v, ok := <-p.queue.C():
			if !ok {
				return
			}
			sample := v
			pending = &sample
			if timer == nil {
				timer = time.NewTimer(p.interval)
			} else {
				stopTimer()
				timer.Reset(p.interval)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if pending != nil {
				p.emit(ctx, *pending)
				pending = nil
			}

		case <-ctx.Done():
			return
		}
	}
}

// emit writes one debounced value to the store, unless the server is
// currently quarantined — in which case the write is skipped and only
// logged. Reads the QuarantineFlag directly rather than a cached Host
// record, so a flag flip is always visible to the very next emitted sample.
func (p *Publisher) emit(ctx context.Context, value int32) {
	ctx, end := telemetry.StartSpan(ctx, "publisher.emit")
	defer end()

	p.lastLoad.Store(value)

	if p.flag.Get() {
		p.logger.Debug("publisher: skipping write while quarantined",
			zap.String("host", p.identity.Key()), zap.Int32("load", value))
		return
	}

	h := p.identity
	h.Metadata = host.Metadata{Load: value, Quarantined: false}
	data, err := host.Serialize(h)
	if err != nil {
		p.logger.Error("publisher: failed to serialize host", zap.Error(err))
		return
	}

	start := time.Now()
	err = p.store.SetData(ctx, p.path, data)
	metrics.ObservePublisherWrite(time.Since(start))
	if err != nil {
		// Best-effort: log and continue. The next emitted value retries.
		metrics.RecordPublisherWriteFailure()
		p.logger.Warn("publisher: write failed, will retry on next sample",
			zap.String("host", p.identity.Key()), zap.Error(err))
	}
}
