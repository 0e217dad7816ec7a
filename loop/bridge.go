package loop

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/najoast/snipc/core"
)

// ErrBridgeClosed is returned by Post after Close.
var ErrBridgeClosed = errors.New("bridge closed")

// Bridge hands messages from foreign goroutines to the loop goroutine.
// Post appends to a locked FIFO and wakes the loop; the loop drains the
// FIFO and redelivers each message locally. Order is kept per poster.
type Bridge struct {
	logger *slog.Logger
	waker  *waker

	mu      sync.Mutex
	queue   []*core.Message
	deliver core.Deliverer
	closed  bool

	posted    atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewBridge creates a bridge delivering to d. d may be set later with
// SetDeliverer.
func NewBridge(d core.Deliverer, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := newWaker()
	if err != nil {
		return nil, err
	}
	return &Bridge{
		logger:  logger,
		waker:   w,
		deliver: d,
	}, nil
}

// SetDeliverer replaces the local delivery path.
func (b *Bridge) SetDeliverer(d core.Deliverer) {
	b.mu.Lock()
	b.deliver = d
	b.mu.Unlock()
}

// Post queues msg and wakes the loop. It is safe for concurrent use and
// takes ownership of msg.
func (b *Bridge) Post(msg *core.Message) error {
	if msg == nil {
		return core.ErrNilMessage
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	b.queue = append(b.queue, msg)
	if len(b.queue) == 1 {
		b.waker.wake()
	}
	b.mu.Unlock()

	b.posted.Add(1)
	return nil
}

// Drain delivers every queued message on the calling goroutine and
// returns how many were delivered.
func (b *Bridge) Drain() int {
	b.mu.Lock()
	queue := b.queue
	b.queue = nil
	d := b.deliver
	b.mu.Unlock()

	n := 0
	for _, msg := range queue {
		if d == nil {
			b.dropped.Add(1)
			b.logger.Warn("posted message dropped, no deliverer", "type", msg.Type)
			continue
		}
		if err := d.Deliver(msg); err != nil {
			b.dropped.Add(1)
			b.logger.Warn("posted message not delivered",
				"type", msg.Type,
				"destination", msg.Destination.String(),
				"error", err)
			continue
		}
		n++
	}
	b.delivered.Add(int64(n))
	return n
}

// Pending returns the number of queued messages.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// BridgeStats contains bridge counters
type BridgeStats struct {
	Posted    int64 `json:"posted"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// Stats returns bridge counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Posted:    b.posted.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

func (b *Bridge) Fds() (int, int) { return b.waker.r, -1 }
func (b *Bridge) WantsWrite() bool { return false }
func (b *Bridge) HandleWrite() error { return nil }

// HandleRead drains the wake pipe and then the queue.
func (b *Bridge) HandleRead() error {
	b.waker.drain()
	b.Drain()
	return nil
}

func (b *Bridge) HandleError(err error) {
	b.logger.Error("bridge wake failed", "error", err)
}

// Close rejects further posts and drops anything still queued.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	dropped := len(b.queue)
	b.queue = nil
	b.mu.Unlock()

	if dropped > 0 {
		b.dropped.Add(int64(dropped))
		b.logger.Warn("bridge closed with pending messages", "count", dropped)
	}
	return b.waker.close()
}
