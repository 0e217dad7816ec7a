package network

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/shm"
)

// RingSide tells which end of a ring pair a transport is.
type RingSide int

const (
	// RingCreator formats the segment and writes to the first ring
	RingCreator RingSide = iota

	// RingOpener attaches to the segment and writes to the second ring
	RingOpener
)

// DefaultRingCapacity is the data capacity of each ring in a pair.
const DefaultRingCapacity = 256 * 1024

// RingOptions configures a RingTransport.
type RingOptions struct {
	Options

	// Capacity of each ring; only used by the creator
	Capacity int

	// WriteTimeout bounds a blocked write; NoTimeout waits forever
	WriteTimeout time.Duration

	// PollInterval bounds each wait of the reader goroutine
	PollInterval time.Duration

	// Logger receives diagnostics
	Logger *slog.Logger
}

func (o RingOptions) withDefaults() RingOptions {
	o.Options = o.Options.withDefaults()
	if o.Capacity <= 0 {
		o.Capacity = DefaultRingCapacity
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// RingPairSize returns the segment payload size needed for two rings of
// the given capacity.
func RingPairSize(capacity int) int {
	return 2 * RingSize(alignRing(capacity))
}

func alignRing(capacity int) int {
	return (capacity + 7) &^ 7
}

// NewRingSegment creates a segment sized for a ring pair.
func NewRingSegment(mgr *shm.Manager, capacity int) (*shm.Segment, shm.Identifier, error) {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return mgr.Create(RingPairSize(capacity))
}

// RingTransport carries frames over a pair of shared-memory rings. Send
// only queues; a dedicated writer goroutine drains the queue into the
// ring and is the only place allowed to block on a full ring. A reader
// goroutine waits for the "not empty" signal and pokes a wake pipe whose
// read end is what the event loop polls.
type RingTransport struct {
	seg    *shm.Segment
	tx     *Ring
	rx     *Ring
	opts   RingOptions
	logger *slog.Logger

	recv    *frameBuffer
	readBuf []byte

	wakeR int
	wakeW int

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	writeErr error
	closing  bool

	done chan struct{}
	wg   sync.WaitGroup

	state  int32
	closed int32

	messagesSent     int64
	messagesReceived int64
	bytesSent        int64
	bytesReceived    int64
}

// NewRingTransport builds a transport over seg. The creator formats both
// rings; the opener attaches to them. The transport takes ownership of seg
// and closes it on Close.
func NewRingTransport(seg *shm.Segment, side RingSide, opts RingOptions) (*RingTransport, error) {
	opts = opts.withDefaults()

	first, second, err := layoutRings(seg, side, opts.Capacity)
	if err != nil {
		return nil, err
	}

	wakeR, wakeW, err := newPipe()
	if err != nil {
		return nil, err
	}
	if err := setNonblockPair(wakeR, wakeW); err != nil {
		unix.Close(wakeR)
		unix.Close(wakeW)
		return nil, err
	}

	t := &RingTransport{
		seg:     seg,
		opts:    opts,
		logger:  opts.Logger.With("segment", seg.ID().String()),
		recv:    newFrameBuffer(opts.MaxFrameSize),
		readBuf: make([]byte, pipeReadChunk),
		wakeR:   wakeR,
		wakeW:   wakeW,
		done:    make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)

	if side == RingCreator {
		t.tx, t.rx = first, second
	} else {
		t.tx, t.rx = second, first
	}

	t.wg.Add(2)
	go t.writeLoop()
	go t.readLoop()

	return t, nil
}

// layoutRings formats or attaches the two rings inside seg's payload.
func layoutRings(seg *shm.Segment, side RingSide, capacity int) (*Ring, *Ring, error) {
	payload := seg.Payload()
	lock := seg.Lock()

	switch side {
	case RingCreator:
		capacity = alignRing(capacity)
		size := RingSize(capacity)
		if len(payload) < 2*size {
			return nil, nil, fmt.Errorf("%w: segment of %d bytes cannot hold two rings of %d", ErrRingLayout, len(payload), capacity)
		}
		first, err := InitRing(payload[:size], capacity, lock)
		if err != nil {
			return nil, nil, err
		}
		second, err := InitRing(payload[size:2*size], capacity, lock)
		if err != nil {
			return nil, nil, err
		}
		return first, second, nil

	case RingOpener:
		first, err := AttachRing(payload, lock)
		if err != nil {
			return nil, nil, err
		}
		size := RingSize(first.Capacity())
		if len(payload) < 2*size {
			return nil, nil, fmt.Errorf("%w: second ring missing", ErrRingLayout)
		}
		second, err := AttachRing(payload[size:2*size], lock)
		if err != nil {
			return nil, nil, err
		}
		return first, second, nil

	default:
		return nil, nil, fmt.Errorf("unknown ring side %d", side)
	}
}

// Segment returns the shared segment carrying the rings.
func (t *RingTransport) Segment() *shm.Segment {
	return t.seg
}

// Send frames msg and hands it to the writer goroutine.
func (t *RingTransport) Send(msg *core.Message) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTransportClosed
	}

	frame, err := EncodeFrame(t.opts.Codec, msg, t.opts.MaxFrameSize)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.queue = append(t.queue, frame)
	t.cond.Signal()
	return nil
}

// writeLoop is the write-ready callback: it owns all writes to tx.
func (t *RingTransport) writeLoop() {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closing {
			t.cond.Wait()
		}
		if t.closing {
			t.mu.Unlock()
			return
		}
		frame := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.mu.Unlock()

		if err := t.tx.Write(frame, t.opts.WriteTimeout); err != nil {
			if errors.Is(err, ErrRingClosed) {
				err = fmt.Errorf("ring write: %w", ErrPeerClosed)
			} else {
				err = fmt.Errorf("ring write: %w", err)
			}
			t.mu.Lock()
			t.writeErr = err
			t.queue = nil
			t.mu.Unlock()
			t.logger.Warn("ring writer stopped", "error", err)
			t.poke()
			return
		}

		atomic.AddInt64(&t.messagesSent, 1)
		atomic.AddInt64(&t.bytesSent, int64(len(frame)))
	}
}

// readLoop turns "not empty" signals into wake pipe readiness.
func (t *RingTransport) readLoop() {
	defer t.wg.Done()

	seq := t.rx.DataSeq()
	if t.rx.Readable() > 0 {
		t.poke()
	}

	for {
		select {
		case <-t.done:
			return
		default:
		}

		t.rx.WaitData(seq, t.opts.PollInterval)
		if next := t.rx.DataSeq(); next != seq {
			seq = next
			t.poke()
		}
		if t.rx.Closed() {
			t.poke()
			return
		}
	}
}

func (t *RingTransport) poke() {
	unix.Write(t.wakeW, []byte{1})
}

// PumpSend reports a failure of the writer goroutine; writing itself
// happens there.
func (t *RingTransport) PumpSend() error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTransportClosed
	}

	t.mu.Lock()
	err := t.writeErr
	t.mu.Unlock()
	if err != nil {
		t.fail()
	}
	return err
}

// PumpReceive copies available ring bytes into the receive buffer.
func (t *RingTransport) PumpReceive() error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTransportClosed
	}

	t.drainWake()

	for {
		n, err := t.rx.Read(t.readBuf)
		if err != nil {
			t.fail()
			return fmt.Errorf("ring read: %w", err)
		}
		if n == 0 {
			break
		}
		t.recv.write(t.readBuf[:n])
		atomic.AddInt64(&t.bytesReceived, int64(n))
		if perr := t.recv.check(); perr != nil {
			t.fail()
			return perr
		}
	}

	if err := t.PumpSend(); err != nil {
		return err
	}
	if t.rx.Closed() && t.rx.Readable() == 0 && !t.recv.available() {
		t.fail()
		return ErrPeerClosed
	}
	return nil
}

func (t *RingTransport) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(t.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// MessageAvailable reports whether a whole frame is buffered.
func (t *RingTransport) MessageAvailable() bool {
	return t.recv.available()
}

// TakeMessage removes exactly one frame from the receive buffer.
func (t *RingTransport) TakeMessage() (*core.Message, error) {
	if !t.recv.available() {
		if err := t.recv.check(); err != nil {
			return nil, err
		}
		return nil, ErrNoMessage
	}

	msg, err := t.recv.next(t.opts.Codec)
	if err != nil {
		t.fail()
		return nil, err
	}
	atomic.AddInt64(&t.messagesReceived, 1)
	return msg, nil
}

func (t *RingTransport) ReadFD() int         { return t.wakeR }
func (t *RingTransport) WriteFD() int        { return -1 }
func (t *RingTransport) WantsWrite() bool    { return false }
func (t *RingTransport) Kind() TransportKind { return TransportRing }

// State returns the current transport state.
func (t *RingTransport) State() TransportState {
	return TransportState(atomic.LoadInt32(&t.state))
}

// Stats returns transport statistics.
func (t *RingTransport) Stats() TransportStats {
	t.mu.Lock()
	queued := len(t.queue)
	t.mu.Unlock()

	return TransportStats{
		MessagesSent:     atomic.LoadInt64(&t.messagesSent),
		MessagesReceived: atomic.LoadInt64(&t.messagesReceived),
		BytesSent:        atomic.LoadInt64(&t.bytesSent),
		BytesReceived:    atomic.LoadInt64(&t.bytesReceived),
		QueuedFrames:     queued,
	}
}

// Close stops both goroutines, marks both rings closed for the peer and
// drops this process's reference to the segment.
func (t *RingTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	atomic.StoreInt32(&t.state, int32(TransportStateClosed))

	t.mu.Lock()
	t.closing = true
	t.cond.Broadcast()
	t.mu.Unlock()

	t.tx.Close()
	t.rx.Close()
	close(t.done)
	t.wg.Wait()

	unix.Close(t.wakeR)
	unix.Close(t.wakeW)

	return t.seg.Close()
}

func (t *RingTransport) fail() {
	atomic.CompareAndSwapInt32(&t.state, int32(TransportStateOpen), int32(TransportStateFailed))
}

func setNonblockPair(a, b int) error {
	if err := unix.SetNonblock(a, true); err != nil {
		return err
	}
	return unix.SetNonblock(b, true)
}
