package network

import (
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/najoast/snipc/core"
)

const pipeReadChunk = 64 * 1024

// PipeTransport is a duplex byte-stream transport over a read descriptor
// and a write descriptor. Both descriptors are non-blocking and owned by
// the transport.
type PipeTransport struct {
	rfd  int
	wfd  int
	opts Options

	recv    *frameBuffer
	readBuf []byte

	// outbound frames; sent counts the bytes of queue[0] already written
	queue [][]byte
	sent  int

	state  int32 // atomic TransportState
	closed int32 // atomic

	messagesSent     int64
	messagesReceived int64
	bytesSent        int64
	bytesReceived    int64
}

// NewPipeTransport wraps existing descriptors and switches them to
// non-blocking mode.
func NewPipeTransport(readFD, writeFD int, opts Options) (*PipeTransport, error) {
	opts = opts.withDefaults()

	if err := unix.SetNonblock(readFD, true); err != nil {
		return nil, fmt.Errorf("failed to set read descriptor non-blocking: %w", err)
	}
	if err := unix.SetNonblock(writeFD, true); err != nil {
		return nil, fmt.Errorf("failed to set write descriptor non-blocking: %w", err)
	}

	return &PipeTransport{
		rfd:     readFD,
		wfd:     writeFD,
		opts:    opts,
		recv:    newFrameBuffer(opts.MaxFrameSize),
		readBuf: make([]byte, pipeReadChunk),
	}, nil
}

// Send frames msg and queues it. It never writes.
func (t *PipeTransport) Send(msg *core.Message) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTransportClosed
	}

	frame, err := EncodeFrame(t.opts.Codec, msg, t.opts.MaxFrameSize)
	if err != nil {
		return err
	}

	t.queue = append(t.queue, frame)
	return nil
}

// PumpSend writes queued frames until the pipe stops accepting data.
// A short write leaves the rest of the frame queued. EAGAIN and EINTR end
// the attempt without error; any other failure is fatal.
func (t *PipeTransport) PumpSend() error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTransportClosed
	}

	for len(t.queue) > 0 {
		front := t.queue[0]
		n, err := unix.Write(t.wfd, front[t.sent:])
		if n > 0 {
			t.sent += n
			atomic.AddInt64(&t.bytesSent, int64(n))
		}
		if err != nil {
			if isTransient(err) {
				return nil
			}
			t.fail()
			if errors.Is(err, unix.EPIPE) {
				return fmt.Errorf("pipe write: %w", ErrPeerClosed)
			}
			return fmt.Errorf("pipe write: %w", err)
		}
		if t.sent < len(front) {
			continue
		}

		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.sent = 0
		atomic.AddInt64(&t.messagesSent, 1)
	}
	return nil
}

// PumpReceive reads everything currently available. A zero-byte read
// means the peer closed its end and is reported as ErrPeerClosed.
func (t *PipeTransport) PumpReceive() error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTransportClosed
	}

	for {
		n, err := unix.Read(t.rfd, t.readBuf)
		if n > 0 {
			t.recv.write(t.readBuf[:n])
			atomic.AddInt64(&t.bytesReceived, int64(n))
			if perr := t.recv.check(); perr != nil {
				t.fail()
				return perr
			}
			continue
		}
		if err != nil {
			if isTransient(err) {
				return nil
			}
			t.fail()
			return fmt.Errorf("pipe read: %w", err)
		}
		t.fail()
		return ErrPeerClosed
	}
}

// MessageAvailable reports whether a whole frame is buffered.
func (t *PipeTransport) MessageAvailable() bool {
	return t.recv.available()
}

// TakeMessage removes exactly one frame from the receive buffer.
func (t *PipeTransport) TakeMessage() (*core.Message, error) {
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

func (t *PipeTransport) ReadFD() int  { return t.rfd }
func (t *PipeTransport) WriteFD() int { return t.wfd }

// WantsWrite reports whether frames are waiting to be written.
func (t *PipeTransport) WantsWrite() bool {
	return len(t.queue) > 0
}

func (t *PipeTransport) Kind() TransportKind { return TransportPipe }

// State returns the current transport state.
func (t *PipeTransport) State() TransportState {
	return TransportState(atomic.LoadInt32(&t.state))
}

// Stats returns transport statistics.
func (t *PipeTransport) Stats() TransportStats {
	return TransportStats{
		MessagesSent:     atomic.LoadInt64(&t.messagesSent),
		MessagesReceived: atomic.LoadInt64(&t.messagesReceived),
		BytesSent:        atomic.LoadInt64(&t.bytesSent),
		BytesReceived:    atomic.LoadInt64(&t.bytesReceived),
		QueuedFrames:     len(t.queue),
	}
}

// Close closes both descriptors.
func (t *PipeTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	atomic.StoreInt32(&t.state, int32(TransportStateClosed))

	var errs []error
	if err := unix.Close(t.rfd); err != nil {
		errs = append(errs, err)
	}
	if t.wfd != t.rfd {
		if err := unix.Close(t.wfd); err != nil {
			errs = append(errs, err)
		}
	}
	t.queue = nil
	return errors.Join(errs...)
}

func (t *PipeTransport) fail() {
	atomic.CompareAndSwapInt32(&t.state, int32(TransportStateOpen), int32(TransportStateFailed))
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// PipeEndpoints are the four descriptors of a duplex pipe pairing between
// a parent and a child process.
type PipeEndpoints struct {
	ParentRead  int
	ParentWrite int
	ChildRead   int
	ChildWrite  int
}

// NewPipeEndpoints creates two pipes. All four descriptors are
// close-on-exec; the child's ends are passed explicitly when spawning.
func NewPipeEndpoints() (PipeEndpoints, error) {
	toParentR, toParentW, err := newPipe()
	if err != nil {
		return PipeEndpoints{}, err
	}
	toChildR, toChildW, err := newPipe()
	if err != nil {
		unix.Close(toParentR)
		unix.Close(toParentW)
		return PipeEndpoints{}, err
	}

	return PipeEndpoints{
		ParentRead:  toParentR,
		ParentWrite: toChildW,
		ChildRead:   toChildR,
		ChildWrite:  toParentW,
	}, nil
}

// CloseParent closes the parent's descriptors.
func (e PipeEndpoints) CloseParent() {
	unix.Close(e.ParentRead)
	unix.Close(e.ParentWrite)
}

// CloseChild closes the child's descriptors.
func (e PipeEndpoints) CloseChild() {
	unix.Close(e.ChildRead)
	unix.Close(e.ChildWrite)
}

// NewPipePair returns two connected transports, for peers inside one
// process.
func NewPipePair(opts Options) (*PipeTransport, *PipeTransport, error) {
	ends, err := NewPipeEndpoints()
	if err != nil {
		return nil, nil, err
	}

	a, err := NewPipeTransport(ends.ParentRead, ends.ParentWrite, opts)
	if err != nil {
		ends.CloseParent()
		ends.CloseChild()
		return nil, nil, err
	}
	b, err := NewPipeTransport(ends.ChildRead, ends.ChildWrite, opts)
	if err != nil {
		a.Close()
		ends.CloseChild()
		return nil, nil, err
	}
	return a, b, nil
}

// newPipe creates a close-on-exec pipe. ForkLock keeps a concurrent
// fork from inheriting the descriptors before the flag is set.
func newPipe() (int, int, error) {
	var p [2]int

	syscall.ForkLock.RLock()
	err := unix.Pipe(p[:])
	if err == nil {
		unix.CloseOnExec(p[0])
		unix.CloseOnExec(p[1])
	}
	syscall.ForkLock.RUnlock()

	if err != nil {
		return -1, -1, fmt.Errorf("failed to create pipe: %w", err)
	}
	return p[0], p[1], nil
}
