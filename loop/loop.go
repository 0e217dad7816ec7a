// Package loop implements the single-threaded cooperative event loop that
// waits on transport descriptors and schedules the owner's run slice.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// NoLimit disables a deadline. It is an explicit value; a zero duration
// means "now".
const NoLimit time.Duration = math.MaxInt64

const (
	DefaultMaxNesting  = 8
	DefaultPumpTimeout = 100 * time.Millisecond
)

var (
	// ErrNestingTooDeep is returned by PumpNow past the nesting bound
	ErrNestingTooDeep = errors.New("event loop nesting too deep")

	// ErrAlreadyRegistered is returned when a handler is registered twice
	ErrAlreadyRegistered = errors.New("handler already registered")

	// ErrBadDescriptor is passed to HandleError for an invalid descriptor
	ErrBadDescriptor = errors.New("invalid descriptor")
)

// State is the scheduling state of a Loop.
type State int32

const (
	StateIdle State = iota
	StateWaitingForIO
	StateDispatching
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForIO:
		return "waiting"
	case StateDispatching:
		return "dispatching"
	default:
		return "unknown"
	}
}

// Handler is a pollable event source. Handlers must be comparable,
// normally pointers.
type Handler interface {
	// Fds returns the descriptors to poll; write may be -1
	Fds() (read, write int)

	// WantsWrite reports whether the write descriptor should be polled
	WantsWrite() bool

	// HandleRead is called when the read descriptor is ready or hung up
	HandleRead() error

	// HandleWrite is called when the write descriptor is ready
	HandleWrite() error

	// HandleError receives every error returned by HandleRead or
	// HandleWrite. It usually unregisters the handler.
	HandleError(err error)
}

// RunSliceFunc is the owner's periodic callback. It returns the delay
// until it wants to run again: 0 for immediately, NoLimit for never.
type RunSliceFunc func() time.Duration

// Options configures a Loop.
type Options struct {
	MaxNesting  int
	PumpTimeout time.Duration
	Logger      *slog.Logger
}

// Loop multiplexes handler descriptors with poll(2). It is driven by one
// goroutine; Stop, Wake, RequestRunSlice and SetMaxNesting may be called
// from any goroutine.
type Loop struct {
	logger      *slog.Logger
	waker       *waker
	pumpTimeout time.Duration
	maxNesting  atomic.Int32
	nesting     int32

	mu       sync.Mutex
	handlers []Handler
	bridge   *Bridge
	runSlice RunSliceFunc
	deadline time.Time
	armed    bool

	state   atomic.Int32
	stopped atomic.Bool
	closed  atomic.Bool
}

// New creates a loop.
func New(opts Options) (*Loop, error) {
	if opts.MaxNesting <= 0 {
		opts.MaxNesting = DefaultMaxNesting
	}
	if opts.PumpTimeout <= 0 {
		opts.PumpTimeout = DefaultPumpTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	w, err := newWaker()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		logger:      opts.Logger,
		waker:       w,
		pumpTimeout: opts.PumpTimeout,
	}
	l.maxNesting.Store(int32(opts.MaxNesting))
	return l, nil
}

// Register adds h to the poll set.
func (l *Loop) Register(h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.handlers {
		if existing == h {
			return ErrAlreadyRegistered
		}
	}
	l.handlers = append(l.handlers, h)
	return nil
}

// Unregister removes h and reports whether it was registered.
func (l *Loop) Unregister(h Handler) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, existing := range l.handlers {
		if existing == h {
			l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Handlers returns the number of registered handlers.
func (l *Loop) Handlers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

func (l *Loop) registered(h Handler) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.handlers {
		if existing == h {
			return true
		}
	}
	return false
}

// AttachBridge registers b and makes DispatchAllPosted drain it.
func (l *Loop) AttachBridge(b *Bridge) error {
	if err := l.Register(b); err != nil {
		return err
	}
	l.mu.Lock()
	l.bridge = b
	l.mu.Unlock()
	return nil
}

// SetRunSlice installs the run-slice callback. It is not armed until
// RequestRunSlice is called.
func (l *Loop) SetRunSlice(fn RunSliceFunc) {
	l.mu.Lock()
	l.runSlice = fn
	l.mu.Unlock()
}

// RequestRunSlice re-arms the run slice to fire after limit. 0 asks for
// an immediate run and NoLimit disarms it.
func (l *Loop) RequestRunSlice(limit time.Duration) {
	l.mu.Lock()
	switch {
	case limit == NoLimit:
		l.armed = false
	case limit <= 0:
		l.armed = true
		l.deadline = time.Now()
	default:
		l.armed = true
		l.deadline = time.Now().Add(limit)
	}
	l.mu.Unlock()

	if l.State() == StateWaitingForIO {
		l.waker.wake()
	}
}

// SetMaxNesting changes the PumpNow nesting bound.
func (l *Loop) SetMaxNesting(n int) {
	if n <= 0 {
		n = DefaultMaxNesting
	}
	l.maxNesting.Store(int32(n))
}

// MaxNesting returns the PumpNow nesting bound.
func (l *Loop) MaxNesting() int {
	return int(l.maxNesting.Load())
}

// State returns the current scheduling state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Wake interrupts a pending wait.
func (l *Loop) Wake() {
	l.waker.wake()
}

// Stop makes Run return after the current iteration.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.waker.wake()
}

// Run iterates until Stop is called or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.Stop)

	var err error
	for !l.stopped.Load() {
		if _, err = l.iterate(time.Time{}, true); err != nil {
			break
		}
	}

	stop()
	l.stopped.Store(false)
	return err
}

// RunOnce performs one wait and dispatch. timeout bounds the wait on top
// of the run-slice deadline; NoLimit leaves only the latter. It returns
// the number of handlers that were ready.
func (l *Loop) RunOnce(timeout time.Duration) (int, error) {
	var until time.Time
	if timeout != NoLimit {
		until = time.Now().Add(timeout)
	}
	return l.iterate(until, true)
}

// PumpNow forces progress from deep inside a call stack. It iterates
// until one handler was dispatched or timeout elapses, whichever comes
// first; timeout is capped at the configured pump timeout. The run slice
// is not invoked.
func (l *Loop) PumpNow(timeout time.Duration) (bool, error) {
	if l.nesting >= l.maxNesting.Load() {
		return false, ErrNestingTooDeep
	}
	l.nesting++
	defer func() { l.nesting-- }()

	if timeout < 0 || timeout > l.pumpTimeout {
		timeout = l.pumpTimeout
	}
	until := time.Now().Add(timeout)

	for {
		handled, err := l.iterate(until, false)
		if err != nil {
			return false, err
		}
		if handled > 0 {
			return true, nil
		}
		if !time.Now().Before(until) || l.stopped.Load() {
			return false, nil
		}
	}
}

// DispatchAllPosted drains the attached bridge and runs the run slice for
// as long as it keeps asking for an immediate rerun. It returns the number
// of posted messages delivered.
func (l *Loop) DispatchAllPosted() int {
	l.mu.Lock()
	b := l.bridge
	l.mu.Unlock()

	total := 0
	for !l.stopped.Load() {
		if b != nil {
			total += b.Drain()
		}
		if !l.runSliceDue(time.Now()) {
			break
		}
		l.runSliceNow()
	}
	return total
}

// Close releases the wake pipe. Registered handlers are not closed.
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.waker.close()
}

type pollSlot struct {
	h     Handler
	read  bool
	write bool
}

func (l *Loop) iterate(until time.Time, withRunSlice bool) (int, error) {
	prev := l.state.Load()
	defer l.state.Store(prev)

	fds, slots := l.pollSet()
	// waiting is published before the deadline is read, so a concurrent
	// RequestRunSlice either lands in the deadline or wakes the poll
	l.state.Store(int32(StateWaitingForIO))
	timeout := pollTimeout(time.Now(), l.nextDeadline(until, withRunSlice))

	n, err := unix.Poll(fds, timeout)
	l.state.Store(int32(StateDispatching))
	if err != nil && !errors.Is(err, unix.EINTR) {
		return 0, fmt.Errorf("poll: %w", err)
	}

	handled := 0
	if n > 0 {
		handled = l.dispatch(fds, slots)
	}

	if withRunSlice && l.runSliceDue(time.Now()) {
		l.runSliceNow()
	}
	return handled, nil
}

// pollSet builds the descriptor set. Slot 0 is the loop's own waker.
func (l *Loop) pollSet() ([]unix.PollFd, []pollSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fds := make([]unix.PollFd, 1, len(l.handlers)+1)
	slots := make([]pollSlot, 1, len(l.handlers)+1)
	fds[0] = unix.PollFd{Fd: int32(l.waker.r), Events: unix.POLLIN}

	for _, h := range l.handlers {
		rfd, wfd := h.Fds()
		wantWrite := wfd >= 0 && h.WantsWrite()

		if rfd >= 0 {
			ev := int16(unix.POLLIN)
			slot := pollSlot{h: h, read: true}
			if wantWrite && wfd == rfd {
				ev |= unix.POLLOUT
				slot.write = true
				wantWrite = false
			}
			fds = append(fds, unix.PollFd{Fd: int32(rfd), Events: ev})
			slots = append(slots, slot)
		}
		if wantWrite {
			fds = append(fds, unix.PollFd{Fd: int32(wfd), Events: unix.POLLOUT})
			slots = append(slots, pollSlot{h: h, write: true})
		}
	}
	return fds, slots
}

func (l *Loop) dispatch(fds []unix.PollFd, slots []pollSlot) int {
	handled := 0
	for i, fd := range fds {
		if fd.Revents == 0 {
			continue
		}
		if i == 0 {
			l.waker.drain()
			continue
		}

		s := slots[i]
		// an earlier callback may have dropped it
		if !l.registered(s.h) {
			continue
		}
		handled++

		if fd.Revents&unix.POLLNVAL != 0 {
			s.h.HandleError(fmt.Errorf("%w: %d", ErrBadDescriptor, fd.Fd))
			continue
		}
		if s.read && fd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			if err := s.h.HandleRead(); err != nil {
				s.h.HandleError(err)
				continue
			}
		}
		if s.write && fd.Revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
			if err := s.h.HandleWrite(); err != nil {
				s.h.HandleError(err)
			}
		}
	}
	return handled
}

func (l *Loop) nextDeadline(until time.Time, withRunSlice bool) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	deadline := until
	if withRunSlice && l.armed && l.runSlice != nil {
		if deadline.IsZero() || l.deadline.Before(deadline) {
			deadline = l.deadline
		}
	}
	return deadline
}

func (l *Loop) runSliceDue(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.armed && l.runSlice != nil && !now.Before(l.deadline)
}

func (l *Loop) runSliceNow() {
	l.mu.Lock()
	fn := l.runSlice
	l.armed = false
	l.mu.Unlock()

	if fn == nil {
		return
	}
	l.RequestRunSlice(fn())
}

// pollTimeout converts a deadline to poll milliseconds, rounding up so an
// early wake does not spin. A zero deadline waits forever.
func pollTimeout(now, deadline time.Time) int {
	if deadline.IsZero() {
		return -1
	}
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
