package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// Ring errors
var (
	ErrRingClosed  = errors.New("ring closed")
	ErrRingTimeout = errors.New("ring write timed out")
	ErrRingLayout  = errors.New("invalid ring layout")
)

// NoTimeout disables the deadline of a blocking ring operation.
const NoTimeout time.Duration = -1

// Ring header layout. All fields are 32-bit and accessed atomically.
const (
	RingHeaderSize = 64

	ringOffCapacity = 0
	ringOffMagic    = 4
	ringOffRead     = 8
	ringOffWrite    = 12
	ringOffDataSeq  = 16 // "not empty" signal
	ringOffSpaceSeq = 20 // "not full" signal
	ringOffClosed   = 24

	ringMagic = 0x534e5247 // "SNRG"
)

// Locker is a cross-process mutual exclusion primitive.
type Locker interface {
	Lock() error
	Unlock() error
}

type nopLocker struct{}

func (nopLocker) Lock() error   { return nil }
func (nopLocker) Unlock() error { return nil }

// Ring is a single-producer single-consumer byte ring living in memory
// shared between processes. One byte is always left free so that
// read == write means empty.
type Ring struct {
	hdr      []byte
	data     []byte
	capacity uint32
	lock     Locker

	wrapSplits int64
}

// RingSize returns the bytes needed for a ring of the given capacity.
func RingSize(capacity int) int {
	return RingHeaderSize + capacity
}

// InitRing formats mem as an empty ring. mem must be 4-byte aligned and
// at least RingSize(capacity) long. lock may be nil.
func InitRing(mem []byte, capacity int, lock Locker) (*Ring, error) {
	if capacity < 2 || len(mem) < RingSize(capacity) || capacity > int(^uint32(0)>>1) {
		return nil, fmt.Errorf("%w: capacity %d in %d bytes", ErrRingLayout, capacity, len(mem))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("%w: unaligned memory", ErrRingLayout)
	}

	r := newRing(mem, uint32(capacity), lock)
	atomic.StoreUint32(r.field(ringOffRead), 0)
	atomic.StoreUint32(r.field(ringOffWrite), 0)
	atomic.StoreUint32(r.field(ringOffClosed), 0)
	binary.LittleEndian.PutUint32(mem[ringOffCapacity:], uint32(capacity))
	atomic.StoreUint32(r.field(ringOffMagic), ringMagic)
	return r, nil
}

// AttachRing opens a ring formatted by InitRing, possibly in another
// process. lock may be nil.
func AttachRing(mem []byte, lock Locker) (*Ring, error) {
	if len(mem) < RingHeaderSize || uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("%w: header missing", ErrRingLayout)
	}
	if atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[ringOffMagic]))) != ringMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrRingLayout)
	}

	capacity := binary.LittleEndian.Uint32(mem[ringOffCapacity:])
	if capacity < 2 || len(mem) < RingSize(int(capacity)) {
		return nil, fmt.Errorf("%w: capacity %d in %d bytes", ErrRingLayout, capacity, len(mem))
	}
	return newRing(mem, capacity, lock), nil
}

func newRing(mem []byte, capacity uint32, lock Locker) *Ring {
	if lock == nil {
		lock = nopLocker{}
	}
	return &Ring{
		hdr:      mem[:RingHeaderSize],
		data:     mem[RingHeaderSize : RingHeaderSize+int(capacity)],
		capacity: capacity,
		lock:     lock,
	}
}

func (r *Ring) field(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.hdr[off]))
}

// Capacity returns the size of the data area.
func (r *Ring) Capacity() int {
	return int(r.capacity)
}

// used returns the number of unread bytes for the given offsets.
func (r *Ring) used(read, write uint32) uint32 {
	return (write + r.capacity - read) % r.capacity
}

// Writable returns capacity - ((write - read) mod capacity) - 1.
func (r *Ring) Writable() int {
	read := atomic.LoadUint32(r.field(ringOffRead))
	write := atomic.LoadUint32(r.field(ringOffWrite))
	return int(r.capacity - r.used(read, write) - 1)
}

// Readable returns the number of bytes waiting to be read.
func (r *Ring) Readable() int {
	read := atomic.LoadUint32(r.field(ringOffRead))
	write := atomic.LoadUint32(r.field(ringOffWrite))
	return int(r.used(read, write))
}

// Closed reports whether either side closed the ring.
func (r *Ring) Closed() bool {
	return atomic.LoadUint32(r.field(ringOffClosed)) != 0
}

// WrapSplits returns how many writes were split at the wrap point.
func (r *Ring) WrapSplits() int64 {
	return atomic.LoadInt64(&r.wrapSplits)
}

// TryWrite copies as much of p as fits and returns the byte count. The
// write offset is advanced only after the bytes are in place, then the
// "not empty" signal fires.
func (r *Ring) TryWrite(p []byte) (int, error) {
	if r.Closed() {
		return 0, ErrRingClosed
	}
	if err := r.lock.Lock(); err != nil {
		return 0, err
	}

	read := atomic.LoadUint32(r.field(ringOffRead))
	write := atomic.LoadUint32(r.field(ringOffWrite))
	free := r.capacity - r.used(read, write) - 1
	n := uint32(len(p))
	if n > free {
		n = free
	}

	if n > 0 {
		first := r.capacity - write
		if first >= n {
			copy(r.data[write:], p[:n])
		} else {
			copy(r.data[write:], p[:first])
			copy(r.data, p[first:n])
			atomic.AddInt64(&r.wrapSplits, 1)
		}
		atomic.StoreUint32(r.field(ringOffWrite), (write+n)%r.capacity)
	}

	if err := r.lock.Unlock(); err != nil {
		return int(n), err
	}
	if n > 0 {
		r.signal(ringOffDataSeq)
	}
	return int(n), nil
}

// Write copies all of p, blocking on the "not full" signal while the
// ring is full. timeout bounds the total wait; NoTimeout waits as long as
// it takes. This is the only blocking operation on a ring and must not
// run on an event loop goroutine.
func (r *Ring) Write(p []byte, timeout time.Duration) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		seq := atomic.LoadUint32(r.field(ringOffSpaceSeq))

		n, err := r.TryWrite(p)
		if err != nil {
			return err
		}
		p = p[n:]
		if len(p) == 0 {
			return nil
		}

		wait := NoTimeout
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				return ErrRingTimeout
			}
		}
		futexWait(r.field(ringOffSpaceSeq), seq, wait)
	}
}

// Read copies up to len(p) unread bytes into p and frees their space.
func (r *Ring) Read(p []byte) (int, error) {
	if err := r.lock.Lock(); err != nil {
		return 0, err
	}

	read := atomic.LoadUint32(r.field(ringOffRead))
	write := atomic.LoadUint32(r.field(ringOffWrite))
	avail := r.used(read, write)
	n := uint32(len(p))
	if n > avail {
		n = avail
	}

	if n > 0 {
		first := r.capacity - read
		if first >= n {
			copy(p, r.data[read:read+n])
		} else {
			copy(p, r.data[read:])
			copy(p[first:n], r.data[:n-first])
		}
		atomic.StoreUint32(r.field(ringOffRead), (read+n)%r.capacity)
	}

	if err := r.lock.Unlock(); err != nil {
		return int(n), err
	}
	if n > 0 {
		r.signal(ringOffSpaceSeq)
	}
	return int(n), nil
}

// WaitReadable blocks until data is available, the ring is closed or the
// timeout elapses. It reports whether data is available.
func (r *Ring) WaitReadable(timeout time.Duration) bool {
	seq := atomic.LoadUint32(r.field(ringOffDataSeq))
	if r.Readable() > 0 {
		return true
	}
	if r.Closed() {
		return false
	}
	futexWait(r.field(ringOffDataSeq), seq, timeout)
	return r.Readable() > 0
}

// DataSeq returns the current value of the "not empty" signal.
func (r *Ring) DataSeq() uint32 {
	return atomic.LoadUint32(r.field(ringOffDataSeq))
}

// WaitData blocks until the "not empty" signal moves past seq or the
// timeout elapses.
func (r *Ring) WaitData(seq uint32, timeout time.Duration) {
	futexWait(r.field(ringOffDataSeq), seq, timeout)
}

// Close marks the ring closed and wakes all waiters on both signals.
func (r *Ring) Close() {
	atomic.StoreUint32(r.field(ringOffClosed), 1)
	r.signal(ringOffDataSeq)
	r.signal(ringOffSpaceSeq)
}

func (r *Ring) signal(off int) {
	atomic.AddUint32(r.field(off), 1)
	futexWake(r.field(off))
}

// RingState is a snapshot of the ring header, for diagnostics.
type RingState struct {
	Capacity int
	Read     int
	Write    int
	Readable int
	Writable int
	Closed   bool
}

// State returns a snapshot of the ring header.
func (r *Ring) State() RingState {
	read := atomic.LoadUint32(r.field(ringOffRead))
	write := atomic.LoadUint32(r.field(ringOffWrite))
	used := r.used(read, write)
	return RingState{
		Capacity: int(r.capacity),
		Read:     int(read),
		Write:    int(write),
		Readable: int(used),
		Writable: int(r.capacity - used - 1),
		Closed:   r.Closed(),
	}
}
