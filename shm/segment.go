package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Segment header layout. The header occupies the first HeaderSize bytes
// of the mapping and the payload follows it.
const (
	HeaderSize = 64

	offMagic    = 0
	offVersion  = 4
	offRefCount = 8
	offFlags    = 12
	offSize     = 16

	segmentMagic   = 0x534e5348 // "SNSH"
	segmentVersion = 1
)

// CleanupFunc runs when the last reference to a segment is closed. The
// payload is still mapped while it runs.
type CleanupFunc func(payload []byte)

// Segment is one process's attachment to a shared memory segment.
type Segment struct {
	id   Identifier
	path string
	size int
	mem  []byte
	lock *NamedLock
	mgr  *Manager

	closed atomic.Bool

	mu      sync.Mutex
	cleanup CleanupFunc
}

// ID returns the segment identifier.
func (s *Segment) ID() Identifier {
	return s.id
}

// Size returns the payload size in bytes.
func (s *Segment) Size() int {
	return s.size
}

// Payload returns the shared payload bytes.
func (s *Segment) Payload() []byte {
	return s.mem[HeaderSize : HeaderSize+s.size]
}

// Lock returns the segment's cross-process lock.
func (s *Segment) Lock() *NamedLock {
	return s.lock
}

// RefCount returns the number of live attachments across all processes,
// or zero once this handle is closed.
func (s *Segment) RefCount() int32 {
	if s.closed.Load() {
		return 0
	}
	return atomic.LoadInt32(s.refCount())
}

// SetCleanup registers the callback run if this handle drops the last
// reference.
func (s *Segment) SetCleanup(fn CleanupFunc) {
	s.mu.Lock()
	s.cleanup = fn
	s.mu.Unlock()
}

// Closed reports whether this handle has been closed.
func (s *Segment) Closed() bool {
	return s.closed.Load()
}

// Close drops this handle's reference. The handle that brings the count
// to zero runs the cleanup callback and removes the segment; the whole
// sequence runs under the segment's named lock.
func (s *Segment) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return &SegmentError{Op: "close", ID: s.id, Err: ErrAlreadyClosed}
	}
	if s.mgr != nil {
		s.mgr.untrack(s)
	}

	if err := s.lock.Lock(); err != nil {
		s.release()
		return &SegmentError{Op: "close", ID: s.id, Err: err}
	}

	var result error
	remaining := atomic.AddInt32(s.refCount(), -1)
	switch {
	case remaining == 0:
		s.mu.Lock()
		cleanup := s.cleanup
		s.mu.Unlock()
		if cleanup != nil {
			cleanup(s.Payload())
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			result = &SegmentError{Op: "close", ID: s.id, Err: err}
		}
		if err := s.lock.Remove(); err != nil && result == nil {
			result = &SegmentError{Op: "close", ID: s.id, Err: err}
		}
		s.logDebug("segment destroyed")
	case remaining < 0:
		atomic.StoreInt32(s.refCount(), 0)
		result = &SegmentError{Op: "close", ID: s.id, Err: fmt.Errorf("reference count underflow")}
	}

	if err := s.lock.Unlock(); err != nil && result == nil {
		result = &SegmentError{Op: "close", ID: s.id, Err: err}
	}
	s.release()
	return result
}

// release unmaps the segment and closes the lock descriptor.
func (s *Segment) release() {
	if s.mem != nil {
		_ = unix.Munmap(s.mem)
		s.mem = nil
	}
	_ = s.lock.Close()
}

func (s *Segment) refCount() *int32 {
	return (*int32)(unsafe.Pointer(&s.mem[offRefCount]))
}

func (s *Segment) logDebug(msg string) {
	if s.mgr != nil {
		s.mgr.logger.Debug(msg, "segment", s.id.String())
	}
}

// writeHeader initializes a fresh segment header with one reference.
func writeHeader(mem []byte, size int) {
	binary.LittleEndian.PutUint32(mem[offMagic:], segmentMagic)
	binary.LittleEndian.PutUint32(mem[offVersion:], segmentVersion)
	binary.LittleEndian.PutUint32(mem[offFlags:], 0)
	binary.LittleEndian.PutUint64(mem[offSize:], uint64(size))
	atomic.StoreInt32((*int32)(unsafe.Pointer(&mem[offRefCount])), 1)
}

// checkHeader validates a mapped header and returns the payload size.
func checkHeader(mem []byte) (int, error) {
	if len(mem) < HeaderSize {
		return 0, ErrNoAccess
	}
	if binary.LittleEndian.Uint32(mem[offMagic:]) != segmentMagic ||
		binary.LittleEndian.Uint32(mem[offVersion:]) != segmentVersion {
		return 0, ErrNoAccess
	}
	size := binary.LittleEndian.Uint64(mem[offSize:])
	if size > uint64(len(mem)-HeaderSize) {
		return 0, ErrNoAccess
	}
	return int(size), nil
}

func atomic32Add(s *Segment, delta int32) int32 {
	return atomic.AddInt32(s.refCount(), delta)
}
