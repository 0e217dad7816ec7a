// Package shm manages named, reference-counted shared memory segments.
//
// A segment is a file under a shared directory (normally /dev/shm) mapped
// with MAP_SHARED into every attached process. Its reference count lives
// in the segment header, so every attached process sees the same value;
// all updates to it happen under a flock-based NamedLock next to the
// segment file.
package shm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/najoast/snipc/core"
)

// DefaultMaxCreateAttempts bounds identifier collision retries in Create.
const DefaultMaxCreateAttempts = 8

// Options configures a Manager.
type Options struct {
	// Dir holds segment and lock files. Empty selects DefaultDir().
	Dir string

	// Prefix is the identifier prefix. Empty selects DefaultPrefix.
	Prefix string

	// MaxCreateAttempts bounds identifier collision retries.
	MaxCreateAttempts int

	// NewKey generates candidate keys. Nil selects RandomKey.
	NewKey KeyFunc

	// Logger receives diagnostics. Nil selects slog.Default().
	Logger *slog.Logger
}

// Manager creates, opens and closes segments.
type Manager struct {
	dir      string
	prefix   string
	attempts int
	newKey   KeyFunc
	logger   *slog.Logger

	mu    sync.Mutex
	owned map[core.ManagerID][]*Segment
}

// DefaultDir returns /dev/shm when available and the temp dir otherwise.
func DefaultDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// NewManager creates a Manager, creating its directory if needed.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		opts.Dir = DefaultDir()
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.MaxCreateAttempts <= 0 {
		opts.MaxCreateAttempts = DefaultMaxCreateAttempts
	}
	if opts.NewKey == nil {
		opts.NewKey = RandomKey
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create segment directory %s: %w", opts.Dir, err)
	}

	return &Manager{
		dir:      opts.Dir,
		prefix:   opts.Prefix,
		attempts: opts.MaxCreateAttempts,
		newKey:   opts.NewKey,
		logger:   opts.Logger,
		owned:    make(map[core.ManagerID][]*Segment),
	}, nil
}

// Dir returns the directory holding segment files.
func (m *Manager) Dir() string {
	return m.dir
}

// Create allocates a new segment with size payload bytes and a reference
// count of one. Identifier collisions are retried with fresh keys up to
// the configured bound, after which ErrExhausted is returned.
func (m *Manager) Create(size int) (*Segment, Identifier, error) {
	if size <= 0 {
		return nil, Identifier{}, &SegmentError{Op: "create", Err: ErrInvalidSize}
	}

	for attempt := 1; attempt <= m.attempts; attempt++ {
		id := Identifier{Prefix: m.prefix, Tag: PlatformTag, Key: m.newKey()}
		path := m.segmentPath(id)

		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
		if err == unix.EEXIST {
			m.logger.Debug("segment identifier collision", "segment", id.String(), "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, Identifier{}, &SegmentError{Op: "create", ID: id, Err: classify(err)}
		}

		seg, err := m.initSegment(id, path, fd, size)
		unix.Close(fd)
		if err != nil {
			os.Remove(path)
			return nil, Identifier{}, &SegmentError{Op: "create", ID: id, Err: err}
		}

		m.logger.Debug("segment created", "segment", id.String(), "bytes", size)
		return seg, id, nil
	}

	return nil, Identifier{}, &SegmentError{
		Op:  "create",
		Err: fmt.Errorf("%w after %d attempts", ErrExhausted, m.attempts),
	}
}

func (m *Manager) initSegment(id Identifier, path string, fd, size int) (*Segment, error) {
	lock, err := OpenNamedLock(m.lockPath(id))
	if err != nil {
		return nil, err
	}
	if err := lock.Lock(); err != nil {
		lock.Close()
		return nil, err
	}

	fail := func(err error) (*Segment, error) {
		lock.Remove()
		lock.Unlock()
		lock.Close()
		return nil, err
	}

	total := HeaderSize + size
	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		return fail(classify(err))
	}
	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail(classify(err))
	}
	writeHeader(mem, size)

	if err := lock.Unlock(); err != nil {
		unix.Munmap(mem)
		lock.Close()
		return nil, err
	}

	return &Segment{id: id, path: path, size: size, mem: mem, lock: lock, mgr: m}, nil
}

// Open attaches to an existing segment and increments its reference count.
// A segment created for another platform is rejected with ErrNoAccess
// before anything is mapped.
func (m *Manager) Open(id Identifier) (*Segment, error) {
	if !id.Compatible() {
		return nil, &SegmentError{Op: "open", ID: id, Err: ErrNoAccess}
	}

	path := m.segmentPath(id)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &SegmentError{Op: "open", ID: id, Err: classify(err)}
	}
	defer unix.Close(fd)

	lock, err := OpenNamedLock(m.lockPath(id))
	if err != nil {
		return nil, &SegmentError{Op: "open", ID: id, Err: err}
	}
	if err := lock.Lock(); err != nil {
		lock.Close()
		return nil, &SegmentError{Op: "open", ID: id, Err: err}
	}

	seg, err := m.attach(id, path, fd, lock)
	if err != nil {
		lock.Unlock()
		lock.Close()
		return nil, &SegmentError{Op: "open", ID: id, Err: err}
	}

	if err := lock.Unlock(); err != nil {
		seg.release()
		return nil, &SegmentError{Op: "open", ID: id, Err: err}
	}

	m.logger.Debug("segment opened", "segment", id.String(), "refs", seg.RefCount())
	return seg, nil
}

// attach maps the segment and takes a reference. The lock must be held.
func (m *Manager) attach(id Identifier, path string, fd int, lock *NamedLock) (*Segment, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, classify(err)
	}
	if st.Size < HeaderSize {
		return nil, fmt.Errorf("%w: segment not initialized", ErrNoAccess)
	}

	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, classify(err)
	}

	size, err := checkHeader(mem)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	seg := &Segment{id: id, path: path, size: size, mem: mem, lock: lock, mgr: m}
	if atomic32Add(seg, 0) <= 0 {
		// The last reference was dropped before we got the lock; the
		// lock file we may have just recreated is stale.
		unix.Munmap(mem)
		lock.Remove()
		return nil, ErrNotFound
	}
	atomic32Add(seg, 1)
	return seg, nil
}

// OpenString parses s and opens the segment it names.
func (m *Manager) OpenString(s string) (*Segment, error) {
	id, err := ParseIdentifier(s)
	if err != nil {
		return nil, &SegmentError{Op: "open", Err: err}
	}
	return m.Open(id)
}

// Close closes seg. It is the same as seg.Close().
func (m *Manager) Close(seg *Segment) error {
	return seg.Close()
}

// Unlink removes the segment and lock files of id under the segment's
// named lock, whatever the reference count says. Mappings that are still
// open stay valid; no process can open the segment afterwards.
func (m *Manager) Unlink(id Identifier) error {
	path := m.segmentPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	lock, err := OpenNamedLock(m.lockPath(id))
	if err != nil {
		return &SegmentError{Op: "unlink", ID: id, Err: err}
	}
	defer lock.Close()
	if err := lock.Lock(); err != nil {
		return &SegmentError{Op: "unlink", ID: id, Err: err}
	}

	var result error
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		result = &SegmentError{Op: "unlink", ID: id, Err: err}
	}
	if err := lock.Remove(); err != nil && result == nil {
		result = &SegmentError{Op: "unlink", ID: id, Err: err}
	}
	if err := lock.Unlock(); err != nil && result == nil {
		result = &SegmentError{Op: "unlink", ID: id, Err: err}
	}
	m.logger.Debug("segment unlinked", "segment", id.String())
	return result
}

// Track records seg as held on behalf of the given peer manager.
func (m *Manager) Track(owner core.ManagerID, seg *Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owned[owner] = append(m.owned[owner], seg)
}

// CloseOwned closes every segment tracked for owner.
func (m *Manager) CloseOwned(owner core.ManagerID) error {
	m.mu.Lock()
	segs := m.owned[owner]
	delete(m.owned, owner)
	m.mu.Unlock()

	var errs []error
	for _, seg := range segs {
		if err := seg.Close(); err != nil && !errors.Is(err, ErrAlreadyClosed) {
			errs = append(errs, err)
		}
	}
	if len(segs) > 0 {
		m.logger.Debug("closed peer segments", "manager_id", owner, "count", len(segs))
	}
	return errors.Join(errs...)
}

func (m *Manager) untrack(seg *Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for owner, segs := range m.owned {
		for i, s := range segs {
			if s == seg {
				m.owned[owner] = append(segs[:i], segs[i+1:]...)
				if len(m.owned[owner]) == 0 {
					delete(m.owned, owner)
				}
				return
			}
		}
	}
}

func (m *Manager) segmentPath(id Identifier) string {
	return filepath.Join(m.dir, id.String())
}

func (m *Manager) lockPath(id Identifier) string {
	return filepath.Join(m.dir, id.String()+".lock")
}

// classify maps OS errors onto the block manager's error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, unix.ENOMEM), errors.Is(err, unix.ENOSPC), errors.Is(err, unix.EDQUOT):
		return fmt.Errorf("%w: %v", ErrNoMemory, err)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %v", ErrNoAccess, err)
	case errors.Is(err, unix.ENOENT):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return err
	}
}
