package shm

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// NamedLock is a cross-process mutex keyed by a file path. Every process,
// and every handle inside one process, opens its own descriptor, so the
// lock excludes both.
type NamedLock struct {
	path string

	mu sync.Mutex // serializes Lock/Unlock on this handle
	fd int
}

// OpenNamedLock opens or creates the lock file at path.
func OpenNamedLock(path string) (*NamedLock, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	return &NamedLock{path: path, fd: fd}, nil
}

// Path returns the lock file path.
func (l *NamedLock) Path() string {
	return l.path
}

// Lock blocks until the lock is held.
func (l *NamedLock) Lock() error {
	l.mu.Lock()
	for {
		err := unix.Flock(l.fd, unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("lock %s: %w", l.path, err)
		}
		return nil
	}
}

// Unlock releases the lock.
func (l *NamedLock) Unlock() error {
	defer l.mu.Unlock()
	if err := unix.Flock(l.fd, unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

// Close closes the descriptor. A held lock is released by the OS.
func (l *NamedLock) Close() error {
	return unix.Close(l.fd)
}

// Remove deletes the lock file. Callers must hold the lock.
func (l *NamedLock) Remove() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
