package loop

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// waker is a self-pipe. Any goroutine may wake; only the loop goroutine
// drains.
type waker struct {
	r int
	w int
}

func newWaker() (*waker, error) {
	var p [2]int

	syscall.ForkLock.RLock()
	err := unix.Pipe(p[:])
	if err == nil {
		unix.CloseOnExec(p[0])
		unix.CloseOnExec(p[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create wake pipe: %w", err)
	}

	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("failed to set wake pipe non-blocking: %w", err)
		}
	}
	return &waker{r: p[0], w: p[1]}, nil
}

// wake makes the read end readable. A full pipe already is.
func (w *waker) wake() {
	for {
		_, err := unix.Write(w.w, []byte{1})
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

// drain empties the pipe.
func (w *waker) drain() {
	var buf [128]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *waker) close() error {
	return errors.Join(unix.Close(w.r), unix.Close(w.w))
}
