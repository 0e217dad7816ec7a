package process

import (
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/network"
	"github.com/najoast/snipc/shm"
)

// ProcessRecord tracks one spawned process. Until the child handshakes
// the record is kill-on-exit: tearing the peer down kills and reaps it.
type ProcessRecord struct {
	Manager   core.ManagerID
	Type      core.ComponentType
	Requester core.Address
	Transport network.TransportKind
	StartedAt time.Time

	cmd        *exec.Cmd
	segment    shm.Identifier
	killOnExit atomic.Bool

	exited   chan struct{}
	mu       sync.Mutex
	state    *os.ProcessState
	waitErr  error
	root     core.Address
	initedAt time.Time
}

func newProcessRecord(cmd *exec.Cmd, tok Token) *ProcessRecord {
	r := &ProcessRecord{
		Manager:   tok.Manager,
		Type:      tok.Type,
		Requester: tok.Requester,
		Transport: tok.Transport,
		StartedAt: time.Now(),
		cmd:       cmd,
		segment:   tok.Segment,
		exited:    make(chan struct{}),
	}
	r.killOnExit.Store(true)
	return r
}

// PID returns the process id.
func (r *ProcessRecord) PID() int {
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// KillOnExit reports whether the process is still killed on teardown.
func (r *ProcessRecord) KillOnExit() bool {
	return r.killOnExit.Load()
}

// MarkInitialized records the handshake. From now on the process is
// expected to shut down by itself.
func (r *ProcessRecord) MarkInitialized(root core.Address) {
	r.mu.Lock()
	r.root = root
	r.initedAt = time.Now()
	r.mu.Unlock()
	r.killOnExit.Store(false)
}

// Root returns the address announced in the handshake.
func (r *ProcessRecord) Root() core.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// Exited is closed once the process has been reaped.
func (r *ProcessRecord) Exited() <-chan struct{} {
	return r.exited
}

// Alive reports whether the process has not been reaped yet.
func (r *ProcessRecord) Alive() bool {
	select {
	case <-r.exited:
		return false
	default:
		return true
	}
}

// ExitState returns the wait result. It is only meaningful after Exited
// is closed.
func (r *ProcessRecord) ExitState() (*os.ProcessState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.waitErr
}

// Segment returns the ring segment the process was given, if any.
func (r *ProcessRecord) Segment() shm.Identifier {
	return r.segment
}

// wait reaps the process. It runs on the reaper goroutine; Exited is
// closed separately by markExited.
func (r *ProcessRecord) wait() {
	err := r.cmd.Wait()

	r.mu.Lock()
	r.state = r.cmd.ProcessState
	r.waitErr = err
	r.mu.Unlock()
}

func (r *ProcessRecord) markExited() {
	close(r.exited)
}
