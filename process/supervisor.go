package process

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/network"
	"github.com/najoast/snipc/shm"
)

// Child descriptor numbers of a pipe transport: ExtraFiles start at 3.
const (
	childReadFD  = 3
	childWriteFD = 4
)

// DefaultKillWait bounds how long Wait waits for the reaper.
const DefaultKillWait = 5 * time.Second

// Executable is how a component type is launched. The child runs
// Path Args... -newprocess <token>.
type Executable struct {
	Path string
	Args []string
	Env  []string
}

// Poster accepts messages from foreign goroutines, normally a loop.Bridge.
type Poster interface {
	Post(msg *core.Message) error
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	// Self is the spawning manager, used as the destination of death notices
	Self core.ManagerID

	Executables map[core.ComponentType]Executable
	Transport   network.TransportKind
	RingOptions network.RingOptions

	// Shm creates ring segments; required for TransportRing
	Shm *shm.Manager

	// Notifier receives core.MessagePeerDead when a child is reaped
	Notifier Poster

	KillWait time.Duration
	Logger   *slog.Logger
}

// Supervisor spawns, reaps and kills component processes. Reaping happens
// on one goroutine per child; it never touches manager state and reports
// deaths through the Notifier instead.
type Supervisor struct {
	opts   SupervisorOptions
	logger *slog.Logger

	mu          sync.RWMutex
	executables map[core.ComponentType]Executable
}

// NewSupervisor creates a supervisor.
func NewSupervisor(opts SupervisorOptions) (*Supervisor, error) {
	if opts.Transport == network.TransportRing && opts.Shm == nil {
		return nil, fmt.Errorf("ring transport needs a shared memory manager")
	}
	if opts.KillWait <= 0 {
		opts.KillWait = DefaultKillWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Supervisor{
		opts:        opts,
		logger:      opts.Logger,
		executables: make(map[core.ComponentType]Executable),
	}
	for typ, exe := range opts.Executables {
		if err := s.SetExecutable(typ, exe); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetExecutable registers how typ is launched.
func (s *Supervisor) SetExecutable(typ core.ComponentType, exe Executable) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: %d", core.ErrUnknownComponentType, typ)
	}
	if exe.Path == "" {
		return fmt.Errorf("executable for %s has no path", typ)
	}

	s.mu.Lock()
	s.executables[typ] = exe
	s.mu.Unlock()
	return nil
}

// Executable returns the launch description of typ.
func (s *Supervisor) Executable(typ core.ComponentType) (Executable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exe, ok := s.executables[typ]
	return exe, ok
}

// Transport returns the transport kind used for new children.
func (s *Supervisor) Transport() network.TransportKind {
	return s.opts.Transport
}

// Spawn launches a process for typ that will run as manager. It returns
// the record and the parent's end of the transport.
func (s *Supervisor) Spawn(requester core.Address, typ core.ComponentType, manager core.ManagerID) (*ProcessRecord, network.Transport, error) {
	exe, ok := s.Executable(typ)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoExecutable, typ)
	}

	tok := Token{
		Type:      typ,
		Requester: requester,
		Manager:   manager,
		Transport: s.opts.Transport,
	}

	switch s.opts.Transport {
	case network.TransportPipe:
		return s.spawnPipe(exe, tok)
	case network.TransportRing:
		return s.spawnRing(exe, tok)
	default:
		return nil, nil, fmt.Errorf("unsupported transport: %s", s.opts.Transport)
	}
}

func (s *Supervisor) spawnPipe(exe Executable, tok Token) (*ProcessRecord, network.Transport, error) {
	ends, err := network.NewPipeEndpoints()
	if err != nil {
		return nil, nil, err
	}

	childRead := os.NewFile(uintptr(ends.ChildRead), "child-read")
	childWrite := os.NewFile(uintptr(ends.ChildWrite), "child-write")
	closeChild := func() {
		childRead.Close()
		childWrite.Close()
	}

	tok.ReadFD, tok.WriteFD = childReadFD, childWriteFD
	cmd := s.command(exe, tok)
	cmd.ExtraFiles = []*os.File{childRead, childWrite}

	if err := cmd.Start(); err != nil {
		closeChild()
		ends.CloseParent()
		return nil, nil, fmt.Errorf("failed to start %s: %w", exe.Path, err)
	}
	closeChild()

	transport, err := network.NewPipeTransport(ends.ParentRead, ends.ParentWrite, s.opts.RingOptions.Options)
	if err != nil {
		ends.CloseParent()
		s.abort(cmd)
		return nil, nil, err
	}

	return s.track(cmd, tok), transport, nil
}

func (s *Supervisor) spawnRing(exe Executable, tok Token) (*ProcessRecord, network.Transport, error) {
	seg, id, err := network.NewRingSegment(s.opts.Shm, s.opts.RingOptions.Capacity)
	if err != nil {
		return nil, nil, err
	}

	transport, err := network.NewRingTransport(seg, network.RingCreator, s.opts.RingOptions)
	if err != nil {
		seg.Close()
		return nil, nil, err
	}

	tok.Segment = id
	cmd := s.command(exe, tok)
	if err := cmd.Start(); err != nil {
		transport.Close()
		return nil, nil, fmt.Errorf("failed to start %s: %w", exe.Path, err)
	}

	return s.track(cmd, tok), transport, nil
}

func (s *Supervisor) command(exe Executable, tok Token) *exec.Cmd {
	args := append(append([]string(nil), exe.Args...), "-"+TokenFlag, tok.Encode())
	cmd := exec.Command(exe.Path, args...)
	cmd.Env = append(os.Environ(), exe.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// track creates the record and starts its reaper.
func (s *Supervisor) track(cmd *exec.Cmd, tok Token) *ProcessRecord {
	rec := newProcessRecord(cmd, tok)

	s.logger.Info("component process started",
		"manager_id", uint32(tok.Manager),
		"type", tok.Type.String(),
		"pid", rec.PID(),
		"transport", tok.Transport.String())

	go s.reap(rec)
	return rec
}

func (s *Supervisor) reap(rec *ProcessRecord) {
	rec.wait()
	s.unlinkSegment(rec)
	rec.markExited()

	state, err := rec.ExitState()
	s.logger.Info("component process exited",
		"manager_id", uint32(rec.Manager),
		"pid", rec.PID(),
		"state", stateString(state),
		"error", err)

	if s.opts.Notifier == nil {
		return
	}
	if err := s.opts.Notifier.Post(deathNotice(rec, s.opts.Self)); err != nil {
		s.logger.Debug("death notice not posted", "manager_id", uint32(rec.Manager), "error", err)
	}
}

// unlinkSegment removes the name of a dead child's ring segment. A child
// that dies while attached never drops its reference, so the count alone
// would keep the files forever.
func (s *Supervisor) unlinkSegment(rec *ProcessRecord) {
	if rec.segment.IsZero() || s.opts.Shm == nil {
		return
	}
	if err := s.opts.Shm.Unlink(rec.segment); err != nil {
		s.logger.Warn("ring segment not unlinked",
			"manager_id", uint32(rec.Manager),
			"segment", rec.segment.String(),
			"error", err)
	}
}

// abort kills a process that never got a record.
func (s *Supervisor) abort(cmd *exec.Cmd) {
	cmd.Process.Kill()
	cmd.Wait()
}

// Kill sends SIGKILL to the process. It does not wait: the reaper posts
// the death notice once the process is gone.
func (s *Supervisor) Kill(rec *ProcessRecord) error {
	if !rec.Alive() {
		return nil
	}
	if err := rec.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return &PeerError{Manager: rec.Manager, Op: "kill", Err: err}
	}
	s.logger.Info("component process killed", "manager_id", uint32(rec.Manager), "pid", rec.PID())
	return nil
}

// Wait blocks until rec has been reaped or KillWait elapses.
func (s *Supervisor) Wait(rec *ProcessRecord) error {
	timer := time.NewTimer(s.opts.KillWait)
	defer timer.Stop()

	select {
	case <-rec.Exited():
		return nil
	case <-timer.C:
		return &PeerError{Manager: rec.Manager, Op: "wait", Err: ErrKillTimeout}
	}
}

// deathNotice carries the pid so a notice that arrives after the manager
// id was reused is recognised as stale.
func deathNotice(rec *ProcessRecord, self core.ManagerID) *core.Message {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(rec.PID()))
	return core.NewMessage(
		core.ManagerAddress(rec.Manager),
		core.ManagerAddress(self),
		core.MessagePeerDead,
		payload,
	)
}

func noticePID(msg *core.Message) int {
	if len(msg.Payload) < 8 {
		return 0
	}
	return int(binary.LittleEndian.Uint64(msg.Payload))
}

func stateString(state *os.ProcessState) string {
	if state == nil {
		return "unknown"
	}
	return state.String()
}
