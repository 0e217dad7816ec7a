// Package process spawns component processes, tracks their records and
// routes messages between the local manager and its peers.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/loop"
	"github.com/najoast/snipc/network"
	"github.com/najoast/snipc/shm"
)

// LocalFactory builds a component in the current process. It is the
// fallback for component types that have no executable.
type LocalFactory func(typ core.ComponentType, requester core.Address) (core.Component, error)

// Options configures a Manager.
type Options struct {
	// Self is this process's manager id
	Self core.ManagerID

	Loop       *loop.Loop
	Router     core.Router
	Supervisor *Supervisor

	// Shm resolves segments attached on behalf of peers
	Shm *shm.Manager

	LocalFactory LocalFactory
	Observer     core.LifecycleObserver
	Logger       *slog.Logger
}

// Manager owns the peers of one process. All methods except Peers and
// PeerCount must run on the loop goroutine; other goroutines post
// through the loop's bridge.
type Manager struct {
	self     core.ManagerID
	loop     *loop.Loop
	router   core.Router
	sup      *Supervisor
	shm      *shm.Manager
	factory  LocalFactory
	observer core.LifecycleObserver
	logger   *slog.Logger
	ids      *core.ManagerAllocator

	mu    sync.RWMutex
	peers map[core.ManagerID]*peer

	destructing atomic.Bool
}

// NewManager creates a process manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Self == 0 {
		return nil, fmt.Errorf("manager id must not be zero")
	}
	if opts.Loop == nil {
		return nil, fmt.Errorf("process manager needs an event loop")
	}
	if opts.Observer == nil {
		opts.Observer = core.ObserverFuncs{}
	}
	if opts.Router == nil {
		opts.Router = core.NewRouter(opts.Self, opts.Observer)
	}
	if opts.Router.Manager() != opts.Self {
		return nil, fmt.Errorf("%w: router serves %04x", core.ErrWrongManager, uint32(opts.Router.Manager()))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		self:     opts.Self,
		loop:     opts.Loop,
		router:   opts.Router,
		sup:      opts.Supervisor,
		shm:      opts.Shm,
		factory:  opts.LocalFactory,
		observer: opts.Observer,
		logger:   opts.Logger.With("manager_id", uint32(opts.Self)),
		ids:      core.NewManagerAllocator(opts.Self),
		peers:    make(map[core.ManagerID]*peer),
	}, nil
}

// Self returns this process's manager id.
func (m *Manager) Self() core.ManagerID {
	return m.self
}

// Router returns the local router.
func (m *Manager) Router() core.Router {
	return m.router
}

// CreateComponent creates a component of typ for requester. Types with an
// executable get their own process and manager id; otherwise the local
// factory builds the component here and the returned id is Self.
func (m *Manager) CreateComponent(requester core.Address, typ core.ComponentType) (core.ManagerID, error) {
	if m.destructing.Load() {
		return 0, ErrDestructing
	}
	if !typ.Valid() {
		return 0, fmt.Errorf("%w: %d", core.ErrUnknownComponentType, typ)
	}

	if m.sup == nil || !m.hasExecutable(typ) {
		if m.factory == nil {
			return 0, fmt.Errorf("%w: %s", ErrNoExecutable, typ)
		}
		return m.createLocal(requester, typ)
	}

	id := m.ids.Allocate()
	rec, transport, err := m.sup.Spawn(requester, typ, id)
	if err != nil {
		m.ids.Release(id)
		return 0, err
	}

	if err := m.attach(id, transport, rec); err != nil {
		transport.Close()
		m.sup.Kill(rec)
		m.ids.Release(id)
		return 0, err
	}
	return id, nil
}

func (m *Manager) hasExecutable(typ core.ComponentType) bool {
	_, ok := m.sup.Executable(typ)
	return ok
}

func (m *Manager) createLocal(requester core.Address, typ core.ComponentType) (core.ManagerID, error) {
	comp, err := m.factory(typ, requester)
	if err != nil {
		return 0, fmt.Errorf("local %s component: %w", typ, err)
	}
	addr, err := m.router.Register(requester.Channel, comp)
	if err != nil {
		return 0, err
	}
	m.logger.Debug("component created locally", "type", typ.String(), "component_id", addr.String())
	return m.self, nil
}

// AttachPeer adopts an already connected transport as the peer id. It is
// how a child attaches its parent.
func (m *Manager) AttachPeer(id core.ManagerID, transport network.Transport) error {
	if m.destructing.Load() {
		return ErrDestructing
	}
	return m.attach(id, transport, nil)
}

func (m *Manager) attach(id core.ManagerID, transport network.Transport, rec *ProcessRecord) error {
	if id == 0 || id == m.self {
		return &PeerError{Manager: id, Op: "attach", Err: errors.New("invalid manager id")}
	}

	p := &peer{m: m, id: id, transport: transport, record: rec}

	m.mu.Lock()
	if _, exists := m.peers[id]; exists {
		m.mu.Unlock()
		return &PeerError{Manager: id, Op: "attach", Err: ErrPeerExists}
	}
	m.peers[id] = p
	m.mu.Unlock()

	if err := m.loop.Register(p); err != nil {
		m.mu.Lock()
		delete(m.peers, id)
		m.mu.Unlock()
		return &PeerError{Manager: id, Op: "attach", Err: err}
	}

	m.logger.Debug("peer attached", "peer", uint32(id), "transport", transport.Kind().String())
	return nil
}

func (m *Manager) peer(id core.ManagerID) (*peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

// Record returns the process record of a spawned peer.
func (m *Manager) Record(id core.ManagerID) (*ProcessRecord, bool) {
	p, ok := m.peer(id)
	if !ok || p.record == nil {
		return nil, false
	}
	return p.record, true
}

// Peers returns the attached manager ids in ascending order.
func (m *Manager) Peers() []core.ManagerID {
	m.mu.RLock()
	ids := make([]core.ManagerID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PeerCount returns the number of attached peers.
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// MarkInitialized records the handshake of peer id and announces root.
func (m *Manager) MarkInitialized(id core.ManagerID, root core.Address) error {
	p, ok := m.peer(id)
	if !ok {
		return &PeerError{Manager: id, Op: "handshake", Err: ErrUnknownPeer}
	}
	if p.record != nil {
		p.record.MarkInitialized(root)
	}
	p.initialized.Store(true)

	m.logger.Info("peer initialized", "peer", uint32(id), "component_id", root.String())
	if root.Component != 0 {
		m.observer.OnComponentCreated(root)
	}
	return nil
}

// PeerGone tears down peer id: the transport is closed, segments attached
// for it are released and, while the record is still kill-on-exit, the
// process is killed. Reaping is left to the supervisor, so PeerGone never
// blocks the loop. Unknown ids are ignored.
func (m *Manager) PeerGone(id core.ManagerID) error {
	m.mu.Lock()
	p, ok := m.peers[id]
	if ok {
		delete(m.peers, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.loop.Unregister(p)

	var errs []error
	if err := p.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.record != nil && p.record.KillOnExit() && m.sup != nil {
		if err := m.sup.Kill(p.record); err != nil {
			errs = append(errs, err)
		}
	}
	if m.shm != nil {
		if err := m.shm.CloseOwned(id); err != nil {
			errs = append(errs, err)
		}
	}
	if p.record != nil {
		m.ids.Release(id)
	}

	m.logger.Info("peer gone", "peer", uint32(id))
	m.observer.OnPeerGone(id)
	return errors.Join(errs...)
}

func (m *Manager) peerDied(id core.ManagerID, pid int) error {
	p, ok := m.peer(id)
	if !ok {
		return nil
	}
	if p.record != nil && pid != 0 && p.record.PID() != pid {
		m.logger.Debug("stale death notice", "peer", uint32(id), "pid", pid)
		return nil
	}
	return m.PeerGone(id)
}

// AttachSegment opens a segment on behalf of peer id. It is closed when
// the peer is gone.
func (m *Manager) AttachSegment(id core.ManagerID, segID shm.Identifier) (*shm.Segment, error) {
	if m.shm == nil {
		return nil, fmt.Errorf("no shared memory manager")
	}
	if _, ok := m.peer(id); !ok {
		return nil, &PeerError{Manager: id, Op: "attach segment", Err: ErrUnknownPeer}
	}

	seg, err := m.shm.Open(segID)
	if err != nil {
		return nil, err
	}
	m.shm.Track(id, seg)
	return seg, nil
}

// SendMessage routes msg. Local destinations go to the router; remote
// ones to the owning peer's transport. A message for an unknown peer is
// dropped and reported.
func (m *Manager) SendMessage(msg *core.Message) error {
	if msg == nil {
		return core.ErrNilMessage
	}

	dst := msg.Destination.Manager
	if dst == m.self {
		return m.router.Deliver(msg)
	}

	p, ok := m.peer(dst)
	if !ok {
		m.logger.Warn("message dropped, no such peer",
			"peer", uint32(dst),
			"type", msg.Type)
		return &PeerError{Manager: dst, Op: "send", Err: ErrUnknownPeer}
	}

	if err := p.transport.Send(msg); err != nil {
		return &PeerError{Manager: dst, Op: "send", Err: err}
	}
	if err := p.transport.PumpSend(); err != nil {
		m.logger.Warn("peer write failed", "peer", uint32(dst), "error", err)
		m.PeerGone(dst)
		return &PeerError{Manager: dst, Op: "send", Err: err}
	}
	return nil
}

// Deliver is the local delivery path for messages posted across
// goroutines. System messages are handled here.
func (m *Manager) Deliver(msg *core.Message) error {
	if msg == nil {
		return core.ErrNilMessage
	}

	switch msg.Type {
	case core.MessagePeerDead:
		if m.destructing.Load() {
			return nil
		}
		return m.peerDied(msg.Source.Manager, noticePID(msg))
	case core.MessageHandshake:
		return m.MarkInitialized(msg.Source.Manager, msg.Source)
	default:
		return m.SendMessage(msg)
	}
}

// inbound handles one message decoded from peer p.
func (m *Manager) inbound(p *peer, msg *core.Message) {
	if msg.Type == core.MessageHandshake {
		if msg.Source.Manager != p.id {
			m.logger.Warn("handshake from wrong manager",
				"peer", uint32(p.id),
				"claimed", uint32(msg.Source.Manager))
			return
		}
		m.MarkInitialized(p.id, msg.Source)
		return
	}
	if msg.Type.IsSystem() {
		m.logger.Warn("system message from peer ignored", "peer", uint32(p.id), "type", msg.Type)
		return
	}

	if err := m.SendMessage(msg); err != nil {
		m.logger.Debug("inbound message not delivered",
			"peer", uint32(p.id),
			"destination", msg.Destination.String(),
			"error", err)
	}
}

// Handshake announces root to peer id. A child sends it as its first
// message.
func (m *Manager) Handshake(id core.ManagerID, root core.Address) error {
	if root.Manager != m.self {
		return fmt.Errorf("%w: handshake root %s", core.ErrWrongManager, root)
	}
	return m.SendMessage(core.NewMessage(root, core.ManagerAddress(id), core.MessageHandshake, nil))
}

// Destructing reports whether Shutdown has started.
func (m *Manager) Destructing() bool {
	return m.destructing.Load()
}

// Shutdown tears down every peer. No component can be created afterwards
// and late death notices are ignored.
func (m *Manager) Shutdown() error {
	if !m.destructing.CompareAndSwap(false, true) {
		return nil
	}

	var (
		errs   []error
		killed []*ProcessRecord
	)
	for _, id := range m.Peers() {
		if rec, ok := m.Record(id); ok && rec.KillOnExit() {
			killed = append(killed, rec)
		}
		if err := m.PeerGone(id); err != nil {
			errs = append(errs, err)
		}
	}
	// killed children are reaped before returning so their segments are
	// unlinked even if this process exits right after
	for _, rec := range killed {
		if err := m.sup.Wait(rec); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("process manager stopped")
	return errors.Join(errs...)
}

// peer adapts a transport to the event loop.
type peer struct {
	m           *Manager
	id          core.ManagerID
	transport   network.Transport
	record      *ProcessRecord
	initialized atomic.Bool
}

func (p *peer) Fds() (int, int) {
	return p.transport.ReadFD(), p.transport.WriteFD()
}

func (p *peer) WantsWrite() bool {
	return p.transport.WantsWrite()
}

// HandleRead pumps the transport and delivers every whole message, even
// when the pump reports the peer closed after them.
func (p *peer) HandleRead() error {
	err := p.transport.PumpReceive()
	for p.transport.MessageAvailable() {
		msg, terr := p.transport.TakeMessage()
		if terr != nil {
			return terr
		}
		p.m.inbound(p, msg)
		if p.transport.State() == network.TransportStateClosed {
			return nil
		}
	}
	return err
}

func (p *peer) HandleWrite() error {
	return p.transport.PumpSend()
}

func (p *peer) HandleError(err error) {
	if errors.Is(err, network.ErrPeerClosed) {
		p.m.logger.Info("peer closed", "peer", uint32(p.id))
	} else {
		p.m.logger.Warn("peer transport failed", "peer", uint32(p.id), "error", err)
	}
	p.m.PeerGone(p.id)
}
