package bootstrap

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/najoast/snipc/config"
	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/loop"
	"github.com/najoast/snipc/network"
	"github.com/najoast/snipc/process"
	"github.com/najoast/snipc/shm"
)

// messageHandshakeExpired is posted by the handshake timer of a spawned
// child. It never leaves the process.
const messageHandshakeExpired = core.MessageTypeSystemBase + 0x100

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	// Config is validated before use. Nil selects config.DefaultConfig().
	Config *config.Config

	// Self overrides Config.App.ManagerID. Spawned children take it from
	// their token.
	Self core.ManagerID

	// DisableSpawn makes every component local. Child processes run with
	// it set since manager ids are only allocated by the root process.
	DisableSpawn bool

	LocalFactory process.LocalFactory
	Observer     core.LifecycleObserver

	Logger *slog.Logger

	// Level, when set, receives hot reloaded log levels
	Level *slog.LevelVar
}

// Runtime is the explicit context object of one component manager: it
// owns the event loop, the cross-goroutine bridge, the shared memory
// manager, the process supervisor and the process manager. Several
// runtimes can live in one process.
//
// Run, CreateComponent and Register must be called from the goroutine
// that runs the loop (or before Run starts). Send and Stop are safe from
// any goroutine.
type Runtime struct {
	self     core.ManagerID
	cfg      atomic.Pointer[config.Config]
	logger   *slog.Logger
	level    *slog.LevelVar
	observer core.LifecycleObserver

	shm        *shm.Manager
	loop       *loop.Loop
	bridge     *loop.Bridge
	supervisor *process.Supervisor
	manager    *process.Manager
	ringOpts   network.RingOptions

	handshakeTimeout time.Duration
	closed           atomic.Bool
}

// NewRuntime builds a runtime from opts. Everything created before a
// failure is released again.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &RuntimeError{Operation: "configure", Err: err}
	}
	cfg = cfg.Clone()

	self := opts.Self
	if self == 0 {
		self = core.ManagerID(cfg.App.ManagerID)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = core.ObserverFuncs{}
	}

	codec, err := network.NewCodec(network.CodecKind(cfg.Transport.Codec))
	if err != nil {
		return nil, &RuntimeError{Operation: "configure", Err: err}
	}

	r := &Runtime{
		self:             self,
		logger:           opts.Logger.With("manager_id", uint32(self)),
		level:            opts.Level,
		observer:         opts.Observer,
		handshakeTimeout: cfg.Process.HandshakeTimeout.Std(),
		ringOpts: network.RingOptions{
			Options: network.Options{
				Codec:        codec,
				MaxFrameSize: cfg.Transport.MaxFrameSize,
			},
			Capacity:     cfg.Transport.RingCapacity,
			WriteTimeout: cfg.Transport.WriteTimeout.Std(),
			Logger:       opts.Logger,
		},
	}
	r.cfg.Store(cfg)

	if err := r.build(cfg, opts); err != nil {
		r.release()
		return nil, &RuntimeError{Operation: "start runtime", Err: err}
	}

	r.logger.Info("runtime ready",
		"transport", cfg.Transport.Kind,
		"codec", cfg.Transport.Codec,
		"shm_dir", r.shm.Dir())
	return r, nil
}

func (r *Runtime) build(cfg *config.Config, opts RuntimeOptions) error {
	var err error

	r.shm, err = shm.NewManager(shm.Options{
		Dir:               cfg.SharedMemory.Dir,
		Prefix:            cfg.SharedMemory.Prefix,
		MaxCreateAttempts: cfg.SharedMemory.MaxCreateAttempts,
		Logger:            opts.Logger,
	})
	if err != nil {
		return err
	}

	r.loop, err = loop.New(loop.Options{
		MaxNesting:  cfg.Loop.MaxNesting,
		PumpTimeout: cfg.Loop.PumpTimeout.Std(),
		Logger:      r.logger,
	})
	if err != nil {
		return err
	}

	r.bridge, err = loop.NewBridge(nil, r.logger)
	if err != nil {
		return err
	}
	if err := r.loop.AttachBridge(r.bridge); err != nil {
		return err
	}

	if !opts.DisableSpawn {
		executables, err := executablesFromConfig(cfg.Process.Executables)
		if err != nil {
			return err
		}
		r.supervisor, err = process.NewSupervisor(process.SupervisorOptions{
			Self:        r.self,
			Executables: executables,
			Transport:   cfg.TransportKind(),
			RingOptions: r.ringOpts,
			Shm:         r.shm,
			Notifier:    r.bridge,
			KillWait:    cfg.Process.KillWait.Std(),
			Logger:      r.logger,
		})
		if err != nil {
			return err
		}
	}

	r.manager, err = process.NewManager(process.Options{
		Self:         r.self,
		Loop:         r.loop,
		Supervisor:   r.supervisor,
		Shm:          r.shm,
		LocalFactory: opts.LocalFactory,
		Observer:     r,
		Logger:       opts.Logger,
	})
	if err != nil {
		return err
	}

	r.bridge.SetDeliverer(core.DelivererFunc(r.deliver))
	return nil
}

func executablesFromConfig(in map[string]config.ExecutableConfig) (map[core.ComponentType]process.Executable, error) {
	out := make(map[core.ComponentType]process.Executable, len(in))
	for name, exe := range in {
		typ, err := core.ParseComponentType(name)
		if err != nil {
			return nil, err
		}
		out[typ] = process.Executable{Path: exe.Path, Args: exe.Args, Env: exe.Env}
	}
	return out, nil
}

// release closes whatever build managed to create.
func (r *Runtime) release() {
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.loop != nil {
		r.loop.Close()
	}
}

// Self returns the manager id of this runtime.
func (r *Runtime) Self() core.ManagerID { return r.self }

// Config returns the configuration currently in effect.
func (r *Runtime) Config() *config.Config { return r.cfg.Load() }

// Logger returns the runtime logger.
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Loop returns the event loop.
func (r *Runtime) Loop() *loop.Loop { return r.loop }

// Manager returns the process manager.
func (r *Runtime) Manager() *process.Manager { return r.manager }

// Shm returns the shared memory manager.
func (r *Runtime) Shm() *shm.Manager { return r.shm }

// RingOptions returns the transport options derived from the configuration.
func (r *Runtime) RingOptions() network.RingOptions { return r.ringOpts }

// SetExecutable registers how typ is launched.
func (r *Runtime) SetExecutable(typ core.ComponentType, exe process.Executable) error {
	if r.supervisor == nil {
		return &RuntimeError{Operation: "set executable", Err: errors.New("spawning is disabled")}
	}
	return r.supervisor.SetExecutable(typ, exe)
}

// Register adds a component to the local router.
func (r *Runtime) Register(channel core.ChannelID, component core.Component) (core.Address, error) {
	return r.manager.Router().Register(channel, component)
}

// CreateComponent creates a component of typ on behalf of requester and
// returns the manager id hosting it. A spawned child that does not
// handshake within the configured timeout is killed.
func (r *Runtime) CreateComponent(requester core.Address, typ core.ComponentType) (core.ManagerID, error) {
	id, err := r.manager.CreateComponent(requester, typ)
	if err != nil {
		return 0, &RuntimeError{Operation: "create component", Err: err}
	}
	if rec, ok := r.manager.Record(id); ok && r.handshakeTimeout > 0 {
		r.watchHandshake(rec)
	}
	return id, nil
}

func (r *Runtime) watchHandshake(rec *process.ProcessRecord) {
	id, pid := rec.Manager, rec.PID()
	time.AfterFunc(r.handshakeTimeout, func() {
		if !rec.KillOnExit() || !rec.Alive() {
			return
		}
		payload := make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, uint64(pid))
		msg := core.NewMessage(core.ManagerAddress(id), core.ManagerAddress(r.self), messageHandshakeExpired, payload)
		if err := r.bridge.Post(msg); err != nil {
			r.logger.Debug("handshake timer not posted", "peer", uint32(id), "error", err)
		}
	})
}

// Send hands msg to the loop goroutine for routing. It is safe from any
// goroutine and takes ownership of msg.
func (r *Runtime) Send(msg *core.Message) error {
	if err := r.bridge.Post(msg); err != nil {
		return &RuntimeError{Operation: "send", Err: err}
	}
	return nil
}

// deliver runs on the loop goroutine for every posted message.
func (r *Runtime) deliver(msg *core.Message) error {
	if msg.Type == messageHandshakeExpired {
		return r.handshakeExpired(msg)
	}
	return r.manager.Deliver(msg)
}

func (r *Runtime) handshakeExpired(msg *core.Message) error {
	id := msg.Source.Manager
	rec, ok := r.manager.Record(id)
	if !ok || !rec.KillOnExit() || len(msg.Payload) < 8 {
		return nil
	}
	if rec.PID() != int(binary.LittleEndian.Uint64(msg.Payload)) {
		return nil
	}
	r.logger.Warn("component did not handshake in time",
		"peer", uint32(id),
		"pid", rec.PID(),
		"timeout", r.handshakeTimeout)
	return r.manager.PeerGone(id)
}

// Run drives the loop until Stop is called or ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	return r.loop.Run(ctx)
}

// Stop makes Run return. It is safe from any goroutine.
func (r *Runtime) Stop() {
	r.loop.Stop()
}

// ApplyConfig applies the settings of next that can change while running:
// the log level and the loop nesting bound. It is a config.Watcher callback.
func (r *Runtime) ApplyConfig(prev, next *config.Config) {
	if r.level != nil && prev.Log.Level != next.Log.Level {
		r.level.Set(SlogLevel(next.Log.Level))
		r.logger.Info("log level changed", "level", next.Log.Level)
	}
	if prev.Loop.MaxNesting != next.Loop.MaxNesting {
		r.loop.SetMaxNesting(next.Loop.MaxNesting)
		r.logger.Info("loop nesting bound changed", "max_nesting", next.Loop.MaxNesting)
	}
	if prev.Transport != next.Transport || prev.SharedMemory != next.SharedMemory {
		r.logger.Warn("transport and shared memory changes apply after restart")
	}

	current := r.cfg.Load().Clone()
	current.Log = next.Log
	current.Loop.MaxNesting = next.Loop.MaxNesting
	r.cfg.Store(current)
}

// Health reports the state of the runtime.
func (r *Runtime) Health() HealthStatus {
	if r.closed.Load() {
		return HealthStatus{State: HealthStopped, Message: "runtime closed", LastCheck: time.Now()}
	}
	stats := r.bridge.Stats()
	state := HealthHealthy
	message := "runtime running"
	if r.manager.Destructing() {
		state, message = HealthStopped, "runtime shutting down"
	}
	return HealthStatus{
		State:     state,
		Message:   message,
		LastCheck: time.Now(),
		Data: map[string]interface{}{
			"manager_id":     uint32(r.self),
			"peers":          r.manager.PeerCount(),
			"components":     len(r.manager.Router().List()),
			"loop_state":     r.loop.State().String(),
			"posted":         stats.Posted,
			"delivered":      stats.Delivered,
			"dropped":        stats.Dropped,
			"pending":        r.bridge.Pending(),
			"max_nesting":    r.loop.MaxNesting(),
			"event_handlers": r.loop.Handlers(),
		},
	}
}

// Close shuts the process manager down, killing children that never
// handshook, and releases the loop. Call it after Run has returned.
func (r *Runtime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := r.manager.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := r.bridge.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.loop.Close(); err != nil {
		errs = append(errs, err)
	}
	r.logger.Info("runtime closed")
	if err := errors.Join(errs...); err != nil {
		return &RuntimeError{Operation: "close runtime", Err: err}
	}
	return nil
}

// OnComponentCreated implements core.LifecycleObserver.
func (r *Runtime) OnComponentCreated(addr core.Address) {
	r.logger.Debug("component created", "component_id", addr.String())
	r.observer.OnComponentCreated(addr)
}

// OnComponentDestroyed implements core.LifecycleObserver.
func (r *Runtime) OnComponentDestroyed(addr core.Address) {
	r.logger.Debug("component destroyed", "component_id", addr.String())
	r.observer.OnComponentDestroyed(addr)
}

// OnPeerGone implements core.LifecycleObserver.
func (r *Runtime) OnPeerGone(id core.ManagerID) {
	r.observer.OnPeerGone(id)
}
