package bootstrap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/najoast/snipc/config"
)

// StartHook runs on the goroutine starting the runtime, before its loop
// runs. It may create components and register local ones.
type StartHook func(rt *Runtime) error

// RuntimeService runs a Runtime's loop on its own goroutine.
type RuntimeService struct {
	rt    *Runtime
	hooks []StartHook

	mu   sync.Mutex
	done chan struct{}
	err  error
}

// NewRuntimeService wraps rt as a managed service.
func NewRuntimeService(rt *Runtime, hooks ...StartHook) *RuntimeService {
	return &RuntimeService{rt: rt, hooks: hooks}
}

func (s *RuntimeService) Name() string {
	return "runtime"
}

// Start runs the hooks and then the loop. The loop goroutine owns the
// runtime until Stop.
func (s *RuntimeService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return errors.New("runtime already running")
	}
	for _, hook := range s.hooks {
		if err := hook(s.rt); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	s.done = done
	go func() {
		defer close(done)
		err := s.rt.Run(context.Background())
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if err != nil {
			s.rt.Logger().Error("event loop failed", "error", err)
		}
	}()
	return nil
}

// Done is closed when the loop goroutine returns. It is nil before Start.
func (s *RuntimeService) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the error the loop stopped with.
func (s *RuntimeService) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop stops the loop, waits for it and closes the runtime.
func (s *RuntimeService) Stop(ctx context.Context) error {
	done := s.Done()
	if done != nil {
		s.rt.Stop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(s.Err(), s.rt.Close())
}

func (s *RuntimeService) Health(ctx context.Context) (HealthStatus, error) {
	status := s.rt.Health()
	if done := s.Done(); done == nil {
		status.State, status.Message = HealthStarting, "event loop not started"
	} else {
		select {
		case <-done:
			status.State, status.Message = HealthStopped, "event loop stopped"
		default:
		}
	}
	return status, nil
}

// ConfigService watches the configuration file and applies hot
// reloadable settings to the runtime.
type ConfigService struct {
	watcher *config.Watcher
	rt      *Runtime

	mu         sync.Mutex
	reloads    int
	lastReload time.Time
}

// NewConfigService wraps watcher as a managed service.
func NewConfigService(watcher *config.Watcher, rt *Runtime) *ConfigService {
	s := &ConfigService{watcher: watcher, rt: rt}
	watcher.OnConfigChange(s.apply)
	return s
}

func (s *ConfigService) Name() string {
	return "config-watcher"
}

func (s *ConfigService) apply(prev, next *config.Config) {
	s.rt.ApplyConfig(prev, next)

	s.mu.Lock()
	s.reloads++
	s.lastReload = time.Now()
	s.mu.Unlock()
}

func (s *ConfigService) Start(ctx context.Context) error {
	return s.watcher.Start()
}

func (s *ConfigService) Stop(ctx context.Context) error {
	return s.watcher.Stop()
}

func (s *ConfigService) Health(ctx context.Context) (HealthStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := map[string]interface{}{
		"file":    s.watcher.File(),
		"reloads": s.reloads,
	}
	if !s.lastReload.IsZero() {
		data["last_reload"] = s.lastReload
	}
	return HealthStatus{
		State:   HealthHealthy,
		Message: "watching configuration",
		Data:    data,
	}, nil
}
