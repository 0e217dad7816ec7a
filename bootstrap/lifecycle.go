package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultServiceTimeout bounds each Start and Stop call
const DefaultServiceTimeout = 30 * time.Second

// DefaultLifecycleManager implements the LifecycleManager interface
type DefaultLifecycleManager struct {
	// services holds all registered services
	services map[string]Service

	// dependencies tracks service dependencies
	dependencies map[string][]string

	// startOrder tracks the order services were started
	startOrder []string

	mutex   sync.RWMutex
	started bool

	// listeners run synchronously and must not call back into the manager
	listeners []func(LifecycleEvent)

	// timeout for service operations
	timeout time.Duration

	logger *slog.Logger
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(logger *slog.Logger) *DefaultLifecycleManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultLifecycleManager{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      DefaultServiceTimeout,
		logger:       logger,
	}
}

// Register registers a service with the lifecycle manager
func (lm *DefaultLifecycleManager) Register(name string, service Service, deps ...string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if service == nil {
		return fmt.Errorf("service cannot be nil")
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.started {
		return fmt.Errorf("cannot register service %s: lifecycle manager already started", name)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	lm.services[name] = service
	lm.dependencies[name] = deps

	lm.emit(LifecycleEvent{
		Type:    EventServiceRegistered,
		Service: name,
		Data:    map[string]interface{}{"dependencies": deps},
	})
	return nil
}

// Start starts all services in dependency order. If one fails, the ones
// already started are stopped again in reverse order.
func (lm *DefaultLifecycleManager) Start(ctx context.Context) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.started {
		return fmt.Errorf("lifecycle manager already started")
	}

	order, err := lm.calculateStartOrder()
	if err != nil {
		return &RuntimeError{Operation: "start", Err: err}
	}

	for _, name := range order {
		lm.emit(LifecycleEvent{Type: EventServiceStarting, Service: name})

		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Start(startCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: EventServiceStartFailed, Service: name, Error: err})
			lm.stopStarted(ctx)
			return &RuntimeError{Operation: "start", Service: name, Err: err}
		}

		lm.startOrder = append(lm.startOrder, name)
		lm.logger.Debug("service started", "service", name)
		lm.emit(LifecycleEvent{Type: EventServiceStarted, Service: name})
	}

	lm.started = true
	lm.emit(LifecycleEvent{Type: EventLifecycleStarted, Data: map[string]interface{}{"order": order}})
	return nil
}

// Stop stops all services in reverse start order
func (lm *DefaultLifecycleManager) Stop(ctx context.Context) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if !lm.started {
		return nil
	}

	err := lm.stopStarted(ctx)
	lm.started = false
	lm.emit(LifecycleEvent{Type: EventLifecycleStopped})
	return err
}

func (lm *DefaultLifecycleManager) stopStarted(ctx context.Context) error {
	var errs []error
	for i := len(lm.startOrder) - 1; i >= 0; i-- {
		name := lm.startOrder[i]

		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Stop(stopCtx)
		cancel()

		if err != nil {
			errs = append(errs, &RuntimeError{Operation: "stop", Service: name, Err: err})
			lm.logger.Warn("service stop failed", "service", name, "error", err)
			lm.emit(LifecycleEvent{Type: EventServiceStopFailed, Service: name, Error: err})
			continue
		}
		lm.emit(LifecycleEvent{Type: EventServiceStopped, Service: name})
	}
	lm.startOrder = nil
	return errors.Join(errs...)
}

// Health returns the health status of all services
func (lm *DefaultLifecycleManager) Health(ctx context.Context) (map[string]HealthStatus, error) {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	health := make(map[string]HealthStatus, len(lm.services))
	for name, service := range lm.services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		if status.LastCheck.IsZero() {
			status.LastCheck = time.Now()
		}
		health[name] = status
	}
	return health, nil
}

// Services returns all registered service names
func (lm *DefaultLifecycleManager) Services() []string {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddListener adds a lifecycle event listener
func (lm *DefaultLifecycleManager) AddListener(listener func(LifecycleEvent)) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.listeners = append(lm.listeners, listener)
}

// SetTimeout sets the timeout for service operations
func (lm *DefaultLifecycleManager) SetTimeout(timeout time.Duration) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.timeout = timeout
}

// IsStarted returns true if the lifecycle manager has been started
func (lm *DefaultLifecycleManager) IsStarted() bool {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()
	return lm.started
}

// calculateStartOrder orders services so every dependency starts first.
// Ties are broken by name so the order is stable.
func (lm *DefaultLifecycleManager) calculateStartOrder() ([]string, error) {
	// Topological sort using Kahn's algorithm
	inDegree := make(map[string]int, len(lm.services))
	graph := make(map[string][]string, len(lm.services))

	for service := range lm.services {
		inDegree[service] = 0
	}
	for service, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, exists := lm.services[dep]; !exists {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, service)
			}
			graph[dep] = append(graph[dep], service)
			inDegree[service]++
		}
	}

	var queue []string
	for service, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, service)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(lm.services))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		var ready []string
		for _, dependent := range graph[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(result) != len(lm.services) {
		return nil, fmt.Errorf("circular dependency detected")
	}
	return result, nil
}

// emit delivers event to every listener. Callers hold the mutex.
func (lm *DefaultLifecycleManager) emit(event LifecycleEvent) {
	event.Timestamp = time.Now()
	for _, listener := range lm.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lm.logger.Error("lifecycle listener panicked", "event", event.Type, "panic", r)
				}
			}()
			listener(event)
		}()
	}
}
