package bootstrap

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

// TestService is a simple service implementation for testing
type TestService struct {
	name     string
	log      *[]string
	startErr error
	started  bool
	stopped  bool
}

func (s *TestService) Name() string {
	return s.name
}

func (s *TestService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	if s.log != nil {
		*s.log = append(*s.log, "start "+s.name)
	}
	return nil
}

func (s *TestService) Stop(ctx context.Context) error {
	s.stopped = true
	if s.log != nil {
		*s.log = append(*s.log, "stop "+s.name)
	}
	return nil
}

func (s *TestService) Health(ctx context.Context) (HealthStatus, error) {
	if s.started && !s.stopped {
		return HealthStatus{
			State:   HealthHealthy,
			Message: "Service is running",
		}, nil
	}
	return HealthStatus{
		State:   HealthUnhealthy,
		Message: "Service is not running",
	}, nil
}

func TestLifecycleManager(t *testing.T) {
	lm := NewLifecycleManager(nil)

	testService := &TestService{name: "test"}
	if err := lm.Register("test", testService); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	if err := lm.Register("test", testService); err == nil {
		t.Error("Registering a duplicate name should fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := lm.Start(ctx); err != nil {
		t.Fatalf("Failed to start services: %v", err)
	}
	if !testService.started {
		t.Error("Test service should be started")
	}
	if !lm.IsStarted() {
		t.Error("Lifecycle manager should be started")
	}
	if err := lm.Register("late", &TestService{name: "late"}); err == nil {
		t.Error("Registering after start should fail")
	}

	health, err := lm.Health(ctx)
	if err != nil {
		t.Fatalf("Failed to get health status: %v", err)
	}
	if health["test"].State != HealthHealthy {
		t.Errorf("Expected healthy state, got %v", health["test"].State)
	}
	if health["test"].LastCheck.IsZero() {
		t.Error("Health check time should be filled in")
	}

	if err := lm.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop services: %v", err)
	}
	if !testService.stopped {
		t.Error("Test service should be stopped")
	}
}

func TestLifecycleDependencyOrder(t *testing.T) {
	var log []string
	lm := NewLifecycleManager(nil)

	lm.Register("watcher", &TestService{name: "watcher", log: &log}, "runtime")
	lm.Register("runtime", &TestService{name: "runtime", log: &log}, "logging")
	lm.Register("logging", &TestService{name: "logging", log: &log})
	lm.Register("metrics", &TestService{name: "metrics", log: &log})

	var events []string
	lm.AddListener(func(e LifecycleEvent) {
		if e.Type == EventServiceStarted {
			events = append(events, e.Service)
		}
	})

	ctx := context.Background()
	if err := lm.Start(ctx); err != nil {
		t.Fatalf("Failed to start services: %v", err)
	}
	if err := lm.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop services: %v", err)
	}

	want := []string{
		"start logging", "start metrics", "start runtime", "start watcher",
		"stop watcher", "stop runtime", "stop metrics", "stop logging",
	}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("Unexpected order:\n got %v\nwant %v", log, want)
	}
	if !reflect.DeepEqual(events, []string{"logging", "metrics", "runtime", "watcher"}) {
		t.Errorf("Unexpected started events %v", events)
	}
	if got := lm.Services(); !reflect.DeepEqual(got, []string{"logging", "metrics", "runtime", "watcher"}) {
		t.Errorf("Unexpected service names %v", got)
	}
}

func TestLifecycleStartFailureRollsBack(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	lm := NewLifecycleManager(nil)

	first := &TestService{name: "a", log: &log}
	lm.Register("a", first)
	lm.Register("b", &TestService{name: "b", log: &log, startErr: boom}, "a")

	err := lm.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Expected start error to wrap boom, got %v", err)
	}
	var rtErr *RuntimeError
	if !errors.As(err, &rtErr) || rtErr.Service != "b" {
		t.Errorf("Expected RuntimeError for service b, got %v", err)
	}
	if !first.stopped {
		t.Error("Service started before the failure should be stopped")
	}
	if lm.IsStarted() {
		t.Error("Lifecycle manager should not be started")
	}
}

func TestLifecycleDependencyErrors(t *testing.T) {
	t.Run("Missing", func(t *testing.T) {
		lm := NewLifecycleManager(nil)
		lm.Register("a", &TestService{name: "a"}, "ghost")
		if err := lm.Start(context.Background()); err == nil {
			t.Error("Expected error for missing dependency")
		}
	})

	t.Run("Cycle", func(t *testing.T) {
		lm := NewLifecycleManager(nil)
		lm.Register("a", &TestService{name: "a"}, "b")
		lm.Register("b", &TestService{name: "b"}, "a")
		if err := lm.Start(context.Background()); err == nil {
			t.Error("Expected error for circular dependency")
		}
	})
}
