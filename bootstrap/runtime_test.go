package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/snipc/config"
	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/process"
)

const helperEnv = "SNIPC_BOOTSTRAP_HELPER"

const messagePing core.MessageType = 7

// TestHelperProcess is not a real test: it is the body of the component
// processes spawned by the tests below.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}

	code := 0
	switch mode {
	case "silent":
		time.Sleep(time.Minute)
	case "echo":
		token, _ := TokenFromArgs(os.Args)
		cfg, err := config.NewLoader().Load("")
		if err == nil {
			err = RunChild(context.Background(), token, ChildOptions{Config: cfg, Root: echoRoot})
		}
		switch {
		case IsBadToken(err):
			code = ExitBadToken
		case err != nil:
			os.Stderr.WriteString("helper: " + err.Error() + "\n")
			code = 1
		}
	default:
		code = 3
	}
	os.Exit(code)
}

// echoRoot answers every message with a copy sent back to its source.
func echoRoot(rt *Runtime, tok process.Token) (core.Component, error) {
	return core.ComponentFunc(func(msg *core.Message) error {
		return rt.Send(core.NewMessage(msg.Destination, msg.Source, msg.Type, msg.Payload))
	}), nil
}

type runtimeHarness struct {
	rt      *Runtime
	client  core.Address
	inbox   chan *core.Message
	created chan core.Address
	gone    chan core.ManagerID
	done    chan error
}

func testConfig(t *testing.T, kind, mode string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.App.Environment = config.EnvTesting
	cfg.Transport.Kind = kind
	cfg.Transport.RingCapacity = 4096
	cfg.SharedMemory.Dir = dir
	cfg.Process.KillWait = config.Duration(5 * time.Second)
	cfg.Process.Executables["test"] = config.ExecutableConfig{
		Path: os.Args[0],
		Args: []string{"-test.run=^TestHelperProcess$", "--"},
		Env: []string{
			helperEnv + "=" + mode,
			"SNIPC_SHM_DIR=" + dir,
			"SNIPC_TRANSPORT_KIND=" + kind,
		},
	}
	return cfg
}

func newRuntimeHarness(t *testing.T, cfg *config.Config, factory process.LocalFactory) *runtimeHarness {
	t.Helper()

	h := &runtimeHarness{
		inbox:   make(chan *core.Message, 16),
		created: make(chan core.Address, 16),
		gone:    make(chan core.ManagerID, 16),
	}
	rt, err := NewRuntime(RuntimeOptions{
		Config:       cfg,
		LocalFactory: factory,
		Observer: core.ObserverFuncs{
			Created:  func(addr core.Address) { h.created <- addr },
			PeerGone: func(id core.ManagerID) { h.gone <- id },
		},
	})
	require.NoError(t, err)
	h.rt = rt
	t.Cleanup(func() { rt.Close() })

	h.client, err = rt.Register(0, core.ComponentFunc(func(msg *core.Message) error {
		h.inbox <- msg
		return nil
	}))
	require.NoError(t, err)
	<-h.created
	return h
}

// start runs the loop on its own goroutine until the test ends.
func (h *runtimeHarness) start(t *testing.T) {
	t.Helper()
	h.done = make(chan error, 1)
	go func() { h.done <- h.rt.Run(context.Background()) }()
	t.Cleanup(h.stop)
}

func (h *runtimeHarness) stop() {
	if h.done == nil {
		return
	}
	h.rt.Stop()
	<-h.done
	h.done = nil
}

func (h *runtimeHarness) waitCreated(t *testing.T, id core.ManagerID) core.Address {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case addr := <-h.created:
			if addr.Manager == id {
				return addr
			}
		case <-deadline:
			t.Fatalf("component of manager %d was never announced", id)
		}
	}
}

func (h *runtimeHarness) receive(t *testing.T) *core.Message {
	t.Helper()
	select {
	case msg := <-h.inbox:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func testEcho(t *testing.T, kind string) {
	h := newRuntimeHarness(t, testConfig(t, kind, "echo"), nil)

	id, err := h.rt.CreateComponent(h.client, core.ComponentTest)
	require.NoError(t, err)
	require.NotEqual(t, h.rt.Self(), id)
	rec, ok := h.rt.Manager().Record(id)
	require.True(t, ok)

	h.start(t)
	root := h.waitCreated(t, id)
	assert.Equal(t, core.ComponentID(1), root.Component)

	payloads := [][]byte{[]byte("ping"), {}, make([]byte, 10000)}
	for _, payload := range payloads {
		require.NoError(t, h.rt.Send(core.NewMessage(h.client, root, messagePing, payload)))
		reply := h.receive(t)
		assert.Equal(t, root, reply.Source)
		assert.Equal(t, h.client, reply.Destination)
		assert.Equal(t, messagePing, reply.Type)
		assert.Equal(t, len(payload), len(reply.Payload))
	}
	assert.False(t, rec.KillOnExit())

	// Closing the parent transport lets the child exit on its own.
	h.stop()
	require.NoError(t, h.rt.Close())

	select {
	case <-rec.Exited():
	case <-time.After(10 * time.Second):
		t.Fatal("child did not exit after the parent closed")
	}
	state, _ := rec.ExitState()
	require.NotNil(t, state)
	assert.Equal(t, 0, state.ExitCode())
}

func TestRuntimeEchoOverPipe(t *testing.T) {
	testEcho(t, "pipe")
}

func TestRuntimeEchoOverRing(t *testing.T) {
	testEcho(t, "ring")
}

func TestRuntimeHandshakeTimeout(t *testing.T) {
	cfg := testConfig(t, "pipe", "silent")
	cfg.Process.HandshakeTimeout = config.Duration(200 * time.Millisecond)
	h := newRuntimeHarness(t, cfg, nil)

	id, err := h.rt.CreateComponent(h.client, core.ComponentTest)
	require.NoError(t, err)
	rec, ok := h.rt.Manager().Record(id)
	require.True(t, ok)

	h.start(t)
	select {
	case gone := <-h.gone:
		assert.Equal(t, id, gone)
	case <-time.After(10 * time.Second):
		t.Fatal("silent child was not dropped")
	}

	<-rec.Exited()
	state, _ := rec.ExitState()
	require.NotNil(t, state)
	assert.Equal(t, -1, state.ExitCode())
}

func TestRuntimeLocalFallback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SharedMemory.Dir = t.TempDir()

	h := newRuntimeHarness(t, cfg, func(typ core.ComponentType, requester core.Address) (core.Component, error) {
		return core.ComponentFunc(func(msg *core.Message) error {
			return nil
		}), nil
	})

	id, err := h.rt.CreateComponent(h.client, core.ComponentPlugin)
	require.NoError(t, err)
	assert.Equal(t, h.rt.Self(), id)
	addr := h.waitCreated(t, h.rt.Self())
	assert.NotEqual(t, h.client, addr)
	assert.Equal(t, 0, h.rt.Manager().PeerCount())

	err = h.rt.SetExecutable(core.ComponentPlugin, process.Executable{})
	assert.Error(t, err)
}

func TestRuntimeSendRoutesLocally(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SharedMemory.Dir = t.TempDir()
	h := newRuntimeHarness(t, cfg, nil)
	h.start(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.rt.Send(core.NewMessage(h.client, h.client, messagePing, []byte{byte(i)})))
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, []byte{byte(i)}, h.receive(t).Payload)
	}

	health := h.rt.Health()
	assert.Equal(t, HealthHealthy, health.State)
	assert.Equal(t, 0, health.Data["peers"])

	h.stop()
	require.NoError(t, h.rt.Close())
	assert.Equal(t, HealthStopped, h.rt.Health().State)

	err := h.rt.Send(core.NewMessage(h.client, h.client, messagePing, nil))
	var rtErr *RuntimeError
	assert.True(t, errors.As(err, &rtErr))
}

func TestRuntimeRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.Codec = "gob"

	_, err := NewRuntime(RuntimeOptions{Config: cfg})
	assert.ErrorIs(t, err, config.ErrInvalidCodec)
}

func TestRuntimeApplyConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SharedMemory.Dir = t.TempDir()
	level := new(slog.LevelVar)

	rt, err := NewRuntime(RuntimeOptions{Config: cfg, Level: level})
	require.NoError(t, err)
	defer rt.Close()

	next := cfg.Clone()
	next.Log.Level = config.LogLevelDebug
	next.Loop.MaxNesting = 3
	rt.ApplyConfig(cfg, next)

	assert.Equal(t, slog.LevelDebug, level.Level())
	assert.Equal(t, 3, rt.Loop().MaxNesting())
	assert.Equal(t, config.LogLevelDebug, rt.Config().Log.Level)
}

func TestChildRejectsBadToken(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$", "--", "-newprocess", "1,2,3")
	cmd.Env = append(os.Environ(), helperEnv+"=echo", "SNIPC_SHM_DIR="+t.TempDir())
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "expected exit error, got %v", err)
	assert.Equal(t, ExitBadToken, exitErr.ExitCode())
}

func TestTokenFromArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
		ok   bool
	}{
		{"Single", []string{"snipc", "-newprocess", "2,1,0,0,3,3,4"}, "2,1,0,0,3,3,4", true},
		{"Double", []string{"snipc", "--newprocess", "tok"}, "tok", true},
		{"Equals", []string{"snipc", "-newprocess=tok"}, "tok", true},
		{"AfterArgs", []string{"x", "-config", "a.yaml", "-newprocess", "tok"}, "tok", true},
		{"Missing", []string{"snipc", "-config", "a.yaml"}, "", false},
		{"NoValue", []string{"snipc", "-newprocess"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TokenFromArgs(tt.args)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplicationRunAndReload(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "snipc.yaml")
	write := func(level string) {
		content := "log:\n  level: " + level + "\n  output: " + filepath.Join(dir, "snipc.log") +
			"\nshared_memory:\n  dir: " + dir + "\n"
		require.NoError(t, os.WriteFile(configFile, []byte(content), 0o644))
	}
	write("info")

	hooked := make(chan core.ManagerID, 1)
	app, err := NewApplication(ApplicationOptions{
		ConfigFile: configFile,
		Hooks: []StartHook{func(rt *Runtime) error {
			hooked <- rt.Self()
			return nil
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"config-watcher", "runtime"}, app.LifecycleManager().Services())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case id := <-hooked:
		assert.Equal(t, core.ManagerID(1), id)
	case <-time.After(5 * time.Second):
		t.Fatal("start hook did not run")
	}

	assert.Eventually(t, func() bool {
		health, _ := app.LifecycleManager().Health(context.Background())
		return health["runtime"].State == HealthHealthy && health["config-watcher"].State == HealthHealthy
	}, 5*time.Second, 20*time.Millisecond)

	write("debug")
	assert.Eventually(t, func() bool {
		return app.Runtime().Config().Log.Level == config.LogLevelDebug
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("application did not shut down")
	}
	assert.Equal(t, HealthStopped, app.Runtime().Health().State)
}
