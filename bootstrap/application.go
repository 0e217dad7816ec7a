package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/najoast/snipc/config"
	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/process"
)

// ShutdownTimeout bounds a graceful shutdown
const ShutdownTimeout = 30 * time.Second

// ApplicationOptions configures an Application.
type ApplicationOptions struct {
	// ConfigFile is loaded and watched for changes. When empty the
	// configuration is discovered with Loader.AutoLoad and not watched.
	ConfigFile string

	// Loader overrides the default configuration loader
	Loader *config.Loader

	LocalFactory process.LocalFactory
	Observer     core.LifecycleObserver

	// Hooks run before the event loop starts
	Hooks []StartHook
}

// Application hosts the root runtime: it loads the configuration, sets up
// logging, starts the runtime and the config watcher as services and
// shuts them down on a signal.
type Application struct {
	config    *config.Config
	logger    *slog.Logger
	level     *slog.LevelVar
	logCloser io.Closer

	runtime   *Runtime
	service   *RuntimeService
	lifecycle *DefaultLifecycleManager

	mutex   sync.Mutex
	running bool
}

// NewApplication creates an application from opts.
func NewApplication(opts ApplicationOptions) (*Application, error) {
	loader := opts.Loader
	if loader == nil {
		loader = config.NewLoader()
	}

	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
	)
	if opts.ConfigFile != "" {
		cfg, err = loader.LoadFromFile(opts.ConfigFile)
	} else {
		cfg, err = loader.AutoLoad()
	}
	if err != nil {
		return nil, &RuntimeError{Operation: "load configuration", Err: err}
	}

	level := new(slog.LevelVar)
	logger, closer, err := NewLogger(cfg.Log, level)
	if err != nil {
		return nil, &RuntimeError{Operation: "configure logging", Err: err}
	}
	logger = logger.With("app", cfg.App.Name)

	rt, err := NewRuntime(RuntimeOptions{
		Config:       cfg,
		LocalFactory: opts.LocalFactory,
		Observer:     opts.Observer,
		Logger:       logger,
		Level:        level,
	})
	if err != nil {
		closer.Close()
		return nil, err
	}

	app := &Application{
		config:    cfg,
		logger:    logger,
		level:     level,
		logCloser: closer,
		runtime:   rt,
		service:   NewRuntimeService(rt, opts.Hooks...),
		lifecycle: NewLifecycleManager(logger),
	}

	if err := app.lifecycle.Register(app.service.Name(), app.service); err != nil {
		app.abort()
		return nil, err
	}

	if opts.ConfigFile != "" {
		watcher, err = config.NewWatcher(opts.ConfigFile, loader, config.WatcherOptions{Logger: logger})
		if err != nil {
			app.abort()
			return nil, &RuntimeError{Operation: "watch configuration", Err: err}
		}
		cs := NewConfigService(watcher, rt)
		if err := app.lifecycle.Register(cs.Name(), cs, app.service.Name()); err != nil {
			watcher.Stop()
			app.abort()
			return nil, err
		}
	}

	return app, nil
}

func (app *Application) abort() {
	app.runtime.Close()
	app.logCloser.Close()
}

// Runtime returns the root runtime.
func (app *Application) Runtime() *Runtime {
	return app.runtime
}

// Config returns the configuration loaded at startup.
func (app *Application) Config() *config.Config {
	return app.config
}

// Logger returns the application logger.
func (app *Application) Logger() *slog.Logger {
	return app.logger
}

// LifecycleManager returns the lifecycle manager
func (app *Application) LifecycleManager() LifecycleManager {
	return app.lifecycle
}

// Run starts all services and blocks until a signal arrives, ctx is done
// or the event loop stops, then shuts down gracefully.
func (app *Application) Run(ctx context.Context) error {
	app.mutex.Lock()
	if app.running {
		app.mutex.Unlock()
		return fmt.Errorf("application is already running")
	}
	app.running = true
	app.mutex.Unlock()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	if err := app.lifecycle.Start(ctx); err != nil {
		app.mutex.Lock()
		app.running = false
		app.mutex.Unlock()
		app.abort()
		return err
	}
	app.logger.Info("application started", "manager_id", uint32(app.runtime.Self()))

	var loopErr error
	select {
	case sig := <-signals:
		app.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		app.logger.Info("context cancelled, shutting down")
	case <-app.service.Done():
		loopErr = app.service.Err()
		app.logger.Info("event loop stopped, shutting down")
	}

	return errors.Join(loopErr, app.Shutdown(context.Background()))
}

// Shutdown stops all services in reverse order.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mutex.Lock()
	if !app.running {
		app.mutex.Unlock()
		return nil
	}
	app.running = false
	app.mutex.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	err := app.lifecycle.Stop(shutdownCtx)
	app.logger.Info("application stopped")
	app.logCloser.Close()
	return err
}
