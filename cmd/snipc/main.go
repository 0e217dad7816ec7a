// Command snipc hosts a root component manager. Started with
// -newprocess it runs as a spawned component process instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/najoast/snipc/bootstrap"
	"github.com/najoast/snipc/config"
	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/process"
)

const messagePing core.MessageType = 1

func main() {
	configPath := flag.String("config", "", "Path to configuration file (discovered when empty)")
	token := flag.String(process.TokenFlag, "", "Bootstrap token of a spawned component process")
	spawn := flag.String("spawn", "", "Comma separated component types to create at startup")
	transport := flag.String("transport", "", "Override transport.kind (pipe or ring)")
	flag.Parse()

	if *transport != "" {
		os.Setenv(config.DefaultEnvPrefix+"_TRANSPORT_KIND", *transport)
	}

	if *token != "" {
		os.Exit(runChild(*configPath, *token))
	}
	os.Exit(runRoot(*configPath, *spawn))
}

func runChild(configPath, token string) int {
	if _, err := process.DecodeToken(token); err != nil {
		fmt.Fprintf(os.Stderr, "snipc: invalid bootstrap token: %v\n", err)
		return bootstrap.ExitBadToken
	}

	loader := config.NewLoader()
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = loader.LoadFromFile(configPath)
	} else {
		cfg, err = loader.AutoLoad()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "snipc: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	logger, closer, err := bootstrap.NewLogger(cfg.Log, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snipc: %v\n", err)
		return 1
	}
	defer closer.Close()

	err = bootstrap.RunChild(context.Background(), token, bootstrap.ChildOptions{
		Config: cfg,
		Root:   echoRoot,
		Logger: logger,
		Level:  level,
	})
	switch {
	case bootstrap.IsBadToken(err):
		logger.Error("invalid bootstrap token", "error", err)
		return bootstrap.ExitBadToken
	case err != nil:
		logger.Error("component process failed", "error", err)
		return 1
	}
	return 0
}

// echoRoot answers every message with a copy sent back to its source.
func echoRoot(rt *bootstrap.Runtime, tok process.Token) (core.Component, error) {
	logger := rt.Logger().With("type", tok.Type.String())
	return core.ComponentFunc(func(msg *core.Message) error {
		logger.Debug("echo", "component_id", msg.Source.String(), "bytes", len(msg.Payload))
		return rt.Send(core.NewMessage(msg.Destination, msg.Source, msg.Type, msg.Payload))
	}), nil
}

func runRoot(configPath, spawn string) int {
	types, err := parseTypes(spawn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snipc: %v\n", err)
		return 1
	}

	c := &console{configPath: configPath, types: types}
	app, err := bootstrap.NewApplication(bootstrap.ApplicationOptions{
		ConfigFile: configPath,
		Observer:   core.ObserverFuncs{Created: c.announced},
		Hooks:      []bootstrap.StartHook{c.start},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "snipc: %v\n", err)
		return 1
	}

	if err := app.Run(context.Background()); err != nil {
		app.Logger().Error("snipc stopped with error", "error", err)
		return 1
	}
	return 0
}

func parseTypes(list string) ([]core.ComponentType, error) {
	var types []core.ComponentType
	for _, name := range strings.Split(list, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		typ, err := core.ParseComponentType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, typ)
	}
	return types, nil
}

// console is the root component of the host. It creates the requested
// components and pings each one once it has announced itself.
type console struct {
	configPath string
	types      []core.ComponentType

	rt     *bootstrap.Runtime
	addr   core.Address
	logger *slog.Logger
}

func (c *console) start(rt *bootstrap.Runtime) error {
	c.rt = rt
	c.logger = rt.Logger().With("component", "console")

	addr, err := rt.Register(0, core.ComponentFunc(c.handle))
	if err != nil {
		return err
	}
	c.addr = addr

	self, err := os.Executable()
	if err != nil {
		return err
	}
	for _, typ := range c.types {
		if _, ok := rt.Config().Process.Executables[typ.String()]; !ok {
			exe := process.Executable{Path: self}
			if c.configPath != "" {
				exe.Args = []string{"-config", c.configPath}
			}
			if err := rt.SetExecutable(typ, exe); err != nil {
				return err
			}
		}
		id, err := rt.CreateComponent(c.addr, typ)
		if err != nil {
			return err
		}
		c.logger.Info("component requested", "type", typ.String(), "peer", uint32(id))
	}
	return nil
}

func (c *console) announced(addr core.Address) {
	if c.rt == nil || addr.Manager == c.rt.Self() {
		return
	}
	msg := core.NewMessage(c.addr, addr, messagePing, []byte("ping"))
	if err := c.rt.Send(msg); err != nil {
		c.logger.Warn("ping not sent", "component_id", addr.String(), "error", err)
	}
}

func (c *console) handle(msg *core.Message) error {
	c.logger.Info("reply",
		"component_id", msg.Source.String(),
		"type", msg.Type.String(),
		"bytes", len(msg.Payload))
	return nil
}
