package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/najoast/snipc/config"
	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/process"
)

// ExitBadToken is the exit status of a child whose token cannot be decoded.
const ExitBadToken = 2

// RootFactory builds the component a child announces in its handshake.
type RootFactory func(rt *Runtime, tok process.Token) (core.Component, error)

// ChildOptions configures a spawned component process.
type ChildOptions struct {
	// Config supplies codec, limits and logging. Executables are ignored.
	Config *config.Config

	Root         RootFactory
	LocalFactory process.LocalFactory

	Logger *slog.Logger
	Level  *slog.LevelVar
}

// TokenFromArgs finds the bootstrap token in a command line.
func TokenFromArgs(args []string) (string, bool) {
	flag := "-" + process.TokenFlag
	for i, arg := range args {
		switch {
		case (arg == flag || arg == "-"+flag) && i+1 < len(args):
			return args[i+1], true
		case len(arg) > len(flag)+1 && arg[:len(flag)+1] == flag+"=":
			return arg[len(flag)+1:], true
		}
	}
	return "", false
}

// IsBadToken reports whether err means the bootstrap token was unusable.
func IsBadToken(err error) bool {
	return errors.Is(err, process.ErrMalformedToken)
}

// RunChild is the body of a spawned component process. It decodes token
// before creating any state, builds a runtime acting as the token's
// manager, registers the root component, handshakes with the parent and
// runs until the parent is gone or ctx is done.
func RunChild(ctx context.Context, token string, opts ChildOptions) error {
	tok, err := process.DecodeToken(token)
	if err != nil {
		return err
	}
	if opts.Root == nil {
		return &RuntimeError{Operation: "start child", Err: errors.New("no root component factory")}
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg = cfg.Clone()
	cfg.Process.Executables = map[string]config.ExecutableConfig{}

	parent := tok.Requester.Manager
	var rt *Runtime
	rt, err = NewRuntime(RuntimeOptions{
		Config:       cfg,
		Self:         tok.Manager,
		DisableSpawn: true,
		LocalFactory: opts.LocalFactory,
		Logger:       opts.Logger,
		Level:        opts.Level,
		Observer: core.ObserverFuncs{
			PeerGone: func(id core.ManagerID) {
				if id == parent {
					rt.Logger().Info("parent gone, exiting", "peer", uint32(id))
					rt.Stop()
				}
			},
		},
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	component, err := opts.Root(rt, tok)
	if err != nil {
		return &RuntimeError{Operation: "create root component", Err: err}
	}
	root, err := rt.Register(0, component)
	if err != nil {
		return &RuntimeError{Operation: "register root component", Err: err}
	}

	if err := process.ConnectParent(rt.Manager(), tok, root, rt.RingOptions()); err != nil {
		return &RuntimeError{Operation: "connect parent", Err: fmt.Errorf("%s transport: %w", tok.Transport, err)}
	}
	return rt.Run(ctx)
}
