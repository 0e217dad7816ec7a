package process

import (
	"errors"
	"fmt"

	"github.com/najoast/snipc/core"
)

var (
	// ErrMalformedToken is matched by every *TokenError
	ErrMalformedToken = errors.New("malformed bootstrap token")

	// ErrUnknownPeer is returned when no record owns a manager id
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrPeerExists is returned when attaching a manager id twice
	ErrPeerExists = errors.New("peer already attached")

	// ErrNoExecutable is returned when a component type has no executable
	// and no local factory
	ErrNoExecutable = errors.New("no executable for component type")

	// ErrDestructing is returned once the manager is shutting down
	ErrDestructing = errors.New("process manager is shutting down")

	// ErrKillTimeout is returned when a killed process was not reaped in time
	ErrKillTimeout = errors.New("process did not exit after kill")
)

// TokenError describes the first bootstrap token field that failed to
// decode.
type TokenError struct {
	Field string
	Value string
	Err   error
}

func (e *TokenError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %v", ErrMalformedToken, e.Err)
	}
	return fmt.Sprintf("%v: field %s=%q: %v", ErrMalformedToken, e.Field, e.Value, e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrMalformedToken) hold for every TokenError.
func (e *TokenError) Is(target error) bool {
	return target == ErrMalformedToken
}

// PeerError wraps an error with the peer it concerns.
type PeerError struct {
	Manager core.ManagerID
	Op      string
	Err     error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %04x %s: %v", uint32(e.Manager), e.Op, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}
