package network

import (
	"errors"
	"fmt"
	"strings"

	"github.com/najoast/snipc/core"
)

// Transport errors
var (
	// ErrPeerClosed means the other side closed its end; it is fatal
	ErrPeerClosed = errors.New("peer closed the transport")

	// ErrTransportClosed is returned by operations on a closed transport
	ErrTransportClosed = errors.New("transport is closed")

	// ErrFrameTooLarge means a frame claims an implausible length
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrIncompleteFrame means more bytes are needed to decode a frame
	ErrIncompleteFrame = errors.New("incomplete frame")

	// ErrMalformedFrame means a complete frame could not be decoded
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrNoMessage is returned by TakeMessage when nothing is available
	ErrNoMessage = errors.New("no message available")
)

// TransportKind selects a transport implementation
type TransportKind int

const (
	TransportPipe TransportKind = iota
	TransportRing
)

// String returns the string representation of TransportKind
func (k TransportKind) String() string {
	switch k {
	case TransportPipe:
		return "pipe"
	case TransportRing:
		return "ring"
	default:
		return "unknown"
	}
}

// ParseTransportKind parses "pipe" or "ring"
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pipe", "":
		return TransportPipe, nil
	case "ring", "shm":
		return TransportRing, nil
	default:
		return 0, fmt.Errorf("unsupported transport: %s", s)
	}
}

// TransportState represents the state of a transport
type TransportState int

const (
	TransportStateOpen TransportState = iota
	TransportStateFailed
	TransportStateClosed
)

// String returns the string representation of TransportState
func (s TransportState) String() string {
	switch s {
	case TransportStateOpen:
		return "open"
	case TransportStateFailed:
		return "failed"
	case TransportStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport moves framed messages between two endpoints. A transport is
// driven by one goroutine at a time, normally the event loop's.
type Transport interface {
	// Send queues msg for delivery and takes ownership of it. It never
	// blocks on I/O.
	Send(msg *core.Message) error

	// PumpSend writes as much queued data as the endpoint accepts
	PumpSend() error

	// PumpReceive reads available data into the receive buffer
	PumpReceive() error

	// MessageAvailable reports whether a whole message is buffered
	MessageAvailable() bool

	// TakeMessage removes and returns the next buffered message
	TakeMessage() (*core.Message, error)

	// ReadFD returns the descriptor to poll for readability
	ReadFD() int

	// WriteFD returns the descriptor to poll for writability, or -1
	WriteFD() int

	// WantsWrite reports whether queued data waits for writability
	WantsWrite() bool

	// Kind returns the transport kind
	Kind() TransportKind

	// State returns the current transport state
	State() TransportState

	// Stats returns transport statistics
	Stats() TransportStats

	// Close releases the transport's resources
	Close() error
}

// TransportStats contains transport statistics
type TransportStats struct {
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	BytesSent        int64 `json:"bytes_sent"`
	BytesReceived    int64 `json:"bytes_received"`
	QueuedFrames     int   `json:"queued_frames"`
}

// Options configures transports
type Options struct {
	// Codec encodes message envelopes; nil selects BinaryMessageCodec
	Codec MessageCodec

	// MaxFrameSize bounds a single frame; 0 selects DefaultMaxFrameSize
	MaxFrameSize int
}

// DefaultOptions returns the default transport options
func DefaultOptions() Options {
	return Options{
		Codec:        &BinaryMessageCodec{},
		MaxFrameSize: DefaultMaxFrameSize,
	}
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = &BinaryMessageCodec{}
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	return o
}
