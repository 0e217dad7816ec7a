package network

import (
	"fmt"

	"github.com/najoast/snipc/shm"
)

// Endpoint describes one side of a transport pairing. Which fields are
// used depends on Kind.
type Endpoint struct {
	Kind TransportKind

	// Pipe descriptors
	ReadFD  int
	WriteFD int

	// Ring segment and side
	Segment *shm.Segment
	Side    RingSide
}

// PipeEndpoint describes a pipe endpoint.
func PipeEndpoint(readFD, writeFD int) Endpoint {
	return Endpoint{Kind: TransportPipe, ReadFD: readFD, WriteFD: writeFD}
}

// RingEndpoint describes a ring endpoint.
func RingEndpoint(seg *shm.Segment, side RingSide) Endpoint {
	return Endpoint{Kind: TransportRing, Segment: seg, Side: side}
}

// NewTransport creates the transport for ep. Ring endpoints use
// ringOpts; pipe endpoints use ringOpts.Options only.
func NewTransport(ep Endpoint, ringOpts RingOptions) (Transport, error) {
	switch ep.Kind {
	case TransportPipe:
		if ep.ReadFD < 0 || ep.WriteFD < 0 {
			return nil, fmt.Errorf("pipe endpoint needs two descriptors, got %d and %d", ep.ReadFD, ep.WriteFD)
		}
		return NewPipeTransport(ep.ReadFD, ep.WriteFD, ringOpts.Options)
	case TransportRing:
		if ep.Segment == nil {
			return nil, fmt.Errorf("ring endpoint needs a segment")
		}
		return NewRingTransport(ep.Segment, ep.Side, ringOpts)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", ep.Kind)
	}
}
