package process

import (
	"fmt"

	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/network"
)

// ConnectParent is the child side of a spawn: it builds the transport
// described by tok, attaches it as the requester's peer and sends the
// handshake announcing root.
func ConnectParent(m *Manager, tok Token, root core.Address, ringOpts network.RingOptions) error {
	if tok.Manager != m.Self() {
		return fmt.Errorf("%w: token is for manager %04x", core.ErrWrongManager, uint32(tok.Manager))
	}

	ep, err := tok.Endpoint(m.shm)
	if err != nil {
		return err
	}
	transport, err := network.NewTransport(ep, ringOpts)
	if err != nil {
		if ep.Segment != nil {
			ep.Segment.Close()
		}
		return err
	}

	parent := tok.Requester.Manager
	if err := m.AttachPeer(parent, transport); err != nil {
		transport.Close()
		return err
	}
	if err := m.Handshake(parent, root); err != nil {
		m.PeerGone(parent)
		return err
	}

	m.logger.Info("connected to parent",
		"peer", uint32(parent),
		"component_id", root.String(),
		"transport", tok.Transport.String())
	return nil
}
