// Package network provides the message codecs and transports of snipc
package network

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/najoast/snipc/core"
)

// CodecKind selects a MessageCodec
type CodecKind string

const (
	CodecBinary  CodecKind = "binary"
	CodecMsgpack CodecKind = "msgpack"
)

// IsValid checks if the codec kind is known
func (k CodecKind) IsValid() bool {
	switch k {
	case CodecBinary, CodecMsgpack:
		return true
	default:
		return false
	}
}

// MessageCodec turns a typed message into a frame payload and back
type MessageCodec interface {
	// Encode serializes a message
	Encode(msg *core.Message) ([]byte, error)

	// Decode deserializes a message
	Decode(data []byte) (*core.Message, error)

	// Kind returns the codec kind
	Kind() CodecKind
}

// NewCodec creates the codec for kind
func NewCodec(kind CodecKind) (MessageCodec, error) {
	switch CodecKind(strings.ToLower(string(kind))) {
	case CodecBinary, "":
		return &BinaryMessageCodec{}, nil
	case CodecMsgpack:
		return &MsgpackMessageCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", kind)
	}
}

// Binary envelope layout, little-endian:
// source(12) | destination(12) | type(4) | payload
const (
	addressSize       = 12
	MessageHeaderSize = 2*addressSize + 4
)

// BinaryMessageCodec implements MessageCodec with a fixed binary header
type BinaryMessageCodec struct{}

// Kind returns CodecBinary
func (c *BinaryMessageCodec) Kind() CodecKind {
	return CodecBinary
}

// Encode encodes a message to binary format
func (c *BinaryMessageCodec) Encode(msg *core.Message) ([]byte, error) {
	if msg == nil {
		return nil, core.ErrNilMessage
	}

	buf := make([]byte, MessageHeaderSize+len(msg.Payload))
	putAddress(buf[0:], msg.Source)
	putAddress(buf[addressSize:], msg.Destination)
	binary.LittleEndian.PutUint32(buf[2*addressSize:], uint32(msg.Type))
	copy(buf[MessageHeaderSize:], msg.Payload)

	return buf, nil
}

// Decode decodes a message from binary format
func (c *BinaryMessageCodec) Decode(data []byte) (*core.Message, error) {
	if len(data) < MessageHeaderSize {
		return nil, fmt.Errorf("%w: envelope of %d bytes is shorter than its header", ErrMalformedFrame, len(data))
	}

	msg := &core.Message{
		Source:      getAddress(data[0:]),
		Destination: getAddress(data[addressSize:]),
		Type:        core.MessageType(binary.LittleEndian.Uint32(data[2*addressSize:])),
	}
	if len(data) > MessageHeaderSize {
		msg.Payload = make([]byte, len(data)-MessageHeaderSize)
		copy(msg.Payload, data[MessageHeaderSize:])
	}

	return msg, nil
}

func putAddress(buf []byte, addr core.Address) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(addr.Manager))
	binary.LittleEndian.PutUint32(buf[4:], uint32(addr.Component))
	binary.LittleEndian.PutUint32(buf[8:], uint32(addr.Channel))
}

func getAddress(buf []byte) core.Address {
	return core.Address{
		Manager:   core.ManagerID(binary.LittleEndian.Uint32(buf[0:])),
		Component: core.ComponentID(binary.LittleEndian.Uint32(buf[4:])),
		Channel:   core.ChannelID(binary.LittleEndian.Uint32(buf[8:])),
	}
}

// envelope is the msgpack form of a message
type envelope struct {
	Source      core.Address `msgpack:"src"`
	Destination core.Address `msgpack:"dst"`
	Type        uint32       `msgpack:"t"`
	Payload     []byte       `msgpack:"p,omitempty"`
}

// MsgpackMessageCodec implements MessageCodec with msgpack
type MsgpackMessageCodec struct{}

// Kind returns CodecMsgpack
func (c *MsgpackMessageCodec) Kind() CodecKind {
	return CodecMsgpack
}

// Encode encodes a message with msgpack
func (c *MsgpackMessageCodec) Encode(msg *core.Message) ([]byte, error) {
	if msg == nil {
		return nil, core.ErrNilMessage
	}

	data, err := msgpack.Marshal(&envelope{
		Source:      msg.Source,
		Destination: msg.Destination,
		Type:        uint32(msg.Type),
		Payload:     msg.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Decode decodes a msgpack message
func (c *MsgpackMessageCodec) Decode(data []byte) (*core.Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	return &core.Message{
		Source:      env.Source,
		Destination: env.Destination,
		Type:        core.MessageType(env.Type),
		Payload:     env.Payload,
	}, nil
}
