package core

import (
	"bytes"
	"fmt"
	"strings"
)

// ManagerID identifies a component manager, normally one per process.
type ManagerID uint32

// ComponentID identifies a component inside its manager.
type ComponentID uint32

// ChannelID identifies a channel of a component.
type ChannelID uint32

// Address identifies a message endpoint. It stays unique for the lifetime
// of the component it names and may be handed out again after the
// component's death has been reported.
type Address struct {
	// Manager owning the component
	Manager ManagerID `msgpack:"m"`

	// Component inside the manager
	Component ComponentID `msgpack:"c"`

	// Channel of the component
	Channel ChannelID `msgpack:"ch"`
}

// ManagerAddress returns the address of the manager itself.
func ManagerAddress(id ManagerID) Address {
	return Address{Manager: id}
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the address as manager:component:channel in hex.
func (a Address) String() string {
	return fmt.Sprintf("%04x:%08x:%04x", uint32(a.Manager), uint32(a.Component), uint32(a.Channel))
}

// MessageType is the application-defined type tag of a message.
type MessageType uint32

// Reserved message types used by the runtime itself. Application types
// must stay below MessageTypeSystemBase.
const (
	MessageTypeSystemBase MessageType = 0xffff0000

	// MessageHandshake is the first message a spawned child sends
	// to its parent.
	MessageHandshake MessageType = MessageTypeSystemBase + 1

	// MessagePeerDead is posted locally when a supervised process exits.
	MessagePeerDead MessageType = MessageTypeSystemBase + 2
)

// IsSystem reports whether t is reserved for the runtime.
func (t MessageType) IsSystem() bool {
	return t >= MessageTypeSystemBase
}

// String returns the string representation of MessageType.
func (t MessageType) String() string {
	switch t {
	case MessageHandshake:
		return "handshake"
	case MessagePeerDead:
		return "peer-dead"
	default:
		if t.IsSystem() {
			return fmt.Sprintf("system(%d)", uint32(t-MessageTypeSystemBase))
		}
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Message is a typed message between two addresses.
//
// A message has exactly one owner. Passing it to Send, Post or Deliver
// hands it over: the caller must not read or modify it afterwards.
type Message struct {
	// Source is the sending endpoint
	Source Address

	// Destination is the receiving endpoint
	Destination Address

	// Type is the type tag
	Type MessageType

	// Payload is the opaque message body
	Payload []byte
}

// NewMessage creates a message from src to dst.
func NewMessage(src, dst Address, typ MessageType, payload []byte) *Message {
	return &Message{
		Source:      src,
		Destination: dst,
		Type:        typ,
		Payload:     payload,
	}
}

// Equal reports whether two messages carry the same addresses, type and payload.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Source == other.Source &&
		m.Destination == other.Destination &&
		m.Type == other.Type &&
		bytes.Equal(m.Payload, other.Payload)
}

// ComponentType selects what kind of component a manager creates and,
// for out-of-process components, which executable hosts it.
type ComponentType uint8

const (
	// ComponentSingleton is a component living in the root process
	ComponentSingleton ComponentType = iota

	// ComponentTest is used by tests and diagnostics
	ComponentTest

	// ComponentPlugin hosts a plugin in a separate process
	ComponentPlugin

	// ComponentPluginWrapper hosts a plugin behind a compatibility wrapper
	ComponentPluginWrapper

	componentTypeCount
)

var componentTypeNames = [...]string{
	ComponentSingleton:     "singleton",
	ComponentTest:          "test",
	ComponentPlugin:        "plugin",
	ComponentPluginWrapper: "plugin-wrapper",
}

// Valid reports whether t is a known component type.
func (t ComponentType) Valid() bool {
	return t < componentTypeCount
}

// String returns the string representation of ComponentType.
func (t ComponentType) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return componentTypeNames[t]
}

// ComponentTypeCount returns the number of known component types.
func ComponentTypeCount() int {
	return int(componentTypeCount)
}

// ParseComponentType parses a component type name.
func ParseComponentType(name string) (ComponentType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range componentTypeNames {
		if n == name {
			return ComponentType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownComponentType, name)
}
