package core

import "errors"

var (
	// ErrComponentNotFound is returned when no component owns the destination address
	ErrComponentNotFound = errors.New("component not found")

	// ErrComponentExists is returned when registering an address twice
	ErrComponentExists = errors.New("component already registered")

	// ErrWrongManager is returned when a message is delivered to a manager that does not own it
	ErrWrongManager = errors.New("destination belongs to another manager")

	// ErrUnknownComponentType is returned for component types outside the known range
	ErrUnknownComponentType = errors.New("unknown component type")

	// ErrNilMessage is returned when a nil message is sent or delivered
	ErrNilMessage = errors.New("nil message")
)

// Deliverer receives fully decoded inbound messages. Deliver takes
// ownership of msg and is invoked once per message, in receipt order
// per peer.
type Deliverer interface {
	Deliver(msg *Message) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(msg *Message) error

// Deliver calls f(msg).
func (f DelivererFunc) Deliver(msg *Message) error {
	return f(msg)
}

// Component is a local message endpoint registered with a Router.
type Component interface {
	// HandleMessage processes one message addressed to the component
	HandleMessage(msg *Message) error
}

// ComponentFunc adapts a function to the Component interface.
type ComponentFunc func(msg *Message) error

// HandleMessage calls f(msg).
func (f ComponentFunc) HandleMessage(msg *Message) error {
	return f(msg)
}

// LifecycleObserver is notified about components and peers coming and going.
type LifecycleObserver interface {
	OnComponentCreated(addr Address)
	OnComponentDestroyed(addr Address)
	OnPeerGone(manager ManagerID)
}

// ObserverFuncs implements LifecycleObserver with optional callbacks.
type ObserverFuncs struct {
	Created   func(addr Address)
	Destroyed func(addr Address)
	PeerGone  func(manager ManagerID)
}

func (o ObserverFuncs) OnComponentCreated(addr Address) {
	if o.Created != nil {
		o.Created(addr)
	}
}

func (o ObserverFuncs) OnComponentDestroyed(addr Address) {
	if o.Destroyed != nil {
		o.Destroyed(addr)
	}
}

func (o ObserverFuncs) OnPeerGone(manager ManagerID) {
	if o.PeerGone != nil {
		o.PeerGone(manager)
	}
}

// Router routes messages to components registered in the local manager.
type Router interface {
	Deliverer

	// Register adds a component and returns its newly allocated address
	Register(channel ChannelID, component Component) (Address, error)

	// RegisterAt adds a component at a fixed address
	RegisterAt(addr Address, component Component) error

	// Unregister removes a component
	Unregister(addr Address) error

	// Lookup finds the component registered at addr
	Lookup(addr Address) (Component, bool)

	// List returns all registered addresses
	List() []Address

	// Manager returns the id of the manager the router serves
	Manager() ManagerID
}
