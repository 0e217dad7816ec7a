package core

import (
	"fmt"
	"sync"
)

// router implements the Router interface.
type router struct {
	// Map of ComponentID to registration
	components sync.Map // map[ComponentID]registration

	// allocator for new addresses
	ids *AddressAllocator

	// observer notified about created and destroyed components
	observer LifecycleObserver
}

type registration struct {
	addr      Address
	component Component
}

// NewRouter creates a Router for the given manager. observer may be nil.
func NewRouter(manager ManagerID, observer LifecycleObserver) Router {
	if observer == nil {
		observer = ObserverFuncs{}
	}
	return &router{
		ids:      NewAddressAllocator(manager),
		observer: observer,
	}
}

func (r *router) Manager() ManagerID {
	return r.ids.Manager()
}

// Register allocates an address and adds the component under it.
func (r *router) Register(channel ChannelID, component Component) (Address, error) {
	if component == nil {
		return Address{}, fmt.Errorf("cannot register nil component")
	}

	addr, err := r.ids.Allocate(channel)
	if err != nil {
		return Address{}, err
	}

	r.components.Store(addr.Component, registration{addr: addr, component: component})
	r.observer.OnComponentCreated(addr)
	return addr, nil
}

// RegisterAt adds a component under a caller-chosen address.
func (r *router) RegisterAt(addr Address, component Component) error {
	if component == nil {
		return fmt.Errorf("cannot register nil component")
	}
	if err := r.ids.Reserve(addr); err != nil {
		return err
	}

	r.components.Store(addr.Component, registration{addr: addr, component: component})
	r.observer.OnComponentCreated(addr)
	return nil
}

// Unregister removes a component from the routing table.
func (r *router) Unregister(addr Address) error {
	value, exists := r.components.LoadAndDelete(addr.Component)
	if !exists {
		return fmt.Errorf("%w: %s", ErrComponentNotFound, addr)
	}

	reg := value.(registration)
	if err := r.ids.Release(reg.addr); err != nil {
		return err
	}
	r.observer.OnComponentDestroyed(reg.addr)
	return nil
}

// Deliver hands msg to the component owning its destination.
func (r *router) Deliver(msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if msg.Destination.Manager != r.Manager() {
		return fmt.Errorf("%w: %s", ErrWrongManager, msg.Destination)
	}

	value, exists := r.components.Load(msg.Destination.Component)
	if !exists {
		return fmt.Errorf("%w: %s", ErrComponentNotFound, msg.Destination)
	}

	return value.(registration).component.HandleMessage(msg)
}

// Lookup finds a component by its address.
func (r *router) Lookup(addr Address) (Component, bool) {
	if value, exists := r.components.Load(addr.Component); exists {
		return value.(registration).component, true
	}
	return nil, false
}

// List returns all registered addresses.
func (r *router) List() []Address {
	var addrs []Address

	r.components.Range(func(key, value interface{}) bool {
		addrs = append(addrs, value.(registration).addr)
		return true
	})

	return addrs
}
