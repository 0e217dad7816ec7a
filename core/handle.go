package core

import (
	"fmt"
	"sync"
)

// AddressAllocator hands out component ids for one manager. An id is
// never handed out again while it is still allocated; released ids are
// reused in release order once the counter wraps.
type AddressAllocator struct {
	mu sync.Mutex

	// manager owning every allocated address
	manager ManagerID

	// allocated component ids
	live map[ComponentID]struct{}

	// released ids waiting for reuse
	free []ComponentID

	// next never-used id
	next ComponentID
}

// NewAddressAllocator creates an allocator for the given manager.
// Component id 0 is reserved for the manager itself.
func NewAddressAllocator(manager ManagerID) *AddressAllocator {
	return &AddressAllocator{
		manager: manager,
		live:    make(map[ComponentID]struct{}),
		next:    1,
	}
}

// Manager returns the manager id the allocator serves.
func (a *AddressAllocator) Manager() ManagerID {
	return a.manager
}

// Allocate returns a new address on the given channel.
func (a *AddressAllocator) Allocate(channel ChannelID) (Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id ComponentID
	if a.next != 0 {
		id = a.next
		a.next++
	} else if len(a.free) > 0 {
		id = a.free[0]
		a.free = a.free[1:]
	} else {
		return Address{}, fmt.Errorf("component ids exhausted for manager %d", a.manager)
	}

	a.live[id] = struct{}{}
	return Address{Manager: a.manager, Component: id, Channel: channel}, nil
}

// Reserve marks a specific address as allocated.
func (a *AddressAllocator) Reserve(addr Address) error {
	if addr.Manager != a.manager {
		return fmt.Errorf("%w: %s", ErrWrongManager, addr)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.live[addr.Component]; exists {
		return fmt.Errorf("%w: %s", ErrComponentExists, addr)
	}
	a.live[addr.Component] = struct{}{}
	for i, id := range a.free {
		if id == addr.Component {
			a.free = append(a.free[:i], a.free[i+1:]...)
			break
		}
	}
	return nil
}

// Release returns the address's component id to the pool.
func (a *AddressAllocator) Release(addr Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.live[addr.Component]; !exists {
		return fmt.Errorf("%w: %s", ErrComponentNotFound, addr)
	}
	delete(a.live, addr.Component)
	a.free = append(a.free, addr.Component)
	return nil
}

// Live returns the number of allocated ids.
func (a *AddressAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// ManagerAllocator hands out manager ids for peers of a root manager.
type ManagerAllocator struct {
	mu   sync.Mutex
	live map[ManagerID]struct{}
	next ManagerID
}

// NewManagerAllocator creates an allocator whose first id follows self.
func NewManagerAllocator(self ManagerID) *ManagerAllocator {
	return &ManagerAllocator{
		live: map[ManagerID]struct{}{self: {}},
		next: self + 1,
	}
}

// Allocate returns an unused manager id.
func (m *ManagerAllocator) Allocate() ManagerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		id := m.next
		m.next++
		if id == 0 {
			continue
		}
		if _, exists := m.live[id]; !exists {
			m.live[id] = struct{}{}
			return id
		}
	}
}

// Release makes id available again.
func (m *ManagerAllocator) Release(id ManagerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, id)
}
