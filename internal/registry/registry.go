// Package registry tracks the provisioned workers and which of them are
// currently connected.
//
// Each provisioned worker owns a Slot. A slot holds at most one live
// channel at any instant; the transition from free to connected passes
// through an explicit reservation so that two concurrent handshakes for
// the same worker name can never both believe they own the slot.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/kumien/jenkins/internal/channel"
)

var (
	// ErrAlreadyConnected is returned by Reserve when the slot already
	// has a live channel.
	ErrAlreadyConnected = errors.New("worker already connected")

	// ErrReserved is returned by Reserve when another handshake for the
	// same worker is in flight.
	ErrReserved = errors.New("worker connection already in progress")

	// ErrNotReserved signals a lifecycle bug: Assign or Release called
	// without holding a reservation.
	ErrNotReserved = errors.New("slot not reserved")
)

// slotState is the admission lifecycle of a slot.
type slotState int

const (
	stateFree slotState = iota
	statePending
	stateConnected
)

// Slot is one provisioned worker's control-plane entry.
type Slot struct {
	name string

	mu    sync.Mutex
	state slotState
	ch    *channel.Channel
}

// Name returns the worker name this slot belongs to.
func (s *Slot) Name() string {
	return s.name
}

// Channel returns the slot's live channel, nil while the worker is
// offline.
func (s *Slot) Channel() *channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Connected reports whether the slot has a live channel.
func (s *Slot) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected
}

// Reserve claims the slot for an in-flight handshake. It fails with
// ErrAlreadyConnected or ErrReserved if the slot is taken. A successful
// reservation must be resolved with Assign or Release.
func (s *Slot) Reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateConnected:
		return ErrAlreadyConnected
	case statePending:
		return ErrReserved
	}
	s.state = statePending
	return nil
}

// Assign installs the established channel on a reserved slot.
func (s *Slot) Assign(ch *channel.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != statePending {
		return ErrNotReserved
	}
	s.state = stateConnected
	s.ch = ch
	return nil
}

// Release abandons a reservation after a failed handshake, returning the
// slot to free.
func (s *Slot) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != statePending {
		return ErrNotReserved
	}
	s.state = stateFree
	return nil
}

// Clear removes ch from the slot, returning it to free. It reports
// whether the slot was cleared; a stale caller whose channel no longer
// owns the slot leaves it untouched.
func (s *Slot) Clear(ch *channel.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateConnected || s.ch != ch {
		return false
	}
	s.state = stateFree
	s.ch = nil
	return true
}

// Registry maps worker names to slots.
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*Slot
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{slots: make(map[string]*Slot)}
}

// Lookup returns the slot for a worker name, nil if the name is not
// provisioned.
func (r *Registry) Lookup(name string) *Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[name]
}

// Add provisions a worker name. Adding an existing name is a no-op and
// keeps the existing slot (and any live channel on it).
func (r *Registry) Add(name string) *Slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.slots[name]; ok {
		return s
	}
	s := &Slot{name: name}
	r.slots[name] = s
	return s
}

// Remove deprovisions a worker name. The slot's channel, if any, is
// closed.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	s, ok := r.slots[name]
	delete(r.slots, name)
	r.mu.Unlock()

	if ok {
		if ch := s.Channel(); ch != nil {
			ch.Close()
		}
	}
}

// Names returns all provisioned worker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectedCount returns the number of workers with a live channel.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	slots := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range slots {
		if s.Connected() {
			n++
		}
	}
	return n
}
