package session

import (
	"errors"
	"fmt"
	"sync"
)

// Status is the lifecycle state of a session.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Authenticating // handshaking
	Initializing   // authenticated, waiting to spawn
	Initialized    // spawned
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrMachineClosed is returned by transitions after Close.
var ErrMachineClosed = errors.New("state machine closed")

const statusBufferSize = 16

// Machine enforces the session lifecycle: each status may only advance to
// the next one, and any status may drop to Disconnected.
type Machine struct {
	mu     sync.Mutex
	status Status
	subs   map[int]chan Status
	nextID int
	closed bool
}

// NewMachine returns a machine in the Disconnected state.
func NewMachine() *Machine {
	return &Machine{subs: make(map[int]chan Status)}
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func allowed(from, to Status) bool {
	return to == Disconnected || to == from+1
}

// Transition moves to the given status. A transition to the current status
// is a no-op; an illegal one fails and leaves the status unchanged.
func (m *Machine) Transition(to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMachineClosed
	}
	if to == m.status {
		return nil
	}
	if to < Disconnected || to > Initialized || !allowed(m.status, to) {
		return fmt.Errorf("illegal transition %s -> %s", m.status, to)
	}
	m.status = to
	m.publish(to)
	return nil
}

// publish notifies subscribers. A subscriber whose buffer is full misses
// the change; Status stays authoritative. m.mu must be held.
func (m *Machine) publish(s Status) {
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Subscribe returns a channel of status changes and a func to stop
// receiving them. The channel is closed by the cancel func or by Close.
func (m *Machine) Subscribe() (<-chan Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Status, statusBufferSize)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// Close moves to Disconnected and releases every subscriber exactly once.
// Later calls do nothing.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.status != Disconnected {
		m.status = Disconnected
		m.publish(Disconnected)
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
