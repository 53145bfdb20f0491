package session

import (
	"sync"

	"github.com/1ureka/bedrocklink/internal/protocol"
	"github.com/1ureka/bedrocklink/internal/util"
)

// InboxBufferSize is the capacity of each subscription channel.
const InboxBufferSize = 256

// allPackets is the route key of subscriptions to every packet.
const allPackets = ""

// Dispatcher maintains the packet name → subscriber route table. The
// session loop uses it to hand decoded packets to listeners.
type Dispatcher struct {
	mu         sync.Mutex
	routeTable map[string]map[int]chan *protocol.Packet
	nextID     int
	closed     bool
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		routeTable: make(map[string]map[int]chan *protocol.Packet),
	}
}

// Register creates a buffered inbox for packets named name, or for every
// packet when name is empty. The returned func unregisters it and closes
// the channel.
func (d *Dispatcher) Register(name string) (<-chan *protocol.Packet, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan *protocol.Packet, InboxBufferSize)
	if d.closed {
		close(ch)
		return ch, func() {}
	}
	routes, ok := d.routeTable[name]
	if !ok {
		routes = make(map[int]chan *protocol.Packet)
		d.routeTable[name] = routes
	}
	id := d.nextID
	d.nextID++
	routes[id] = ch

	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if c, ok := d.routeTable[name][id]; ok {
			delete(d.routeTable[name], id)
			close(c)
		}
	}
}

// Route delivers pkt to the subscribers of its name and of every packet.
// A subscriber that is not keeping up loses the packet. It reports whether
// anyone was subscribed.
func (d *Dispatcher) Route(pkt *protocol.Packet) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	delivered := false
	for _, key := range []string{pkt.Name, allPackets} {
		for _, ch := range d.routeTable[key] {
			delivered = true
			select {
			case ch <- pkt:
			default:
				util.LogWarning("subscriber inbox full, dropping %s", pkt.Name)
			}
		}
	}
	return delivered
}

// Close closes every inbox. Later registrations get a closed channel.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for name, routes := range d.routeTable {
		for _, ch := range routes {
			close(ch)
		}
		delete(d.routeTable, name)
	}
}
