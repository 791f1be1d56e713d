package transport

import (
	"fmt"
	"net"
	"sync"
)

// Bus connects Mem transports in one process. It stands in for the real
// network the way the original web build's broadcast channel did: every
// endpoint registers under an address and frames are shuttled directly.
type Bus struct {
	mu        sync.Mutex
	endpoints map[string]*Mem // "ip:port" -> endpoint
}

func NewBus() *Bus {
	return &Bus{endpoints: map[string]*Mem{}}
}

// Mem is an in-process Transport endpoint attached to a Bus.
type Mem struct {
	bus  *Bus
	ip   string
	port int

	mu     sync.Mutex
	peers  map[string]*Mem // handle -> remote endpoint
	events chan Event
	closed bool
}

// NewMem creates an endpoint that will register on bus as ip:port.
func (b *Bus) NewMem(ip string, port int) *Mem {
	return &Mem{
		bus:    b,
		ip:     ip,
		port:   port,
		peers:  map[string]*Mem{},
		events: make(chan Event, 64),
	}
}

func (m *Mem) addr() string {
	return net.JoinHostPort(m.ip, fmt.Sprintf("%d", m.port))
}

func (m *Mem) Start(port int) error {
	m.mu.Lock()
	m.port = port
	if m.closed {
		m.closed = false
		m.events = make(chan Event, 64)
	}
	m.mu.Unlock()

	m.bus.mu.Lock()
	m.bus.endpoints[m.addr()] = m
	m.bus.mu.Unlock()
	return nil
}

func (m *Mem) Connect(ip string, port int) (string, error) {
	target := net.JoinHostPort(ip, fmt.Sprintf("%d", port))

	m.bus.mu.Lock()
	remote, ok := m.bus.endpoints[target]
	m.bus.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no listener at %s", target)
	}

	// The dialer addresses the remote by its listen address; the remote
	// sees us under ours, just as a socket accept would report.
	m.attach(target, remote)
	remote.attach(m.addr(), m)
	return target, nil
}

func (m *Mem) attach(handle string, remote *Mem) {
	m.mu.Lock()
	_, known := m.peers[handle]
	m.peers[handle] = remote
	m.mu.Unlock()
	if !known {
		m.emit(Event{Kind: Connected, Conn: handle})
	}
}

func (m *Mem) Send(handle string, data []byte) error {
	m.mu.Lock()
	remote, ok := m.peers[handle]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection %s", handle)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	remote.emit(Event{Kind: Data, Conn: m.addr(), Data: cp})
	return nil
}

func (m *Mem) Broadcast(data []byte) error {
	m.mu.Lock()
	handles := make([]string, 0, len(m.peers))
	for h := range m.peers {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		m.Send(h, data)
	}
	return nil
}

func (m *Mem) Disconnect(handle string) error {
	m.mu.Lock()
	remote, ok := m.peers[handle]
	delete(m.peers, handle)
	m.mu.Unlock()
	if ok {
		m.emit(Event{Kind: Disconnected, Conn: handle})
		remote.dropPeer(m.addr())
	}
	return nil
}

func (m *Mem) dropPeer(handle string) {
	m.mu.Lock()
	_, ok := m.peers[handle]
	delete(m.peers, handle)
	m.mu.Unlock()
	if ok {
		m.emit(Event{Kind: Disconnected, Conn: handle})
	}
}

func (m *Mem) Clients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for h := range m.peers {
		out = append(out, h)
	}
	return out
}

func (m *Mem) Events() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

func (m *Mem) emit(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- evt:
	default:
	}
}

func (m *Mem) Stop() error {
	m.bus.mu.Lock()
	if m.bus.endpoints[m.addr()] == m {
		delete(m.bus.endpoints, m.addr())
	}
	m.bus.mu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := m.peers
	m.peers = map[string]*Mem{}
	close(m.events)
	m.mu.Unlock()

	for _, remote := range peers {
		remote.dropPeer(m.addr())
	}
	return nil
}
