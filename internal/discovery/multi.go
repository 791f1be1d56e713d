package discovery

import "sync"

// Multi fans several discovery services into one event stream. Used to
// run mDNS alongside a static peer list: networks that filter multicast
// still learn about the configured peers, and everything else arrives
// the normal way.
type Multi struct {
	services []Service

	mu      sync.Mutex
	events  chan Event
	wg      sync.WaitGroup
	running bool
}

// Combine wraps the given services into one.
func Combine(services ...Service) *Multi {
	return &Multi{services: services}
}

func (m *Multi) StartAdvertising(name string, port int) error {
	for _, s := range m.services {
		if err := s.StartAdvertising(name, port); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) StopAdvertising() {
	for _, s := range m.services {
		s.StopAdvertising()
	}
}

func (m *Multi) StartDiscovery(serviceType string) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.events = make(chan Event, 32)
	m.mu.Unlock()

	for _, s := range m.services {
		if err := s.StartDiscovery(serviceType); err != nil {
			m.StopDiscovery()
			return err
		}
		m.wg.Add(1)
		go m.forward(s.Events())
	}
	return nil
}

func (m *Multi) forward(ch <-chan Event) {
	defer m.wg.Done()
	for evt := range ch {
		m.mu.Lock()
		events := m.events
		running := m.running
		m.mu.Unlock()
		if !running {
			return
		}
		select {
		case events <- evt:
		default:
		}
	}
}

func (m *Multi) StopDiscovery() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	events := m.events
	m.mu.Unlock()

	for _, s := range m.services {
		s.StopDiscovery()
	}
	m.wg.Wait()
	close(events)

	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}

// LocalAddress returns the first non-empty answer from the wrapped
// services.
func (m *Multi) LocalAddress() string {
	for _, s := range m.services {
		if addr := s.LocalAddress(); addr != "" {
			return addr
		}
	}
	return ""
}

func (m *Multi) Events() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}
