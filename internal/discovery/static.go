package discovery

import (
	"log"
	"sync"
)

// Static is a discovery service fed by hand: a fixed peer list from
// config, a manually entered host address, or a test script. It covers
// the networks where multicast DNS is filtered and the original app's
// "join by host IP" flow.
type Static struct {
	localIP string

	mu      sync.Mutex
	peers   []DiscoveredPeer
	events  chan Event
	started bool
}

// NewStatic creates a static discovery service that will announce the
// given peers once discovery starts. localIP is what LocalAddress reports.
func NewStatic(localIP string, peers ...DiscoveredPeer) *Static {
	return &Static{
		localIP: localIP,
		peers:   append([]DiscoveredPeer(nil), peers...),
		events:  make(chan Event, 32),
	}
}

func (s *Static) StartAdvertising(name string, port int) error { return nil }
func (s *Static) StopAdvertising()                             {}

// StartDiscovery emits a found event for every configured peer.
func (s *Static) StartDiscovery(serviceType string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	if s.events == nil {
		s.events = make(chan Event, 32)
	}
	peers := append([]DiscoveredPeer(nil), s.peers...)
	s.mu.Unlock()

	for _, p := range peers {
		log.Printf("DISCO: static peer %s at %s:%d", p.ID, p.IP, p.Port)
		s.emit(Event{Kind: PeerFound, Peer: p})
	}
	return nil
}

func (s *Static) StopDiscovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.events)
	s.events = nil
}

// Add announces one more peer while discovery is running.
func (s *Static) Add(p DiscoveredPeer) {
	s.mu.Lock()
	s.peers = append(s.peers, p)
	started := s.started
	s.mu.Unlock()
	if started {
		s.emit(Event{Kind: PeerFound, Peer: p})
	}
}

// Lose announces that a peer vanished.
func (s *Static) Lose(p DiscoveredPeer) {
	s.emit(Event{Kind: PeerLost, Peer: p})
}

func (s *Static) LocalAddress() string { return s.localIP }

func (s *Static) Events() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

func (s *Static) emit(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}
