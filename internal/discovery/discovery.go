// Package discovery finds peers on the local network and advertises
// the local node so others can find it. Implementations emit found and
// lost events; the presence controller turns those into roster and
// identity updates.
package discovery

// DiscoveredPeer is one advertisement seen on the network. ID is the
// advertised session id, which is provisional until a join envelope
// confirms it.
type DiscoveredPeer struct {
	ID       string
	Name     string
	IP       string
	Port     int
	DeviceID string
}

// EventKind discriminates discovery events.
type EventKind int

const (
	PeerFound EventKind = iota
	PeerLost
)

// Event is a peer appearing on or vanishing from the network.
type Event struct {
	Kind EventKind
	Peer DiscoveredPeer
}

// Service advertises the local node and browses for remote ones.
type Service interface {
	// StartAdvertising announces name on the network with the local
	// transport port.
	StartAdvertising(name string, port int) error

	// StopAdvertising withdraws the announcement. Idempotent.
	StopAdvertising()

	// StartDiscovery begins browsing for peers of the given service type.
	StartDiscovery(serviceType string) error

	// StopDiscovery stops browsing and closes the event channel. Idempotent.
	StopDiscovery()

	// LocalAddress returns the local interface IP usable by peers, or
	// empty when it cannot be determined.
	LocalAddress() string

	// Events returns the discovery event stream.
	Events() <-chan Event
}
