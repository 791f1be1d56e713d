// Package transport moves raw signaling frames between peers. The
// interface mirrors a point-to-point socket service: every live
// connection has an opaque string handle, inbound and outbound alike,
// and all events arrive on a single channel in emission order.
//
// Handles are derived from the remote socket address (host:port). That
// is deliberate: before a peer has introduced itself with a join
// envelope, the handle's embedded address is the only clue to who is on
// the other end, and the identity layer correlates on it.
package transport

// EventKind discriminates transport events.
type EventKind int

const (
	Connected EventKind = iota
	Disconnected
	Data
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Data:
		return "data"
	}
	return "unknown"
}

// Event is one transport occurrence: a connection opened or closed, or
// a frame arrived. Data is only set for Data events.
type Event struct {
	Kind EventKind
	Conn string
	Data []byte
}

// Transport is the point-to-point and broadcast message substrate.
type Transport interface {
	// Start begins accepting inbound connections on port.
	Start(port int) error

	// Stop closes all connections and stops accepting new ones.
	// Idempotent.
	Stop() error

	// Send writes a frame to one connection. A send to an unknown or
	// dead handle returns an error; the caller treats it as "peer
	// unreachable", not as fatal.
	Send(handle string, data []byte) error

	// Broadcast writes a frame to every live connection. Per-connection
	// failures are logged and skipped.
	Broadcast(data []byte) error

	// Connect dials a remote peer's listener and returns the new
	// connection handle.
	Connect(ip string, port int) (string, error)

	// Disconnect closes one connection. Idempotent.
	Disconnect(handle string) error

	// Clients returns the handles of all live connections.
	Clients() []string

	// Events returns the event stream. Events for one connection are
	// delivered in order; the channel is closed by Stop.
	Events() <-chan Event
}
