// Package call drives point-to-point voice call negotiation between
// two peers: offer/answer/candidate exchange layered on the best-effort
// signaling transport, with one session per peer and categorized,
// non-fatal media errors. Coupling to the signaling layer is via the
// Signaler interface only.
package call

import "encoding/json"

// State is a call session's negotiation state.
type State string

const (
	// StateIdle is a session created only to buffer candidates that
	// arrived ahead of their offer (unordered delivery).
	StateIdle State = "idle"

	// StateOffering: we sent an offer and await the answer.
	StateOffering State = "offering"

	// StateRinging: a remote offer is held pending accept/reject.
	StateRinging State = "ringing"

	// StateConnected: negotiation completed locally. Actual media flow
	// confirmation arrives asynchronously and is observed, not driven.
	StateConnected State = "connected"

	// StateEnded and StateFailed are terminal.
	StateEnded  State = "ended"
	StateFailed State = "failed"
)

// terminal reports whether no further transitions are possible.
func (s State) terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Role distinguishes who initiated the call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// ConnState is a connectivity observation from the media layer.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Negotiator is the opaque media negotiation session collaborator. One
// negotiator backs one call; creating it acquires local media and may
// take observable time (permission prompts, hardware acquisition).
type Negotiator interface {
	// CreateOffer produces and applies the local offer.
	CreateOffer() (sdp string, err error)

	// AcceptOffer applies a remote offer and produces the local answer.
	AcceptOffer(sdp string) (answer string, err error)

	// AcceptAnswer applies the remote answer to an outstanding offer.
	AcceptAnswer(sdp string) error

	// AddCandidate applies one remote ICE candidate. Duplicate or stale
	// candidates return an error the caller tolerates.
	AddCandidate(candidate json.RawMessage) error

	// OnCandidate registers the sink for locally gathered candidates.
	OnCandidate(func(candidate json.RawMessage))

	// OnStateChange registers the sink for connectivity transitions.
	OnStateChange(func(ConnState))

	// Close releases the negotiation session and local media. Idempotent.
	Close() error
}

// NegotiatorFactory creates a Negotiator for a call with peerID,
// acquiring local media in the process. Failures are categorized via
// Categorize and never fatal to the process.
type NegotiatorFactory func(peerID string) (Negotiator, error)

// Signaler is the only surface the call package needs from the
// signaling layer.
type Signaler interface {
	SendCallOffer(peerID, username, sdp string) error
	SendCallAnswer(peerID, sdp string) error
	SendCallEnd(peerID string) error
	SendCandidate(peerID string, candidate json.RawMessage) error
}

// Event reports a call lifecycle change to the application layer.
type Event struct {
	Type     string `json:"type"` // incoming | connected | failed | ended
	PeerID   string `json:"peer_id"`
	Username string `json:"username,omitempty"` // set on incoming
	Error    string `json:"error,omitempty"`    // set on failed
}
