package call

import (
	"encoding/json"
	"log"
	"sync"
)

// Session is one call with one peer. At most one session exists per
// peer at a time; the Manager enforces that.
type Session struct {
	peerID string

	mu      sync.Mutex
	role    Role
	state   State
	neg     Negotiator
	errText string

	// pendingOffer holds a remote offer until the user accepts.
	pendingOffer string

	// pendingCandidates buffers candidates that raced ahead of the
	// negotiator (unordered delivery); flushed once it exists.
	pendingCandidates []json.RawMessage

	audioOn bool
	closed  bool
}

func newSession(peerID string, role Role, state State) *Session {
	return &Session{
		peerID:  peerID,
		role:    role,
		state:   state,
		audioOn: true,
	}
}

// PeerID returns the remote peer this session belongs to.
func (s *Session) PeerID() string { return s.peerID }

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns caller or callee.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Err returns the categorized failure text, if the session failed.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errText
}

// ToggleAudio flips the local mute flag. Returns the new muted state.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	muted := !s.audioOn
	s.mu.Unlock()
	log.Printf("CALL [%s]: audio muted=%v", s.peerID, muted)
	return muted
}

// maxBufferedCandidates bounds candidates held per session before the
// negotiator exists. A real negotiation produces a handful.
const maxBufferedCandidates = 32

// addCandidate applies a candidate to the negotiator if one exists, or
// buffers it. Application errors (duplicate, stale) are logged and
// swallowed: they are expected under unordered delivery.
func (s *Session) addCandidate(candidate json.RawMessage) {
	s.mu.Lock()
	neg := s.neg
	if neg == nil {
		if len(s.pendingCandidates) >= maxBufferedCandidates {
			s.mu.Unlock()
			log.Printf("CALL [%s]: candidate dropped, buffer full", s.peerID)
			return
		}
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		n := len(s.pendingCandidates)
		s.mu.Unlock()
		log.Printf("CALL [%s]: buffered early candidate (%d pending)", s.peerID, n)
		return
	}
	s.mu.Unlock()
	if err := neg.AddCandidate(candidate); err != nil {
		log.Printf("CALL [%s]: candidate ignored: %v", s.peerID, err)
	}
}

// attachNegotiator installs the negotiator and drains buffered candidates.
// Media acquisition can outlive the call (the user may hang up while a
// permission prompt is open); if the session was torn down in the
// meantime the negotiator is closed here and false is returned.
func (s *Session) attachNegotiator(neg Negotiator) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err := neg.Close(); err != nil {
			log.Printf("CALL [%s]: close negotiator: %v", s.peerID, err)
		}
		return false
	}
	s.neg = neg
	buffered := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()
	for _, c := range buffered {
		if err := neg.AddCandidate(c); err != nil {
			log.Printf("CALL [%s]: buffered candidate ignored: %v", s.peerID, err)
		}
	}
	return true
}

// teardown moves the session to a terminal state and releases the
// negotiator. Safe to call any number of times; resources are released
// exactly once. Returns false if the session was already torn down.
func (s *Session) teardown(final State, errText string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.state = final
	s.errText = errText
	neg := s.neg
	s.neg = nil
	s.pendingOffer = ""
	s.pendingCandidates = nil
	s.mu.Unlock()

	if neg != nil {
		if err := neg.Close(); err != nil {
			log.Printf("CALL [%s]: close negotiator: %v", s.peerID, err)
		}
	}
	return true
}
