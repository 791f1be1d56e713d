package call

import (
	"encoding/json"
	"log"
	"sync"
)

// Manager owns the per-peer call sessions and bridges signaling to them.
type Manager struct {
	sig      Signaler
	selfName func() string
	factory  NegotiatorFactory

	mu       sync.Mutex
	sessions map[string]*Session // peer id -> session

	listenerMu sync.Mutex
	listeners  map[chan Event]struct{}
}

// New creates a call manager. selfName supplies the username announced
// in outbound offers; factory creates media negotiation sessions.
func New(sig Signaler, selfName func() string, factory NegotiatorFactory) *Manager {
	return &Manager{
		sig:       sig,
		selfName:  selfName,
		factory:   factory,
		sessions:  make(map[string]*Session),
		listeners: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel receiving call lifecycle events and a
// cancel func. Sends are non-blocking.
func (m *Manager) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 16)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()
	cancel = func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) emit(evt Event) {
	m.listenerMu.Lock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	m.listenerMu.Unlock()
}

// Session returns the active session for a peer, if any.
func (m *Manager) Session(peerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// obtain returns the existing non-terminal session for peerID or
// creates one. A terminal leftover is replaced.
func (m *Manager) obtain(peerID string, role Role, state State) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[peerID]; ok && !s.State().terminal() {
		return s, false
	}
	s := newSession(peerID, role, state)
	m.sessions[peerID] = s
	return s, true
}

func (m *Manager) drop(peerID string, s *Session) {
	m.mu.Lock()
	if m.sessions[peerID] == s {
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()
}

// Initiate starts an outbound call: acquires local media, produces an
// offer and sends it. Media failure leaves the call failed with a
// categorized error; it never propagates as a process error.
func (m *Manager) Initiate(peerID string) *Session {
	s, created := m.obtain(peerID, RoleCaller, StateOffering)
	if !created {
		log.Printf("CALL [%s]: initiate reuses existing %s session", peerID, s.State())
		return s
	}
	log.Printf("CALL [%s]: initiating", peerID)

	neg, err := m.factory(peerID)
	if err != nil {
		m.fail(s, err)
		return s
	}
	m.wire(s, neg)
	if !s.attachNegotiator(neg) {
		log.Printf("CALL [%s]: ended while acquiring media, offer not sent", peerID)
		return s
	}

	sdp, err := neg.CreateOffer()
	if err != nil {
		m.fail(s, err)
		return s
	}
	if err := m.sig.SendCallOffer(peerID, m.selfName(), sdp); err != nil {
		log.Printf("CALL [%s]: offer not deliverable yet: %v", peerID, err)
	}
	return s
}

// HandleIncomingOffer stores a remote offer pending accept/reject and
// surfaces the incoming-call event. Candidates may already have been
// buffered on an idle session; the offer upgrades it to ringing.
func (m *Manager) HandleIncomingOffer(peerID, username, sdp string) {
	s, created := m.obtain(peerID, RoleCallee, StateRinging)
	s.mu.Lock()
	if !created && s.state != StateIdle && s.state != StateRinging {
		// Offer for a peer we are already negotiating with: keep the
		// existing session rather than forking a conflicting one.
		s.mu.Unlock()
		log.Printf("CALL [%s]: duplicate offer ignored in state %s", peerID, s.state)
		return
	}
	s.role = RoleCallee
	s.state = StateRinging
	s.pendingOffer = sdp
	s.mu.Unlock()

	log.Printf("CALL [%s]: incoming call from %q", peerID, username)
	m.emit(Event{Type: "incoming", PeerID: peerID, Username: username})
}

// Accept answers the pending offer: acquires local media, applies the
// offer, sends the answer. The pending offer is discarded whether or
// not media acquisition succeeds.
func (m *Manager) Accept(peerID string) *Session {
	s, ok := m.Session(peerID)
	if !ok {
		log.Printf("CALL [%s]: accept with no pending call", peerID)
		return nil
	}
	s.mu.Lock()
	offer := s.pendingOffer
	s.pendingOffer = ""
	s.mu.Unlock()
	if offer == "" {
		log.Printf("CALL [%s]: accept with no pending offer", peerID)
		return s
	}

	neg, err := m.factory(peerID)
	if err != nil {
		m.fail(s, err)
		return s
	}
	m.wire(s, neg)
	if !s.attachNegotiator(neg) {
		log.Printf("CALL [%s]: ended while acquiring media, answer not sent", peerID)
		return s
	}

	answer, err := neg.AcceptOffer(offer)
	if err != nil {
		m.fail(s, err)
		return s
	}
	if err := m.sig.SendCallAnswer(peerID, answer); err != nil {
		log.Printf("CALL [%s]: answer send failed: %v", peerID, err)
	}

	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
	log.Printf("CALL [%s]: accepted", peerID)
	m.emit(Event{Type: "connected", PeerID: peerID})
	return s
}

// Reject declines a pending offer and notifies the peer.
func (m *Manager) Reject(peerID string) {
	s, ok := m.Session(peerID)
	if !ok {
		return
	}
	if s.teardown(StateEnded, "") {
		if err := m.sig.SendCallEnd(peerID); err != nil {
			log.Printf("CALL [%s]: reject notification failed: %v", peerID, err)
		}
		log.Printf("CALL [%s]: rejected", peerID)
		m.emit(Event{Type: "ended", PeerID: peerID})
	}
	m.drop(peerID, s)
}

// HandleAnswer applies a remote answer to our outstanding offer. An
// answer with no matching offer is logged and ignored.
func (m *Manager) HandleAnswer(peerID, sdp string) {
	s, ok := m.Session(peerID)
	if !ok || s.Role() != RoleCaller || s.State() != StateOffering {
		log.Printf("CALL [%s]: stray answer ignored", peerID)
		return
	}
	s.mu.Lock()
	neg := s.neg
	s.mu.Unlock()
	if neg == nil {
		log.Printf("CALL [%s]: answer before negotiator, ignored", peerID)
		return
	}
	if err := neg.AcceptAnswer(sdp); err != nil {
		m.fail(s, err)
		return
	}
	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
	log.Printf("CALL [%s]: answered", peerID)
	m.emit(Event{Type: "connected", PeerID: peerID})
}

// maxIdleBufferSessions bounds the sessions that exist only to buffer
// candidates which arrived before their offer. Anything past the cap is
// dropped; a candidate is only useful once an offer follows anyway.
const maxIdleBufferSessions = 16

// HandleCandidate applies a remote ICE candidate, creating a session to
// buffer it when none exists yet (candidates may race ahead of the
// offer in unordered delivery). Buffer-only sessions are capped so
// stray candidates cannot grow state without bound.
func (m *Manager) HandleCandidate(peerID string, candidate json.RawMessage) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if !ok || s.State().terminal() {
		if m.idleSessions() >= maxIdleBufferSessions {
			m.mu.Unlock()
			log.Printf("CALL [%s]: candidate dropped, buffer sessions at capacity", peerID)
			return
		}
		s = newSession(peerID, RoleCallee, StateIdle)
		m.sessions[peerID] = s
	}
	m.mu.Unlock()
	s.addCandidate(candidate)
}

// idleSessions counts buffer-only sessions. Caller holds m.mu.
func (m *Manager) idleSessions() int {
	n := 0
	for _, s := range m.sessions {
		if s.State() == StateIdle {
			n++
		}
	}
	return n
}

// HandleRemoteEnd tears the session down after the peer hung up.
func (m *Manager) HandleRemoteEnd(peerID string) {
	s, ok := m.Session(peerID)
	if !ok {
		return
	}
	if s.teardown(StateEnded, "") {
		log.Printf("CALL [%s]: remote ended", peerID)
		m.emit(Event{Type: "ended", PeerID: peerID})
	}
	m.drop(peerID, s)
}

// End hangs up locally and notifies the peer. Idempotent: a double-end
// releases resources exactly once and stays ended.
func (m *Manager) End(peerID string) {
	s, ok := m.Session(peerID)
	if !ok {
		return
	}
	if s.teardown(StateEnded, "") {
		if err := m.sig.SendCallEnd(peerID); err != nil {
			log.Printf("CALL [%s]: hangup notification failed: %v", peerID, err)
		}
		log.Printf("CALL [%s]: ended", peerID)
		m.emit(Event{Type: "ended", PeerID: peerID})
	}
	m.drop(peerID, s)
}

// fail moves a session to the failed state with categorized error text.
func (m *Manager) fail(s *Session, err error) {
	text := Categorize(err)
	if s.teardown(StateFailed, text) {
		log.Printf("CALL [%s]: failed: %s", s.peerID, text)
		m.emit(Event{Type: "failed", PeerID: s.peerID, Error: text})
	}
	m.drop(s.peerID, s)
}

// wire connects negotiator callbacks to signaling and lifecycle events.
// Connectivity failures surface as retryable status, never as roster
// changes: a failed call does not mean the peer went offline.
func (m *Manager) wire(s *Session, neg Negotiator) {
	peerID := s.peerID
	neg.OnCandidate(func(candidate json.RawMessage) {
		if err := m.sig.SendCandidate(peerID, candidate); err != nil {
			log.Printf("CALL [%s]: candidate send failed: %v", peerID, err)
		}
	})
	neg.OnStateChange(func(cs ConnState) {
		switch cs {
		case ConnConnected:
			m.emit(Event{Type: "connected", PeerID: peerID})
		case ConnFailed, ConnDisconnected:
			log.Printf("CALL [%s]: media connectivity %s", peerID, cs)
			m.emit(Event{Type: "failed", PeerID: peerID, Error: "connection lost, you can retry"})
		}
	})
}

// Close hangs up every active session. Used when going offline.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for peerID, s := range sessions {
		if s.teardown(StateEnded, "") {
			log.Printf("CALL [%s]: ended by shutdown", peerID)
		}
	}
}
