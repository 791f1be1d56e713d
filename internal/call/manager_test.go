package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeSignaler records outbound signaling instead of sending it.
type fakeSignaler struct {
	mu         sync.Mutex
	offers     []string // sdp
	answers    []string
	ends       int
	candidates []json.RawMessage
}

func (f *fakeSignaler) SendCallOffer(peerID, username, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, sdp)
	return nil
}
func (f *fakeSignaler) SendCallAnswer(peerID, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sdp)
	return nil
}
func (f *fakeSignaler) SendCallEnd(peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	return nil
}
func (f *fakeSignaler) SendCandidate(peerID string, c json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeSignaler) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ends
}

// fakeNegotiator is a scripted media session.
type fakeNegotiator struct {
	mu         sync.Mutex
	candidates []json.RawMessage
	closes     int
	answerSDP  string
}

func (f *fakeNegotiator) CreateOffer() (string, error) { return "v=0 offer", nil }
func (f *fakeNegotiator) AcceptOffer(sdp string) (string, error) {
	return "v=0 answer", nil
}
func (f *fakeNegotiator) AcceptAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerSDP = sdp
	return nil
}
func (f *fakeNegotiator) AddCandidate(c json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}
func (f *fakeNegotiator) OnCandidate(func(json.RawMessage)) {}
func (f *fakeNegotiator) OnStateChange(func(ConnState))     {}
func (f *fakeNegotiator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeNegotiator) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeNegotiator) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func newTestManager(factory NegotiatorFactory) (*Manager, *fakeSignaler) {
	sig := &fakeSignaler{}
	m := New(sig, func() string { return "alice" }, factory)
	return m, sig
}

func waitCallEvent(t *testing.T, ch <-chan Event, typ string) Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", typ)
		}
	}
}

func TestInitiateSendsOffer(t *testing.T) {
	neg := &fakeNegotiator{}
	m, sig := newTestManager(func(string) (Negotiator, error) { return neg, nil })

	s := m.Initiate("bob")
	if s.State() != StateOffering {
		t.Fatalf("state = %s, want offering", s.State())
	}
	if len(sig.offers) != 1 || sig.offers[0] == "" {
		t.Fatalf("offer envelope missing or empty: %v", sig.offers)
	}

	// A second initiate while negotiating reuses the session.
	if s2 := m.Initiate("bob"); s2 != s {
		t.Fatal("second initiate created a conflicting session")
	}
	if len(sig.offers) != 1 {
		t.Fatal("reused session re-sent the offer")
	}
}

func TestMediaFailureIsCategorized(t *testing.T) {
	m, _ := newTestManager(func(string) (Negotiator, error) {
		return nil, errors.New("open mic: permission denied by user")
	})
	ch, cancel := m.Subscribe()
	defer cancel()

	s := m.Initiate("bob")
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
	evt := waitCallEvent(t, ch, "failed")
	if evt.Error != ErrPermissionDenied.Error() {
		t.Fatalf("error text %q not categorized", evt.Error)
	}
	if _, ok := m.Session("bob"); ok {
		t.Fatal("failed session still tracked")
	}
}

func TestIncomingOfferThenAccept(t *testing.T) {
	neg := &fakeNegotiator{}
	m, sig := newTestManager(func(string) (Negotiator, error) { return neg, nil })
	ch, cancel := m.Subscribe()
	defer cancel()

	m.HandleIncomingOffer("bob", "bob", "v=0 remote offer")
	evt := waitCallEvent(t, ch, "incoming")
	if evt.PeerID != "bob" || evt.Username != "bob" {
		t.Fatalf("incoming event %+v", evt)
	}
	s, _ := m.Session("bob")
	if s.State() != StateRinging {
		t.Fatalf("state = %s, want ringing", s.State())
	}

	m.Accept("bob")
	if s.State() != StateConnected {
		t.Fatalf("state = %s, want connected", s.State())
	}
	if len(sig.answers) != 1 {
		t.Fatalf("answers sent = %d, want 1", len(sig.answers))
	}
}

func TestCandidateBeforeOfferIsBuffered(t *testing.T) {
	neg := &fakeNegotiator{}
	m, _ := newTestManager(func(string) (Negotiator, error) { return neg, nil })

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2 10.0.0.5 5000 typ host"}`)
	m.HandleCandidate("bob", cand)

	s, ok := m.Session("bob")
	if !ok {
		t.Fatal("early candidate did not create a buffer session")
	}
	if s.State() != StateIdle {
		t.Fatalf("buffer session state = %s, want idle", s.State())
	}

	m.HandleIncomingOffer("bob", "bob", "v=0 remote offer")
	m.Accept("bob")

	if neg.candidateCount() != 1 {
		t.Fatalf("buffered candidate not flushed: %d applied", neg.candidateCount())
	}
}

func TestStrayCandidateSessionsAreCapped(t *testing.T) {
	m, _ := newTestManager(func(string) (Negotiator, error) { return &fakeNegotiator{}, nil })

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2 10.0.0.5 5000 typ host"}`)
	total := maxIdleBufferSessions + 8
	for i := 0; i < total; i++ {
		m.HandleCandidate(fmt.Sprintf("stranger-%d", i), cand)
	}

	tracked := 0
	for i := 0; i < total; i++ {
		if _, ok := m.Session(fmt.Sprintf("stranger-%d", i)); ok {
			tracked++
		}
	}
	if tracked != maxIdleBufferSessions {
		t.Fatalf("idle buffer sessions = %d, want capped at %d", tracked, maxIdleBufferSessions)
	}

	// The cap only guards buffer-only sessions; a real offer from a
	// peer whose candidates were dropped still rings.
	dropped := fmt.Sprintf("stranger-%d", total-1)
	m.HandleIncomingOffer(dropped, "bob", "v=0 remote offer")
	s, ok := m.Session(dropped)
	if !ok || s.State() != StateRinging {
		t.Fatal("offer from a capped-out peer did not create a session")
	}
}

func TestCandidateBufferPerSessionIsBounded(t *testing.T) {
	neg := &fakeNegotiator{}
	m, _ := newTestManager(func(string) (Negotiator, error) { return neg, nil })

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2 10.0.0.5 5000 typ host"}`)
	for i := 0; i < maxBufferedCandidates+10; i++ {
		m.HandleCandidate("bob", cand)
	}

	m.HandleIncomingOffer("bob", "bob", "v=0 remote offer")
	m.Accept("bob")

	if neg.candidateCount() != maxBufferedCandidates {
		t.Fatalf("flushed %d candidates, want the buffer capped at %d",
			neg.candidateCount(), maxBufferedCandidates)
	}
}

func TestAnswerWithoutOfferIsIgnored(t *testing.T) {
	m, _ := newTestManager(func(string) (Negotiator, error) { return &fakeNegotiator{}, nil })
	m.HandleAnswer("bob", "v=0 stray answer") // must not panic or create state
	if _, ok := m.Session("bob"); ok {
		t.Fatal("stray answer created a session")
	}
}

func TestDoubleEndReleasesOnce(t *testing.T) {
	neg := &fakeNegotiator{}
	m, sig := newTestManager(func(string) (Negotiator, error) { return neg, nil })

	s := m.Initiate("bob")
	m.End("bob")
	m.End("bob")

	if s.State() != StateEnded {
		t.Fatalf("state = %s, want ended", s.State())
	}
	if neg.closes != 1 {
		t.Fatalf("negotiator closed %d times, want exactly 1", neg.closes)
	}
	if sig.endCount() != 1 {
		t.Fatalf("call-end sent %d times, want 1", sig.endCount())
	}
}

func TestRejectDiscardsPendingOffer(t *testing.T) {
	m, sig := newTestManager(func(string) (Negotiator, error) { return &fakeNegotiator{}, nil })

	m.HandleIncomingOffer("bob", "bob", "v=0 remote offer")
	m.Reject("bob")

	if sig.endCount() != 1 {
		t.Fatal("reject did not notify the peer")
	}
	if _, ok := m.Session("bob"); ok {
		t.Fatal("rejected session still tracked")
	}

	// Accepting after reject is a no-op, not a crash.
	if s := m.Accept("bob"); s != nil {
		t.Fatal("accept after reject resurrected the call")
	}
}

func TestRemoteEndIsIdempotentWithLocalEnd(t *testing.T) {
	neg := &fakeNegotiator{}
	m, _ := newTestManager(func(string) (Negotiator, error) { return neg, nil })

	m.Initiate("bob")
	m.HandleRemoteEnd("bob")
	m.End("bob") // peer already gone

	if neg.closes != 1 {
		t.Fatalf("negotiator closed %d times, want 1", neg.closes)
	}
}

func TestEndDuringPendingMediaReleasesNegotiator(t *testing.T) {
	// Media acquisition can block on a permission prompt. Hanging up
	// while it is pending must still release the microphone once it
	// finally arrives, and must not ring the peer for a dead call.
	neg := &fakeNegotiator{}
	entered := make(chan struct{})
	gate := make(chan struct{})
	m, sig := newTestManager(func(string) (Negotiator, error) {
		close(entered)
		<-gate
		return neg, nil
	})

	done := make(chan *Session, 1)
	go func() { done <- m.Initiate("bob") }()

	// Hang up while the factory is still blocked.
	<-entered
	m.End("bob")
	close(gate)

	s := <-done
	if s.State() != StateEnded {
		t.Fatalf("state = %s, want ended", s.State())
	}
	if neg.closeCount() != 1 {
		t.Fatalf("negotiator closed %d times after late arrival, want 1", neg.closeCount())
	}
	if len(sig.offers) != 0 {
		t.Fatalf("offer sent for an ended call: %v", sig.offers)
	}
}

func TestEndDuringPendingAcceptReleasesNegotiator(t *testing.T) {
	neg := &fakeNegotiator{}
	entered := make(chan struct{})
	gate := make(chan struct{})
	m, sig := newTestManager(func(string) (Negotiator, error) {
		close(entered)
		<-gate
		return neg, nil
	})

	m.HandleIncomingOffer("bob", "bob", "v=0 remote offer")
	done := make(chan struct{})
	go func() {
		m.Accept("bob")
		close(done)
	}()

	// Accept has consumed the pending offer and is blocked in the
	// factory; hang up now.
	<-entered
	m.End("bob")
	close(gate)
	<-done

	if neg.closeCount() != 1 {
		t.Fatalf("negotiator closed %d times after late arrival, want 1", neg.closeCount())
	}
	if len(sig.answers) != 0 {
		t.Fatalf("answer sent for an ended call: %v", sig.answers)
	}
}

func TestToggleAudioFlipsMuteState(t *testing.T) {
	m, _ := newTestManager(func(string) (Negotiator, error) { return &fakeNegotiator{}, nil })

	s := m.Initiate("bob")
	if muted := s.ToggleAudio(); !muted {
		t.Fatal("first toggle should mute")
	}
	if muted := s.ToggleAudio(); muted {
		t.Fatal("second toggle should unmute")
	}
}
