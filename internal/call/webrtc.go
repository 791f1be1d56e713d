package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PionNegotiator implements Negotiator on a Pion PeerConnection with
// local microphone capture. LAN only: no STUN/TURN servers are
// configured, host candidates are enough on one network segment.
type PionNegotiator struct {
	peerID string
	pc     *webrtc.PeerConnection

	mu         sync.Mutex
	stopMedia  func()
	onCand     func(json.RawMessage)
	onState    func(ConnState)
	remoteSet  bool
	earlyCands []webrtc.ICECandidateInit
	closed     bool
}

// NewPionNegotiator acquires the local microphone and builds a
// PeerConnection for a call with peerID. This is the NegotiatorFactory
// used outside tests.
func NewPionNegotiator(peerID string) (Negotiator, error) {
	pc, stopMedia, err := newMediaPeerConnection(peerID)
	if err != nil {
		return nil, err
	}

	n := &PionNegotiator{peerID: peerID, pc: pc, stopMedia: stopMedia}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		n.mu.Lock()
		fn := n.onCand
		n.mu.Unlock()
		if fn != nil {
			fn(raw)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: peer connection %s", peerID, state)
		n.mu.Lock()
		fn := n.onState
		n.mu.Unlock()
		if fn == nil {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			fn(ConnConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(ConnDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(ConnFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(ConnClosed)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote %s track %s", peerID, track.Kind(), track.ID())
	})

	return n, nil
}

func (n *PionNegotiator) CreateOffer() (string, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("apply local offer: %w", err)
	}
	return offer.SDP, nil
}

func (n *PionNegotiator) AcceptOffer(sdp string) (string, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return "", fmt.Errorf("apply remote offer: %w", err)
	}
	n.drainEarlyCandidates()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("apply local answer: %w", err)
	}
	return answer.SDP, nil
}

func (n *PionNegotiator) AcceptAnswer(sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	n.drainEarlyCandidates()
	return nil
}

// AddCandidate applies a remote candidate. Candidates arriving before
// the remote description are buffered: Pion rejects them otherwise.
func (n *PionNegotiator) AddCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	n.mu.Lock()
	if !n.remoteSet {
		n.earlyCands = append(n.earlyCands, init)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.pc.AddICECandidate(init)
}

func (n *PionNegotiator) drainEarlyCandidates() {
	n.mu.Lock()
	n.remoteSet = true
	buffered := n.earlyCands
	n.earlyCands = nil
	n.mu.Unlock()
	for _, init := range buffered {
		if err := n.pc.AddICECandidate(init); err != nil {
			log.Printf("CALL [%s]: buffered candidate rejected: %v", n.peerID, err)
		}
	}
}

func (n *PionNegotiator) OnCandidate(fn func(json.RawMessage)) {
	n.mu.Lock()
	n.onCand = fn
	n.mu.Unlock()
}

func (n *PionNegotiator) OnStateChange(fn func(ConnState)) {
	n.mu.Lock()
	n.onState = fn
	n.mu.Unlock()
}

// Close stops local media and the peer connection. Idempotent.
func (n *PionNegotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	stop := n.stopMedia
	n.stopMedia = nil
	n.mu.Unlock()

	if stop != nil {
		stop()
	}
	return n.pc.Close()
}
