//go:build !linux

package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// newMediaPeerConnection on non-Linux platforms builds a receive-only
// PeerConnection. Microphone capture via mediadevices needs per-OS
// driver wiring that only the Linux build carries for now.
func newMediaPeerConnection(peerID string) (*webrtc.PeerConnection, func(), error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		pc.Close()
		return nil, nil, err
	}
	log.Printf("CALL [%s]: receive-only on this platform", peerID)
	return pc, nil, nil
}
