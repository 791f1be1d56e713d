//go:build linux

package call

import (
	"fmt"
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// newMediaPeerConnection builds a PeerConnection with Opus audio and
// attempts to capture the local microphone via pion/mediadevices
// (malgo on Linux). When no microphone can be opened the call proceeds
// receive-only rather than failing: the callee can still listen.
func newMediaPeerConnection(peerID string) (*webrtc.PeerConnection, func(), error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	// LAN only: host candidates suffice, no ICE servers.
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL [%s]: no media devices found", peerID)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		log.Printf("CALL [%s]: microphone capture failed (%v), receive-only", peerID, err)
		if _, terr := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); terr != nil {
			pc.Close()
			return nil, nil, terr
		}
		return pc, nil, nil
	}

	tracks := stream.GetTracks()
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("CALL [%s]: local track ended: %v", peerID, err)
			}
		})
		if _, err := pc.AddTrack(track); err != nil {
			log.Printf("CALL [%s]: add track: %v", peerID, err)
		}
	}
	log.Printf("CALL [%s]: microphone captured, %d track(s)", peerID, len(tracks))

	closeFn := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	return pc, closeFn, nil
}
