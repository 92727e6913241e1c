//go:build !linux

package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// newPeerConnection on non-Linux platforms joins receive-only: we decode the
// remote stream but capture no local media. Capture support currently only
// ships for Linux (V4L2/ALSA via pion/mediadevices).
func newPeerConnection(roomID string, isVideo bool, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	api, err := newMediaAPI(mediaEngine)
	if err != nil {
		return nil, nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(roomID, pc)
	log.Printf("CALL [%s]: receive-only, no local media capture on this platform", roomID)

	return pc, func() {}, nil
}
