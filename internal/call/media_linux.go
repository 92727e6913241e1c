//go:build linux

package call

import (
	"errors"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// newPeerConnection creates the call's PeerConnection with VP8+Opus codecs
// and captures local camera/mic via pion/mediadevices (V4L2 + malgo).
// A call that cannot open any local media is abandoned with an error the
// caller can show verbatim — degraded one-way calls confuse patients more
// than a clear "check your microphone" message.
func newPeerConnection(roomID string, isVideo bool, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	api, err := newMediaAPI(mediaEngine)
	if err != nil {
		return nil, nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, err
	}

	// Enumerate available media devices (diagnostics).
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL [%s]: no media devices found by pion/mediadevices", roomID)
	} else {
		for _, d := range devices {
			log.Printf("CALL [%s]: media device — kind=%v label=%q", roomID, d.Kind, d.Label)
		}
	}

	// GetUserMedia fails as a unit if either track (video OR audio) can't be
	// opened. A video call tries video+audio first and falls back to
	// audio-only so a busy camera does not kill the consultation; a voice
	// call only ever asks for audio.
	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio-only"}}
	if isVideo {
		attempts = []attempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and breaks SDP negotiation. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480 — higher resolutions add VP8 encoding
				// latency exam-room hardware cannot spare.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", roomID, a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", roomID, err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Printf("CALL [%s]: AddTrack error: %v", roomID, err)
			}
		}

		log.Printf("CALL [%s]: local media captured (%s) — %d tracks", roomID, a.label, len(tracks))
		closeFn := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, closeFn, nil
	}

	pc.Close()
	if lastErr == nil {
		lastErr = errors.New("no capture attempt ran")
	}
	return nil, nil, errors.New("microphone or camera unavailable — check device permissions (" + lastErr.Error() + ")")
}
