package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested for each remote video
// track. Without periodic PLIs a join mid-stream can show nothing until the
// sender's next spontaneous keyframe.
const pliInterval = 3 * time.Second

// PionTransport implements MediaTransport over a Pion PeerConnection with
// platform media capture (see media_linux.go / media_other.go).
type PionTransport struct {
	roomID  string
	pc      *webrtc.PeerConnection
	cleanup func()

	mu          sync.Mutex
	onLocalCand func(json.RawMessage)
	onConnected func()
	onClosed    func(reason string)
	connected   bool
	closed      bool
}

// NewPionFactory returns a TransportFactory building real peer connections.
// iceServers is consulted per call so config hot-reload takes effect on the
// next call, not mid-call.
func NewPionFactory(iceServers func() []webrtc.ICEServer) TransportFactory {
	return func(roomID string, isVideo bool) (MediaTransport, error) {
		pc, cleanup, err := newPeerConnection(roomID, isVideo, iceServers())
		if err != nil {
			return nil, err
		}
		t := &PionTransport{roomID: roomID, pc: pc, cleanup: cleanup}
		t.wire()
		return t, nil
	}
}

func (t *PionTransport) wire() {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		t.mu.Lock()
		fn := t.onLocalCand
		t.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	})

	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote track %s (%s)", t.roomID, track.ID(), track.Kind())
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go t.sendPLI(track)
		}
		go t.drainTrack(track)
	})

	t.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			t.markConnected()
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			t.markClosed(st.String())
		}
	})
}

// drainTrack reads RTP off a remote track. The first packet counts as media
// up — that can beat the transport-level connected state and the session
// takes whichever arrives first.
func (t *PionTransport) drainTrack(track *webrtc.TrackRemote) {
	var pkt *rtp.Packet
	var err error
	var pkts uint64
	for {
		pkt, _, err = track.ReadRTP()
		if err != nil {
			return
		}
		pkts++
		if pkts == 1 {
			t.markConnected()
		}
		_ = pkt
	}
}

// sendPLI periodically requests a keyframe for a remote video track.
func (t *PionTransport) sendPLI(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		err := t.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

func (t *PionTransport) markConnected() {
	t.mu.Lock()
	if t.connected || t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = true
	fn := t.onConnected
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *PionTransport) markClosed(reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	fn := t.onClosed
	t.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

// CreateOffer produces the local offer and starts ICE gathering.
func (t *PionTransport) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(offer)
}

// HandleOffer applies a remote offer and produces the answer.
func (t *PionTransport) HandleOffer(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(answer)
}

// HandleAnswer applies the remote answer.
func (t *PionTransport) HandleAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddICECandidate applies one remote candidate.
func (t *PionTransport) AddICECandidate(raw json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return t.pc.AddICECandidate(cand)
}

func (t *PionTransport) OnLocalCandidate(fn func(json.RawMessage)) {
	t.mu.Lock()
	t.onLocalCand = fn
	t.mu.Unlock()
}

func (t *PionTransport) OnConnected(fn func()) {
	t.mu.Lock()
	t.onConnected = fn
	t.mu.Unlock()
}

func (t *PionTransport) OnClosed(fn func(reason string)) {
	t.mu.Lock()
	t.onClosed = fn
	t.mu.Unlock()
}

// Close releases local media and the peer connection.
func (t *PionTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	cleanup := t.cleanup
	t.cleanup = nil
	t.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
	return t.pc.Close()
}
