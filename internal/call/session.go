package call

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/carelinq/callkit/internal/signal"
)

// Session is one active call between this agent and a remote participant.
// Lifecycle: connecting → connected → ended (terminal). The session owns its
// media transport exclusively and releases it on end; the end-call signal is
// emitted exactly once and only by the side that locally initiated the
// termination, so two peers hanging up never ping-pong end signals.
type Session struct {
	roomID   string
	selfID   string
	remoteID string
	isVideo  bool
	caller   bool // this side initiated the call

	sig Signaler
	mt  MediaTransport

	// e2eeKey is the derived room key, nil for unencrypted calls. Held for
	// the media layer; the session itself never touches payloads.
	e2eeKey []byte

	mu            sync.Mutex
	state         State
	ended         bool
	endSignalSent bool
	remoteDescSet bool
	pendingCand   []json.RawMessage // candidates that arrived before the remote description
	offerSent     bool
	startedAt     time.Time
	elapsedSec    int
	tickerStop    chan struct{}

	stateFns []func(State)
	onEnd    func(reason string, elapsedSec int)
}

func newSession(roomID, selfID, remoteID string, isVideo, caller bool, sig Signaler, mt MediaTransport) *Session {
	s := &Session{
		roomID:    roomID,
		selfID:    selfID,
		remoteID:  remoteID,
		isVideo:   isVideo,
		caller:    caller,
		sig:       sig,
		mt:        mt,
		state:     StateConnecting,
		startedAt: time.Now(),
	}

	mt.OnLocalCandidate(func(cand json.RawMessage) {
		s.send(signal.TypeICECandidate, cand)
	})
	mt.OnConnected(s.handleConnected)
	mt.OnClosed(func(reason string) {
		// Transport failure is not a local hangup: clean up, do not emit.
		s.finish(false, "transport "+reason)
	})

	return s
}

// RoomID returns the room this session is scoped to.
func (s *Session) RoomID() string { return s.roomID }

// RemoteID returns the far participant's user ID.
func (s *Session) RemoteID() string { return s.remoteID }

// IsVideo reports whether the call carries video.
func (s *Session) IsVideo() bool { return s.isVideo }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Duration returns elapsed connected time. The timer ticks at one-second
// granularity and only while connected.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.elapsedSec) * time.Second
}

// EncryptionKey returns the derived room key, or nil.
func (s *Session) EncryptionKey() []byte { return s.e2eeKey }

// OnStateChange registers a hook fired on every state transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.stateFns = append(s.stateFns, fn)
	s.mu.Unlock()
}

// sendOffer creates and sends the local offer. Guarded so a caller clicking
// twice — or a duplicate call-start from the far end — cannot start a second
// offer exchange for the same session.
func (s *Session) sendOffer(ctx context.Context) error {
	s.mu.Lock()
	if s.ended || s.offerSent {
		s.mu.Unlock()
		return nil
	}
	s.offerSent = true
	s.mu.Unlock()

	offer, err := s.mt.CreateOffer(ctx)
	if err != nil {
		return err
	}
	s.send(signal.TypeOffer, offer)
	return nil
}

// handleSignal routes one relayed signal into the session. Malformed or
// out-of-order input is logged and tolerated, never propagated — the relay
// guarantees no ordering across signal types.
func (s *Session) handleSignal(ctx context.Context, sig *signal.CallSignal) {
	if s.State() == StateEnded {
		return
	}

	switch sig.Type {
	case signal.TypeCallStart:
		// The far end accepted; the caller side opens the offer exchange.
		if !s.caller {
			return
		}
		if err := s.sendOffer(ctx); err != nil {
			log.Printf("CALL [%s]: create offer: %v", s.roomID, err)
			s.finish(false, "offer failed")
		}

	case signal.TypeOffer:
		answer, err := s.mt.HandleOffer(ctx, sig.Payload)
		if err != nil {
			log.Printf("CALL [%s]: handle offer: %v", s.roomID, err)
			return
		}
		s.markRemoteDescSet()
		s.send(signal.TypeAnswer, answer)
		s.flushCandidates()

	case signal.TypeAnswer:
		if err := s.mt.HandleAnswer(sig.Payload); err != nil {
			log.Printf("CALL [%s]: handle answer: %v", s.roomID, err)
			return
		}
		s.markRemoteDescSet()
		s.flushCandidates()

	case signal.TypeICECandidate:
		s.mu.Lock()
		ready := s.remoteDescSet
		if !ready {
			// Candidate outran the offer/answer — buffer until the remote
			// description lands.
			s.pendingCand = append(s.pendingCand, sig.Payload)
		}
		s.mu.Unlock()
		if ready {
			if err := s.mt.AddICECandidate(sig.Payload); err != nil {
				log.Printf("CALL [%s]: add candidate: %v", s.roomID, err)
			}
		}

	case signal.TypeCallEnd, signal.TypeCallRejected:
		s.finish(false, "remote "+sig.Type)

	default:
		log.Printf("CALL [%s]: ignoring signal %q", s.roomID, sig.Type)
	}
}

func (s *Session) markRemoteDescSet() {
	s.mu.Lock()
	s.remoteDescSet = true
	s.mu.Unlock()
}

// flushCandidates drains the pending-candidate buffer after the remote
// description has been applied.
func (s *Session) flushCandidates() {
	s.mu.Lock()
	pending := s.pendingCand
	s.pendingCand = nil
	s.mu.Unlock()

	for _, cand := range pending {
		if err := s.mt.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: add buffered candidate: %v", s.roomID, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("CALL [%s]: flushed %d buffered candidate(s)", s.roomID, len(pending))
	}
}

// handleConnected flips connecting → connected and starts the duration
// ticker. Repeat notifications (track after transport state) are no-ops.
func (s *Session) handleConnected() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.elapsedSec = 0
	s.tickerStop = make(chan struct{})
	stop := s.tickerStop
	fns := append([]func(State){}, s.stateFns...)
	s.mu.Unlock()

	log.Printf("CALL [%s]: connected to %s", s.roomID, s.remoteID)
	go s.tick(stop)
	for _, fn := range fns {
		fn(StateConnected)
	}
}

// tick advances the call duration once per second while connected.
func (s *Session) tick(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.state == StateConnected {
				s.elapsedSec++
			}
			s.mu.Unlock()
		}
	}
}

// Hangup ends the call from this side. Idempotent — the end-call signal goes
// out exactly once no matter how many times the teardown runs.
func (s *Session) Hangup() {
	s.finish(true, "local hangup")
}

// finish is the single teardown path. emitEnd is true only for a locally
// initiated termination; the receiving side cleans up without re-emitting.
func (s *Session) finish(emitEnd bool, reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.state = StateEnded
	elapsed := s.elapsedSec
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerStop = nil
	}
	sendEnd := emitEnd && !s.endSignalSent
	if sendEnd {
		s.endSignalSent = true
	}
	fns := append([]func(State){}, s.stateFns...)
	onEnd := s.onEnd
	s.mu.Unlock()

	if sendEnd {
		s.send(signal.TypeCallEnd, nil)
		s.sig.Emit(signal.EventEndCall, &signal.End{
			RoomID:     s.roomID,
			FromUserID: s.selfID,
			ToUserID:   s.remoteID,
		})
	}

	// Media resources are owned exclusively by this session; release them
	// before reporting the end so no track outlives the call.
	if err := s.mt.Close(); err != nil {
		log.Printf("CALL [%s]: transport close: %v", s.roomID, err)
	}

	log.Printf("CALL [%s]: ended (%s) after %ds", s.roomID, reason, elapsed)
	for _, fn := range fns {
		fn(StateEnded)
	}
	if onEnd != nil {
		onEnd(reason, elapsed)
	}
}

// send relays one signal to the remote participant, best-effort.
func (s *Session) send(sigType string, payload json.RawMessage) {
	s.sig.SendSignal(&signal.CallSignal{
		Type:    sigType,
		From:    s.selfID,
		To:      s.remoteID,
		RoomID:  s.roomID,
		Payload: payload,
	})
}
