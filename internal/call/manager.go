package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carelinq/callkit/internal/e2ee"
	"github.com/carelinq/callkit/internal/history"
	"github.com/carelinq/callkit/internal/incoming"
	"github.com/carelinq/callkit/internal/ringtone"
	"github.com/carelinq/callkit/internal/signal"
	"github.com/carelinq/callkit/internal/util"
)

// pendingSignalCap bounds how many early signals are buffered per room while
// the local session does not exist yet (e.g. candidates relayed before the
// user accepted). Beyond the cap the oldest are dropped — signaling is
// at-most-once anyway.
const pendingSignalCap = 32

// Manager bridges the socket layer to call sessions: it surfaces incoming
// calls, routes relayed signals to the owning session, and exposes the
// start/accept/decline/hangup operations.
type Manager struct {
	selfID   string
	selfName string

	sig          Signaler
	holder       *incoming.Holder
	ring         *ringtone.Controller
	hist         *history.Store // optional
	newTransport TransportFactory

	mu       sync.Mutex
	sessions map[string]*Session
	dialing  map[string]bool                                 // per-room in-flight outbound setup guard
	pending  map[string]*util.RingBuffer[*signal.CallSignal] // early signals per room
	histIDs  map[string]int64                                // roomID → open history row
	subs     []struct {
		event string
		id    int
	}
	closed bool
}

// NewManager wires a call manager. hist may be nil (call log disabled).
func NewManager(selfID, selfName string, sig Signaler, holder *incoming.Holder,
	ring *ringtone.Controller, hist *history.Store, factory TransportFactory) *Manager {
	return &Manager{
		selfID:       selfID,
		selfName:     selfName,
		sig:          sig,
		holder:       holder,
		ring:         ring,
		hist:         hist,
		newTransport: factory,
		sessions:     make(map[string]*Session),
		dialing:      make(map[string]bool),
		pending:      make(map[string]*util.RingBuffer[*signal.CallSignal]),
		histIDs:      make(map[string]int64),
	}
}

// Start subscribes the manager to the socket events it consumes. ctx scopes
// the lifetime of signal handling for all sessions.
func (m *Manager) Start(ctx context.Context) {
	sub := func(event string, fn func(json.RawMessage)) {
		id := m.sig.On(event, fn)
		m.mu.Lock()
		m.subs = append(m.subs, struct {
			event string
			id    int
		}{event, id})
		m.mu.Unlock()
	}

	// The backend emits both spellings depending on relay node.
	onIncoming := func(data json.RawMessage) { m.handleIncoming(ctx, data) }
	sub(signal.EventIncomingCall, onIncoming)
	sub(signal.EventIncomingCallAlt, onIncoming)

	sub(signal.EventCallSignal, func(data json.RawMessage) { m.handleRelayed(ctx, data) })

	onEnded := func(data json.RawMessage) { m.handleRemoteEnd(data, "remote ended") }
	sub(signal.EventCallEnded, onEnded)
	sub(signal.EventCallEndedAlt, onEnded)

	onRejected := func(data json.RawMessage) { m.handleRemoteEnd(data, "remote declined") }
	sub(signal.EventCallRejected, onRejected)
	sub(signal.EventCallDeclined, onRejected)

	// Ringtone lifecycle is tied to notification visibility: whenever the
	// pending slot empties — accept, decline, timeout or overwrite-clear —
	// the tone stops.
	m.holder.OnChange(func(call *signal.IncomingCall) {
		if call == nil {
			m.ring.Stop()
		}
	})
}

// StartCall initiates an outbound call. roomID may be empty, in which case a
// fresh room ID is generated. Errors are returned (user-initiated action).
func (m *Manager) StartCall(ctx context.Context, toUserID, toName string, roomID string, isVideo bool) (*Session, error) {
	if roomID == "" {
		roomID = fmt.Sprintf("room_%s_%s_%s", uuid.NewString()[:8], m.selfID, toUserID)
	}

	m.mu.Lock()
	if m.sessions[roomID] != nil || m.dialing[roomID] {
		m.mu.Unlock()
		return nil, fmt.Errorf("call already in progress for room %s", roomID)
	}
	m.dialing[roomID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.dialing, roomID)
		m.mu.Unlock()
	}()

	mt, err := m.newTransport(roomID, isVideo)
	if err != nil {
		m.recordOutcome(roomID, toUserID, toName, "outgoing", history.OutcomeFailed, isVideo)
		return nil, fmt.Errorf("media setup: %w", err)
	}

	sess := newSession(roomID, m.selfID, toUserID, isVideo, true, m.sig, mt)
	m.install(ctx, sess, toName, "outgoing")

	m.sig.Emit(signal.EventInitiateCall, &signal.Initiate{
		RoomID:     roomID,
		FromUserID: m.selfID,
		ToUserID:   toUserID,
		CallerName: m.selfName,
		IsVideo:    isVideo,
	})
	log.Printf("CALL: started %s → %s (video=%v)", roomID, toUserID, isVideo)
	return sess, nil
}

// AcceptCall takes the pending incoming call and joins it, creating the
// local session and opening the signal exchange. Returns an error when
// nothing is pending or media setup fails.
func (m *Manager) AcceptCall(ctx context.Context) (*Session, error) {
	ic := m.holder.Accept()
	if ic == nil {
		return nil, fmt.Errorf("no pending incoming call")
	}

	mt, err := m.newTransport(ic.RoomID, ic.IsVideo)
	if err != nil {
		// Media permission failures abandon the call attempt outright.
		m.recordOutcome(ic.RoomID, ic.FromUserID, ic.CallerName, "incoming", history.OutcomeFailed, ic.IsVideo)
		m.sig.SendSignal(&signal.CallSignal{
			Type: signal.TypeCallRejected, From: m.selfID, To: ic.FromUserID, RoomID: ic.RoomID,
		})
		return nil, fmt.Errorf("media setup: %w", err)
	}

	sess := newSession(ic.RoomID, m.selfID, ic.FromUserID, ic.IsVideo, false, m.sig, mt)
	if ic.E2EEKey != "" {
		key, kerr := e2ee.DeriveKey(ic.E2EEKey, ic.RoomID)
		if kerr != nil {
			log.Printf("CALL [%s]: e2ee key: %v — continuing unencrypted", ic.RoomID, kerr)
		} else {
			sess.e2eeKey = key
		}
	}
	m.install(ctx, sess, ic.CallerName, "incoming")

	// Tell the caller we accepted so it opens the offer exchange, then
	// replay anything that arrived while the call was still ringing.
	sess.send(signal.TypeCallStart, nil)
	m.replayPending(ctx, sess)

	log.Printf("CALL: accepted %s from %s", ic.RoomID, ic.FromUserID)
	return sess, nil
}

// DeclineCall declines the pending incoming call.
func (m *Manager) DeclineCall() {
	ic := m.holder.Current()
	m.holder.Decline()
	if ic != nil {
		m.recordOutcome(ic.RoomID, ic.FromUserID, ic.CallerName, "incoming", history.OutcomeDeclined, ic.IsVideo)
	}
}

// Session returns the active session for roomID, if any.
func (m *Manager) Session(roomID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[roomID]
	return s, ok
}

// Close hangs up all active sessions and unsubscribes from the socket.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, sub := range subs {
		m.sig.Off(sub.event, sub.id)
	}
	for _, s := range sessions {
		s.Hangup()
	}
	m.ring.StopAll()
}

// install registers a session and hooks its end into bookkeeping.
func (m *Manager) install(ctx context.Context, sess *Session, peerName, direction string) {
	var histID int64 = -1
	if m.hist != nil {
		id, err := m.hist.RecordStart(sess.roomID, sess.remoteID, peerName, direction, sess.isVideo, time.Now())
		if err != nil {
			log.Printf("CALL [%s]: call log: %v", sess.roomID, err)
		} else {
			histID = id
		}
	}

	m.mu.Lock()
	m.sessions[sess.roomID] = sess
	if histID >= 0 {
		m.histIDs[sess.roomID] = histID
	}
	m.mu.Unlock()

	sess.onEnd = func(reason string, elapsedSec int) {
		m.mu.Lock()
		delete(m.sessions, sess.roomID)
		delete(m.pending, sess.roomID)
		id, hasID := m.histIDs[sess.roomID]
		delete(m.histIDs, sess.roomID)
		m.mu.Unlock()

		if m.hist != nil && hasID {
			outcome := history.OutcomeAccepted
			if elapsedSec == 0 {
				outcome = history.OutcomeFailed
			}
			if err := m.hist.RecordEnd(id, elapsedSec, outcome); err != nil {
				log.Printf("CALL [%s]: call log: %v", sess.roomID, err)
			}
		}
	}
	_ = ctx
}

// handleIncoming surfaces a server-pushed incoming call and starts the tone.
func (m *Manager) handleIncoming(ctx context.Context, data json.RawMessage) {
	var ic signal.IncomingCall
	if err := json.Unmarshal(data, &ic); err != nil {
		log.Printf("CALL: malformed incoming-call event: %v", err)
		return
	}
	if ic.RoomID == "" {
		log.Printf("CALL: incoming-call event without room id — dropped")
		return
	}

	m.ring.Play(ctx)
	m.holder.Set(&ic)
}

// handleRelayed routes one relayed call-signal to its session, or buffers it
// when the session does not exist yet.
func (m *Manager) handleRelayed(ctx context.Context, data json.RawMessage) {
	var sig signal.CallSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		log.Printf("CALL: malformed call-signal: %v", err)
		return
	}
	if sig.RoomID == "" {
		return
	}

	m.mu.Lock()
	sess := m.sessions[sig.RoomID]
	if sess == nil {
		// The relay gives no ordering guarantee: an offer or candidate can
		// beat the local accept. Buffer bounded, drop oldest.
		buf := m.pending[sig.RoomID]
		if buf == nil {
			buf = util.NewRingBuffer[*signal.CallSignal](pendingSignalCap)
			m.pending[sig.RoomID] = buf
		}
		buf.Push(&sig)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	sess.handleSignal(ctx, &sig)
}

// replayPending drains buffered signals into a freshly created session.
func (m *Manager) replayPending(ctx context.Context, sess *Session) {
	m.mu.Lock()
	buf := m.pending[sess.roomID]
	delete(m.pending, sess.roomID)
	m.mu.Unlock()

	if buf == nil {
		return
	}
	for _, sig := range buf.Snapshot() {
		sess.handleSignal(ctx, sig)
	}
}

// handleRemoteEnd processes a backend-level call-ended / call-declined event.
func (m *Manager) handleRemoteEnd(data json.RawMessage, reason string) {
	var ev signal.End
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("CALL: malformed end event: %v", err)
		return
	}

	// A ringing call that ends remotely is a missed/cancelled call.
	if ic := m.holder.Current(); ic != nil && ic.RoomID == ev.RoomID {
		m.holder.Clear()
		m.recordOutcome(ic.RoomID, ic.FromUserID, ic.CallerName, "incoming", history.OutcomeMissed, ic.IsVideo)
		return
	}

	m.mu.Lock()
	sess := m.sessions[ev.RoomID]
	m.mu.Unlock()
	if sess != nil {
		// Receiving side only cleans up; it must not re-emit an end signal.
		sess.finish(false, reason)
	}
}

func (m *Manager) recordOutcome(roomID, peerID, peerName, direction, outcome string, isVideo bool) {
	if m.hist == nil {
		return
	}
	if err := m.hist.RecordOutcome(roomID, peerID, peerName, direction, outcome, isVideo); err != nil {
		log.Printf("CALL [%s]: call log: %v", roomID, err)
	}
}
