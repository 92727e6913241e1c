// Package incoming tracks at most one pending incoming-call notification.
// Simultaneous incoming calls are not queued: a second notification replaces
// the first (last-write-wins). Accepting only clears the slot — joining the
// room is the consumer's job, keeping signaling state separate from media
// session state.
package incoming

import (
	"log"
	"sync"
	"time"

	"github.com/carelinq/callkit/internal/identity"
	"github.com/carelinq/callkit/internal/signal"
)

// Emitter is the outbound slice of the socket manager the holder needs.
type Emitter interface {
	Emit(event string, payload any)
}

// Observer is notified whenever the pending call changes. A nil call means
// the slot was cleared.
type Observer func(*signal.IncomingCall)

// Holder is the single-slot incoming-call state.
type Holder struct {
	emit       Emitter
	credential func() string // platform JWT for identity derivation
	ringFor    time.Duration // 0 disables the auto-decline timeout

	mu      sync.Mutex
	current *signal.IncomingCall
	timer   *time.Timer

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a Holder. credential returns the platform JWT used to derive
// the local user ID for decline notifications; ringFor is how long a call
// may ring before it is auto-declined (0 = ring forever).
func New(emit Emitter, credential func() string, ringFor time.Duration) *Holder {
	if credential == nil {
		credential = func() string { return "" }
	}
	return &Holder{emit: emit, credential: credential, ringFor: ringFor}
}

// OnChange registers an observer for slot changes.
func (h *Holder) OnChange(fn Observer) {
	h.obsMu.Lock()
	h.observers = append(h.observers, fn)
	h.obsMu.Unlock()
}

// Set surfaces a new incoming call, replacing any pending one.
func (h *Holder) Set(call *signal.IncomingCall) {
	if call == nil {
		return
	}
	if call.Token == "" {
		// Surface the call anyway: the join step is the authoritative gate
		// for a missing token, not the notification layer.
		log.Printf("INCOMING: call from %s in %s has no token — join will fail", call.FromUserID, call.RoomID)
	}

	h.mu.Lock()
	if h.current != nil {
		log.Printf("INCOMING: replacing pending call %s with %s", h.current.RoomID, call.RoomID)
	}
	h.current = call
	h.resetTimerLocked()
	h.mu.Unlock()

	log.Printf("INCOMING: call from %s (%s) in room %s, video=%v", call.CallerName, call.FromUserID, call.RoomID, call.IsVideo)
	h.notify(call)
}

// Current returns the pending call, or nil.
func (h *Holder) Current() *signal.IncomingCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Accept clears the slot and returns the call for the consumer to join.
// Returns nil if nothing was pending.
func (h *Holder) Accept() *signal.IncomingCall {
	call := h.take()
	if call == nil {
		return nil
	}
	log.Printf("INCOMING: accepted call in room %s", call.RoomID)
	h.notify(nil)
	return call
}

// Decline clears the slot and tells the far end. The local user ID is
// derived from the credential; when that fails the decline is still sent
// with an empty sender rather than failing outright. The far end can route
// by room, so the call still stops ringing there — but the empty sender is
// a known weak point, hence the loud log line.
func (h *Holder) Decline() {
	call := h.take()
	if call == nil {
		return
	}

	userID, err := identity.FromToken(h.credential())
	if err != nil {
		log.Printf("INCOMING: cannot derive local identity (%v) — declining %s with empty sender", err, call.RoomID)
		userID = ""
	}

	h.emit.Emit(signal.EventCallDeclined, &signal.Decline{
		RoomID:     call.RoomID,
		FromUserID: userID,
		ToUserID:   call.FromUserID,
		IsGroup:    call.IsGroup,
	})
	log.Printf("INCOMING: declined call in room %s", call.RoomID)
	h.notify(nil)
}

// Clear drops the pending call without notifying the far end. Used for
// local-only teardown such as the caller cancelling before timeout.
func (h *Holder) Clear() {
	if call := h.take(); call != nil {
		log.Printf("INCOMING: cleared call in room %s", call.RoomID)
		h.notify(nil)
	}
}

// take removes and returns the pending call under lock, stopping the
// ring timer.
func (h *Holder) take() *signal.IncomingCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	call := h.current
	h.current = nil
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	return call
}

// resetTimerLocked restarts the auto-decline timer for the current call.
// Caller holds h.mu.
func (h *Holder) resetTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if h.ringFor <= 0 {
		return
	}
	room := h.current.RoomID
	h.timer = time.AfterFunc(h.ringFor, func() {
		h.mu.Lock()
		stale := h.current == nil || h.current.RoomID != room
		h.mu.Unlock()
		if stale {
			return
		}
		log.Printf("INCOMING: call in room %s timed out after %s", room, h.ringFor)
		// Timeout takes the same path as a user-initiated decline.
		h.Decline()
	})
}

func (h *Holder) notify(call *signal.IncomingCall) {
	h.obsMu.RLock()
	obs := make([]Observer, len(h.observers))
	copy(obs, h.observers)
	h.obsMu.RUnlock()
	for _, fn := range obs {
		fn(call)
	}
}
