package call

import (
	"context"
	"fmt"
	"testing"

	"github.com/carelinq/callkit/internal/incoming"
	"github.com/carelinq/callkit/internal/signal"
)

func newTestManager(t *testing.T, sig *fakeSignaler, factory TransportFactory) (*Manager, *incoming.Holder, *quietPlayer) {
	t.Helper()
	holder := incoming.New(sig, nil, 0)
	ring, player := quietRing()
	if factory == nil {
		factory = func(roomID string, isVideo bool) (MediaTransport, error) {
			return &fakeTransport{}, nil
		}
	}
	m := NewManager("alice", "Alice", sig, holder, ring, nil, factory)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Start(ctx)
	t.Cleanup(m.Close)
	return m, holder, player
}

func TestStartCallRejectsDuplicateRoom(t *testing.T) {
	sig := newFakeSignaler()
	m, _, _ := newTestManager(t, sig, nil)
	ctx := context.Background()

	sess, err := m.StartCall(ctx, "bob", "Bob", "room_x", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartCall(ctx, "bob", "Bob", "room_x", false); err == nil {
		t.Fatal("second StartCall for the same room must fail")
	}

	if n := len(sig.emitted(signal.EventInitiateCall)); n != 1 {
		t.Fatalf("emitted %d initiate-call events, want 1", n)
	}
	sess.Hangup()
}

func TestStartCallMediaFailure(t *testing.T) {
	sig := newFakeSignaler()
	failing := func(roomID string, isVideo bool) (MediaTransport, error) {
		return nil, fmt.Errorf("camera busy")
	}
	m, _, _ := newTestManager(t, sig, failing)

	if _, err := m.StartCall(context.Background(), "bob", "Bob", "", true); err == nil {
		t.Fatal("expected media setup error")
	}
	if n := len(sig.emitted(signal.EventInitiateCall)); n != 0 {
		t.Fatalf("initiate-call emitted despite media failure (%d times)", n)
	}
}

func TestAcceptCallWithoutPending(t *testing.T) {
	m, _, _ := newTestManager(t, newFakeSignaler(), nil)
	if _, err := m.AcceptCall(context.Background()); err == nil {
		t.Fatal("accept with empty slot must fail")
	}
}

func TestAcceptCallMediaFailureRejectsCall(t *testing.T) {
	sig := newFakeSignaler()
	failing := func(roomID string, isVideo bool) (MediaTransport, error) {
		return nil, fmt.Errorf("no microphone")
	}
	m, _, _ := newTestManager(t, sig, failing)

	sig.dispatch(t, signal.EventIncomingCall, &signal.IncomingCall{
		RoomID: "room_1", FromUserID: "bob", CallerName: "Bob", Token: "tok",
	})
	if _, err := m.AcceptCall(context.Background()); err == nil {
		t.Fatal("expected media setup error")
	}

	// The caller must be told instead of ringing forever.
	rejects := sig.sentSignals(signal.TypeCallRejected)
	if len(rejects) != 1 {
		t.Fatalf("sent %d call-rejected signals, want 1", len(rejects))
	}
	if rejects[0].To != "bob" || rejects[0].RoomID != "room_1" {
		t.Fatalf("reject addressed wrong: %+v", rejects[0])
	}
}

func TestIncomingCallRingsUntilAccepted(t *testing.T) {
	sig := newFakeSignaler()
	m, holder, player := newTestManager(t, sig, nil)

	sig.dispatch(t, signal.EventIncomingCall, &signal.IncomingCall{
		RoomID: "room_1", FromUserID: "bob", Token: "tok",
	})

	if holder.Current() == nil {
		t.Fatal("incoming call not surfaced")
	}
	eventually(t, "tone started", func() bool {
		player.mu.Lock()
		defer player.mu.Unlock()
		return player.started >= 1
	})

	sess, err := m.AcceptCall(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "tone stopped", func() bool {
		player.mu.Lock()
		defer player.mu.Unlock()
		return player.stopped >= 1
	})

	// Accepting answers with a call-start handshake toward the caller.
	starts := sig.sentSignals(signal.TypeCallStart)
	if len(starts) != 1 || starts[0].To != "bob" {
		t.Fatalf("call-start signals: %+v", starts)
	}
	sess.Hangup()
}

func TestUnderscoreEventSpelling(t *testing.T) {
	sig := newFakeSignaler()
	_, holder, _ := newTestManager(t, sig, nil)

	sig.dispatch(t, signal.EventIncomingCallAlt, &signal.IncomingCall{
		RoomID: "room_1", FromUserID: "bob", Token: "tok",
	})
	if holder.Current() == nil {
		t.Fatal("incoming_call spelling not handled")
	}
}

func TestEarlySignalsReplayedOnAccept(t *testing.T) {
	sig := newFakeSignaler()
	mt := &fakeTransport{}
	factory := func(string, bool) (MediaTransport, error) { return mt, nil }
	m, _, _ := newTestManager(t, sig, factory)

	sig.dispatch(t, signal.EventIncomingCall, &signal.IncomingCall{
		RoomID: "room_1", FromUserID: "bob", Token: "tok",
	})
	// The caller's offer beats the local accept.
	sig.dispatch(t, signal.EventCallSignal, &signal.CallSignal{
		Type: signal.TypeOffer, From: "bob", To: "alice", RoomID: "room_1",
		Payload: []byte(`{"type":"offer","sdp":"o"}`),
	})

	if _, err := m.AcceptCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The buffered offer must have been replayed and answered.
	mt.mu.Lock()
	answered := len(mt.answered)
	mt.mu.Unlock()
	if answered != 1 {
		t.Fatalf("replayed offer answered %d times, want 1", answered)
	}
	if n := len(sig.sentSignals(signal.TypeAnswer)); n != 1 {
		t.Fatalf("sent %d answers, want 1", n)
	}
}

func TestRemoteEndWhileRingingClearsSlot(t *testing.T) {
	sig := newFakeSignaler()
	_, holder, player := newTestManager(t, sig, nil)

	sig.dispatch(t, signal.EventIncomingCall, &signal.IncomingCall{
		RoomID: "room_1", FromUserID: "bob", Token: "tok",
	})
	sig.dispatch(t, signal.EventCallEnded, &signal.End{RoomID: "room_1", FromUserID: "bob"})

	if holder.Current() != nil {
		t.Fatal("slot not cleared after caller cancelled")
	}
	eventually(t, "tone stopped", func() bool {
		player.mu.Lock()
		defer player.mu.Unlock()
		return player.stopped >= 1
	})
	// Nothing to decline: the caller already knows the call is over.
	if n := len(sig.emitted(signal.EventCallDeclined)); n != 0 {
		t.Fatalf("emitted %d declines for a cancelled call, want 0", n)
	}
}

func TestCloseHangsUpActiveSessions(t *testing.T) {
	sig := newFakeSignaler()
	mt := &fakeTransport{}
	factory := func(string, bool) (MediaTransport, error) { return mt, nil }
	m, _, _ := newTestManager(t, sig, factory)

	sess, err := m.StartCall(context.Background(), "bob", "Bob", "", false)
	if err != nil {
		t.Fatal(err)
	}
	m.Close()

	if sess.State() != StateEnded {
		t.Fatalf("session state = %v after Close, want ended", sess.State())
	}
	if !mt.isClosed() {
		t.Fatal("transport not released on Close")
	}
}
