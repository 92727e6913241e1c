package call

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/carelinq/callkit/internal/signal"
)

// callSig builds one relayed signal for room_1.
func callSig(sigType, payload string) *signal.CallSignal {
	cs := &signal.CallSignal{Type: sigType, RoomID: "room_1"}
	if payload != "" {
		cs.Payload = json.RawMessage(payload)
	}
	return cs
}

func TestCallerSendsOfferOnCallStart(t *testing.T) {
	sig := newFakeSignaler()
	mt := &fakeTransport{}
	s := newSession("room_1", "a", "b", false, true, sig, mt)

	ctx := context.Background()
	s.handleSignal(ctx, callSig(signal.TypeCallStart, ""))
	// A duplicate call-start must not trigger a second offer exchange.
	s.handleSignal(ctx, callSig(signal.TypeCallStart, ""))

	if n := mt.offerCount(); n != 1 {
		t.Fatalf("created %d offers, want 1", n)
	}
	offers := sig.sentSignals(signal.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("sent %d offer signals, want 1", len(offers))
	}
	if offers[0].To != "b" || offers[0].RoomID != "room_1" {
		t.Fatalf("offer addressed wrong: %+v", offers[0])
	}
}

func TestCalleeIgnoresCallStart(t *testing.T) {
	sig := newFakeSignaler()
	mt := &fakeTransport{}
	s := newSession("room_1", "b", "a", false, false, sig, mt)

	s.handleSignal(context.Background(), callSig(signal.TypeCallStart, ""))
	if n := mt.offerCount(); n != 0 {
		t.Fatalf("callee created %d offers, want 0", n)
	}
}

func TestCalleeAnswersOffer(t *testing.T) {
	sig := newFakeSignaler()
	mt := &fakeTransport{}
	s := newSession("room_1", "b", "a", false, false, sig, mt)

	s.handleSignal(context.Background(), callSig(signal.TypeOffer, `{"type":"offer","sdp":"o"}`))

	if n := len(sig.sentSignals(signal.TypeAnswer)); n != 1 {
		t.Fatalf("sent %d answers, want 1", n)
	}
}

func TestEarlyCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	sig := newFakeSignaler()
	mt := &fakeTransport{}
	s := newSession("room_1", "a", "b", false, true, sig, mt)
	ctx := context.Background()

	// Candidates outrun the answer — the relay gives no cross-type ordering.
	s.handleSignal(ctx, callSig(signal.TypeICECandidate, `{"candidate":"c1"}`))
	s.handleSignal(ctx, callSig(signal.TypeICECandidate, `{"candidate":"c2"}`))
	if n := mt.candidateCount(); n != 0 {
		t.Fatalf("%d candidates applied before remote description, want 0", n)
	}

	s.handleSignal(ctx, callSig(signal.TypeAnswer, `{"type":"answer","sdp":"a"}`))
	if n := mt.candidateCount(); n != 2 {
		t.Fatalf("%d candidates applied after answer, want 2", n)
	}
	// Order preserved.
	mt.mu.Lock()
	first := mt.candidates[0]
	mt.mu.Unlock()
	if first != `{"candidate":"c1"}` {
		t.Fatalf("first flushed candidate = %s", first)
	}

	// Late candidates now apply directly.
	s.handleSignal(ctx, callSig(signal.TypeICECandidate, `{"candidate":"c3"}`))
	if n := mt.candidateCount(); n != 3 {
		t.Fatalf("late candidate not applied: %d", n)
	}
}

func TestEndSignalSentExactlyOnce(t *testing.T) {
	sig := newFakeSignaler()
	mt := &fakeTransport{}
	s := newSession("room_1", "a", "b", false, true, sig, mt)

	s.Hangup()
	s.Hangup()
	if mt.onClosed != nil {
		mt.onClosed("closed")
	}

	if n := len(sig.sentSignals(signal.TypeCallEnd)); n != 1 {
		t.Fatalf("sent %d call-end signals, want exactly 1", n)
	}
	if n := len(sig.emitted(signal.EventEndCall)); n != 1 {
		t.Fatalf("emitted %d end-call events, want exactly 1", n)
	}
	if !mt.isClosed() {
		t.Fatal("transport not released")
	}
	if s.State() != StateEnded {
		t.Fatalf("state = %v, want ended", s.State())
	}
}

func TestRemoteEndDoesNotReEmit(t *testing.T) {
	sig := newFakeSignaler()
	mt := &fakeTransport{}
	s := newSession("room_1", "a", "b", false, true, sig, mt)

	s.handleSignal(context.Background(), callSig(signal.TypeCallEnd, ""))

	if n := len(sig.sentSignals(signal.TypeCallEnd)); n != 0 {
		t.Fatalf("receiving side sent %d call-end signals, want 0", n)
	}
	if n := len(sig.emitted(signal.EventEndCall)); n != 0 {
		t.Fatalf("receiving side emitted %d end-call events, want 0", n)
	}
	if s.State() != StateEnded {
		t.Fatalf("state = %v, want ended", s.State())
	}
}

func TestTransportFailureEndsWithoutEmitting(t *testing.T) {
	sig := newFakeSignaler()
	mt := &fakeTransport{}
	s := newSession("room_1", "a", "b", false, true, sig, mt)

	mt.onClosed("failed")

	if s.State() != StateEnded {
		t.Fatalf("state = %v, want ended", s.State())
	}
	if n := len(sig.sentSignals(signal.TypeCallEnd)); n != 0 {
		t.Fatalf("transport failure sent %d call-end signals, want 0", n)
	}
}

func TestConnectedTransition(t *testing.T) {
	sig := newFakeSignaler()
	mt := &fakeTransport{}
	s := newSession("room_1", "a", "b", true, true, sig, mt)

	var states []State
	s.OnStateChange(func(st State) { states = append(states, st) })

	mt.onConnected()
	mt.onConnected() // track event after transport event — must be a no-op

	if s.State() != StateConnected {
		t.Fatalf("state = %v, want connected", s.State())
	}
	if len(states) != 1 || states[0] != StateConnected {
		t.Fatalf("observed transitions %v, want [connected]", states)
	}

	s.Hangup()
	if s.State() != StateEnded {
		t.Fatalf("state = %v, want ended", s.State())
	}
}

func TestLocalCandidatesAreRelayed(t *testing.T) {
	sig := newFakeSignaler()
	mt := &fakeTransport{}
	_ = newSession("room_1", "a", "b", false, true, sig, mt)

	mt.onLocalCand(json.RawMessage(`{"candidate":"local"}`))

	got := sig.sentSignals(signal.TypeICECandidate)
	if len(got) != 1 {
		t.Fatalf("relayed %d candidates, want 1", len(got))
	}
	if got[0].From != "a" || got[0].To != "b" {
		t.Fatalf("candidate addressed wrong: %+v", got[0])
	}
}
