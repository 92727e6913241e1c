package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/carelinq/callkit/internal/ringtone"
	"github.com/carelinq/callkit/internal/signal"
	"github.com/carelinq/callkit/internal/socket"
)

// fakeSignaler records outbound traffic and fans inbound events out to
// subscribed handlers, standing in for the socket manager.
type fakeSignaler struct {
	mu       sync.Mutex
	signals  []*signal.CallSignal
	emits    []fakeEmit
	handlers map[string]map[int]socket.Handler
	nextID   int
}

type fakeEmit struct {
	event   string
	payload any
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[string]map[int]socket.Handler)}
}

func (f *fakeSignaler) SendSignal(sig *signal.CallSignal) {
	f.mu.Lock()
	f.signals = append(f.signals, sig)
	f.mu.Unlock()
}

func (f *fakeSignaler) Emit(event string, payload any) {
	f.mu.Lock()
	f.emits = append(f.emits, fakeEmit{event, payload})
	f.mu.Unlock()
}

func (f *fakeSignaler) On(event string, fn socket.Handler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]socket.Handler)
	}
	f.handlers[event][f.nextID] = fn
	return f.nextID
}

func (f *fakeSignaler) Off(event string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if subs := f.handlers[event]; subs != nil {
		delete(subs, id)
	}
}

// dispatch delivers an inbound event the way the socket layer would.
func (f *fakeSignaler) dispatch(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	fns := make([]socket.Handler, 0, len(f.handlers[event]))
	for _, fn := range f.handlers[event] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeSignaler) sentSignals(sigType string) []*signal.CallSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*signal.CallSignal
	for _, s := range f.signals {
		if s.Type == sigType {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSignaler) emitted(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// fakeTransport is an in-memory MediaTransport that records every call.
type fakeTransport struct {
	mu          sync.Mutex
	offers      int
	answered    []json.RawMessage
	candidates  []string
	closed      bool
	failOffer   bool
	onLocalCand func(cand json.RawMessage)
	onConnected func()
	onClosed    func(reason string)
}

func (m *fakeTransport) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOffer {
		return nil, fmt.Errorf("no media device")
	}
	m.offers++
	return json.RawMessage(`{"type":"offer","sdp":"o"}`), nil
}

func (m *fakeTransport) HandleOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	m.answered = append(m.answered, offer)
	m.mu.Unlock()
	return json.RawMessage(`{"type":"answer","sdp":"a"}`), nil
}

func (m *fakeTransport) HandleAnswer(answer json.RawMessage) error { return nil }

func (m *fakeTransport) AddICECandidate(cand json.RawMessage) error {
	m.mu.Lock()
	m.candidates = append(m.candidates, string(cand))
	m.mu.Unlock()
	return nil
}

func (m *fakeTransport) OnLocalCandidate(fn func(json.RawMessage)) { m.onLocalCand = fn }
func (m *fakeTransport) OnConnected(fn func())                     { m.onConnected = fn }
func (m *fakeTransport) OnClosed(fn func(string))                  { m.onClosed = fn }

func (m *fakeTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeTransport) offerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offers
}

func (m *fakeTransport) candidateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.candidates)
}

func (m *fakeTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// quietPlayer keeps ringtone tests silent.
type quietPlayer struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (p *quietPlayer) Start(ctx context.Context) error {
	p.mu.Lock()
	p.started++
	p.mu.Unlock()
	return nil
}

func (p *quietPlayer) Stop() {
	p.mu.Lock()
	p.stopped++
	p.mu.Unlock()
}

func quietRing() (*ringtone.Controller, *quietPlayer) {
	p := &quietPlayer{}
	return ringtone.NewController(func() ringtone.Player { return p }), p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
