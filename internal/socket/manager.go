// Package socket maintains the single persistent connection to the vendor
// call backend and fans inbound events out to registered listeners.
//
// Delivery is deliberately best-effort: signals sent while disconnected are
// dropped (logged, no buffering), because call signaling across a flaky
// network must never crash or block the caller. Reconnection is automatic
// with fixed linear backoff up to a bounded attempt count; past the bound the
// manager goes terminal and waits for an explicit Reconnect.
package socket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carelinq/callkit/internal/signal"
)

// State of the connection to the vendor backend.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed is terminal: the reconnect budget is exhausted and no
	// further automatic attempts happen until Reconnect is called.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	pongWait     = 30 * time.Second
	pingInterval = 20 * time.Second
	writeWait    = 10 * time.Second
)

// Handler receives the raw payload of one inbound event.
type Handler func(data json.RawMessage)

// Options configures a Manager.
type Options struct {
	// URL is the websocket endpoint of the vendor backend.
	URL string
	// APIKey authenticates the connection. It is sent both as a bearer
	// header and as a query parameter — the relay checks whichever it got
	// first, older relay nodes only read the query string.
	APIKey string
	// MaxAttempts bounds consecutive failed connection attempts.
	MaxAttempts int
	// Interval is the base of the linear backoff: attempt n waits n*Interval.
	Interval time.Duration
	// Dialer overrides the websocket dialer (tests).
	Dialer *websocket.Dialer
}

// Manager owns the persistent backend connection.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	attempts int
	reg      *signal.Registration // last registered identity, replayed on reconnect
	closed   bool
	running  bool
	genID    int // connection generation, invalidates stale read loops

	handlerMu sync.RWMutex
	handlers  map[string]map[int]Handler
	nextSub   int
	stateFns  []func(State)

	writeMu sync.Mutex
}

// New creates a Manager. A missing API key is a configuration error: it is
// logged and the manager stays non-functional, but the host application keeps
// running (calls are degraded, nothing else is).
func New(opts Options) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	d := opts.Dialer
	if d == nil {
		d = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.APIKey == "" {
		log.Printf("SOCKET: no API key configured — signaling disabled")
	}
	return &Manager{
		opts:     opts,
		dialer:   d,
		state:    StateDisconnected,
		handlers: make(map[string]map[int]Handler),
	}
}

// Connect establishes the connection. Idempotent: calling while a connection
// or reconnect loop is live is a no-op. Errors are logged and counted, never
// returned.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.running || m.opts.APIKey == "" {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.attempts = 0
	m.mu.Unlock()

	go m.run(ctx)
}

// Reconnect resets the attempt budget and restarts the connection loop.
// It is the only way out of StateFailed.
func (m *Manager) Reconnect(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.running {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.running = true
	m.mu.Unlock()

	log.Printf("SOCKET: manual reconnect requested")
	go m.run(ctx)
}

// run dials, pumps, and retries until the budget is spent or the manager is
// closed. Exactly one run loop is live at a time (guarded by m.running).
func (m *Manager) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	for {
		if m.isClosed() || ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err != nil {
			m.mu.Lock()
			m.attempts++
			attempts := m.attempts
			m.mu.Unlock()

			log.Printf("SOCKET: connect attempt %d/%d failed: %v", attempts, m.opts.MaxAttempts, err)
			if attempts >= m.opts.MaxAttempts {
				m.setState(StateFailed)
				log.Printf("SOCKET: giving up after %d attempts — call Reconnect to retry", attempts)
				return
			}
			// Fixed linear backoff: attempt n waits n*Interval.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempts) * m.opts.Interval):
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.attempts = 0
		m.genID++
		gen := m.genID
		reg := m.reg
		m.mu.Unlock()

		m.setState(StateConnected)
		log.Printf("SOCKET: connected to %s", m.opts.URL)

		// Replay the last registered identity so the backend can route
		// incoming-call events to us again without caller involvement.
		if reg != nil {
			m.Emit(signal.EventRegisterUser, reg)
			log.Printf("SOCKET: re-registered user %s after connect", reg.UserID)
		}

		pingDone := make(chan struct{})
		go m.pingLoop(conn, pingDone)
		m.readLoop(conn, gen)
		close(pingDone)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		m.setState(StateDisconnected)
		log.Printf("SOCKET: connection lost — reconnecting")
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("apiKey", m.opts.APIKey)
	u.RawQuery = q.Encode()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+m.opts.APIKey)

	conn, resp, err := m.dialer.DialContext(ctx, u.String(), hdr)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// readLoop pumps inbound frames and dispatches them until the connection
// dies. gen guards against a stale loop touching a newer connection's state.
func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("SOCKET: read error: %v", err)
			}
			conn.Close()
			return
		}

		env, err := signal.Decode(raw)
		if err != nil {
			// Protocol errors never cross the component boundary.
			log.Printf("SOCKET: dropping malformed frame: %v", err)
			continue
		}

		if m.connGen() != gen {
			return
		}
		m.dispatch(env)
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatch fans one event out to every handler registered for its name.
// Handlers are independent; invocation order is not part of the contract.
func (m *Manager) dispatch(env *signal.Envelope) {
	m.handlerMu.RLock()
	subs := m.handlers[env.Event]
	fns := make([]Handler, 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	m.handlerMu.RUnlock()

	for _, fn := range fns {
		fn(env.Data)
	}
}

// On subscribes a handler to an event name and returns a subscription ID
// for Off. Multiple handlers per event are permitted.
func (m *Manager) On(event string, fn Handler) int {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.nextSub++
	id := m.nextSub
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	m.handlers[event][id] = fn
	return id
}

// Off removes one subscription. Unknown IDs are a no-op.
func (m *Manager) Off(event string, id int) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	if subs := m.handlers[event]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.handlers, event)
		}
	}
}

// OnStateChange registers a hook fired on every state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.handlerMu.Lock()
	m.stateFns = append(m.stateFns, fn)
	m.handlerMu.Unlock()
}

// RegisterUser associates the connection with a logical user identity.
// The identity is remembered and replayed automatically after every
// reconnect — callers register once.
func (m *Manager) RegisterUser(userID, userName string) {
	reg := &signal.Registration{UserID: userID, UserName: userName}
	m.mu.Lock()
	m.reg = reg
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		m.Emit(signal.EventRegisterUser, reg)
	}
	log.Printf("SOCKET: registered user %s (%s)", userID, userName)
}

// SendSignal relays one call signal. Dropped with a log line when not
// connected — delivery is at-most-once by contract.
func (m *Manager) SendSignal(sig *signal.CallSignal) {
	m.Emit(signal.EventCallSignal, sig)
}

// Emit sends an arbitrary event to the backend, best-effort.
func (m *Manager) Emit(event string, payload any) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		log.Printf("SOCKET: not connected — dropping %s", event)
		return
	}

	frame, err := signal.Encode(event, payload)
	if err != nil {
		log.Printf("SOCKET: %v", err)
		return
	}

	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	m.writeMu.Unlock()
	if err != nil {
		log.Printf("SOCKET: write %s failed: %v", event, err)
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close tears the connection down permanently. No callbacks fire afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		conn.Close()
	}
	m.setState(StateDisconnected)
	log.Printf("SOCKET: closed")
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) connGen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.genID
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.handlerMu.RLock()
	fns := make([]func(State), len(m.stateFns))
	copy(fns, m.stateFns)
	m.handlerMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}
