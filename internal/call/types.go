// Package call owns active call sessions: the connecting → connected → ended
// state machine per call, signal routing between the socket layer and the
// media transport, and the agent-side accept/decline/hangup surface.
package call

import (
	"context"
	"encoding/json"

	"github.com/carelinq/callkit/internal/signal"
	"github.com/carelinq/callkit/internal/socket"
)

// Signaler is the slice of the socket manager this package needs. Keeping it
// an interface lets session tests run against an in-memory bus.
type Signaler interface {
	SendSignal(sig *signal.CallSignal)
	Emit(event string, payload any)
	On(event string, fn socket.Handler) int
	Off(event string, id int)
}

// MediaTransport abstracts the real-time media connection of one call.
// The production implementation wraps a Pion PeerConnection; tests use
// in-memory fakes. Signaling payloads stay opaque JSON here — the session
// routes them, it does not interpret SDP.
type MediaTransport interface {
	// CreateOffer produces the local offer (caller side).
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// HandleOffer applies a remote offer and produces the answer (callee side).
	HandleOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	// HandleAnswer applies the remote answer (caller side).
	HandleAnswer(answer json.RawMessage) error
	// AddICECandidate applies one remote candidate. The session guarantees a
	// remote description has been applied first.
	AddICECandidate(cand json.RawMessage) error

	// OnLocalCandidate registers the sink for locally gathered candidates.
	OnLocalCandidate(fn func(cand json.RawMessage))
	// OnConnected fires when media is up: first remote track or transport
	// connected, whichever the implementation sees first.
	OnConnected(fn func())
	// OnClosed fires when the transport reports failed/disconnected/closed.
	OnClosed(fn func(reason string))

	Close() error
}

// TransportFactory builds the media transport for one call.
type TransportFactory func(roomID string, isVideo bool) (MediaTransport, error)

// State of one call session.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateEnded // terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}
