// Package signal defines the wire types exchanged with the vendor call
// backend: relayed call signals, incoming-call notifications, and the event
// names used on the socket connection. It is imported by every other call
// package but imports nothing from them.
package signal

import "encoding/json"

// Signal types relayed between two participants via the backend.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeCallStart    = "call-start"
	TypeCallEnd      = "call-end"
	TypeCallRejected = "call-rejected"
)

// Inbound socket events. The backend emits both hyphen and underscore
// spellings depending on which relay node produced the event; consumers
// must subscribe to both.
const (
	EventIncomingCall    = "incoming-call"
	EventIncomingCallAlt = "incoming_call"
	EventCallSignal      = "call-signal"
	EventCallEnded       = "call-ended"
	EventCallEndedAlt    = "call_ended"
	EventCallRejected    = "call-rejected"
	EventCallDeclined    = "call_declined"
)

// Outbound socket events.
const (
	EventRegisterUser = "register-user"
	EventInitiateCall = "initiate-call"
	EventEndCall      = "end-call"
	EventRejectCall   = "reject-call"
)

// CallSignal is one offer/answer/ICE-candidate/control message relayed
// between two participants. Transient — it exists only for the duration of
// one signaling exchange and is never persisted.
type CallSignal struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IncomingCall is the server-pushed notification that another participant is
// calling. Created on receipt of an incoming-call event; destroyed on accept,
// decline, or timeout.
type IncomingCall struct {
	FromUserID    string   `json:"fromUserId"`
	RoomID        string   `json:"roomId"`
	CallerName    string   `json:"callerName"`
	IsVideo       bool     `json:"isVideo"`
	Token         string   `json:"token"`
	ServerURL     string   `json:"serverUrl"`
	Participants  []string `json:"participants,omitempty"`
	IsGroup       bool     `json:"isGroup"`
	GroupName     string   `json:"groupName,omitempty"`
	E2EEKey       string   `json:"e2eeKey,omitempty"`
	IsDelayedCall bool     `json:"isDelayedCall,omitempty"`
}

// Decline is the payload of an outbound reject-call / call_declined event.
type Decline struct {
	RoomID     string `json:"roomId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	IsGroup    bool   `json:"isGroup"`
}

// Registration is the payload of a register-user event. The socket manager
// replays the last registration automatically after every reconnect.
type Registration struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Initiate is the payload of an initiate-call event.
type Initiate struct {
	RoomID     string   `json:"roomId"`
	FromUserID string   `json:"fromUserId"`
	ToUserID   string   `json:"toUserId"`
	CallerName string   `json:"callerName"`
	IsVideo    bool     `json:"isVideo"`
	IsGroup    bool     `json:"isGroup"`
	GroupName  string   `json:"groupName,omitempty"`
	Targets    []string `json:"targets,omitempty"`
}

// End is the payload of an end-call event.
type End struct {
	RoomID     string `json:"roomId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId,omitempty"`
	IsGroup    bool   `json:"isGroup"`
}
