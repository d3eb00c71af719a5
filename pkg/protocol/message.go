// Package protocol defines the JSON frames exchanged between the hub and its
// peers and decodes raw websocket payloads into a closed set of variants.
package protocol

import (
	"encoding/json"
	"time"
)

// Kind is the value of a frame's "type" field
type Kind string

const (
	KindAuth        Kind = "auth"
	KindPing        Kind = "ping"
	KindPong        Kind = "pong"
	KindOK          Kind = "ok"
	KindError       Kind = "error"
	KindSnapshot    Kind = "snapshot"
	KindOpportunity Kind = "opportunity"
	KindHeartbeat   Kind = "heartbeat"
	KindMessage     Kind = "message"
	KindRaw         Kind = "raw"
)

// IsData reports whether k is one of the publisher data kinds the hub forwards
func (k Kind) IsData() bool {
	switch k {
	case KindSnapshot, KindOpportunity, KindHeartbeat, KindMessage:
		return true
	}
	return false
}

// Frame is one decoded unit. The concrete type is one of Auth, Ping, Pong,
// OK, Error, Data, Batch or Unknown.
type Frame interface {
	frame()
}

// Auth is a role assertion with an optional credential
type Auth struct {
	Role  string `json:"role"`
	Token string `json:"token"`
}

// Ping is a liveness probe, either the bare text "ping" or {"type":"ping"}
type Ping struct{}

// Pong answers a Ping with the hub's clock in epoch milliseconds
type Pong struct {
	TS int64 `json:"ts"`
}

// OK acknowledges a successful role assignment
type OK struct {
	Role string `json:"role"`
	IP   string `json:"ip,omitempty"`
}

// Error reports a failure to the peer
type Error struct {
	Msg string `json:"msg"`
}

// Data is a publisher frame with a recognized kind. Raw holds the frame
// exactly as received.
type Data struct {
	Kind Kind
	Raw  json.RawMessage
}

// Batch is a JSON array; every element is forwarded independently
type Batch struct {
	Items []json.RawMessage
}

// Unknown is valid JSON that matches none of the other variants
type Unknown struct {
	Kind Kind
	Raw  json.RawMessage
}

func (Auth) frame()    {}
func (Ping) frame()    {}
func (Pong) frame()    {}
func (OK) frame()      {}
func (Error) frame()   {}
func (Data) frame()    {}
func (Batch) frame()   {}
func (Unknown) frame() {}

// NewPong stamps a pong with t
func NewPong(t time.Time) Pong {
	return Pong{TS: t.UnixMilli()}
}

// NewAuth builds an auth frame for role
func NewAuth(role, token string) Auth {
	return Auth{Role: role, Token: token}
}
