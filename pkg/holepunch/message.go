package holepunch

import (
	"bytes"
	"encoding/json"
	"time"
)

const (
	// KeepAliveMessage is the heartbeat body exchanged once connected.
	KeepAliveMessage = "keep-alive"

	// KindPunch marks a punch control message.
	KindPunch = "punch"
)

// ControlMessage is the structured datagram sent during a punch burst.
type ControlMessage struct {
	Kind      string `json:"kind"`
	Attempt   int    `json:"attempt"`
	Timestamp int64  `json:"timestamp"`
}

// NewPunchMessage creates the control message for one punch attempt.
func NewPunchMessage(attempt int, now time.Time) ControlMessage {
	return ControlMessage{
		Kind:      KindPunch,
		Attempt:   attempt,
		Timestamp: now.UnixMilli(),
	}
}

// Encode serializes the message to JSON bytes
func (m ControlMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Class is how an inbound datagram from the peer is treated.
type Class int

const (
	// ClassLiveness is a heartbeat; it only proves the peer is reachable.
	ClassLiveness Class = iota
	// ClassControl is protocol traffic and never shown as chat.
	ClassControl
	// ClassChat is free-form application data.
	ClassChat
)

func (c Class) String() string {
	switch c {
	case ClassLiveness:
		return "liveness"
	case ClassControl:
		return "control"
	case ClassChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Classify decides what an inbound payload is. The keep-alive literal is
// liveness, a JSON object whose kind is punch is control, and everything
// else (including JSON that fails to parse) is chat.
func Classify(payload []byte) Class {
	if string(payload) == KeepAliveMessage {
		return ClassLiveness
	}
	if isPunch(payload) {
		return ClassControl
	}
	return ClassChat
}

func isPunch(payload []byte) bool {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}

	var msg ControlMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return false
	}
	return msg.Kind == KindPunch
}
