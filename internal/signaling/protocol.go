// Package signaling implements a WebSocket rendezvous where two peers swap
// their discovered public endpoints before punching.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/saintparish4/udpunch/pkg/types"
)

// MessageType identifies the type of signaling message
type MessageType string

const (
	// Client -> Server messages
	MessageTypeJoin     MessageType = "JOIN"     // Join a room and announce an endpoint
	MessageTypeLeave    MessageType = "LEAVE"    // Leave current room
	MessageTypeDiscover MessageType = "DISCOVER" // Request list of peers in room

	// Server -> Client messages
	MessageTypePeerJoined MessageType = "PEER_JOINED" // Notification: peer joined room
	MessageTypePeerLeft   MessageType = "PEER_LEFT"   // Notification: peer left room
	MessageTypePeerList   MessageType = "PEER_LIST"   // Response to JOIN and DISCOVER
	MessageTypeError      MessageType = "ERROR"       // Error response
	MessageTypeAck        MessageType = "ACK"         // Acknowledgment
)

// Message is the envelope for everything exchanged with the server.
type Message struct {
	Type      MessageType     `json:"type"`
	PeerID    string          `json:"peer_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // Unix milliseconds
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithPeerID sets the peer ID and returns the message for chaining
func (m *Message) WithPeerID(id string) *Message {
	m.PeerID = id
	return m
}

// WithRoomID sets the room ID and returns the message for chaining
func (m *Message) WithRoomID(id string) *Message {
	m.RoomID = id
	return m
}

// WithPayload sets the payload from any serializable value
func (m *Message) WithPayload(v any) *Message {
	data, err := json.Marshal(v)
	if err != nil {
		m.Payload = json.RawMessage(fmt.Sprintf(`{"error":%q}`, err.Error()))
		return m
	}
	m.Payload = data
	return m
}

// ParsePayload unmarshals the message payload into the provided type.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message has no payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// --- Payload Types ---

// Announcement is what a peer tells the room about itself.
type Announcement struct {
	Endpoint types.Endpoint `json:"endpoint"`
	Minute   *int           `json:"minute,omitempty"` // agreed fire minute, if any
	Name     string         `json:"name,omitempty"`
}

// Validate checks the announced endpoint and minute.
func (a Announcement) Validate() error {
	if err := a.Endpoint.Validate(); err != nil {
		return err
	}
	if a.Minute != nil {
		return types.ValidateMinute(*a.Minute)
	}
	return nil
}

// PeerInfo describes a peer for PEER_LIST and PEER_JOINED messages.
type PeerInfo struct {
	PeerID   string       `json:"peer_id"`
	Announce Announcement `json:"announce"`
	JoinedAt int64        `json:"joined_at"`
}

// PeerListPayload lists the room members.
type PeerListPayload struct {
	RoomID string     `json:"room_id"`
	Peers  []PeerInfo `json:"peers"`
}

// ErrorPayload provides error details.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for ErrorPayload.
const (
	ErrorCodeInvalidMessage = "INVALID_MESSAGE"
	ErrorCodeRoomNotFound   = "ROOM_NOT_FOUND"
	ErrorCodeNotInRoom      = "NOT_IN_ROOM"
	ErrorCodeAlreadyInRoom  = "ALREADY_IN_ROOM"
	ErrorCodeRoomFull       = "ROOM_FULL"
)

// NewErrorMessage creates an error message.
func NewErrorMessage(code, message string) *Message {
	return NewMessage(MessageTypeError).WithPayload(ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// AckPayload confirms successful processing of a request.
type AckPayload struct {
	Message string `json:"message,omitempty"`
}
