package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var errPeerClosed = errors.New("peer closed")

// Conn is the slice of *websocket.Conn the server uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Peer is one websocket client of the rendezvous server. Writes are
// serialized; gorilla allows a single concurrent writer.
type Peer struct {
	ID       string
	JoinedAt time.Time

	conn Conn

	mu       sync.Mutex
	announce Announcement
	room     string
	closed   bool
}

func NewPeer(id string, conn Conn) *Peer {
	return &Peer{ID: id, JoinedAt: time.Now(), conn: conn}
}

// Send writes msg as one JSON text frame.
func (p *Peer) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	return p.write(websocket.TextMessage, data)
}

func (p *Peer) SendError(code, message string) error {
	return p.Send(NewErrorMessage(code, message))
}

// Ping writes a control frame; the pong extends the read deadline.
func (p *Peer) Ping() error {
	return p.write(websocket.PingMessage, nil)
}

func (p *Peer) write(kind int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.conn == nil {
		return fmt.Errorf("%s: %w", p.ID, errPeerClosed)
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := p.conn.WriteMessage(kind, data); err != nil {
		return fmt.Errorf("write to %s: %w", p.ID, err)
	}
	return nil
}

// Close is idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Info is what other room members learn about p.
func (p *Peer) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerInfo{PeerID: p.ID, Announce: p.announce, JoinedAt: p.JoinedAt.UnixMilli()}
}

// SetAnnouncement records the endpoint and minute sent with JOIN.
func (p *Peer) SetAnnouncement(a Announcement) {
	p.mu.Lock()
	p.announce = a
	p.mu.Unlock()
}

// Room is the room p belongs to, or "".
func (p *Peer) Room() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room
}

func (p *Peer) setRoom(id string) {
	p.mu.Lock()
	p.room = id
	p.mu.Unlock()
}

// Conn returns the websocket for the read loop. Writes go through Send.
func (p *Peer) Conn() Conn {
	return p.conn
}
