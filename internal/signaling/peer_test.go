package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingConn is a Conn that keeps every frame written to it.
type recordingConn struct {
	mu       sync.Mutex
	closed   bool
	writeErr error
	frames   []frame
}

type frame struct {
	kind int
	data []byte
}

func (c *recordingConn) WriteMessage(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, frame{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (c *recordingConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("not readable")
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *recordingConn) SetReadDeadline(time.Time) error           { return nil }
func (c *recordingConn) SetReadLimit(int64)                        {}
func (c *recordingConn) SetPongHandler(func(appData string) error) {}

func (c *recordingConn) messages(t *testing.T) []Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Message
	for _, f := range c.frames {
		if f.kind != websocket.TextMessage {
			continue
		}
		var msg Message
		require.NoError(t, json.Unmarshal(f.data, &msg))
		out = append(out, msg)
	}
	return out
}

func TestPeerSend(t *testing.T) {
	conn := &recordingConn{}
	peer := NewPeer("p1", conn)

	require.NoError(t, peer.Send(NewMessage(MessageTypeAck).WithPeerID("p1")))
	require.NoError(t, peer.SendError(ErrorCodeRoomFull, "room is full"))
	require.NoError(t, peer.Ping())

	msgs := conn.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageTypeAck, msgs[0].Type)
	assert.Equal(t, MessageTypeError, msgs[1].Type)

	var p ErrorPayload
	require.NoError(t, msgs[1].ParsePayload(&p))
	assert.Equal(t, ErrorCodeRoomFull, p.Code)

	assert.Len(t, conn.frames, 3, "ping is a control frame")
	assert.Equal(t, websocket.PingMessage, conn.frames[2].kind)
}

func TestPeerSendWriteError(t *testing.T) {
	conn := &recordingConn{writeErr: errors.New("broken pipe")}
	peer := NewPeer("p1", conn)

	err := peer.Send(NewMessage(MessageTypeAck))
	assert.ErrorContains(t, err, "broken pipe")
}

func TestPeerClose(t *testing.T) {
	conn := &recordingConn{}
	peer := NewPeer("p1", conn)

	require.NoError(t, peer.Close())
	require.NoError(t, peer.Close(), "second close is a no-op")
	assert.True(t, peer.IsClosed())
	assert.True(t, conn.closed)

	assert.ErrorIs(t, peer.Send(NewMessage(MessageTypeAck)), errPeerClosed)
	assert.ErrorIs(t, peer.Ping(), errPeerClosed)
}

func TestPeerInfoCarriesAnnouncement(t *testing.T) {
	peer := NewPeer("p1", nil)
	minute := 7
	a := Announcement{Endpoint: announce("203.0.113.10", 40001).Endpoint, Minute: &minute}
	peer.SetAnnouncement(a)

	info := peer.Info()
	assert.Equal(t, "p1", info.PeerID)
	assert.Equal(t, a.Endpoint, info.Announce.Endpoint)
	assert.Equal(t, peer.JoinedAt.UnixMilli(), info.JoinedAt)
}

func TestRoomBroadcastSkipsExcluded(t *testing.T) {
	room := NewRoom("r")
	c1, c2 := &recordingConn{}, &recordingConn{}
	require.NoError(t, room.Add(NewPeer("p1", c1)))
	require.NoError(t, room.Add(NewPeer("p2", c2)))

	room.Broadcast(NewMessage(MessageTypePeerLeft).WithPeerID("p3"), "p1")

	assert.Empty(t, c1.messages(t))
	msgs := c2.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTypePeerLeft, msgs[0].Type)
	assert.Equal(t, "p3", msgs[0].PeerID)
}
