package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxMessageSize = 32 * 1024

// Handler upgrades HTTP requests to WebSocket and runs the room protocol.
type Handler struct {
	rooms    *RoomManager
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger

	mu    sync.Mutex
	peers map[string]*Peer

	PingInterval time.Duration
	PongWait     time.Duration
}

// NewHandler creates a new WebSocket handler.
func NewHandler(rooms *RoomManager, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.S().Named("rendezvous")
	}
	return &Handler{
		rooms: rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:          log,
		peers:        make(map[string]*Peer),
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
	}
}

// ServeHTTP upgrades HTTP connections to WebSocket and handles the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	peer := NewPeer(uuid.NewString(), conn)
	h.track(peer)
	h.log.Debugw("peer connected", "peer", peer.ID, "remote", r.RemoteAddr)

	welcome := NewMessage(MessageTypeAck).
		WithPeerID(peer.ID).
		WithPayload(AckPayload{Message: "connected"})
	if err := peer.Send(welcome); err != nil {
		h.untrack(peer)
		peer.Close()
		return
	}

	done := make(chan struct{})
	defer func() {
		close(done)
		h.handleDisconnect(peer)
	}()
	go h.pingLoop(peer, done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.PongWait))
	})

	h.readLoop(peer)
}

func (h *Handler) readLoop(peer *Peer) {
	conn := peer.Conn()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !peer.IsClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debugw("read failed", "peer", peer.ID, "err", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			peer.SendError(ErrorCodeInvalidMessage, "invalid JSON")
			continue
		}
		msg.PeerID = peer.ID

		if err := h.handleMessage(peer, &msg); err != nil {
			h.log.Debugw("message failed", "peer", peer.ID, "type", msg.Type, "err", err)
		}
	}
}

func (h *Handler) pingLoop(peer *Peer, done <-chan struct{}) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := peer.Ping(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleDisconnect(peer *Peer) {
	if room := h.rooms.Leave(peer); room != nil {
		room.Broadcast(NewMessage(MessageTypePeerLeft).
			WithPeerID(peer.ID).
			WithRoomID(room.ID))
	}
	h.untrack(peer)
	peer.Close()
	h.log.Debugw("peer disconnected", "peer", peer.ID)
}

// CloseAll drops every connected peer. Hijacked connections outlive
// http.Server.Shutdown, so the server calls this on the way out.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}

func (h *Handler) track(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p.ID] = p
}

func (h *Handler) untrack(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p.ID)
}

func (h *Handler) handleMessage(peer *Peer, msg *Message) error {
	switch msg.Type {
	case MessageTypeJoin:
		return h.handleJoin(peer, msg)
	case MessageTypeLeave:
		return h.handleLeave(peer)
	case MessageTypeDiscover:
		return h.handleDiscover(peer, msg)
	default:
		return peer.SendError(ErrorCodeInvalidMessage, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (h *Handler) handleJoin(peer *Peer, msg *Message) error {
	roomID := msg.RoomID
	if roomID == "" {
		return peer.SendError(ErrorCodeInvalidMessage, "room_id is required")
	}
	if peer.Room() != "" {
		return peer.SendError(ErrorCodeAlreadyInRoom, "already in a room")
	}

	var announce Announcement
	if err := msg.ParsePayload(&announce); err != nil {
		return peer.SendError(ErrorCodeInvalidMessage, "join needs an announcement")
	}
	if err := announce.Validate(); err != nil {
		return peer.SendError(ErrorCodeInvalidMessage, err.Error())
	}
	peer.SetAnnouncement(announce)

	room, err := h.rooms.Join(peer, roomID)
	if err != nil {
		return peer.SendError(ErrorCodeRoomFull, err.Error())
	}
	h.log.Infow("peer joined", "peer", peer.ID, "room", roomID, "endpoint", announce.Endpoint.String())

	list := NewMessage(MessageTypePeerList).
		WithPeerID(peer.ID).
		WithRoomID(roomID).
		WithPayload(PeerListPayload{RoomID: roomID, Peers: room.PeerInfos()})
	if err := peer.Send(list); err != nil {
		return err
	}

	room.Broadcast(NewMessage(MessageTypePeerJoined).
		WithPeerID(peer.ID).
		WithRoomID(roomID).
		WithPayload(peer.Info()), peer.ID)
	return nil
}

func (h *Handler) handleLeave(peer *Peer) error {
	room := h.rooms.Leave(peer)
	if room == nil {
		return peer.SendError(ErrorCodeNotInRoom, "not in any room")
	}

	room.Broadcast(NewMessage(MessageTypePeerLeft).
		WithPeerID(peer.ID).
		WithRoomID(room.ID))
	h.log.Debugw("peer left", "peer", peer.ID, "room", room.ID)

	return peer.Send(NewMessage(MessageTypeAck).
		WithPeerID(peer.ID).
		WithPayload(AckPayload{Message: "left room"}))
}

func (h *Handler) handleDiscover(peer *Peer, msg *Message) error {
	roomID := msg.RoomID
	if roomID == "" {
		roomID = peer.Room()
	}
	if roomID == "" {
		return peer.SendError(ErrorCodeNotInRoom, "no room specified and not in any room")
	}

	room := h.rooms.Get(roomID)
	if room == nil {
		return peer.SendError(ErrorCodeRoomNotFound, "room not found")
	}

	return peer.Send(NewMessage(MessageTypePeerList).
		WithPeerID(peer.ID).
		WithRoomID(roomID).
		WithPayload(PeerListPayload{RoomID: roomID, Peers: room.PeerInfos()}))
}
