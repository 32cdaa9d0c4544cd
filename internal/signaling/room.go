package signaling

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultMaxPeers is the room capacity: one punch needs exactly two sides.
const DefaultMaxPeers = 2

// ErrRoomFull is returned when joining a room at capacity.
var ErrRoomFull = errors.New("room is full")

// Room groups the peers that want to punch each other.
type Room struct {
	ID        string
	CreatedAt time.Time
	MaxPeers  int // 0 = unlimited

	peers map[string]*Peer // peerID -> Peer
	mu    sync.RWMutex
}

// NewRoom creates a new room with the given ID.
func NewRoom(id string) *Room {
	return &Room{
		ID:        id,
		CreatedAt: time.Now(),
		MaxPeers:  DefaultMaxPeers,
		peers:     make(map[string]*Peer),
	}
}

// Add adds a peer to the room.
func (r *Room) Add(peer *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.MaxPeers > 0 && len(r.peers) >= r.MaxPeers {
		return fmt.Errorf("%w: %s holds %d peers", ErrRoomFull, r.ID, r.MaxPeers)
	}

	r.peers[peer.ID] = peer
	peer.setRoom(r.ID)
	return nil
}

// Remove removes a peer from the room.
func (r *Room) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer, exists := r.peers[peerID]; exists {
		peer.setRoom("")
		delete(r.peers, peerID)
	}
}

// Contains checks if a peer is in the room.
func (r *Room) Contains(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.peers[peerID]
	return exists
}

// PeerInfos returns the members ordered by join time.
func (r *Room) PeerInfos() []PeerInfo {
	r.mu.RLock()
	infos := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		infos = append(infos, p.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].JoinedAt != infos[j].JoinedAt {
			return infos[i].JoinedAt < infos[j].JoinedAt
		}
		return infos[i].PeerID < infos[j].PeerID
	})
	return infos
}

// Count returns the number of peers in the room.
func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// IsEmpty returns true if the room has no peers.
func (r *Room) IsEmpty() bool {
	return r.Count() == 0
}

// Broadcast sends a message to all peers in the room except excluded ones.
func (r *Room) Broadcast(msg *Message, excludeIDs ...string) {
	excludeSet := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excludeSet[id] = true
	}

	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if !excludeSet[p.ID] {
			peers = append(peers, p)
		}
	}
	r.mu.RUnlock()

	for _, p := range peers {
		// a failed send means the peer is going away; its read loop cleans up
		_ = p.Send(msg)
	}
}

// --- Room Manager ---

// RoomManager owns every room on the server.
type RoomManager struct {
	rooms map[string]*Room
	mu    sync.Mutex

	DefaultMaxPeers int
}

// NewRoomManager creates a new room manager.
func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:           make(map[string]*Room),
		DefaultMaxPeers: DefaultMaxPeers,
	}
}

// Join adds peer to roomID, creating the room on first use.
func (rm *RoomManager) Join(peer *Peer, roomID string) (*Room, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, exists := rm.rooms[roomID]
	if !exists {
		room = NewRoom(roomID)
		room.MaxPeers = rm.DefaultMaxPeers
		rm.rooms[roomID] = room
	}

	if err := room.Add(peer); err != nil {
		return nil, err
	}
	return room, nil
}

// Leave removes peer from its room and drops the room once empty. It returns
// the room the peer was in, or nil.
func (rm *RoomManager) Leave(peer *Peer) *Room {
	roomID := peer.Room()
	if roomID == "" {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, exists := rm.rooms[roomID]
	if !exists {
		return nil
	}
	room.Remove(peer.ID)
	if room.IsEmpty() {
		delete(rm.rooms, roomID)
	}
	return room
}

// Get retrieves a room by ID. Returns nil if not found.
func (rm *RoomManager) Get(roomID string) *Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.rooms[roomID]
}

// Count returns the number of rooms.
func (rm *RoomManager) Count() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.rooms)
}

// RoomSummary is a room as reported by the HTTP API.
type RoomSummary struct {
	ID        string `json:"id"`
	PeerCount int    `json:"peer_count"`
	MaxPeers  int    `json:"max_peers"`
	CreatedAt int64  `json:"created_at"`
}

// List returns a summary of every room, ordered by ID.
func (rm *RoomManager) List() []RoomSummary {
	rm.mu.Lock()
	rooms := make([]*Room, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		rooms = append(rooms, r)
	}
	rm.mu.Unlock()

	out := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomSummary{
			ID:        r.ID,
			PeerCount: r.Count(),
			MaxPeers:  r.MaxPeers,
			CreatedAt: r.CreatedAt.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
