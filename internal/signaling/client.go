package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Exchange joins room on the rendezvous server at url, announces self and
// blocks until the other member's announcement is known.
func Exchange(ctx context.Context, url, room string, self Announcement) (Announcement, error) {
	if err := self.Validate(); err != nil {
		return Announcement{}, err
	}
	log := zap.S().Named("rendezvous")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return Announcement{}, fmt.Errorf("dial rendezvous %s: %w", url, err)
	}
	defer conn.Close()

	// unblocks ReadMessage when ctx ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	join := NewMessage(MessageTypeJoin).WithRoomID(room).WithPayload(self)
	if err := conn.WriteJSON(join); err != nil {
		return Announcement{}, fmt.Errorf("send join: %w", err)
	}

	var selfID string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Announcement{}, ctx.Err()
			}
			return Announcement{}, fmt.Errorf("read rendezvous: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debugw("ignoring malformed message", "err", err)
			continue
		}

		switch msg.Type {
		case MessageTypeAck:
			if selfID == "" {
				selfID = msg.PeerID
			}

		case MessageTypePeerList:
			selfID = msg.PeerID
			var list PeerListPayload
			if err := msg.ParsePayload(&list); err != nil {
				return Announcement{}, fmt.Errorf("parse peer list: %w", err)
			}
			for _, p := range list.Peers {
				if p.PeerID != selfID {
					log.Debugw("peer already waiting", "peer", p.PeerID, "room", room)
					return p.Announce, nil
				}
			}
			log.Debugw("waiting for peer", "room", room)

		case MessageTypePeerJoined:
			var info PeerInfo
			if err := msg.ParsePayload(&info); err != nil {
				return Announcement{}, fmt.Errorf("parse peer: %w", err)
			}
			if info.PeerID != selfID {
				return info.Announce, nil
			}

		case MessageTypeError:
			return Announcement{}, errorFromPayload(&msg)
		}
	}
}

func errorFromPayload(msg *Message) error {
	var p ErrorPayload
	if err := msg.ParsePayload(&p); err != nil {
		return errors.New("rendezvous error")
	}
	if p.Code == ErrorCodeRoomFull {
		return fmt.Errorf("%w: %s", ErrRoomFull, p.Message)
	}
	return fmt.Errorf("rendezvous %s: %s", p.Code, p.Message)
}
