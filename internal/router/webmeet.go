package router

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// meetFrame is a signaling message relayed verbatim between peers in a
// room (spec.md §4.8 "WebSocket signaling (WebRTC SDP/ICE forwarding,
// participant roster)"). Only the envelope and roster bookkeeping are
// specified; SDP/ICE payload shapes are opaque to the Router.
type meetFrame struct {
	Type string          `json:"type"` // "offer"|"answer"|"ice"|"roster"|"join"|"leave"
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"` // empty means broadcast to room
	Body json.RawMessage `json:"body,omitempty"`
}

type meetPeer struct {
	id        string
	moderator bool
	conn      *gorillaws.Conn
	send      chan []byte
}

type meetRoom struct {
	mu    sync.Mutex
	peers map[string]*meetPeer
}

type meetHub struct {
	mu    sync.Mutex
	rooms map[string]*meetRoom
}

func newMeetHub() *meetHub {
	return &meetHub{rooms: make(map[string]*meetRoom)}
}

func (h *meetHub) room(name string) *meetRoom {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[name]
	if !ok {
		r = &meetRoom{peers: make(map[string]*meetPeer)}
		h.rooms[name] = r
	}
	return r
}

func (r *meetRoom) roster() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.peers))
	for id := range r.peers {
		names = append(names, id)
	}
	return names
}

func (r *meetRoom) broadcast(payload []byte, except string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.peers {
		if id == except {
			continue
		}
		select {
		case p.send <- payload:
		default:
		}
	}
}

func (r *meetRoom) send(to string, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[to]
	if !ok {
		return false
	}
	select {
	case p.send <- payload:
		return true
	default:
		return false
	}
}

func (r *meetRoom) join(p *meetPeer) {
	r.mu.Lock()
	r.peers[p.id] = p
	r.mu.Unlock()
}

func (r *meetRoom) leave(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

func (rt *Router) handleWebmeetPage(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, "<!DOCTYPE html><html><head><title>meet</title></head><body><div id=\"meet\"></div></body></html>")
}

var webmeetUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// handleWebmeetWS relays WebRTC signaling frames between the peers of a
// room and maintains its participant roster (spec.md §4.8).
func (rt *Router) handleWebmeetWS(c *gin.Context) {
	roomName := c.Query("room")
	if roomName == "" {
		roomName = "default"
	}
	moderator := c.Query("moderator") == "true"

	conn, err := webmeetUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		rt.log.Debug("webmeet upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	room := rt.meet.room(roomName)
	peerID := c.Query("peerId")
	if peerID == "" {
		peerID = conn.RemoteAddr().String()
	}
	peer := &meetPeer{id: peerID, moderator: moderator, conn: conn, send: make(chan []byte, 32)}
	room.join(peer)
	defer room.leave(peerID)

	joinMsg := mustMarshal(meetFrame{Type: "join", From: peerID})
	room.broadcast(joinMsg, peerID)
	rosterMsg := mustMarshal(meetFrame{Type: "roster", Body: mustMarshal(room.roster())})
	peer.send <- rosterMsg

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for payload := range peer.send {
			if err := conn.WriteMessage(gorillaws.TextMessage, payload); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var frame meetFrame
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		frame.From = peerID
		out := mustMarshal(frame)
		if frame.To != "" {
			room.send(frame.To, out)
		} else {
			room.broadcast(out, peerID)
		}
	}

	close(peer.send)
	<-writerDone
	leaveMsg := mustMarshal(meetFrame{Type: "leave", From: peerID})
	room.broadcast(leaveMsg, peerID)
}
