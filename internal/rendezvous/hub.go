package rendezvous

import (
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/roomdrop/pkg/protocol"
)

// Peer is one websocket connection in a room.
type Peer struct {
	PeerID   string
	ConnID   string // unique per websocket connection
	JoinedAt time.Time
}

type peerConnection struct {
	peer  Peer
	send  chan protocol.Envelope
	close func()
}

// Hub fans envelopes out to the peers of each room.
// A peer_id that reconnects replaces its previous connection.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]*peerConnection // topic -> connID -> conn
	byPeerID map[string]map[string]string          // topic -> peerID -> connID
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:    make(map[string]map[string]*peerConnection),
		byPeerID: make(map[string]map[string]string),
	}
}

// Add registers a peer in topic. send is called from a dedicated writer
// goroutine; closeConn is called if the peer is replaced or the room closed.
// The returned function removes the peer. It reports whether this
// connection was still registered and whether the room is now empty.
func (h *Hub) Add(topic string, p Peer, send func(protocol.Envelope) error, closeConn func()) (remove func() (removed, empty bool)) {
	ch := make(chan protocol.Envelope, 256)
	pc := &peerConnection{peer: p, send: ch, close: closeConn}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range ch {
			if err := send(env); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	if h.rooms[topic] == nil {
		h.rooms[topic] = make(map[string]*peerConnection)
		h.byPeerID[topic] = make(map[string]string)
	}
	var replaced *peerConnection
	if oldConnID, ok := h.byPeerID[topic][p.PeerID]; ok && oldConnID != p.ConnID {
		replaced = h.rooms[topic][oldConnID]
		delete(h.rooms[topic], oldConnID)
	}
	h.rooms[topic][p.ConnID] = pc
	h.byPeerID[topic][p.PeerID] = p.ConnID
	h.mu.Unlock()

	if replaced != nil {
		close(replaced.send)
		if replaced.close != nil {
			replaced.close()
		}
	}

	return func() (bool, bool) {
		h.mu.Lock()
		members, ok := h.rooms[topic]
		if !ok || members[p.ConnID] != pc {
			h.mu.Unlock()
			return false, false
		}
		delete(members, p.ConnID)
		if h.byPeerID[topic][p.PeerID] == p.ConnID {
			delete(h.byPeerID[topic], p.PeerID)
		}
		empty := len(members) == 0
		if empty {
			delete(h.rooms, topic)
			delete(h.byPeerID, topic)
		}
		h.mu.Unlock()

		close(ch)
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return true, empty
	}
}

// List returns the peers of topic ordered by join time.
func (h *Hub) List(topic string) []protocol.PeerInfo {
	h.mu.RLock()
	members := h.rooms[topic]
	peers := make([]Peer, 0, len(members))
	for _, pc := range members {
		peers = append(peers, pc.peer)
	}
	h.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].JoinedAt.Equal(peers[j].JoinedAt) {
			return peers[i].PeerID < peers[j].PeerID
		}
		return peers[i].JoinedAt.Before(peers[j].JoinedAt)
	})
	out := make([]protocol.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, protocol.PeerInfo{PeerID: p.PeerID, JoinedAt: p.JoinedAt.UnixMilli()})
	}
	return out
}

// Count returns the number of connections in topic.
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

// Has reports whether peerID is connected to topic.
func (h *Hub) Has(topic, peerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byPeerID[topic][peerID]
	return ok
}

// Broadcast queues env for every peer in topic. Slow peers whose queue is
// full miss the envelope.
func (h *Hub) Broadcast(topic string, env protocol.Envelope) {
	h.BroadcastExcept(topic, "", env)
}

// BroadcastExcept queues env for every peer in topic other than exceptPeerID.
func (h *Hub) BroadcastExcept(topic, exceptPeerID string, env protocol.Envelope) {
	h.mu.RLock()
	exceptConnID := h.byPeerID[topic][exceptPeerID]
	targets := make([]*peerConnection, 0, len(h.rooms[topic]))
	for connID, pc := range h.rooms[topic] {
		if exceptPeerID == "" || connID != exceptConnID {
			targets = append(targets, pc)
		}
	}
	// Sends happen under the read lock so a concurrent remove cannot close
	// a channel mid-send.
	for _, pc := range targets {
		select {
		case pc.send <- env:
		default:
		}
	}
	h.mu.RUnlock()
}

// SendTo queues env for one peer. It returns false if the peer is not in topic.
func (h *Hub) SendTo(topic, peerID string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connID, ok := h.byPeerID[topic][peerID]
	if !ok {
		return false
	}
	pc, ok := h.rooms[topic][connID]
	if !ok {
		return false
	}
	select {
	case pc.send <- env:
	default:
	}
	return true
}

// CloseAll closes every connection in every room.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var closers []func()
	for _, members := range h.rooms {
		for _, pc := range members {
			if pc.close != nil {
				closers = append(closers, pc.close)
			}
		}
	}
	h.mu.RUnlock()
	for _, fn := range closers {
		fn()
	}
}
