// Package rendezvous implements the signaling server peers use to find each
// other by topic and exchange connection candidates.
package rendezvous

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/roomdrop/pkg/protocol"
)

const (
	serverPeerID = "server"
	idHexLen     = 64
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Server serves /health and the /ws signaling endpoint.
type Server struct {
	store   *Store
	hub     *Hub
	limits  Limits
	logger  *slog.Logger
	connect *ipLimiter

	upgrader websocket.Upgrader
}

// NewServer creates a server. roomTTL is how long an empty room survives.
func NewServer(roomTTL time.Duration, limits Limits, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   NewStore(roomTTL, limits.MaxRooms),
		hub:     NewHub(),
		limits:  limits,
		logger:  logger,
		connect: newIPLimiter(limits.ConnectsPerMin, limits.ConnectsBurst),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// RunJanitor removes expired empty rooms every interval until ctx is done.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, topic := range s.store.CleanupExpired(now) {
				s.logger.Info("room expired", "topic", topic)
			}
		}
	}
}

// Close disconnects every peer.
func (s *Server) Close() {
	s.hub.CloseAll()
}

// Rooms returns the number of live rooms.
func (s *Server) Rooms() int {
	return s.store.Count()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "rooms": s.store.Count()})
}

func validID(s string) bool {
	if len(s) != idHexLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	topic := strings.ToLower(r.URL.Query().Get("topic"))
	peerID := strings.ToLower(r.URL.Query().Get("peer_id"))

	if !validID(topic) {
		sendError(w, http.StatusBadRequest, "topic must be 64 hex characters")
		return
	}
	if !validID(peerID) {
		sendError(w, http.StatusBadRequest, "peer_id must be 64 hex characters")
		return
	}
	if !s.connect.Allow(clientIP(r)) {
		sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if s.limits.MaxPeersPerRoom > 0 && !s.hub.Has(topic, peerID) && s.hub.Count(topic) >= s.limits.MaxPeersPerRoom {
		sendError(w, http.StatusTooManyRequests, "room is full")
		return
	}
	room, err := s.store.Open(topic)
	if errors.Is(err, ErrTooManyRooms) {
		sendError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		if s.hub.Count(topic) == 0 {
			s.store.MarkEmpty(topic)
		}
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(s.limits.messageBytes()))

	var writeMu sync.Mutex
	if idle := s.limits.IdleTimeout; idle > 0 {
		conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(idle))
			return nil
		})
		stopPing := make(chan struct{})
		defer close(stopPing)
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-ticker.C:
					writeMu.Lock()
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
					writeMu.Unlock()
				}
			}
		}()
	}

	send := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(env)
	}

	logger := s.logger.With("topic", room.Topic, "peer_id", peerID)
	peer := Peer{PeerID: peerID, ConnID: protocol.NewMsgID(), JoinedAt: time.Now()}

	// The peer list goes out before the peer is visible to others so the
	// joiner never sees its own peer_joined.
	others := s.hub.List(topic)
	if err := send(s.envelope(topic, protocol.TypePeerList, protocol.PeerList{Peers: others})); err != nil {
		logger.Error("failed to send peer list", "error", err)
		if s.hub.Count(topic) == 0 {
			s.store.MarkEmpty(topic)
		}
		return
	}

	remove := s.hub.Add(topic, peer, send, func() { _ = conn.Close() })
	s.hub.BroadcastExcept(topic, peerID, s.envelope(topic, protocol.TypePeerJoined, protocol.PeerJoined{
		Peer: protocol.PeerInfo{PeerID: peerID, JoinedAt: peer.JoinedAt.UnixMilli()},
	}))
	logger.Info("peer connected", "conn_id", peer.ConnID, "peers", len(others)+1)

	defer func() {
		removed, empty := remove()
		switch {
		case !removed:
			logger.Info("peer connection replaced", "conn_id", peer.ConnID)
			return
		case empty:
			s.store.MarkEmpty(topic)
		default:
			s.hub.Broadcast(topic, s.envelope(topic, protocol.TypePeerLeft, protocol.PeerLeft{PeerID: peerID}))
		}
		logger.Info("peer disconnected", "conn_id", peer.ConnID)
	}()

	s.readLoop(conn, topic, peerID, send, logger)
}

func (s *Server) readLoop(conn *websocket.Conn, topic, peerID string, send func(protocol.Envelope) error, logger *slog.Logger) {
	msgLimiter := s.limits.newMessageLimiter()
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Info("websocket idle timeout")
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}
		if s.limits.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.limits.IdleTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if msgLimiter != nil && !msgLimiter.Allow() {
			logger.Warn("websocket message rate limit exceeded")
			_ = send(s.errorEnvelope(topic, peerID, protocol.CodeRateLimited, "message rate limit exceeded"))
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			logger.Warn("invalid envelope", "error", err)
			_ = send(s.errorEnvelope(topic, peerID, protocol.CodeBadRequest, err.Error()))
			continue
		}

		env.From = peerID
		env.Topic = topic

		if env.To == "" {
			s.hub.BroadcastExcept(topic, peerID, env)
			continue
		}
		env.To = strings.ToLower(env.To)
		if !s.hub.SendTo(topic, env.To, env) {
			logger.Warn("peer not found for targeted send", "to", env.To)
			_ = send(s.errorEnvelope(topic, peerID, protocol.CodeUnknownPeer, "target peer not found: "+env.To))
		}
	}
}

func (s *Server) envelope(topic, msgType string, payload any) protocol.Envelope {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		s.logger.Error("failed to build envelope", "type", msgType, "error", err)
	}
	env.Topic = topic
	env.From = serverPeerID
	return env
}

func (s *Server) errorEnvelope(topic, to, code, message string) protocol.Envelope {
	env := s.envelope(topic, protocol.TypeError, protocol.Error{Code: code, Message: message})
	env.To = to
	return env
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
