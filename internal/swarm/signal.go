package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/roomdrop/internal/topic"
	"github.com/sheerbytes/roomdrop/pkg/protocol"
)

const (
	signalPingInterval = 30 * time.Second
	signalReadTimeout  = 60 * time.Second
	signalWriteTimeout = 10 * time.Second
)

var signalDialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// signalConn is the websocket link to the rendezvous server for one topic.
type signalConn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan protocol.Envelope
	done     chan struct{}
	writeMu  sync.Mutex
	closeMu  sync.Mutex
	closed   bool
}

// signalURL builds the websocket URL for topic t on serverURL.
func signalURL(serverURL string, t topic.Topic, peerID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	q := url.Values{}
	q.Set("topic", t.Hex())
	q.Set("peer_id", peerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func dialSignal(ctx context.Context, wsURL string, logger *slog.Logger) (*signalConn, error) {
	conn, resp, err := signalDialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &signalConn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan protocol.Envelope, 64),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// readLoop calls onEnv for every envelope until the connection closes or ctx
// is cancelled.
func (c *signalConn) readLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	c.conn.SetReadDeadline(time.Now().Add(signalReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(signalReadTimeout))
		return nil
	})

	go func() {
		ticker := time.NewTicker(signalPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(signalWriteTimeout))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-c.done:
		}
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("signal read error", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid signal envelope", "error", err)
			continue
		}
		onEnv(env)
	}
}

func (c *signalConn) send(env protocol.Envelope) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return fmt.Errorf("signal connection closed")
	}
	select {
	case c.sendChan <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("signal connection closed")
	}
}

func (c *signalConn) writeLoop() {
	defer close(c.done)
	for env := range c.sendChan {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(signalWriteTimeout))
		err := c.conn.WriteJSON(env)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Error("signal write error", "error", err)
			return
		}
	}
}

func (c *signalConn) close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.sendChan)
	c.closeMu.Unlock()

	<-c.done
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
