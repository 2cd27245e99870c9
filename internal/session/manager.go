// Package session owns the single active room and the single current peer
// connection, and turns inbound frames into a stream for one handler.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sheerbytes/roomdrop/internal/message"
	"github.com/sheerbytes/roomdrop/internal/swarm"
	"github.com/sheerbytes/roomdrop/internal/topic"
)

var (
	// ErrDiscovery is wrapped by every DiscoveryError.
	ErrDiscovery = errors.New("discovery failed")
	// ErrNotConnected is returned by Send when no peer is connected.
	ErrNotConnected = errors.New("no peer connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// DiscoveryError reports a failed join or flush. The session is left
// without a topic.
type DiscoveryError struct {
	Op    string
	Topic topic.Topic
	Err   error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Topic, ErrDiscovery, e.Err)
}

func (e *DiscoveryError) Unwrap() []error {
	return []error{ErrDiscovery, e.Err}
}

// State is the lifecycle of a session.
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Frame is one inbound payload. From is the display name of the sender.
type Frame struct {
	From string
	Data []byte
	Conn swarm.Conn
}

// Handler consumes inbound frames. Frames are delivered one at a time from a
// single goroutine.
type Handler interface {
	HandleFrame(f Frame)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(f Frame)

func (fn HandlerFunc) HandleFrame(f Frame) { fn(f) }

// Options configures a Manager.
type Options struct {
	Logger *slog.Logger
	// OnState is called after every state change.
	OnState func(State)
	// OnError receives connection-level errors. They never reach the caller
	// of a Manager method.
	OnError func(from string, err error)
}

// Manager is the session over one swarm.
type Manager struct {
	swarm  swarm.Swarm
	logger *slog.Logger
	opts   Options

	frames chan Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	joinMu sync.Mutex

	mu       sync.Mutex
	topic    topic.Topic
	hasTopic bool
	handler  Handler
	current  swarm.Conn
	conns    map[swarm.Conn]struct{}
	state    State
	closed   bool
}

// NewManager starts consuming connections from s.
func NewManager(s swarm.Swarm, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		swarm:  s,
		logger: logger,
		opts:   opts,
		frames: make(chan Frame, 64),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[swarm.Conn]struct{}),
	}
	m.wg.Add(2)
	go m.connectionLoop()
	go m.dispatchLoop()
	return m
}

// CreateRoom joins a fresh random topic with h as the frame handler.
func (m *Manager) CreateRoom(ctx context.Context, h Handler) (topic.Topic, error) {
	t, err := topic.New()
	if err != nil {
		return topic.Topic{}, err
	}
	if err := m.join(ctx, "create room", t, h); err != nil {
		return topic.Topic{}, err
	}
	return t, nil
}

// JoinRoom joins the topic named by topicHex. Invalid hex fails with
// topic.ErrInvalidTopic before the swarm is touched. Joining the active
// topic again only replaces the handler.
func (m *Manager) JoinRoom(ctx context.Context, topicHex string, h Handler) error {
	t, err := topic.Parse(topicHex)
	if err != nil {
		return err
	}
	return m.join(ctx, "join room", t, h)
}

func (m *Manager) join(ctx context.Context, op string, t topic.Topic, h Handler) error {
	m.joinMu.Lock()
	defer m.joinMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.hasTopic && m.topic == t {
		m.handler = h
		m.mu.Unlock()
		return nil
	}
	previous, hadPrevious := m.topic, m.hasTopic
	m.topic, m.hasTopic = t, true
	m.handler = h
	m.mu.Unlock()

	if hadPrevious {
		if err := m.swarm.Leave(previous); err != nil && !errors.Is(err, swarm.ErrNotJoined) {
			m.logger.Warn("failed to leave previous topic", "topic", previous.Hex(), "error", err)
		}
	}
	if m.Current() == nil {
		m.setState(StateJoining)
	}

	d, err := m.swarm.Join(ctx, t, swarm.JoinOptions{Client: true, Server: true})
	if err == nil {
		err = d.Flushed(ctx)
		if err != nil {
			if lerr := m.swarm.Leave(t); lerr != nil {
				m.logger.Debug("leave after failed flush", "topic", t.Hex(), "error", lerr)
			}
		}
	}
	if err != nil {
		m.mu.Lock()
		if m.topic == t {
			m.topic, m.hasTopic = topic.Topic{}, false
			m.handler = nil
		}
		connected := m.current != nil
		m.mu.Unlock()
		if !connected {
			m.setState(StateDisconnected)
		}
		m.logger.Warn("room join failed", "op", op, "topic", t.Hex(), "error", err)
		return &DiscoveryError{Op: op, Topic: t, Err: err}
	}

	// A peer may already have connected while the flush was pending.
	m.mu.Lock()
	next := StateJoined
	if m.current != nil {
		next = StateConnected
	}
	changed := m.state != next
	m.state = next
	m.mu.Unlock()
	if changed && m.opts.OnState != nil {
		m.opts.OnState(next)
	}
	m.logger.Info("room joined", "op", op, "topic", t.Hex())
	return nil
}

// TopicHex returns the active topic in hex, or "" when there is none.
func (m *Manager) TopicHex() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasTopic {
		return ""
	}
	return m.topic.Hex()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the newest live connection, or nil.
func (m *Manager) Current() swarm.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Send writes p to the current connection.
func (m *Manager) Send(p []byte) error {
	conn := m.Current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteFrame(p)
}

// DisconnectPeer destroys every peer connection and leaves the active topic.
// It is safe to call at any time.
func (m *Manager) DisconnectPeer() error {
	m.mu.Lock()
	conns := make([]swarm.Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[swarm.Conn]struct{})
	m.current = nil
	t, hadTopic := m.topic, m.hasTopic
	m.topic, m.hasTopic = topic.Topic{}, false
	m.handler = nil
	m.mu.Unlock()

	for _, c := range conns {
		if err := c.Destroy(); err != nil {
			m.logger.Debug("destroy connection", "error", err)
		}
	}
	var err error
	if hadTopic {
		if lerr := m.swarm.Leave(t); lerr != nil && !errors.Is(lerr, swarm.ErrNotJoined) && !errors.Is(lerr, swarm.ErrDestroyed) {
			err = fmt.Errorf("leave %s: %w", t, lerr)
		}
	}
	m.setState(StateDisconnected)
	if hadTopic || len(conns) > 0 {
		m.logger.Info("session disconnected", "connections", len(conns))
	}
	return err
}

// Close disconnects and destroys the swarm.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	err := m.DisconnectPeer()
	if derr := m.swarm.Destroy(); err == nil {
		err = derr
	}
	m.wg.Wait()
	return err
}

func (m *Manager) connectionLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case c := <-m.swarm.Connections():
			m.adopt(c)
		}
	}
}

// adopt makes c the current connection, starts its reader and announces the
// handshake sentinel.
func (m *Manager) adopt(c swarm.Conn) {
	from := swarm.DisplayName(c.RemotePublicKey())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.Destroy()
		return
	}
	m.current = c
	m.conns[c] = struct{}{}
	m.mu.Unlock()
	m.setState(StateConnected)
	m.logger.Info("peer connected", "peer", from)

	m.wg.Add(1)
	go m.readLoop(c, from)

	if err := c.WriteFrame(message.EncodeConnected()); err != nil {
		m.reportError(from, fmt.Errorf("send handshake: %w", err))
	}
}

func (m *Manager) readLoop(c swarm.Conn, from string) {
	defer m.wg.Done()
	for {
		data, err := c.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, swarm.ErrConnClosed) && m.ctx.Err() == nil {
				m.reportError(from, err)
			}
			m.release(c, from)
			return
		}
		select {
		case m.frames <- Frame{From: from, Data: data, Conn: c}:
		case <-m.ctx.Done():
			return
		}
	}
}

// release forgets c after the transport tore it down.
func (m *Manager) release(c swarm.Conn, from string) {
	m.mu.Lock()
	_, tracked := m.conns[c]
	delete(m.conns, c)
	wasCurrent := m.current == c
	if wasCurrent {
		m.current = nil
	}
	next := StateDisconnected
	if m.hasTopic {
		next = StateJoined
	}
	m.mu.Unlock()

	if !tracked {
		return
	}
	m.logger.Info("peer disconnected", "peer", from)
	if wasCurrent {
		m.setState(next)
	}
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case f := <-m.frames:
			m.mu.Lock()
			h := m.handler
			m.mu.Unlock()
			if h == nil {
				m.logger.Debug("frame dropped, no handler", "peer", f.From, "bytes", len(f.Data))
				continue
			}
			h.HandleFrame(f)
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed && m.opts.OnState != nil {
		m.opts.OnState(s)
	}
}

func (m *Manager) reportError(from string, err error) {
	m.logger.Warn("connection error", "peer", from, "error", err)
	if m.opts.OnError != nil {
		m.opts.OnError(from, err)
	}
}
