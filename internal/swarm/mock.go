package swarm

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/sheerbytes/roomdrop/internal/topic"
)

// MockNetwork is an in-memory rendezvous. Swarms created from the same
// MockNetwork connect to each other when they join the same topic.
type MockNetwork struct {
	mu     sync.Mutex
	topics map[topic.Topic][]*MockSwarm
}

// NewMockNetwork returns an empty in-memory network.
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{topics: make(map[topic.Topic][]*MockSwarm)}
}

// NewSwarm creates a swarm announcing id.
func (m *MockNetwork) NewSwarm(id Identity) *MockSwarm {
	return &MockSwarm{
		network:  m,
		identity: id,
		conns:    make(chan Conn, 16),
		done:     make(chan struct{}),
		joined:   make(map[topic.Topic]JoinOptions),
		paired:   make(map[string]bool),
	}
}

// MockSwarm is a Swarm backed by a MockNetwork.
type MockSwarm struct {
	// JoinErr, when set, fails every Join.
	JoinErr error
	// FlushErr, when set, is returned by Discovery.Flushed.
	FlushErr error

	network  *MockNetwork
	identity Identity
	conns    chan Conn
	done     chan struct{}

	mu        sync.Mutex
	joined    map[topic.Topic]JoinOptions
	paired    map[string]bool
	live      []*mockConn
	joinCalls int
	destroyed bool
}

type mockDiscovery struct {
	topic topic.Topic
	err   error
}

func (d mockDiscovery) Flushed(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.err
}

func (d mockDiscovery) Topic() topic.Topic { return d.topic }

// JoinCalls reports how many times Join was called.
func (s *MockSwarm) JoinCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinCalls
}

// Joined reports whether t is currently joined.
func (s *MockSwarm) Joined(t topic.Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[t]
	return ok
}

func (s *MockSwarm) Join(ctx context.Context, t topic.Topic, opts JoinOptions) (Discovery, error) {
	s.mu.Lock()
	s.joinCalls++
	if s.destroyed {
		s.mu.Unlock()
		return nil, ErrDestroyed
	}
	if s.JoinErr != nil {
		err := s.JoinErr
		s.mu.Unlock()
		return nil, err
	}
	s.joined[t] = opts
	s.mu.Unlock()

	m := s.network
	m.mu.Lock()
	var pending []func()
	for _, other := range m.topics[t] {
		if other == s {
			continue
		}
		if deliver := s.pairWith(other, t, opts); deliver != nil {
			pending = append(pending, deliver)
		}
	}
	if !containsSwarm(m.topics[t], s) {
		m.topics[t] = append(m.topics[t], s)
	}
	m.mu.Unlock()

	for _, deliver := range pending {
		deliver()
	}
	return mockDiscovery{topic: t, err: s.FlushErr}, nil
}

// pairWith links s and other and returns a func that delivers both ends.
// It returns nil when neither side would dial or they are already linked.
func (s *MockSwarm) pairWith(other *MockSwarm, t topic.Topic, opts JoinOptions) func() {
	other.mu.Lock()
	otherOpts, ok := other.joined[t]
	otherDestroyed := other.destroyed
	other.mu.Unlock()
	if !ok || otherDestroyed {
		return nil
	}
	if !(opts.Client && otherOpts.Server) && !(otherOpts.Client && opts.Server) {
		return nil
	}

	mine := hex.EncodeToString(s.identity.Public[:])
	theirs := hex.EncodeToString(other.identity.Public[:])
	s.mu.Lock()
	if s.paired[theirs] {
		s.mu.Unlock()
		return nil
	}
	s.paired[theirs] = true
	s.mu.Unlock()
	other.mu.Lock()
	other.paired[mine] = true
	other.mu.Unlock()

	a, b := newMockPair(s, other)
	s.track(a)
	other.track(b)
	return func() {
		s.deliver(a)
		other.deliver(b)
	}
}

func (s *MockSwarm) track(c *mockConn) {
	s.mu.Lock()
	s.live = append(s.live, c)
	s.mu.Unlock()
}

func (s *MockSwarm) deliver(c *mockConn) {
	select {
	case s.conns <- c:
	case <-s.done:
		c.Destroy()
	}
}

func (s *MockSwarm) Leave(t topic.Topic) error {
	s.mu.Lock()
	_, ok := s.joined[t]
	delete(s.joined, t)
	s.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	s.network.remove(t, s)
	return nil
}

func (s *MockSwarm) Connections() <-chan Conn {
	return s.conns
}

func (s *MockSwarm) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	close(s.done)
	topics := make([]topic.Topic, 0, len(s.joined))
	for t := range s.joined {
		topics = append(topics, t)
	}
	s.joined = make(map[topic.Topic]JoinOptions)
	live := s.live
	s.live = nil
	s.mu.Unlock()

	for _, t := range topics {
		s.network.remove(t, s)
	}
	for _, c := range live {
		c.Destroy()
	}
	return nil
}

func (m *MockNetwork) remove(t topic.Topic, s *MockSwarm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.topics[t]
	for i, member := range members {
		if member == s {
			m.topics[t] = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	if len(m.topics[t]) == 0 {
		delete(m.topics, t)
	}
}

func containsSwarm(list []*MockSwarm, s *MockSwarm) bool {
	for _, member := range list {
		if member == s {
			return true
		}
	}
	return false
}

// mockLink is shared by both ends of an in-memory connection.
type mockLink struct {
	closed chan struct{}
	once   sync.Once
}

func (l *mockLink) close() {
	l.once.Do(func() { close(l.closed) })
}

type mockConn struct {
	link   *mockLink
	remote []byte
	in     chan []byte
	out    chan []byte
	owner  *MockSwarm
	peer   *MockSwarm
}

const mockQueueSize = 256

func newMockPair(a, b *MockSwarm) (*mockConn, *mockConn) {
	link := &mockLink{closed: make(chan struct{})}
	ab := make(chan []byte, mockQueueSize)
	ba := make(chan []byte, mockQueueSize)
	return &mockConn{link: link, remote: append([]byte(nil), b.identity.Public[:]...), in: ba, out: ab, owner: a, peer: b},
		&mockConn{link: link, remote: append([]byte(nil), a.identity.Public[:]...), in: ab, out: ba, owner: b, peer: a}
}

func (c *mockConn) RemotePublicKey() []byte {
	return append([]byte(nil), c.remote...)
}

func (c *mockConn) WriteFrame(p []byte) error {
	if len(p) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	select {
	case <-c.link.closed:
		return ErrConnClosed
	default:
	}
	frame := append([]byte(nil), p...)
	select {
	case c.out <- frame:
		return nil
	case <-c.link.closed:
		return ErrConnClosed
	}
}

// ReadFrame drains frames written before the link closed, then returns
// ErrConnClosed like a quicConn whose peer hung up.
func (c *mockConn) ReadFrame() ([]byte, error) {
	select {
	case p := <-c.in:
		return p, nil
	case <-c.link.closed:
		select {
		case p := <-c.in:
			return p, nil
		default:
			return nil, ErrConnClosed
		}
	}
}

func (c *mockConn) Destroy() error {
	c.link.close()
	c.unpair()
	return nil
}

func (c *mockConn) unpair() {
	mine := hex.EncodeToString(c.owner.identity.Public[:])
	theirs := hex.EncodeToString(c.remote)
	c.owner.mu.Lock()
	delete(c.owner.paired, theirs)
	c.owner.mu.Unlock()
	c.peer.mu.Lock()
	delete(c.peer.paired, mine)
	c.peer.mu.Unlock()
}
