package swarm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/roomdrop/internal/topic"
	"github.com/sheerbytes/roomdrop/pkg/protocol"
)

const defaultDialTimeout = 10 * time.Second

// Options configures a Network.
type Options struct {
	// ServerURL is the rendezvous server, e.g. https://rooms.example.com.
	ServerURL string
	// StunServers overrides DefaultStunServers.
	StunServers []string
	// SkipSTUN advertises local interface addresses only.
	SkipSTUN    bool
	Identity    *Identity
	Logger      *slog.Logger
	DialTimeout time.Duration
}

// Network is the Swarm that meets peers on a rendezvous server and talks to
// them over QUIC.
type Network struct {
	opts     Options
	identity Identity
	peerID   string
	logger   *slog.Logger

	prober     *Prober
	listener   *quic.Listener
	serverTLS  *tls.Config
	candidates []string
	conns      chan Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	rooms   map[topic.Topic]*room
	peers   map[string]*quicConn
	dialing map[string]bool
	closed  bool
	wg      sync.WaitGroup
}

type room struct {
	topic  topic.Topic
	opts   JoinOptions
	signal *signalConn
	cancel context.CancelFunc

	flushOnce sync.Once
	flushed   chan struct{}
	flushErr  error

	known map[string]bool
}

type discovery struct {
	room *room
}

func (d *discovery) Flushed(ctx context.Context) error {
	select {
	case <-d.room.flushed:
		return d.room.flushErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *discovery) Topic() topic.Topic {
	return d.room.topic
}

func (r *room) flush(err error) {
	r.flushOnce.Do(func() {
		r.flushErr = err
		close(r.flushed)
	})
}

// New opens the UDP socket, starts the QUIC listener and returns a Network
// ready to join topics.
func New(opts Options) (*Network, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}

	var identity Identity
	if opts.Identity != nil {
		identity = *opts.Identity
	} else {
		var err error
		identity, err = NewIdentity()
		if err != nil {
			return nil, err
		}
	}

	stunServers := opts.StunServers
	if opts.SkipSTUN {
		stunServers = nil
	} else if stunServers == nil {
		stunServers = DefaultStunServers
	}
	prober, err := NewProber(stunServers, logger)
	if err != nil {
		return nil, err
	}

	serverTLS, err := serverTLSConfig()
	if err != nil {
		prober.Close()
		return nil, err
	}
	listener, err := prober.Transport().Listen(serverTLS, defaultQUICConfig())
	if err != nil {
		prober.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Network{
		opts:       opts,
		identity:   identity,
		peerID:     identity.PeerID(),
		logger:     logger.With("peer", DisplayName(identity.Public[:])),
		prober:     prober,
		listener:   listener,
		serverTLS:  serverTLS,
		candidates: prober.Candidates(),
		conns:      make(chan Conn, 16),
		ctx:        ctx,
		cancel:     cancel,
		rooms:      make(map[topic.Topic]*room),
		peers:      make(map[string]*quicConn),
		dialing:    make(map[string]bool),
	}

	n.wg.Add(1)
	go n.acceptLoop()
	n.logger.Info("swarm listening", "addr", prober.LocalAddr().String(), "candidates", len(n.candidates))
	return n, nil
}

// Identity returns the keypair this network announces.
func (n *Network) Identity() Identity {
	return n.identity
}

// Connections delivers every new peer connection.
func (n *Network) Connections() <-chan Conn {
	return n.conns
}

// Join announces this peer on topic t. Joining a topic twice returns the
// existing discovery.
func (n *Network) Join(ctx context.Context, t topic.Topic, opts JoinOptions) (Discovery, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrDestroyed
	}
	if r, ok := n.rooms[t]; ok {
		n.mu.Unlock()
		return &discovery{room: r}, nil
	}
	n.mu.Unlock()

	wsURL, err := signalURL(n.opts.ServerURL, t, n.peerID)
	if err != nil {
		return nil, err
	}
	sig, err := dialSignal(ctx, wsURL, n.logger)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", t, err)
	}

	roomCtx, cancel := context.WithCancel(n.ctx)
	r := &room{
		topic:   t,
		opts:    opts,
		signal:  sig,
		cancel:  cancel,
		flushed: make(chan struct{}),
		known:   make(map[string]bool),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		cancel()
		sig.close()
		return nil, ErrDestroyed
	}
	if existing, ok := n.rooms[t]; ok {
		n.mu.Unlock()
		cancel()
		sig.close()
		return &discovery{room: existing}, nil
	}
	n.rooms[t] = r
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := sig.readLoop(roomCtx, func(env protocol.Envelope) {
			n.handleEnvelope(roomCtx, r, env)
		})
		if err == nil || roomCtx.Err() != nil {
			err = ErrDestroyed
		} else {
			n.logger.Warn("rendezvous connection lost", "topic", t.Hex(), "error", err)
		}
		r.flush(fmt.Errorf("rendezvous closed before join was recorded: %w", err))
	}()

	n.logger.Info("joined topic", "topic", t.Hex(), "client", opts.Client, "server", opts.Server)
	return &discovery{room: r}, nil
}

// Leave stops announcing on topic t. Established connections stay open.
func (n *Network) Leave(t topic.Topic) error {
	n.mu.Lock()
	r, ok := n.rooms[t]
	if ok {
		delete(n.rooms, t)
	}
	n.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	r.cancel()
	r.flush(ErrNotJoined)
	return r.signal.close()
}

// Destroy leaves every topic, closes every connection and releases the socket.
func (n *Network) Destroy() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	rooms := n.rooms
	n.rooms = make(map[topic.Topic]*room)
	peers := make([]*quicConn, 0, len(n.peers))
	for _, c := range n.peers {
		peers = append(peers, c)
	}
	n.mu.Unlock()

	n.cancel()
	for _, r := range rooms {
		r.cancel()
		r.flush(ErrDestroyed)
		r.signal.close()
	}
	for _, c := range peers {
		c.Destroy()
	}
	n.listener.Close()
	err := n.prober.Close()
	n.wg.Wait()
	return err
}

func (n *Network) handleEnvelope(ctx context.Context, r *room, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePeerList:
		var list protocol.PeerList
		if err := env.DecodePayload(&list); err != nil {
			n.logger.Warn("invalid peer list", "error", err)
			r.flush(nil)
			return
		}
		r.flush(nil)
		for _, p := range list.Peers {
			n.offer(r, p.PeerID)
		}
	case protocol.TypePeerJoined:
		var joined protocol.PeerJoined
		if err := env.DecodePayload(&joined); err != nil {
			n.logger.Warn("invalid peer joined", "error", err)
			return
		}
		n.offer(r, joined.Peer.PeerID)
	case protocol.TypePeerLeft:
		var left protocol.PeerLeft
		if err := env.DecodePayload(&left); err != nil {
			return
		}
		n.mu.Lock()
		delete(r.known, left.PeerID)
		n.mu.Unlock()
		n.logger.Debug("peer left topic", "topic", r.topic.Hex(), "remote", shortID(left.PeerID))
	case protocol.TypeCandidates:
		var c protocol.Candidates
		if err := env.DecodePayload(&c); err != nil {
			n.logger.Warn("invalid candidates", "from", shortID(env.From), "error", err)
			return
		}
		n.handleCandidates(ctx, r, env.From, c)
	case protocol.TypeError:
		var e protocol.Error
		if err := env.DecodePayload(&e); err == nil {
			n.logger.Warn("rendezvous error", "code", e.Code, "message", e.Message)
		}
	default:
		n.logger.Debug("ignoring signal", "type", env.Type)
	}
}

// offer sends our candidates to remote. The lower peer id dials.
func (n *Network) offer(r *room, remote string) {
	if remote == "" || remote == n.peerID {
		return
	}
	n.mu.Lock()
	r.known[remote] = true
	_, connected := n.peers[remote]
	n.mu.Unlock()
	if connected {
		return
	}

	env, err := protocol.NewEnvelope(protocol.TypeCandidates, protocol.Candidates{
		Candidates: n.candidates,
		Dial:       r.opts.Client && n.peerID < remote,
	})
	if err != nil {
		n.logger.Error("failed to build candidates", "error", err)
		return
	}
	env.To = remote
	if err := r.signal.send(env); err != nil {
		n.logger.Warn("failed to send candidates", "remote", shortID(remote), "error", err)
	}
}

func (n *Network) handleCandidates(ctx context.Context, r *room, remote string, c protocol.Candidates) {
	if remote == "" || remote == n.peerID {
		return
	}
	addrs := n.prober.FilterCandidates(c.Candidates)
	n.mu.Lock()
	r.known[remote] = true
	n.mu.Unlock()

	dial := r.opts.Client && (n.peerID < remote || !c.Dial)
	if !dial {
		if r.opts.Server {
			n.prober.Punch(addrs)
		}
		return
	}

	n.mu.Lock()
	_, connected := n.peers[remote]
	if connected || n.dialing[remote] {
		n.mu.Unlock()
		return
	}
	n.dialing[remote] = true
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.mu.Lock()
			delete(n.dialing, remote)
			n.mu.Unlock()
		}()
		if err := n.dialPeer(ctx, remote, addrs); err != nil {
			n.logger.Warn("dial failed", "remote", shortID(remote), "error", err)
		}
	}()
}

func (n *Network) dialPeer(ctx context.Context, remote string, addrs []*net.UDPAddr) error {
	want, err := hex.DecodeString(remote)
	if err != nil || len(want) != KeySize {
		return fmt.Errorf("invalid peer id %q", remote)
	}

	dialCtx, cancel := context.WithTimeout(ctx, n.opts.DialTimeout)
	defer cancel()
	qc, err := n.prober.ProbeAndDial(dialCtx, addrs, clientTLSConfig(), defaultQUICConfig())
	if err != nil {
		return err
	}
	stream, err := qc.OpenStreamSync(dialCtx)
	if err != nil {
		qc.CloseWithError(0, "open stream failed")
		return fmt.Errorf("open stream: %w", err)
	}
	if err := writeHello(stream, n.identity.Public[:]); err != nil {
		qc.CloseWithError(0, "hello failed")
		return fmt.Errorf("send hello: %w", err)
	}
	got, err := readHello(stream)
	if err != nil {
		qc.CloseWithError(0, "hello failed")
		return err
	}
	if !bytes.Equal(got, want) {
		qc.CloseWithError(0, "identity mismatch")
		return fmt.Errorf("remote identity mismatch: dialed %s, got %s", shortID(remote), DisplayName(got))
	}
	n.adopt(qc, stream, got)
	return nil
}

func (n *Network) acceptLoop() {
	defer n.wg.Done()
	for {
		qc, err := n.listener.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil {
				n.logger.Error("accept failed", "error", err)
			}
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.handleInbound(qc); err != nil {
				n.logger.Warn("inbound connection rejected", "remote_addr", qc.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func (n *Network) handleInbound(qc *quic.Conn) error {
	ctx, cancel := context.WithTimeout(n.ctx, n.opts.DialTimeout)
	defer cancel()
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		qc.CloseWithError(0, "no stream")
		return fmt.Errorf("accept stream: %w", err)
	}
	got, err := readHello(stream)
	if err != nil {
		qc.CloseWithError(0, "hello failed")
		return err
	}
	remote := hex.EncodeToString(got)
	if !n.accepts(remote) {
		qc.CloseWithError(0, "unknown peer")
		return fmt.Errorf("peer %s is not in a joined topic", shortID(remote))
	}
	if err := writeHello(stream, n.identity.Public[:]); err != nil {
		qc.CloseWithError(0, "hello failed")
		return fmt.Errorf("send hello: %w", err)
	}
	n.adopt(qc, stream, got)
	return nil
}

// accepts reports whether remote was announced in a topic joined as server.
func (n *Network) accepts(remote string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range n.rooms {
		if r.opts.Server && r.known[remote] {
			return true
		}
	}
	return false
}

func (n *Network) adopt(qc *quic.Conn, stream *quic.Stream, remoteKey []byte) {
	remote := hex.EncodeToString(remoteKey)
	var c *quicConn
	c = newQUICConn(qc, stream, remoteKey, func() {
		n.mu.Lock()
		if n.peers[remote] == c {
			delete(n.peers, remote)
		}
		n.mu.Unlock()
	})

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		qc.CloseWithError(0, "destroyed")
		return
	}
	if _, dup := n.peers[remote]; dup {
		n.mu.Unlock()
		n.logger.Debug("duplicate connection dropped", "remote", shortID(remote))
		qc.CloseWithError(0, "duplicate")
		return
	}
	n.peers[remote] = c
	n.mu.Unlock()

	n.logger.Info("peer connected", "remote", DisplayName(remoteKey), "remote_addr", qc.RemoteAddr().String())
	select {
	case n.conns <- c:
	case <-n.ctx.Done():
		c.Destroy()
	}
}

func shortID(peerID string) string {
	if len(peerID) > 6 {
		return peerID[:6]
	}
	return peerID
}
