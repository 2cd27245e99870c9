package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/roomdrop/internal/message"
	"github.com/sheerbytes/roomdrop/internal/swarm"
	"github.com/sheerbytes/roomdrop/internal/topic"
)

// frameRecorder collects frames and signals each arrival.
type frameRecorder struct {
	mu     sync.Mutex
	frames []Frame
	notify chan struct{}
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{notify: make(chan struct{}, 64)}
}

func (r *frameRecorder) HandleFrame(f Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *frameRecorder) wait(t *testing.T, n int) []Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.frames) >= n {
			out := append([]Frame(nil), r.frames...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames", n)
		}
	}
}

func newPeer(t *testing.T, network *swarm.MockNetwork) (*Manager, *swarm.MockSwarm, swarm.Identity) {
	t.Helper()
	id, err := swarm.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	s := network.NewSwarm(id)
	m := NewManager(s, Options{})
	t.Cleanup(func() { m.Close() })
	return m, s, id
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func TestCreateAndJoinRoom(t *testing.T) {
	network := swarm.NewMockNetwork()
	host, _, hostID := newPeer(t, network)
	guest, _, guestID := newPeer(t, network)
	hostFrames := newFrameRecorder()
	guestFrames := newFrameRecorder()

	ctx := context.Background()
	tp, err := host.CreateRoom(ctx, hostFrames)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if host.TopicHex() != tp.Hex() {
		t.Fatalf("TopicHex = %q, want %q", host.TopicHex(), tp.Hex())
	}
	if host.State() != StateJoined {
		t.Fatalf("host state = %s, want joined", host.State())
	}

	if err := guest.JoinRoom(ctx, strings.ToUpper(tp.Hex()), guestFrames); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if guest.TopicHex() != tp.Hex() {
		t.Fatalf("guest TopicHex = %q, want lower-case %q", guest.TopicHex(), tp.Hex())
	}

	// Each side announces the handshake sentinel on connect.
	hf := hostFrames.wait(t, 1)
	gf := guestFrames.wait(t, 1)
	if string(hf[0].Data) != message.Connected || string(gf[0].Data) != message.Connected {
		t.Fatalf("first frames = %q / %q, want sentinel", hf[0].Data, gf[0].Data)
	}
	if hf[0].From != swarm.DisplayName(guestID.Public[:]) {
		t.Fatalf("host sees From = %q, want guest display name", hf[0].From)
	}
	if gf[0].From != swarm.DisplayName(hostID.Public[:]) {
		t.Fatalf("guest sees From = %q, want host display name", gf[0].From)
	}
	waitState(t, host, StateConnected)
	waitState(t, guest, StateConnected)

	if err := guest.Send(message.EncodeText("hi there")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	hf = hostFrames.wait(t, 2)
	if string(hf[1].Data) != "hi there" {
		t.Fatalf("host got %q", hf[1].Data)
	}
	if hf[1].Conn == nil {
		t.Fatal("frame carries no connection")
	}
}

func TestJoinRoomInvalidTopic(t *testing.T) {
	network := swarm.NewMockNetwork()
	m, s, _ := newPeer(t, network)

	for _, in := range []string{"", "not-hex", strings.Repeat("ab", 31), strings.Repeat("zz", 32)} {
		err := m.JoinRoom(context.Background(), in, newFrameRecorder())
		if !errors.Is(err, topic.ErrInvalidTopic) {
			t.Errorf("JoinRoom(%q) error = %v, want ErrInvalidTopic", in, err)
		}
	}
	if s.JoinCalls() != 0 {
		t.Fatalf("swarm Join called %d times for invalid topics", s.JoinCalls())
	}
	if m.TopicHex() != "" {
		t.Fatalf("TopicHex = %q after failed joins", m.TopicHex())
	}
}

func TestJoinRoomDiscoveryErrors(t *testing.T) {
	tests := []struct {
		name     string
		joinErr  error
		flushErr error
	}{
		{name: "join rejected", joinErr: errors.New("no rendezvous")},
		{name: "flush rejected", flushErr: errors.New("flush timeout")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network := swarm.NewMockNetwork()
			m, s, _ := newPeer(t, network)
			s.JoinErr = tt.joinErr
			s.FlushErr = tt.flushErr

			_, err := m.CreateRoom(context.Background(), newFrameRecorder())
			if !errors.Is(err, ErrDiscovery) {
				t.Fatalf("CreateRoom error = %v, want ErrDiscovery", err)
			}
			var derr *DiscoveryError
			if !errors.As(err, &derr) {
				t.Fatalf("error %T is not a *DiscoveryError", err)
			}
			if m.TopicHex() != "" {
				t.Fatalf("TopicHex = %q, want empty after failure", m.TopicHex())
			}
			if m.State() != StateDisconnected {
				t.Fatalf("state = %s, want disconnected", m.State())
			}
		})
	}
}

func TestJoinRoomFlushFailureLeavesTopic(t *testing.T) {
	network := swarm.NewMockNetwork()
	m, s, _ := newPeer(t, network)
	s.FlushErr = errors.New("flush timeout")

	tp, err := topic.New()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.JoinRoom(context.Background(), tp.Hex(), newFrameRecorder()); !errors.Is(err, ErrDiscovery) {
		t.Fatalf("JoinRoom error = %v, want ErrDiscovery", err)
	}
	if s.Joined(tp) {
		t.Fatal("topic still joined after failed flush")
	}
}

func TestJoinActiveTopicIsNoop(t *testing.T) {
	network := swarm.NewMockNetwork()
	m, s, _ := newPeer(t, network)
	tp, err := m.CreateRoom(context.Background(), newFrameRecorder())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.JoinRoom(context.Background(), tp.Hex(), newFrameRecorder()); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if s.JoinCalls() != 1 {
		t.Fatalf("JoinCalls = %d, want 1", s.JoinCalls())
	}
}

func TestJoinDifferentTopicLeavesPrevious(t *testing.T) {
	network := swarm.NewMockNetwork()
	m, s, _ := newPeer(t, network)
	first, err := m.CreateRoom(context.Background(), newFrameRecorder())
	if err != nil {
		t.Fatal(err)
	}
	second, _ := topic.New()
	if err := m.JoinRoom(context.Background(), second.Hex(), newFrameRecorder()); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if s.Joined(first) {
		t.Fatal("previous topic still joined")
	}
	if !s.Joined(second) || m.TopicHex() != second.Hex() {
		t.Fatal("new topic not active")
	}
}

func TestJoinDifferentTopicKeepsConnection(t *testing.T) {
	network := swarm.NewMockNetwork()
	host, _, _ := newPeer(t, network)
	guest, _, _ := newPeer(t, network)

	tp, err := host.CreateRoom(context.Background(), newFrameRecorder())
	if err != nil {
		t.Fatal(err)
	}
	if err := guest.JoinRoom(context.Background(), tp.Hex(), newFrameRecorder()); err != nil {
		t.Fatal(err)
	}
	waitState(t, guest, StateConnected)

	other, _ := topic.New()
	if err := guest.JoinRoom(context.Background(), other.Hex(), newFrameRecorder()); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if guest.State() != StateConnected || guest.Current() == nil {
		t.Fatalf("state = %s, want connected with a current peer", guest.State())
	}
}

func TestDisconnectPeer(t *testing.T) {
	network := swarm.NewMockNetwork()
	host, hostSwarm, _ := newPeer(t, network)
	guest, _, _ := newPeer(t, network)

	// Safe before anything happened.
	if err := host.DisconnectPeer(); err != nil {
		t.Fatalf("DisconnectPeer on idle session: %v", err)
	}

	tp, err := host.CreateRoom(context.Background(), newFrameRecorder())
	if err != nil {
		t.Fatal(err)
	}
	guestFrames := newFrameRecorder()
	if err := guest.JoinRoom(context.Background(), tp.Hex(), guestFrames); err != nil {
		t.Fatal(err)
	}
	waitState(t, host, StateConnected)

	if err := host.DisconnectPeer(); err != nil {
		t.Fatalf("DisconnectPeer: %v", err)
	}
	if host.TopicHex() != "" || host.Current() != nil {
		t.Fatal("session state not cleared")
	}
	if hostSwarm.Joined(tp) {
		t.Fatal("topic still joined after disconnect")
	}
	if err := host.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after disconnect = %v, want ErrNotConnected", err)
	}
	if err := host.DisconnectPeer(); err != nil {
		t.Fatalf("second DisconnectPeer: %v", err)
	}

	// The remote sees its connection go away and falls back to joined.
	waitState(t, guest, StateJoined)
}

func TestPeerLeaveIsNotAnError(t *testing.T) {
	network := swarm.NewMockNetwork()
	host, _, _ := newPeer(t, network)

	id, _ := swarm.NewIdentity()
	var mu sync.Mutex
	var errs []error
	guest := NewManager(network.NewSwarm(id), Options{OnError: func(from string, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}})
	defer guest.Close()

	hostFrames := newFrameRecorder()
	guestFrames := newFrameRecorder()
	tp, err := host.CreateRoom(context.Background(), hostFrames)
	if err != nil {
		t.Fatal(err)
	}
	if err := guest.JoinRoom(context.Background(), tp.Hex(), guestFrames); err != nil {
		t.Fatal(err)
	}
	// Both handshakes delivered, so no write is in flight.
	hostFrames.wait(t, 1)
	guestFrames.wait(t, 1)

	if err := host.DisconnectPeer(); err != nil {
		t.Fatalf("DisconnectPeer: %v", err)
	}
	waitState(t, guest, StateJoined)

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 0 {
		t.Fatalf("peer leaving reported errors: %v", errs)
	}
}

func TestStateCallbacks(t *testing.T) {
	network := swarm.NewMockNetwork()
	id, _ := swarm.NewIdentity()
	var mu sync.Mutex
	var states []State
	m := NewManager(network.NewSwarm(id), Options{OnState: func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}})
	defer m.Close()

	if _, err := m.CreateRoom(context.Background(), newFrameRecorder()); err != nil {
		t.Fatal(err)
	}
	m.DisconnectPeer()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateJoining, StateJoined, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestCloseRejectsJoin(t *testing.T) {
	network := swarm.NewMockNetwork()
	m, _, _ := newPeer(t, network)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := m.CreateRoom(context.Background(), newFrameRecorder()); !errors.Is(err, ErrClosed) {
		t.Fatalf("CreateRoom after Close = %v, want ErrClosed", err)
	}
}
