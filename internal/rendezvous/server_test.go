package rendezvous

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/roomdrop/pkg/protocol"
)

var (
	testTopic = strings.Repeat("ab", 32)
	peerA     = strings.Repeat("0a", 32)
	peerB     = strings.Repeat("0b", 32)
)

func newTestServer(t *testing.T, limits Limits) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(time.Minute, limits, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, topic, peerID string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?topic=" + topic + "&peer_id=" + peerID
}

func dial(t *testing.T, ts *httptest.Server, topic, peerID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, topic, peerID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func expectType(t *testing.T, conn *websocket.Conn, want string) protocol.Envelope {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Type != want {
		t.Fatalf("envelope type = %s, want %s", env.Type, want)
	}
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t, Limits{})
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestServer_RejectsBadQuery(t *testing.T) {
	_, ts := newTestServer(t, Limits{})
	cases := []struct{ topic, peer string }{
		{"", peerA},
		{"xyz", peerA},
		{testTopic, ""},
		{testTopic, strings.Repeat("zz", 32)},
	}
	for _, c := range cases {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, c.topic, c.peer), nil)
		if err == nil {
			t.Fatalf("dial(%q, %q) succeeded", c.topic, c.peer)
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("dial(%q, %q) response = %v, want 400", c.topic, c.peer, resp)
		}
	}
}

func TestServer_JoinAndRoute(t *testing.T) {
	srv, ts := newTestServer(t, Limits{})

	a := dial(t, ts, testTopic, peerA)
	env := expectType(t, a, protocol.TypePeerList)
	var list protocol.PeerList
	if err := env.DecodePayload(&list); err != nil {
		t.Fatalf("decode peer list: %v", err)
	}
	if len(list.Peers) != 0 {
		t.Fatalf("first peer saw %d peers", len(list.Peers))
	}
	if env.Topic != testTopic || env.From != "server" {
		t.Fatalf("peer list metadata = %+v", env)
	}

	b := dial(t, ts, testTopic, peerB)
	env = expectType(t, b, protocol.TypePeerList)
	if err := env.DecodePayload(&list); err != nil {
		t.Fatalf("decode peer list: %v", err)
	}
	if len(list.Peers) != 1 || list.Peers[0].PeerID != peerA {
		t.Fatalf("second peer list = %+v", list)
	}

	env = expectType(t, a, protocol.TypePeerJoined)
	var joined protocol.PeerJoined
	if err := env.DecodePayload(&joined); err != nil || joined.Peer.PeerID != peerB {
		t.Fatalf("peer joined = %+v err=%v", joined, err)
	}
	if srv.Rooms() != 1 {
		t.Fatalf("Rooms = %d, want 1", srv.Rooms())
	}

	// Targeted send; From is stamped by the server.
	cand, _ := protocol.NewEnvelope(protocol.TypeCandidates, protocol.Candidates{Candidates: []string{"10.0.0.1:9000"}, Dial: true})
	cand.To = peerA
	cand.From = "spoofed"
	writeEnvelope(t, b, cand)
	env = expectType(t, a, protocol.TypeCandidates)
	if env.From != peerB {
		t.Fatalf("From = %s, want %s", env.From, peerB)
	}

	// Broadcast reaches the other peer only.
	cand.To = ""
	writeEnvelope(t, a, cand)
	env = expectType(t, b, protocol.TypeCandidates)
	if env.From != peerA {
		t.Fatalf("From = %s, want %s", env.From, peerA)
	}

	b.Close()
	env = expectType(t, a, protocol.TypePeerLeft)
	var left protocol.PeerLeft
	if err := env.DecodePayload(&left); err != nil || left.PeerID != peerB {
		t.Fatalf("peer left = %+v err=%v", left, err)
	}
}

func TestServer_UnknownTarget(t *testing.T) {
	_, ts := newTestServer(t, Limits{})
	a := dial(t, ts, testTopic, peerA)
	expectType(t, a, protocol.TypePeerList)

	env, _ := protocol.NewEnvelope(protocol.TypeCandidates, protocol.Candidates{})
	env.To = peerB
	writeEnvelope(t, a, env)

	reply := expectType(t, a, protocol.TypeError)
	var perr protocol.Error
	if err := reply.DecodePayload(&perr); err != nil || perr.Code != protocol.CodeUnknownPeer {
		t.Fatalf("error payload = %+v err=%v", perr, err)
	}
}

func TestServer_RoomFull(t *testing.T) {
	_, ts := newTestServer(t, Limits{MaxPeersPerRoom: 1})
	a := dial(t, ts, testTopic, peerA)
	expectType(t, a, protocol.TypePeerList)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, testTopic, peerB), nil)
	if err == nil {
		t.Fatal("second peer should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("response = %v, want 429", resp)
	}
}

func TestServer_MaxRooms(t *testing.T) {
	_, ts := newTestServer(t, Limits{MaxRooms: 1})
	a := dial(t, ts, testTopic, peerA)
	expectType(t, a, protocol.TypePeerList)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, strings.Repeat("cd", 32), peerB), nil)
	if err == nil {
		t.Fatal("second room should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("response = %v, want 429", resp)
	}
}

func TestServer_MessageRateLimit(t *testing.T) {
	_, ts := newTestServer(t, Limits{MsgsPerSec: 1, MsgsBurst: 1})
	a := dial(t, ts, testTopic, peerA)
	expectType(t, a, protocol.TypePeerList)

	env, _ := protocol.NewEnvelope(protocol.TypeCandidates, protocol.Candidates{})
	writeEnvelope(t, a, env)
	writeEnvelope(t, a, env)

	reply := expectType(t, a, protocol.TypeError)
	var perr protocol.Error
	if err := reply.DecodePayload(&perr); err != nil || perr.Code != protocol.CodeRateLimited {
		t.Fatalf("error payload = %+v err=%v", perr, err)
	}
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatal("connection should be closed after rate limit")
	}
}
