package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sheerbytes/roomdrop/internal/message"
	"github.com/sheerbytes/roomdrop/internal/swarm"
	"github.com/sheerbytes/roomdrop/internal/topic"
	"github.com/sheerbytes/roomdrop/internal/transfer"
)

type fakeAnalyzer struct {
	gotName string
	gotData []byte
	err     error
}

func (f *fakeAnalyzer) Summarize(ctx context.Context, name string, data []byte) (string, error) {
	f.gotName = name
	f.gotData = data
	if f.err != nil {
		return "", f.err
	}
	return "# " + name, nil
}

func newTestChat(t *testing.T, network *swarm.MockNetwork, opts Options) *Chat {
	t.Helper()
	id, err := swarm.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	if opts.ChunkDelay == 0 {
		opts.ChunkDelay = -1
	}
	c := New(network.NewSwarm(id), opts)
	t.Cleanup(func() { c.Close() })
	return c
}

// waitFor reads events until match returns true.
func waitFor(t *testing.T, c *Chat, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-c.Events():
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func connectedPair(t *testing.T, hostOpts, guestOpts Options) (*Chat, *Chat) {
	t.Helper()
	network := swarm.NewMockNetwork()
	host := newTestChat(t, network, hostOpts)
	guest := newTestChat(t, network, guestOpts)

	topicHex, err := host.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	waitFor(t, host, func(e Event) bool {
		s, ok := e.(StatusEvent)
		return ok && s.Text == StatusRoomCreated
	})
	if err := guest.JoinRoom(context.Background(), topicHex); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	isPeer := func(e Event) bool {
		p, ok := e.(PeerEvent)
		return ok && p.Connected
	}
	waitFor(t, host, isPeer)
	waitFor(t, guest, isPeer)
	return host, guest
}

func TestChatTextAndHelloReply(t *testing.T) {
	host, guest := connectedPair(t, Options{}, Options{})

	if err := guest.SendText("  HeLLo "); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	e := waitFor(t, host, func(e Event) bool {
		c, ok := e.(ChatEvent)
		return ok && !c.Outgoing
	})
	if got := e.(ChatEvent).Text; got != "  HeLLo " {
		t.Fatalf("host got text %q", got)
	}
	e = waitFor(t, guest, func(e Event) bool {
		c, ok := e.(ChatEvent)
		return ok && !c.Outgoing
	})
	if got := e.(ChatEvent).Text; got != message.HelloReply {
		t.Fatalf("guest got %q, want auto reply", got)
	}
}

func TestChatSendFileRoundTrip(t *testing.T) {
	outDir := t.TempDir()
	analyzer := &fakeAnalyzer{}
	host, guest := connectedPair(t, Options{}, Options{OutDir: outDir, Analyzer: analyzer})

	data := bytes.Repeat([]byte("roomdrop "), 20000)
	src := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := host.SendFile(context.Background(), src)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if h.Meta.TotalChunks != transfer.TotalChunks(len(data)) {
		t.Fatalf("TotalChunks = %d", h.Meta.TotalChunks)
	}
	if h.Meta.Mime != "text/plain; charset=utf-8" {
		t.Fatalf("mime = %q", h.Meta.Mime)
	}

	waitFor(t, host, func(e Event) bool {
		s, ok := e.(StatusEvent)
		return ok && s.Text == StatusFileSent
	})
	e := waitFor(t, guest, func(e Event) bool {
		_, ok := e.(FileReceivedEvent)
		return ok
	})
	blob := e.(FileReceivedEvent).File
	if blob.Name != "notes.txt" || !bytes.Equal(blob.Data, data) {
		t.Fatalf("received %q with %d bytes", blob.Name, len(blob.Data))
	}
	if got := guest.Received(); len(got) != 1 || got[0].FileID != blob.FileID {
		t.Fatalf("Received() = %v", got)
	}

	path, err := guest.Save(blob.FileID)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if path != filepath.Join(outDir, "notes.txt") {
		t.Fatalf("saved to %s", path)
	}
	saved, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(saved, data) {
		t.Fatalf("saved file mismatch: %v", err)
	}
	second, err := guest.Save(blob.FileID)
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if second != filepath.Join(outDir, "notes (1).txt") {
		t.Fatalf("second save path = %s", second)
	}

	summary, err := guest.Analyze(context.Background(), blob.FileID)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if summary != "# notes.txt" || analyzer.gotName != "notes.txt" {
		t.Fatalf("summary = %q, analyzer saw %q", summary, analyzer.gotName)
	}
}

func TestChatSendFileErrors(t *testing.T) {
	network := swarm.NewMockNetwork()
	lonely := newTestChat(t, network, Options{})
	if _, err := lonely.SendFile(context.Background(), "/does/not/matter"); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("SendFile without peer = %v, want ErrNoPeer", err)
	}

	host, _ := connectedPair(t, Options{}, Options{})
	if _, err := host.SendFile(context.Background(), filepath.Join(t.TempDir(), "missing.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("SendFile missing file = %v, want ErrNotExist", err)
	}
	if _, err := host.SendFile(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestChatAnalyzeErrors(t *testing.T) {
	network := swarm.NewMockNetwork()
	c := newTestChat(t, network, Options{})
	if _, err := c.Analyze(context.Background(), "x"); !errors.Is(err, ErrNoAnalyzer) {
		t.Fatalf("Analyze without analyzer = %v", err)
	}

	failing := &fakeAnalyzer{err: errors.New("boom")}
	c = newTestChat(t, network, Options{Analyzer: failing})
	if _, err := c.Analyze(context.Background(), "x"); !errors.Is(err, ErrUnknownFile) {
		t.Fatalf("Analyze unknown file = %v", err)
	}
	c.TransferCompleted(transfer.Blob{FileID: "f1", Name: "a.txt", Data: []byte("a")})
	if _, err := c.Analyze(context.Background(), "f1"); err == nil {
		t.Fatal("expected analyzer error")
	}
}

func TestHandleIncomingChunk(t *testing.T) {
	network := swarm.NewMockNetwork()
	c := newTestChat(t, network, Options{})

	err := c.HandleIncomingChunk(message.Message{Kind: message.KindFileChunk, Chunk: message.FileChunk{FileID: "nope"}})
	if !errors.Is(err, transfer.ErrMissingMetadata) {
		t.Fatalf("chunk before meta = %v, want ErrMissingMetadata", err)
	}
	if err := c.HandleIncomingChunk(message.Message{Kind: message.KindPlainText, Text: "hi"}); !errors.Is(err, message.ErrMalformedMessage) {
		t.Fatalf("plain text = %v, want ErrMalformedMessage", err)
	}

	meta := message.FileMeta{FileID: "f1", Name: "x.bin", Mime: "application/octet-stream", Size: 3, TotalChunks: 1}
	if err := c.HandleIncomingChunk(message.Message{Kind: message.KindFileMeta, Meta: meta}); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if err := c.HandleIncomingChunk(message.Message{Kind: message.KindFileChunk, Chunk: message.FileChunk{FileID: "f1", Index: 0, Data: []byte{1, 2, 3}}}); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	e := waitFor(t, c, func(e Event) bool {
		_, ok := e.(FileReceivedEvent)
		return ok
	})
	if got := e.(FileReceivedEvent).File.Data; !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("data = %v", got)
	}
}

func TestHostileFileMetaIsReported(t *testing.T) {
	host, guest := connectedPair(t, Options{MaxFileSize: 4 * transfer.ChunkSize}, Options{})

	metas := []message.FileMeta{
		{FileID: "evil", Name: "x", Size: 10, TotalChunks: 4e18},
		{FileID: "huge", Name: "y", Size: 5 * transfer.ChunkSize, TotalChunks: 5},
	}
	for _, meta := range metas {
		raw, err := message.EncodeFileMeta(meta)
		if err != nil {
			t.Fatalf("EncodeFileMeta: %v", err)
		}
		if err := guest.target().WriteFrame(raw); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		e := waitFor(t, host, func(e Event) bool {
			_, ok := e.(ErrorEvent)
			return ok
		})
		if err := e.(ErrorEvent).Err; !errors.Is(err, message.ErrMalformedMessage) {
			t.Fatalf("%s: error = %v, want ErrMalformedMessage", meta.FileID, err)
		}
	}
	if n := len(host.Incoming()); n != 0 {
		t.Fatalf("%d transfers registered from rejected metas", n)
	}

	// The session keeps working after the rejected frames.
	if err := guest.SendText("still here"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, host, func(e Event) bool {
		c, ok := e.(ChatEvent)
		return ok && c.Text == "still here"
	})
}

func TestDropIncoming(t *testing.T) {
	network := swarm.NewMockNetwork()
	c := newTestChat(t, network, Options{})

	meta := message.FileMeta{FileID: "f1", Name: "part.bin", Size: 2 * transfer.ChunkSize, TotalChunks: 2}
	if err := c.HandleIncomingChunk(message.Message{Kind: message.KindFileMeta, Meta: meta}); err != nil {
		t.Fatalf("meta: %v", err)
	}
	chunk := message.FileChunk{FileID: "f1", Index: 0, Data: make([]byte, transfer.ChunkSize)}
	if err := c.HandleIncomingChunk(message.Message{Kind: message.KindFileChunk, Chunk: chunk}); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	in := c.Incoming()
	if len(in) != 1 || in[0].FileID != "f1" || in[0].Chunks != 1 {
		t.Fatalf("Incoming = %+v", in)
	}

	if n := c.DropIncoming(); n != 1 {
		t.Fatalf("DropIncoming = %d, want 1", n)
	}
	waitFor(t, c, func(e Event) bool {
		s, ok := e.(StatusEvent)
		return ok && s.Text == "Stopped receiving part.bin after 1 of 2 chunks"
	})
	chunk.Index = 1
	err := c.HandleIncomingChunk(message.Message{Kind: message.KindFileChunk, Chunk: chunk})
	if !errors.Is(err, transfer.ErrMissingMetadata) {
		t.Fatalf("late chunk = %v, want ErrMissingMetadata", err)
	}
	if n := c.DropIncoming(); n != 0 {
		t.Fatalf("second DropIncoming = %d, want 0", n)
	}
}

func TestJoinRoomRequiresTopic(t *testing.T) {
	network := swarm.NewMockNetwork()
	c := newTestChat(t, network, Options{})
	for _, hex := range []string{"", "   ", "not-hex"} {
		if err := c.JoinRoom(context.Background(), hex); !errors.Is(err, topic.ErrInvalidTopic) {
			t.Fatalf("JoinRoom(%q) = %v, want ErrInvalidTopic", hex, err)
		}
	}
}

func TestDisconnectClearsPeer(t *testing.T) {
	host, guest := connectedPair(t, Options{}, Options{})
	if host.Peer() == "" {
		t.Fatal("host has no peer after handshake")
	}
	if err := host.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if host.Peer() != "" || host.TopicHex() != "" {
		t.Fatal("host still has peer or topic after Disconnect")
	}
	waitFor(t, guest, func(e Event) bool {
		p, ok := e.(PeerEvent)
		return ok && !p.Connected
	})
	if err := guest.SendText("anyone?"); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("SendText after peer left = %v, want ErrNoPeer", err)
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"/abs/path/file.txt", "file.txt"},
		{"", "fallback"},
		{"..", "fallback"},
		{"dir/", "dir"},
	}
	for _, tt := range tests {
		if got := safeName(tt.in, "fallback"); got != tt.want {
			t.Errorf("safeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestThrottle(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	th := newThrottle(time.Second)
	th.now = func() time.Time { return now }
	if !th.allow() {
		t.Fatal("first call should pass")
	}
	if th.allow() {
		t.Fatal("second call within interval should be throttled")
	}
	now = now.Add(time.Second)
	if !th.allow() {
		t.Fatal("call after interval should pass")
	}
}
