// Package app is the chat coordinator. It owns the session, routes inbound
// frames through the classifier into the transfer receiver, drives outgoing
// transfers and reports everything as Events.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sheerbytes/roomdrop/internal/message"
	"github.com/sheerbytes/roomdrop/internal/progress"
	"github.com/sheerbytes/roomdrop/internal/session"
	"github.com/sheerbytes/roomdrop/internal/swarm"
	"github.com/sheerbytes/roomdrop/internal/topic"
	"github.com/sheerbytes/roomdrop/internal/transfer"
)

var (
	// ErrNoPeer is returned when an action needs a connected peer.
	ErrNoPeer = errors.New("no peer connected")
	// ErrTransferActive is returned when a send is already running.
	ErrTransferActive = errors.New("a file transfer is already in progress")
	// ErrUnknownFile is returned for a received file id that is not held.
	ErrUnknownFile = errors.New("unknown file")
	// ErrNoAnalyzer is returned by Analyze when no analyzer is configured.
	ErrNoAnalyzer = errors.New("file analysis is not configured")
)

// Status texts shown to the user.
const (
	StatusRoomCreated = "Room created! Waiting for peers..."
	StatusFileSent    = "File sent successfully"
)

// Analyzer summarizes a received file.
type Analyzer interface {
	Summarize(ctx context.Context, name string, data []byte) (string, error)
}

// Options configures a Chat.
type Options struct {
	// OutDir is where Save writes files. Empty means the working directory.
	OutDir      string
	ChunkDelay  time.Duration
	// MaxFileSize caps the size a peer may announce. Zero means
	// transfer.DefaultMaxFileSize.
	MaxFileSize int64
	Analyzer    Analyzer
	Logger      *slog.Logger
}

// Chat is the process-facing API used by the UI.
type Chat struct {
	session    *session.Manager
	classifier *message.Classifier
	receiver   *transfer.Receiver
	sender     *transfer.Sender
	analyzer   Analyzer
	outDir     string
	logger     *slog.Logger

	events   chan Event
	done     chan struct{}
	closeMu  sync.Once
	meters   *progress.Tracker
	incoming *throttle
	outgoing *throttle

	mu       sync.Mutex
	peer     message.Writer
	peerName string
	sending  *transfer.Handle
	received map[string]transfer.Blob
	order    []string
}

// New creates a chat over s. The chat owns s and destroys it on Close.
func New(s swarm.Swarm, opts Options) *Chat {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chat{
		analyzer: opts.Analyzer,
		outDir:   opts.OutDir,
		logger:   logger,
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		meters:   progress.NewTracker(nil),
		incoming: newThrottle(progressUpdateInterval),
		outgoing: newThrottle(progressUpdateInterval),
		received: make(map[string]transfer.Blob),
	}
	c.receiver = transfer.NewReceiver(c, logger.With("component", "receiver"))
	c.receiver.SetMaxFileSize(opts.MaxFileSize)
	c.classifier = message.NewClassifier(c.receiver, c, logger.With("component", "classifier"))
	c.sender = transfer.NewSender(transfer.SenderOptions{
		ChunkDelay: opts.ChunkDelay,
		OnProgress: c.outgoingProgress,
		Logger:     logger.With("component", "sender"),
	})
	c.session = session.NewManager(s, session.Options{
		Logger:  logger.With("component", "session"),
		OnState: c.stateChanged,
		OnError: func(from string, err error) {
			c.emit(ErrorEvent{From: from, Err: err})
		},
	})
	return c
}

// Events delivers everything the chat reports. It is never closed; stop
// reading after Close.
func (c *Chat) Events() <-chan Event {
	return c.events
}

// CreateRoom joins a fresh topic and returns its hex form.
func (c *Chat) CreateRoom(ctx context.Context) (string, error) {
	t, err := c.session.CreateRoom(ctx, c)
	if err != nil {
		return "", err
	}
	c.emit(StatusEvent{Text: StatusRoomCreated})
	return t.Hex(), nil
}

// JoinRoom joins the room named by topicHex.
func (c *Chat) JoinRoom(ctx context.Context, topicHex string) error {
	if strings.TrimSpace(topicHex) == "" {
		return fmt.Errorf("join room: %w: topic is required", topic.ErrInvalidTopic)
	}
	if err := c.session.JoinRoom(ctx, topicHex, c); err != nil {
		return err
	}
	c.emit(StatusEvent{Text: "Joined topic " + c.session.TopicHex()})
	return nil
}

// TopicHex returns the active topic or "".
func (c *Chat) TopicHex() string {
	return c.session.TopicHex()
}

// State returns the session state.
func (c *Chat) State() session.State {
	return c.session.State()
}

// Disconnect drops the peer and leaves the room. Incoming partial transfers
// are discarded.
func (c *Chat) Disconnect() error {
	c.CancelSend()
	err := c.session.DisconnectPeer()
	c.receiver.Reset()
	c.clearPeer()
	return err
}

// Close disconnects and releases the swarm.
func (c *Chat) Close() error {
	c.CancelSend()
	c.closeMu.Do(func() { close(c.done) })
	return c.session.Close()
}

// SendText sends a chat line to the peer.
func (c *Chat) SendText(text string) error {
	if text == "" {
		return nil
	}
	conn := c.target()
	if conn == nil {
		return ErrNoPeer
	}
	if err := conn.WriteFrame(message.EncodeText(text)); err != nil {
		return fmt.Errorf("%w: %w", transfer.ErrTransportWrite, err)
	}
	c.emit(ChatEvent{From: "you", Text: text, Outgoing: true})
	return nil
}

// SetupFileTransfer makes conn the target for outgoing files. It is called
// when the remote handshake arrives.
func (c *Chat) SetupFileTransfer(from string, conn message.Writer) {
	c.mu.Lock()
	c.peer = conn
	c.peerName = from
	c.mu.Unlock()
	c.logger.Info("file transfer ready", "peer", from)
}

// Peer returns the display name of the peer files are sent to, or "".
func (c *Chat) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerName
}

// SendFile reads path and sends it to the peer. Read errors are returned
// before anything is written. The transfer runs in the background; its end is
// reported as a FileSentEvent.
func (c *Chat) SendFile(ctx context.Context, path string) (*transfer.Handle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("send file: path is required")
	}
	conn := c.target()
	if conn == nil {
		return nil, ErrNoPeer
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))

	c.mu.Lock()
	if c.sending != nil {
		c.mu.Unlock()
		return nil, ErrTransferActive
	}
	h := c.sender.SendFile(ctx, conn, data, name, mimeType)
	c.sending = h
	c.mu.Unlock()

	c.emit(StatusEvent{Text: fmt.Sprintf("Sending %s (%s)", name, progress.FormatBytes(int64(len(data))))})
	go c.awaitSend(h)
	return h, nil
}

// CancelSend cancels the running outgoing transfer, if any.
func (c *Chat) CancelSend() bool {
	c.mu.Lock()
	h := c.sending
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h.Cancel()
	return true
}

func (c *Chat) awaitSend(h *transfer.Handle) {
	err := h.Wait()
	c.mu.Lock()
	if c.sending == h {
		c.sending = nil
	}
	c.mu.Unlock()
	stats, _ := c.meters.Remove("out:" + h.Meta.FileID)

	switch {
	case err == nil:
		c.logger.Info("file sent", "file_id", h.Meta.FileID, "name", h.Meta.Name, "rate", progress.FormatRate(stats.RateBps))
		c.emit(StatusEvent{Text: StatusFileSent})
	case errors.Is(err, transfer.ErrCancelled):
		c.emit(StatusEvent{Text: fmt.Sprintf("Transfer of %s cancelled after %d of %d chunks", h.Meta.Name, h.ChunksSent(), h.Meta.TotalChunks)})
	default:
		c.logger.Warn("file send failed", "file_id", h.Meta.FileID, "error", err)
		c.emit(ErrorEvent{Err: err})
	}
	c.emit(FileSentEvent{FileID: h.Meta.FileID, Name: h.Meta.Name, Err: err})
}

// Incoming lists the transfers still waiting for chunks.
func (c *Chat) Incoming() []transfer.Progress {
	return c.receiver.Pending()
}

// DropIncoming abandons every incoming transfer that has not completed and
// returns how many were dropped. Late chunks for them are rejected.
func (c *Chat) DropIncoming() int {
	dropped := 0
	for _, p := range c.receiver.Pending() {
		if !c.receiver.Drop(p.FileID) {
			continue
		}
		dropped++
		c.meters.Remove("in:" + p.FileID)
		c.logger.Info("incoming file abandoned", "file_id", p.FileID, "chunks", p.Chunks, "total", p.Total)
		c.emit(StatusEvent{Text: fmt.Sprintf("Stopped receiving %s after %d of %d chunks", p.Name, p.Chunks, p.Total)})
	}
	return dropped
}

// HandleIncomingChunk feeds an already decoded file message to the receiver.
func (c *Chat) HandleIncomingChunk(msg message.Message) error {
	switch msg.Kind {
	case message.KindFileMeta:
		return c.receiver.OnFileMeta(msg.Meta)
	case message.KindFileChunk:
		return c.receiver.OnFileChunk(msg.Chunk)
	default:
		return fmt.Errorf("%w: %s is not a file message", message.ErrMalformedMessage, msg.Kind)
	}
}

// Received lists reconstructed files in arrival order.
func (c *Chat) Received() []transfer.Blob {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transfer.Blob, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.received[id])
	}
	return out
}

// File returns a received file by id.
func (c *Chat) File(fileID string) (transfer.Blob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.received[fileID]
	return b, ok
}

// Save writes a received file into the output directory and returns its
// path. The sender's name is reduced to its base name and an existing file is
// never overwritten.
func (c *Chat) Save(fileID string) (string, error) {
	b, ok := c.File(fileID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	dir := c.outDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path, err := uniquePath(dir, safeName(b.Name, b.FileID))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, b.Data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	c.logger.Info("file saved", "file_id", fileID, "path", path)
	return path, nil
}

// Analyze asks the analyzer for a summary of a received file.
func (c *Chat) Analyze(ctx context.Context, fileID string) (string, error) {
	if c.analyzer == nil {
		return "", ErrNoAnalyzer
	}
	b, ok := c.File(fileID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	summary, err := c.analyzer.Summarize(ctx, b.Name, b.Data)
	if err != nil {
		c.logger.Warn("analysis failed", "file_id", fileID, "error", err)
		return "", err
	}
	return summary, nil
}

// HandleFrame implements session.Handler.
func (c *Chat) HandleFrame(f session.Frame) {
	c.classifier.Classify(f.From, f.Data, f.Conn)
}

// PeerConnected implements message.Observer.
func (c *Chat) PeerConnected(from string, conn message.Writer) {
	c.SetupFileTransfer(from, conn)
	c.emit(PeerEvent{Name: from, Connected: true})
	c.emit(StatusEvent{Text: "Peer connected: " + from})
}

// TextReceived implements message.Observer.
func (c *Chat) TextReceived(from, text string) {
	c.emit(ChatEvent{From: from, Text: text})
}

// MessageError implements message.Observer.
func (c *Chat) MessageError(from string, err error) {
	c.emit(ErrorEvent{From: from, Err: err})
}

// TransferStarted implements transfer.Observer.
func (c *Chat) TransferStarted(meta message.FileMeta) {
	c.meters.Update("in:"+meta.FileID, 0, meta.Size)
	c.emit(StatusEvent{Text: fmt.Sprintf("Receiving %s (%s)", meta.Name, progress.FormatBytes(meta.Size))})
}

// TransferProgress implements transfer.Observer.
func (c *Chat) TransferProgress(p transfer.Progress) {
	stats := c.meters.Update("in:"+p.FileID, p.Bytes, p.TotalBytes)
	if p.Chunks < p.Total && !c.incoming.allow() {
		return
	}
	c.emit(TransferEvent{Progress: p, Stats: stats})
}

// TransferCompleted implements transfer.Observer.
func (c *Chat) TransferCompleted(b transfer.Blob) {
	c.meters.Remove("in:" + b.FileID)
	c.mu.Lock()
	if _, exists := c.received[b.FileID]; !exists {
		c.order = append(c.order, b.FileID)
	}
	c.received[b.FileID] = b
	c.mu.Unlock()
	c.emit(FileReceivedEvent{File: b})
}

// TransferFailed implements transfer.Observer.
func (c *Chat) TransferFailed(fileID string, err error) {
	c.meters.Remove("in:" + fileID)
	c.emit(ErrorEvent{Err: err})
}

func (c *Chat) outgoingProgress(p transfer.Progress) {
	stats := c.meters.Update("out:"+p.FileID, p.Bytes, p.TotalBytes)
	if p.Chunks < p.Total && !c.outgoing.allow() {
		return
	}
	c.emit(TransferEvent{Progress: p, Stats: stats, Outgoing: true})
}

func (c *Chat) stateChanged(s session.State) {
	if s != session.StateConnected {
		if name := c.clearPeer(); name != "" {
			c.emit(PeerEvent{Name: name, Connected: false})
		}
	}
	c.emit(StateEvent{State: s})
}

// clearPeer forgets the transfer target and returns its name.
func (c *Chat) clearPeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := c.peerName
	c.peer = nil
	c.peerName = ""
	return name
}

// target is the handshake connection, or the session's current one before
// the remote handshake has arrived.
func (c *Chat) target() message.Writer {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer != nil {
		return peer
	}
	if conn := c.session.Current(); conn != nil {
		return conn
	}
	return nil
}

func (c *Chat) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func safeName(name, fallback string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == "" {
		return fallback
	}
	return base
}

func uniquePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	path := filepath.Join(dir, name)
	for i := 1; ; i++ {
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
		if i > 999 {
			return "", fmt.Errorf("no free file name for %s in %s", name, dir)
		}
		path = filepath.Join(dir, stem+" ("+strconv.Itoa(i)+")"+ext)
	}
}
