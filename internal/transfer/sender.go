// Package transfer splits files into chunk messages, sends them over a peer
// connection and reassembles them on the receiving side.
package transfer

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/roomdrop/internal/message"
)

const (
	// ChunkSize is the number of file bytes carried by one file-chunk message.
	ChunkSize = 64 * 1024
	// DefaultChunkDelay is the pause between consecutive chunk writes.
	DefaultChunkDelay = 5 * time.Millisecond

	fileIDSuffixLen = 6
	base36          = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Progress is a snapshot of one transfer, outgoing or incoming.
type Progress struct {
	FileID     string
	Name       string
	Chunks     int
	Total      int
	Bytes      int64
	TotalBytes int64
}

// Fraction returns completed chunks over total chunks in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 1
	}
	return float64(p.Chunks) / float64(p.Total)
}

// SenderOptions configures a Sender.
type SenderOptions struct {
	// ChunkDelay overrides DefaultChunkDelay. Negative disables the pause.
	ChunkDelay time.Duration
	// OnProgress is called after every chunk write, from the send goroutine.
	OnProgress func(Progress)
	Logger     *slog.Logger
}

// Sender writes files to a peer as a file-meta message followed by chunks.
type Sender struct {
	delay      time.Duration
	onProgress func(Progress)
	logger     *slog.Logger
	now        func() time.Time
}

// NewSender returns a sender with defaults applied.
func NewSender(opts SenderOptions) *Sender {
	delay := opts.ChunkDelay
	if delay == 0 {
		delay = DefaultChunkDelay
	}
	if delay < 0 {
		delay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		delay:      delay,
		onProgress: opts.OnProgress,
		logger:     logger,
		now:        time.Now,
	}
}

// TotalChunks returns ceil(size / ChunkSize).
func TotalChunks(size int) int {
	if size <= 0 {
		return 0
	}
	return (size + ChunkSize - 1) / ChunkSize
}

// NewFileID returns a millisecond timestamp joined to a short random suffix.
func NewFileID(now time.Time) (string, error) {
	suffix := make([]byte, fileIDSuffixLen)
	limit := big.NewInt(int64(len(base36)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("file id: %w", err)
		}
		suffix[i] = base36[n.Int64()]
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + string(suffix), nil
}

// Handle tracks one outgoing transfer started by SendFile.
type Handle struct {
	Meta message.FileMeta

	cancel context.CancelFunc
	done   chan struct{}
	sent   atomic.Int64

	mu  sync.Mutex
	err error
}

// Cancel stops the transfer before the next chunk is written.
// A chunk already handed to the connection is not recalled.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the send loop exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the send loop exits and returns its error.
// A cancelled transfer returns an error matching ErrCancelled.
func (h *Handle) Wait() error {
	<-h.done
	return h.Err()
}

// Err returns the terminal error, or nil while running or after success.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// ChunksSent returns how many chunk messages were written so far.
func (h *Handle) ChunksSent() int {
	return int(h.sent.Load())
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.cancel()
	close(h.done)
}

// SendFile starts sending data as name on conn and returns immediately.
// Cancelling ctx or calling Handle.Cancel stops the loop at the next chunk
// boundary. No completion message is sent in either case.
func (s *Sender) SendFile(ctx context.Context, conn message.Writer, data []byte, name, mime string) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	fileID, err := NewFileID(s.now())
	if err != nil {
		h.finish(err)
		return h
	}
	if mime == "" {
		mime = DefaultMime
	}
	h.Meta = message.FileMeta{
		FileID:      fileID,
		Name:        name,
		Mime:        mime,
		Size:        int64(len(data)),
		TotalChunks: TotalChunks(len(data)),
	}

	go func() {
		h.finish(s.run(ctx, conn, data, h))
	}()
	return h
}

func (s *Sender) run(ctx context.Context, conn message.Writer, data []byte, h *Handle) error {
	meta := h.Meta
	logger := s.logger.With("file_id", meta.FileID, "name", meta.Name)

	frame, err := message.EncodeFileMeta(meta)
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(frame); err != nil {
		return protocolError(meta.FileID, -1, fmt.Errorf("%w: %v", ErrTransportWrite, err))
	}
	logger.Debug("file meta sent", "size", meta.Size, "chunks", meta.TotalChunks)

	var sentBytes int64
	for i := 0; i < meta.TotalChunks; i++ {
		select {
		case <-ctx.Done():
			logger.Info("file send cancelled", "chunks_sent", i)
			return fmt.Errorf("%w after %d of %d chunks", ErrCancelled, i, meta.TotalChunks)
		default:
		}

		start := i * ChunkSize
		end := min(start+ChunkSize, len(data))
		frame, err := message.EncodeFileChunk(message.FileChunk{
			FileID: meta.FileID,
			Index:  i,
			Data:   message.Bytes(data[start:end]),
		})
		if err != nil {
			return err
		}
		if err := conn.WriteFrame(frame); err != nil {
			return protocolError(meta.FileID, i, fmt.Errorf("%w: %v", ErrTransportWrite, err))
		}
		h.sent.Add(1)
		sentBytes += int64(end - start)
		if s.onProgress != nil {
			s.onProgress(Progress{
				FileID:     meta.FileID,
				Name:       meta.Name,
				Chunks:     i + 1,
				Total:      meta.TotalChunks,
				Bytes:      sentBytes,
				TotalBytes: meta.Size,
			})
		}

		if s.delay > 0 && i < meta.TotalChunks-1 {
			timer := time.NewTimer(s.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
	logger.Info("file sent", "chunks", meta.TotalChunks)
	return nil
}
