package transfer

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sheerbytes/roomdrop/internal/message"
)

// ChunkOutcome describes what Receiver.Accept did with a chunk.
type ChunkOutcome int

const (
	ChunkRejected ChunkOutcome = iota
	ChunkStored
	ChunkDuplicate
	ChunkCompleted
)

func (o ChunkOutcome) String() string {
	switch o {
	case ChunkStored:
		return "stored"
	case ChunkDuplicate:
		return "duplicate"
	case ChunkCompleted:
		return "completed"
	default:
		return "rejected"
	}
}

// Observer is notified about incoming transfers. Callbacks run on the
// goroutine that delivered the message, outside the receiver's lock.
type Observer interface {
	TransferStarted(meta message.FileMeta)
	TransferProgress(p Progress)
	TransferCompleted(blob Blob)
	TransferFailed(fileID string, err error)
}

type incoming struct {
	meta   message.FileMeta
	chunks [][]byte
	have   *Bitmap
	bytes  int64
}

func (in *incoming) progress() Progress {
	return Progress{
		FileID:     in.meta.FileID,
		Name:       in.meta.Name,
		Chunks:     in.have.CountSet(),
		Total:      in.meta.TotalChunks,
		Bytes:      in.bytes,
		TotalBytes: in.meta.Size,
	}
}

// DefaultMaxFileSize bounds the size a peer may announce in a file-meta.
// Incoming files are held in memory until they complete.
const DefaultMaxFileSize int64 = 512 << 20

// Receiver tracks incoming transfers keyed by fileId. It is safe for
// concurrent use.
type Receiver struct {
	mu        sync.Mutex
	transfers map[string]*incoming
	observer  Observer
	logger    *slog.Logger
	maxSize   int64
}

// NewReceiver creates a receiver. observer and logger may be nil.
func NewReceiver(observer Observer, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		transfers: make(map[string]*incoming),
		observer:  observer,
		logger:    logger,
		maxSize:   DefaultMaxFileSize,
	}
}

// SetMaxFileSize changes the largest announced size OnFileMeta accepts.
// n <= 0 restores DefaultMaxFileSize.
func (r *Receiver) SetMaxFileSize(n int64) {
	if n <= 0 {
		n = DefaultMaxFileSize
	}
	r.mu.Lock()
	r.maxSize = n
	r.mu.Unlock()
}

// OnFileMeta registers a transfer. A second meta for the same fileId replaces
// the first and discards its chunks. A transfer with zero chunks completes
// immediately. A meta whose chunk count does not match its size, or whose
// size is over the limit, is rejected before anything is allocated.
func (r *Receiver) OnFileMeta(meta message.FileMeta) error {
	if err := r.checkMeta(meta); err != nil {
		return err
	}
	in := &incoming{
		meta:   meta,
		chunks: make([][]byte, meta.TotalChunks),
		have:   NewBitmap(meta.TotalChunks),
	}
	r.mu.Lock()
	if _, ok := r.transfers[meta.FileID]; ok {
		r.logger.Warn("file meta replaced existing transfer", "file_id", meta.FileID)
	}
	if meta.TotalChunks > 0 {
		r.transfers[meta.FileID] = in
	} else {
		delete(r.transfers, meta.FileID)
	}
	r.mu.Unlock()

	r.logger.Info("incoming file", "file_id", meta.FileID, "name", meta.Name, "size", meta.Size, "chunks", meta.TotalChunks)
	if r.observer != nil {
		r.observer.TransferStarted(meta)
	}
	if meta.TotalChunks == 0 {
		r.complete(in)
	}
	return nil
}

func (r *Receiver) checkMeta(meta message.FileMeta) error {
	r.mu.Lock()
	limit := r.maxSize
	r.mu.Unlock()

	switch {
	case meta.Size < 0 || meta.TotalChunks < 0:
		return protocolError(meta.FileID, -1, fmt.Errorf("%w: negative size or chunk count", message.ErrMalformedMessage))
	case meta.Size > limit:
		return protocolError(meta.FileID, -1, fmt.Errorf("%w: %w: %d bytes, limit %d", message.ErrMalformedMessage, ErrFileTooLarge, meta.Size, limit))
	case meta.TotalChunks != TotalChunks(int(meta.Size)):
		return protocolError(meta.FileID, -1, fmt.Errorf("%w: %d chunks announced for %d bytes, want %d",
			message.ErrMalformedMessage, meta.TotalChunks, meta.Size, TotalChunks(int(meta.Size))))
	}
	return nil
}

// OnFileChunk stores a chunk. It satisfies message.TransferSink.
func (r *Receiver) OnFileChunk(chunk message.FileChunk) error {
	_, err := r.Accept(chunk)
	return err
}

// Accept stores a chunk and reports the outcome. Chunks for unknown fileIds
// fail with ErrMissingMetadata and leave state unchanged. An out-of-range
// index fails with ErrIndexOutOfRange and drops the transfer. Repeated
// indices are ignored and do not count toward completion.
func (r *Receiver) Accept(chunk message.FileChunk) (ChunkOutcome, error) {
	r.mu.Lock()
	in, ok := r.transfers[chunk.FileID]
	if !ok {
		r.mu.Unlock()
		return ChunkRejected, protocolError(chunk.FileID, chunk.Index, ErrMissingMetadata)
	}
	if chunk.Index < 0 || chunk.Index >= in.meta.TotalChunks {
		delete(r.transfers, chunk.FileID)
		r.mu.Unlock()
		err := protocolError(chunk.FileID, chunk.Index, ErrIndexOutOfRange)
		r.fail(chunk.FileID, err)
		return ChunkRejected, err
	}
	if !in.have.Set(chunk.Index) {
		r.mu.Unlock()
		r.logger.Debug("duplicate chunk ignored", "file_id", chunk.FileID, "index", chunk.Index)
		return ChunkDuplicate, nil
	}
	data := make([]byte, len(chunk.Data))
	copy(data, chunk.Data)
	in.chunks[chunk.Index] = data
	in.bytes += int64(len(data))
	progress := in.progress()
	done := in.have.Complete()
	if done {
		delete(r.transfers, chunk.FileID)
	}
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.TransferProgress(progress)
	}
	if !done {
		return ChunkStored, nil
	}
	if err := r.complete(in); err != nil {
		return ChunkRejected, err
	}
	return ChunkCompleted, nil
}

// Pending returns the progress of every transfer still waiting for chunks,
// ordered by fileId.
func (r *Receiver) Pending() []Progress {
	r.mu.Lock()
	out := make([]Progress, 0, len(r.transfers))
	for _, in := range r.transfers {
		out = append(out, in.progress())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}

// Drop forgets a pending transfer. It reports whether one existed.
func (r *Receiver) Drop(fileID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.transfers[fileID]
	delete(r.transfers, fileID)
	return ok
}

// Reset forgets every pending transfer.
func (r *Receiver) Reset() {
	r.mu.Lock()
	r.transfers = make(map[string]*incoming)
	r.mu.Unlock()
}

func (r *Receiver) complete(in *incoming) error {
	blob, err := Reconstruct(in.meta, in.chunks)
	if err != nil {
		r.fail(in.meta.FileID, err)
		return err
	}
	r.logger.Info("file received", "file_id", blob.FileID, "name", blob.Name, "size", len(blob.Data))
	if r.observer != nil {
		r.observer.TransferCompleted(blob)
	}
	return nil
}

func (r *Receiver) fail(fileID string, err error) {
	r.logger.Warn("incoming file dropped", "file_id", fileID, "error", err)
	if r.observer != nil {
		r.observer.TransferFailed(fileID, err)
	}
}
