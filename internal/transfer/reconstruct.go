package transfer

import (
	"fmt"

	"github.com/sheerbytes/roomdrop/internal/message"
)

// DefaultMime is used when a transfer carries no mime type.
const DefaultMime = "application/octet-stream"

// Blob is a reassembled file tagged with its original name and mime type.
type Blob struct {
	FileID string
	Name   string
	Mime   string
	Data   []byte
}

// Reconstruct concatenates chunks in index order. A nil slot fails with
// ErrIncompleteTransfer and a total length different from meta.Size fails
// with ErrSizeMismatch.
func Reconstruct(meta message.FileMeta, chunks [][]byte) (Blob, error) {
	if len(chunks) != meta.TotalChunks {
		return Blob{}, protocolError(meta.FileID, -1,
			fmt.Errorf("%w: have %d slots, want %d", ErrIncompleteTransfer, len(chunks), meta.TotalChunks))
	}
	var size int64
	for i, c := range chunks {
		if c == nil {
			return Blob{}, protocolError(meta.FileID, i, ErrIncompleteTransfer)
		}
		size += int64(len(c))
	}
	if size != meta.Size {
		return Blob{}, protocolError(meta.FileID, -1,
			fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, size, meta.Size))
	}

	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c...)
	}
	mime := meta.Mime
	if mime == "" {
		mime = DefaultMime
	}
	return Blob{
		FileID: meta.FileID,
		Name:   meta.Name,
		Mime:   mime,
		Data:   data,
	}, nil
}
