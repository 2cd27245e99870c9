package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingMetadata indicates a chunk arrived for a fileId with no prior file-meta.
	ErrMissingMetadata = errors.New("missing file metadata")
	// ErrIndexOutOfRange indicates a chunk index outside [0, totalChunks).
	ErrIndexOutOfRange = errors.New("chunk index out of range")
	// ErrIncompleteTransfer indicates reconstruction found an unfilled chunk slot.
	ErrIncompleteTransfer = errors.New("incomplete transfer")
	// ErrSizeMismatch indicates the reassembled bytes disagree with the announced size.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrTransportWrite indicates a frame could not be written to the peer.
	ErrTransportWrite = errors.New("transport write failed")
	// ErrFileTooLarge indicates a file-meta announced more bytes than the receiver accepts.
	ErrFileTooLarge = errors.New("file too large")
	// ErrCancelled indicates an outgoing transfer was stopped before its last chunk.
	ErrCancelled = errors.New("transfer cancelled")
)

// ProtocolError attaches transfer context to one of the sentinel errors.
type ProtocolError struct {
	FileID string
	Index  int
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("file %s chunk %d: %v", e.FileID, e.Index, e.Err)
	}
	return fmt.Sprintf("file %s: %v", e.FileID, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolError(fileID string, index int, err error) error {
	return &ProtocolError{FileID: fileID, Index: index, Err: err}
}
