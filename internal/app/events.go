package app

import (
	"github.com/sheerbytes/roomdrop/internal/progress"
	"github.com/sheerbytes/roomdrop/internal/session"
	"github.com/sheerbytes/roomdrop/internal/transfer"
)

// Event is something the chat reports to the presentation layer.
type Event interface {
	event()
}

// StatusEvent is a one-line status message.
type StatusEvent struct {
	Text string
}

// ChatEvent is a chat line. Outgoing lines were typed locally.
type ChatEvent struct {
	From     string
	Text     string
	Outgoing bool
}

// PeerEvent reports the remote handshake or the loss of the peer.
type PeerEvent struct {
	Name      string
	Connected bool
}

// StateEvent mirrors a session state change.
type StateEvent struct {
	State session.State
}

// TransferEvent reports transfer progress in either direction.
type TransferEvent struct {
	Progress transfer.Progress
	Stats    progress.Stats
	Outgoing bool
}

// FileSentEvent reports the end of an outgoing transfer. Err is nil on
// success and wraps transfer.ErrCancelled when cancelled.
type FileSentEvent struct {
	FileID string
	Name   string
	Err    error
}

// FileReceivedEvent reports a reconstructed incoming file.
type FileReceivedEvent struct {
	File transfer.Blob
}

// ErrorEvent reports a non-fatal error.
type ErrorEvent struct {
	From string
	Err  error
}

func (StatusEvent) event()       {}
func (ChatEvent) event()         {}
func (PeerEvent) event()         {}
func (StateEvent) event()        {}
func (TransferEvent) event()     {}
func (FileSentEvent) event()     {}
func (FileReceivedEvent) event() {}
func (ErrorEvent) event()        {}
