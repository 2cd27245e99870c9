// Package swarm turns a topic into live peer connections. Peers meet on a
// rendezvous server, trade UDP candidates and open a QUIC stream to each
// other; every connection carries length-prefixed frames.
package swarm

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/sheerbytes/roomdrop/internal/topic"
)

var (
	// ErrDestroyed is returned by operations on a destroyed swarm.
	ErrDestroyed = errors.New("swarm destroyed")
	// ErrNotJoined is returned when leaving a topic that was never joined.
	ErrNotJoined = errors.New("topic not joined")
	// ErrConnClosed is returned by frame operations on a destroyed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrFrameTooLarge is returned for frames over MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// JoinOptions selects whether this peer dials others, accepts from others, or both.
type JoinOptions struct {
	Client bool
	Server bool
}

// Discovery is the handle returned by Join.
type Discovery interface {
	// Flushed blocks until the join is recorded by the discovery layer.
	Flushed(ctx context.Context) error
	Topic() topic.Topic
}

// Conn is a live, framed connection to one remote peer.
type Conn interface {
	RemotePublicKey() []byte
	WriteFrame(p []byte) error
	// ReadFrame blocks for the next frame. It returns an error once the
	// connection is gone.
	ReadFrame() ([]byte, error)
	Destroy() error
}

// Swarm is the transport substrate used by a session.
type Swarm interface {
	Join(ctx context.Context, t topic.Topic, opts JoinOptions) (Discovery, error)
	Leave(t topic.Topic) error
	// Connections delivers every new peer connection. It is not closed on
	// Destroy.
	Connections() <-chan Conn
	Destroy() error
}

// DisplayName returns the short name shown for a peer: the first six hex
// characters of its public key.
func DisplayName(publicKey []byte) string {
	name := hex.EncodeToString(publicKey)
	if len(name) > 6 {
		name = name[:6]
	}
	return name
}
