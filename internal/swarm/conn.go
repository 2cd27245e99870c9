package swarm

import (
	"errors"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

// quicConn is a Conn backed by one bidirectional QUIC stream.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	remote []byte

	writeMu sync.Mutex
	once    sync.Once
	onClose func()
}

func newQUICConn(conn *quic.Conn, stream *quic.Stream, remote []byte, onClose func()) *quicConn {
	return &quicConn{
		conn:    conn,
		stream:  stream,
		remote:  append([]byte(nil), remote...),
		onClose: onClose,
	}
}

func (c *quicConn) RemotePublicKey() []byte {
	return append([]byte(nil), c.remote...)
}

func (c *quicConn) WriteFrame(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn.Context().Err() != nil {
		return ErrConnClosed
	}
	if err := WriteFrame(c.stream, p); err != nil {
		if normalClose(err) {
			return ErrConnClosed
		}
		return err
	}
	return nil
}

func (c *quicConn) ReadFrame() ([]byte, error) {
	p, err := ReadFrame(c.stream)
	if err != nil {
		c.release()
		if normalClose(err) {
			return nil, ErrConnClosed
		}
	}
	return p, err
}

func (c *quicConn) Destroy() error {
	c.release()
	c.stream.CancelRead(0)
	return c.conn.CloseWithError(0, "destroyed")
}

func (c *quicConn) release() {
	c.once.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// normalClose reports whether err is the result of either side calling
// Destroy: an application close or a stream reset with code 0, or a read on
// an already closed socket.
func normalClose(err error) bool {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.ErrorCode == 0
	}
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return streamErr.ErrorCode == 0
	}
	return errors.Is(err, net.ErrClosed)
}
