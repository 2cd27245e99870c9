package swarm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 8 << 20

var helloMagic = []byte("RDH1")

// WriteFrame writes p with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, p []byte) error {
	if len(p) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(p))
	}
	buf := make([]byte, 4+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[4:], p)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return p, nil
}

func writeHello(w io.Writer, publicKey []byte) error {
	return WriteFrame(w, append(append([]byte{}, helloMagic...), publicKey...))
}

func readHello(r io.Reader) ([]byte, error) {
	p, err := ReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if len(p) != len(helloMagic)+KeySize || !bytes.HasPrefix(p, helloMagic) {
		return nil, errors.New("read hello: malformed hello frame")
	}
	return p[len(helloMagic):], nil
}
