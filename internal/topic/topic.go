// Package topic defines the rendezvous identifier two peers share to find
// each other.
package topic

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the length of a topic in bytes.
const Size = 32

// ErrInvalidTopic is returned when a textual topic is not 64 hex characters.
var ErrInvalidTopic = errors.New("invalid topic")

// Topic is a 32-byte rendezvous identifier. Its textual form is lowercase hex.
type Topic [Size]byte

// New returns a random topic.
func New() (Topic, error) {
	var t Topic
	if _, err := rand.Read(t[:]); err != nil {
		return Topic{}, fmt.Errorf("generate topic: %w", err)
	}
	return t, nil
}

// Parse decodes a hex topic. Surrounding whitespace is ignored and either
// case is accepted.
func Parse(s string) (Topic, error) {
	s = strings.TrimSpace(s)
	if len(s) != Size*2 {
		return Topic{}, fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidTopic, Size*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Topic{}, fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}
	var t Topic
	copy(t[:], raw)
	return t, nil
}

// Hex returns the lowercase hex form.
func (t Topic) Hex() string {
	return hex.EncodeToString(t[:])
}

// String implements fmt.Stringer.
func (t Topic) String() string {
	return t.Hex()
}

// Bytes returns a copy of the raw topic bytes.
func (t Topic) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, t[:])
	return out
}

// IsZero reports whether t is the zero topic.
func (t Topic) IsZero() bool {
	return t == Topic{}
}
