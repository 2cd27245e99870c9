package swarm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of a public key.
const KeySize = curve25519.PointSize

// Identity is this peer's long-lived keypair. The public key names the peer
// on the rendezvous server and in the connection hello.
type Identity struct {
	Public  [KeySize]byte
	private [curve25519.ScalarSize]byte
}

// NewIdentity generates a fresh keypair.
func NewIdentity() (Identity, error) {
	var id Identity
	if _, err := rand.Read(id.private[:]); err != nil {
		return Identity{}, fmt.Errorf("generate identity: %w", err)
	}
	pub, err := curve25519.X25519(id.private[:], curve25519.Basepoint)
	if err != nil {
		return Identity{}, fmt.Errorf("derive public key: %w", err)
	}
	copy(id.Public[:], pub)
	return id, nil
}

// PeerID is the lowercase hex public key.
func (id Identity) PeerID() string {
	return hex.EncodeToString(id.Public[:])
}

// SharedSecret computes the X25519 secret with a remote public key.
func (id Identity) SharedSecret(remote []byte) ([]byte, error) {
	if len(remote) != KeySize {
		return nil, fmt.Errorf("remote key: want %d bytes, got %d", KeySize, len(remote))
	}
	return curve25519.X25519(id.private[:], remote)
}
