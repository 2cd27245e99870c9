package swarm

import (
	"bytes"
	"regexp"
	"testing"
)

func TestNewIdentity(t *testing.T) {
	a, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	b, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	if a.Public == b.Public {
		t.Fatal("two identities share a public key")
	}
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(a.PeerID()) {
		t.Fatalf("PeerID = %q, want 64 lowercase hex chars", a.PeerID())
	}
}

func TestSharedSecret(t *testing.T) {
	a, _ := NewIdentity()
	b, _ := NewIdentity()
	ab, err := a.SharedSecret(b.Public[:])
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	ba, err := b.SharedSecret(a.Public[:])
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatal("shared secrets differ")
	}
	if _, err := a.SharedSecret([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		key  []byte
		want string
	}{
		{[]byte{0xde, 0xad, 0xbe, 0xef, 0x01}, "deadbe"},
		{[]byte{0x0a}, "0a"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := DisplayName(tt.key); got != tt.want {
			t.Errorf("DisplayName(%x) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
