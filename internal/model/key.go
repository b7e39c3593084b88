package model

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Key is a 32-byte WireGuard key (private, public, or preshared), carried
// on the wire as standard base64 (spec §6: "base64, 32B").
type Key [32]byte

// ParseKey decodes a base64-encoded 32-byte key.
func ParseKey(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decode key: %w", err)
	}
	if len(b) != 32 {
		return Key{}, fmt.Errorf("key must be 32 bytes, got %d", len(b))
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// GenerateKey returns a new random 32-byte key suitable for use as a
// WireGuard private or preshared key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal key: %w", err)
	}
	parsed, err := ParseKey(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsZero reports whether the key is all-zero (unset).
func (k Key) IsZero() bool {
	return k == Key{}
}

// curve25519PublicKey derives the Curve25519 public key for a WireGuard
// private key, clamped per RFC 7748 the same way wg(8) does.
func curve25519PublicKey(priv Key) (Key, error) {
	clamped := priv
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64

	var pub [32]byte
	out, err := curve25519.X25519(clamped[:], curve25519.Basepoint)
	if err != nil {
		return Key{}, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], out)
	return Key(pub), nil
}
