package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Key sizes in bytes. All public keys on the wire are Ed25519 points and all
// signatures are Ed25519 signatures.
const (
	PublicKeySize  = ed25519.PublicKeySize
	SignatureSize  = ed25519.SignatureSize
	HashSize       = 32
	WireSaltSize   = 32
	ClaimNonceSize = 32
)

// EddsaPublicKey is a 32-byte Ed25519 public key: merchant keys, coin keys,
// reserve keys and exchange master keys all share this representation.
type EddsaPublicKey struct {
	bytes []byte
}

// NewEddsaPublicKey wraps raw key bytes.
func NewEddsaPublicKey(b []byte) EddsaPublicKey {
	if len(b) != PublicKeySize {
		panic("public key must be 32 bytes long")
	}
	return EddsaPublicKey{bytes: append([]byte(nil), b...)}
}

func (p EddsaPublicKey) String() string {
	return EncodeBase32(p.bytes)
}

func (p EddsaPublicKey) Bytes() []byte {
	return p.bytes
}

// IsZero reports whether the key is unset.
func (p EddsaPublicKey) IsZero() bool {
	return len(p.bytes) == 0
}

// Equal compares two public keys byte-wise.
func (p EddsaPublicKey) Equal(o EddsaPublicKey) bool {
	return bytes.Equal(p.bytes, o.bytes)
}

// DecodePublicKey parses the base32 textual form of a public key.
func DecodePublicKey(s string) (EddsaPublicKey, error) {
	raw, err := DecodeBase32(s)
	if err != nil {
		return EddsaPublicKey{}, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != PublicKeySize {
		return EddsaPublicKey{}, fmt.Errorf("public key must decode to %d bytes, got %d", PublicKeySize, len(raw))
	}
	return NewEddsaPublicKey(raw), nil
}

// --- Key Management ---

type PrivateKey struct {
	key ed25519.PrivateKey
}

// GeneratePrivateKey creates a fresh Ed25519 keypair.
func GeneratePrivateKey() (*PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: key}, nil
}

// Bytes returns the 64-byte private key representation.
func (k *PrivateKey) Bytes() []byte {
	return append([]byte(nil), k.key...)
}

func (k *PrivateKey) PubKey() EddsaPublicKey {
	return NewEddsaPublicKey(k.key.Public().(ed25519.PublicKey))
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	return &PrivateKey{key: append(ed25519.PrivateKey(nil), b...)}, nil
}
