package crypto

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"
)

// SignaturePurpose tags every signed message so a signature for one protocol
// operation can never be replayed as another. The numeric values are part of
// the wire protocol and must not change.
type SignaturePurpose uint32

const (
	PurposeContract       SignaturePurpose = 101
	PurposeDepositConfirm SignaturePurpose = 102
	PurposeRefundOK       SignaturePurpose = 103
	PurposeMeltConfirm    SignaturePurpose = 104
	PurposeKeySet         SignaturePurpose = 105
)

// Signature is a detached Ed25519 signature.
type Signature struct {
	bytes []byte
}

// NewSignature wraps raw signature bytes.
func NewSignature(b []byte) Signature {
	if len(b) != SignatureSize {
		panic("signature must be 64 bytes long")
	}
	return Signature{bytes: append([]byte(nil), b...)}
}

func (s Signature) String() string {
	return EncodeBase32(s.bytes)
}

func (s Signature) Bytes() []byte {
	return s.bytes
}

// IsZero reports whether the signature is unset.
func (s Signature) IsZero() bool {
	return len(s.bytes) == 0
}

// DecodeSignature parses the base32 textual form of a signature.
func DecodeSignature(s string) (Signature, error) {
	raw, err := DecodeBase32(s)
	if err != nil {
		return Signature{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(raw) != SignatureSize {
		return Signature{}, fmt.Errorf("signature must decode to %d bytes, got %d", SignatureSize, len(raw))
	}
	return NewSignature(raw), nil
}

// signedMessage builds the canonical byte string that is actually signed:
// the purpose tag in big-endian followed by the blake3 hash of the payload.
func signedMessage(purpose SignaturePurpose, payload []byte) []byte {
	msg := make([]byte, 4+HashSize)
	binary.BigEndian.PutUint32(msg[:4], uint32(purpose))
	sum := blake3.Sum256(payload)
	copy(msg[4:], sum[:])
	return msg
}

// Sign produces a purpose-tagged signature over payload.
func (k *PrivateKey) Sign(purpose SignaturePurpose, payload []byte) Signature {
	return NewSignature(ed25519.Sign(k.key, signedMessage(purpose, payload)))
}

// Verify checks a purpose-tagged signature.
func Verify(purpose SignaturePurpose, payload []byte, sig Signature, pub EddsaPublicKey) bool {
	if sig.IsZero() || pub.IsZero() {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub.bytes), signedMessage(purpose, payload), sig.bytes)
}
