package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"lukechampine.com/blake3"
)

// Hash is a 32-byte blake3 digest.
type Hash struct {
	bytes []byte
}

// NewHash wraps a raw digest.
func NewHash(b []byte) Hash {
	if len(b) != HashSize {
		panic("hash must be 32 bytes long")
	}
	return Hash{bytes: append([]byte(nil), b...)}
}

func (h Hash) String() string {
	return EncodeBase32(h.bytes)
}

func (h Hash) Bytes() []byte {
	return h.bytes
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return len(h.bytes) == 0
}

// Equal compares two hashes byte-wise.
func (h Hash) Equal(o Hash) bool {
	return bytes.Equal(h.bytes, o.bytes)
}

// DecodeHash parses the base32 textual form of a digest.
func DecodeHash(s string) (Hash, error) {
	raw, err := DecodeBase32(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash encoding: %w", err)
	}
	if len(raw) != HashSize {
		return Hash{}, fmt.Errorf("hash must decode to %d bytes, got %d", HashSize, len(raw))
	}
	return NewHash(raw), nil
}

// HashBytes digests raw bytes.
func HashBytes(data []byte) Hash {
	sum := blake3.Sum256(data)
	return NewHash(sum[:])
}

// CanonicalJSON re-encodes a JSON document deterministically: object keys
// sorted, no insignificant whitespace, numbers kept verbatim. Two documents
// with the same logical content canonicalise to the same bytes.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(val.String())
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// ContractHash digests a JSON contract after canonicalisation.
func ContractHash(contractJSON []byte) (Hash, error) {
	canon, err := CanonicalJSON(contractJSON)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(canon), nil
}

// WireHash derives the salted digest of a bank account: payto URI and salt
// separated by a NUL so distinct splits cannot collide.
func WireHash(paytoURI string, salt []byte) Hash {
	h := blake3.New(HashSize, nil)
	h.Write([]byte(paytoURI))
	h.Write([]byte{0})
	h.Write(salt)
	return NewHash(h.Sum(nil))
}
