package crypto

import (
	"fmt"
	"strings"
)

// Crockford base32 alphabet used for every binary field on the wire.
const base32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// EncodeBase32 renders raw bytes in Crockford base32 without padding.
func EncodeBase32(data []byte) string {
	var sb strings.Builder
	sb.Grow((len(data)*8 + 4) / 5)
	var acc uint64
	var bits uint
	for _, b := range data {
		acc = acc<<8 | uint64(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(base32Alphabet[(acc>>bits)&31])
		}
	}
	if bits > 0 {
		sb.WriteByte(base32Alphabet[(acc<<(5-bits))&31])
	}
	return sb.String()
}

// DecodeBase32 parses Crockford base32. Decoding is case-insensitive and
// accepts the usual transcription aliases (O→0, I/L→1).
func DecodeBase32(s string) ([]byte, error) {
	out := make([]byte, 0, len(s)*5/8)
	var acc uint64
	var bits uint
	for i := 0; i < len(s); i++ {
		v, err := base32Digit(s[i])
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		acc = acc<<5 | uint64(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>bits))
		}
	}
	// Leftover bits are encoder padding and must be zero.
	if bits > 0 && acc&((1<<bits)-1) != 0 {
		return nil, fmt.Errorf("non-zero padding bits")
	}
	return out, nil
}

func base32Digit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'z':
		c -= 'a' - 'A'
	}
	switch c {
	case 'O':
		return 0, nil
	case 'I', 'L':
		return 1, nil
	}
	if c < 'A' || c > 'Z' {
		return 0, fmt.Errorf("invalid base32 character %q", c)
	}
	idx := strings.IndexByte(base32Alphabet, c)
	if idx < 0 {
		return 0, fmt.Errorf("invalid base32 character %q", c)
	}
	return byte(idx), nil
}
