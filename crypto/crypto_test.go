package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestBase32RoundTrip(t *testing.T) {
	for _, in := range [][]byte{nil, {0}, {0xff}, {1, 2, 3, 4, 5}, bytes.Repeat([]byte{0xab}, 32)} {
		enc := EncodeBase32(in)
		dec, err := DecodeBase32(enc)
		if err != nil {
			t.Fatalf("decode %q: %v", enc, err)
		}
		if !bytes.Equal(dec, in) {
			t.Fatalf("round trip %x -> %q -> %x", in, enc, dec)
		}
	}
}

func TestBase32Aliases(t *testing.T) {
	enc := EncodeBase32([]byte{0, 1, 2, 3})
	lowered, err := DecodeBase32(lower(enc))
	if err != nil {
		t.Fatalf("lowercase decode: %v", err)
	}
	if !bytes.Equal(lowered, []byte{0, 1, 2, 3}) {
		t.Fatalf("lowercase decode mismatch")
	}
	if _, err := DecodeBase32("U*"); err == nil {
		t.Fatalf("invalid characters accepted")
	}
}

func lower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

func TestSignVerifyPurposeSeparation(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payload := []byte("contract body")
	sig := key.Sign(PurposeContract, payload)
	if !Verify(PurposeContract, payload, sig, key.PubKey()) {
		t.Fatalf("signature did not verify")
	}
	if Verify(PurposeRefundOK, payload, sig, key.PubKey()) {
		t.Fatalf("signature verified under the wrong purpose")
	}
	if Verify(PurposeContract, []byte("other"), sig, key.PubKey()) {
		t.Fatalf("signature verified over different payload")
	}
}

func TestCanonicalJSONStable(t *testing.T) {
	a := []byte(`{"b": 1, "a": {"y": [2, 1], "x": "s"}}`)
	b := []byte(`{"a":{"x":"s","y":[2,1]},"b":1}`)
	ca, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("canonicalise: %v", err)
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("canonicalise: %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Fatalf("canonical forms differ: %s vs %s", ca, cb)
	}
	ha, _ := ContractHash(a)
	hb, _ := ContractHash(b)
	if !ha.Equal(hb) {
		t.Fatalf("contract hashes differ")
	}
}

func TestCanonicalJSONKeepsNumbers(t *testing.T) {
	canon, err := CanonicalJSON([]byte(`{"n": 100000000000000000001}`))
	if err != nil {
		t.Fatalf("canonicalise: %v", err)
	}
	if string(canon) != `{"n":100000000000000000001}` {
		t.Fatalf("number mangled: %s", canon)
	}
}

func TestWireHashDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, WireSaltSize)
	h1 := WireHash("payto://iban/DE123", salt)
	h2 := WireHash("payto://iban/DE123", salt)
	if !h1.Equal(h2) {
		t.Fatalf("wire hash not deterministic")
	}
	if h1.Equal(WireHash("payto://iban/DE124", salt)) {
		t.Fatalf("distinct accounts collide")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(dir, "merchant.key")
	if err := SaveKey(path, key, "hunter2"); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadKey(path, "hunter2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.PubKey().Equal(key.PubKey()) {
		t.Fatalf("loaded key differs")
	}
	if _, err := LoadKey(path, "wrong"); err == nil {
		t.Fatalf("wrong passphrase accepted")
	}
}
