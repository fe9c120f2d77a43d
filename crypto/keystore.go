package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"
)

const keyfileKDFContext = "merchantd keyfile v1"

type keyfile struct {
	MerchantPub string `json:"merchant_pub"`
	Nonce       string `json:"nonce,omitempty"`
	Key         string `json:"key"`
}

// SaveKey writes the merchant private key to path with 0600 permissions. A
// non-empty passphrase encrypts the key with AES-GCM under a blake3-derived
// key; an empty passphrase stores it in the clear for development setups.
func SaveKey(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keyfile path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	kf := keyfile{MerchantPub: key.PubKey().String()}
	raw := key.Bytes()
	if passphrase != "" {
		aead, err := passphraseAEAD(passphrase)
		if err != nil {
			return err
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		kf.Nonce = EncodeBase32(nonce)
		kf.Key = EncodeBase32(aead.Seal(nil, nonce, raw, nil))
	} else {
		kf.Key = EncodeBase32(raw)
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadKey reads a keyfile written by SaveKey.
func LoadKey(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keyfile path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse keyfile: %w", err)
	}
	raw, err := DecodeBase32(kf.Key)
	if err != nil {
		return nil, fmt.Errorf("decode key material: %w", err)
	}
	if kf.Nonce != "" {
		aead, err := passphraseAEAD(passphrase)
		if err != nil {
			return nil, err
		}
		nonce, err := DecodeBase32(kf.Nonce)
		if err != nil {
			return nil, fmt.Errorf("decode nonce: %w", err)
		}
		raw, err = aead.Open(nil, nonce, raw, nil)
		if err != nil {
			return nil, errors.New("crypto: wrong passphrase or corrupt keyfile")
		}
	}
	return PrivateKeyFromBytes(raw)
}

func passphraseAEAD(passphrase string) (cipher.AEAD, error) {
	derived := make([]byte, 32)
	blake3.DeriveKey(derived, keyfileKDFContext, []byte(passphrase))
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
