package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// KeySize is the AES-256 key length expected by New.
const KeySize = 32

// AEAD seals tenant secrets (remote password, captcha key) for storage.
type AEAD struct{ aead cipher.AEAD }

func New(key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: a}, nil
}

// GenerateKey returns a fresh random key, base64 encoded.
func GenerateKey() (string, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

func (a *AEAD) EncryptToString(plaintext string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	buf := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

func (a *AEAD) DecryptString(ciphertextB64 string) (string, error) {
	buf, err := base64.RawStdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", err
	}
	ns := a.aead.NonceSize()
	if len(buf) < ns {
		return "", fmt.Errorf("crypto: ciphertext too short")
	}
	pt, err := a.aead.Open(nil, buf[:ns], buf[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open: %w", err)
	}
	return string(pt), nil
}
