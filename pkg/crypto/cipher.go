// Package crypto seals small secrets (webhook signing keys) for storage in
// the ledger. Payloads are AES-GCM sealed with the nonce prepended, keyed by
// a SHA-256 digest of the configured encryption secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedPayload reports stored data too short to carry a nonce.
var ErrMalformedPayload = errors.New("crypto: malformed payload")

// aead builds the AES-GCM cipher for the configured secret. Key material of
// any length is normalized through SHA-256.
func aead(secret string) (cipher.AEAD, error) {
	digest := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(digest[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: init gcm: %w", err)
	}
	return gcm, nil
}

// EncryptString seals plaintext under the secret. The random nonce travels
// as the payload prefix.
func EncryptString(secret string, plaintext string) ([]byte, error) {
	gcm, err := aead(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// DecryptToString opens a payload produced by EncryptString.
func DecryptToString(secret string, payload []byte) (string, error) {
	gcm, err := aead(secret)
	if err != nil {
		return "", err
	}
	if len(payload) < gcm.NonceSize() {
		return "", ErrMalformedPayload
	}
	nonce, sealed := payload[:gcm.NonceSize()], payload[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open payload: %w", err)
	}
	return string(plain), nil
}
