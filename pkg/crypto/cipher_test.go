package crypto

import (
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	payload, err := EncryptString("secret-key", "webhook signing value")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) == "webhook signing value" {
		t.Fatal("ciphertext must differ from plaintext")
	}
	plain, err := DecryptToString("secret-key", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plain != "webhook signing value" {
		t.Fatalf("round trip mismatch: %q", plain)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	payload, err := EncryptString("secret-key", "value")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := DecryptToString("other-key", payload); err == nil {
		t.Fatal("decryption with the wrong key must fail")
	}
}

func TestDecryptTruncatedPayload(t *testing.T) {
	if _, err := DecryptToString("secret-key", []byte{0x01, 0x02}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("payload shorter than the nonce must fail with ErrMalformedPayload, got %v", err)
	}
}
