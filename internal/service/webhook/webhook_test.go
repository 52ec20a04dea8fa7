package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/siteforge/siteforge/internal/repository"
	"github.com/siteforge/siteforge/pkg/config"
)

type fakeWebhookRepo struct {
	secrets map[string][]byte
}

func (f *fakeWebhookRepo) UpsertWebhookSecret(ctx context.Context, projectID, provider string, secret []byte) error {
	if f.secrets == nil {
		f.secrets = make(map[string][]byte)
	}
	f.secrets[projectID+"/"+provider] = secret
	return nil
}

func (f *fakeWebhookRepo) GetWebhookSecret(ctx context.Context, projectID, provider string) ([]byte, error) {
	secret, ok := f.secrets[projectID+"/"+provider]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return secret, nil
}

func newTestService() (Service, *fakeWebhookRepo) {
	repo := &fakeWebhookRepo{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.EngineConfig{SecretEncryptionKey: "test-encryption-key"}
	return New(repo, log, cfg), repo
}

func sign(secret string, payload []byte) string {
	hasher := hmac.New(sha256.New, []byte(secret))
	hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil))
}

func TestUpsertSecretStoresEncrypted(t *testing.T) {
	svc, repo := newTestService()

	if err := svc.UpsertSecret(context.Background(), "proj-1", "hostly", "hook-secret"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := repo.secrets["proj-1/hostly"]
	if len(stored) == 0 {
		t.Fatal("secret was not persisted")
	}
	if string(stored) == "hook-secret" {
		t.Fatal("secret must not be stored in plaintext")
	}
}

func TestUpsertSecretRejectsEmpty(t *testing.T) {
	svc, _ := newTestService()
	if err := svc.UpsertSecret(context.Background(), "proj-1", "hostly", "   "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

func TestCheckSignatureRoundTrip(t *testing.T) {
	svc, _ := newTestService()
	payload := []byte(`{"id":"dep-1","state":"ready"}`)

	if err := svc.UpsertSecret(context.Background(), "proj-1", "hostly", "hook-secret"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.CheckSignature(context.Background(), "proj-1", "hostly", payload, sign("hook-secret", payload)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	// The sha256= prefix some providers send is accepted too.
	if err := svc.CheckSignature(context.Background(), "proj-1", "hostly", payload, "sha256="+sign("hook-secret", payload)); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
	err := svc.CheckSignature(context.Background(), "proj-1", "hostly", payload, sign("wrong-secret", payload))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestCheckSignatureWithoutStoredSecret(t *testing.T) {
	svc, _ := newTestService()
	// Providers that cannot sign stay usable: no stored secret accepts
	// unsigned payloads.
	if err := svc.CheckSignature(context.Background(), "proj-1", "hostly", []byte("{}"), ""); err != nil {
		t.Fatalf("unsigned payload must pass without a stored secret, got %v", err)
	}
}

func TestValidateSignatureRequiresValue(t *testing.T) {
	svc, _ := newTestService()
	err := svc.ValidateSignature([]byte("{}"), []byte("secret"), "")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for missing header, got %v", err)
	}
}
