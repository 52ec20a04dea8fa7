// Package webhook handles inbound webhook secrets and signature validation.
// Secrets are stored encrypted per project and provider; payload signatures
// use hex-encoded HMAC-SHA256.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"log/slog"

	"github.com/siteforge/siteforge/internal/repository"
	"github.com/siteforge/siteforge/pkg/config"
	"github.com/siteforge/siteforge/pkg/crypto"
)

// ErrInvalidSignature reports a missing or mismatched webhook signature.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Service handles webhook secret storage and validation.
type Service struct {
	repo   repository.WebhookRepository
	logger *slog.Logger
	cfg    config.EngineConfig
}

// New constructs a webhook service.
func New(repo repository.WebhookRepository, logger *slog.Logger, cfg config.EngineConfig) Service {
	return Service{repo: repo, logger: logger, cfg: cfg}
}

// UpsertSecret stores encrypted secret bytes for a project/provider pair.
func (s Service) UpsertSecret(ctx context.Context, projectID, provider, secret string) error {
	value := strings.TrimSpace(secret)
	if value == "" {
		return errors.New("secret is required")
	}
	payload, err := crypto.EncryptString(s.cfg.SecretEncryptionKey, value)
	if err != nil {
		return err
	}
	return s.repo.UpsertWebhookSecret(ctx, projectID, provider, payload)
}

// ValidateSignature checks the HMAC signature for a payload.
func (s Service) ValidateSignature(payload []byte, secret []byte, provided string) error {
	if provided == "" {
		return ErrInvalidSignature
	}
	provided = strings.TrimPrefix(provided, "sha256=")
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// CheckSignature loads the provider's secret for a project and verifies the
// payload signature. Projects without a stored secret accept unsigned
// payloads so providers that cannot sign are still usable.
func (s Service) CheckSignature(ctx context.Context, projectID, provider string, payload []byte, provided string) error {
	secret, err := s.repo.GetWebhookSecret(ctx, projectID, provider)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	raw, err := crypto.DecryptToString(s.cfg.SecretEncryptionKey, secret)
	if err != nil {
		return err
	}
	return s.ValidateSignature(payload, []byte(raw), provided)
}
