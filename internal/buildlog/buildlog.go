// Package buildlog provides the per-project, per-user logging scope every
// pipeline and state machine operation emits through, so operators can
// reconstruct a single deploy's timeline.
package buildlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/repository"
	"github.com/siteforge/siteforge/internal/ws"
)

// Service persists timeline entries and streams them to subscribers.
type Service struct {
	repo   repository.BuildLogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a build log service. hub may be nil when streaming is off.
func New(repo repository.BuildLogRepository, hub *ws.Hub, logger *slog.Logger) *Service {
	return &Service{repo: repo, hub: hub, logger: logger}
}

// List returns timeline entries for a project.
func (s *Service) List(ctx context.Context, projectID string, limit, offset int) ([]domain.BuildLogEntry, error) {
	return s.repo.ListLogsByProject(ctx, projectID, limit, offset)
}

// Hub exposes the streaming hub for HTTP handlers.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

// Scope returns a Logger bound to one project and acting user.
func (s *Service) Scope(projectID, userID, source string) *Logger {
	return &Logger{
		svc:       s,
		projectID: projectID,
		userID:    userID,
		source:    source,
		base:      s.logger.With("project_id", projectID, "user_id", userID, "source", source),
	}
}

// Logger is a structured per-deploy logging scope. A nil Logger drops entries
// so provider code never guards against it.
type Logger struct {
	svc       *Service
	projectID string
	userID    string
	source    string
	base      *slog.Logger
}

// Info records an informational timeline entry.
func (l *Logger) Info(ctx context.Context, msg string, meta map[string]any) {
	l.emit(ctx, slog.LevelInfo, msg, meta)
}

// Warn records a warning timeline entry.
func (l *Logger) Warn(ctx context.Context, msg string, meta map[string]any) {
	l.emit(ctx, slog.LevelWarn, msg, meta)
}

// Error records an operator-visible error entry.
func (l *Logger) Error(ctx context.Context, msg string, meta map[string]any) {
	l.emit(ctx, slog.LevelError, msg, meta)
}

func (l *Logger) emit(ctx context.Context, level slog.Level, msg string, meta map[string]any) {
	if l == nil {
		return
	}
	attrs := make([]any, 0, len(meta)*2)
	for k, v := range meta {
		attrs = append(attrs, k, v)
	}
	l.base.Log(ctx, level, msg, attrs...)

	var metadata json.RawMessage
	if len(meta) > 0 {
		if encoded, err := json.Marshal(meta); err == nil {
			metadata = encoded
		}
	}
	entry := domain.BuildLogEntry{
		ProjectID: l.projectID,
		UserID:    l.userID,
		Source:    l.source,
		Level:     level.String(),
		Message:   msg,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.svc.repo.AppendLog(ctx, entry); err != nil {
		l.base.Warn("failed to persist build log entry", "error", err)
		return
	}
	l.svc.broadcastEntry(entry)
}

func (s *Service) broadcastEntry(entry domain.BuildLogEntry) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal build log payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.ProjectID, payload)
}

// MarshalEntry formats a timeline entry for streaming payloads.
func MarshalEntry(entry domain.BuildLogEntry) ([]byte, error) {
	var metadata any
	if len(entry.Metadata) > 0 {
		metadata = json.RawMessage(entry.Metadata)
	}
	payload := map[string]any{
		"project_id": entry.ProjectID,
		"user_id":    entry.UserID,
		"source":     entry.Source,
		"level":      entry.Level,
		"message":    entry.Message,
		"metadata":   metadata,
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
		"id":         entry.ID,
	}
	return json.Marshal(payload)
}
