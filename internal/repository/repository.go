package repository

import (
	"context"

	"github.com/siteforge/siteforge/internal/domain"
)

// UserRepository resolves project owners.
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ProjectRepository owns the deployment status ledger. Every lifecycle
// mutation goes through one of the atomic update operations below; callers
// never persist a whole project back.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error)
	// ListPollableProjects returns webhook-restricted projects that are not
	// in terminal build failure.
	ListPollableProjects(ctx context.Context) ([]domain.Project, error)

	// UpdateBuildStatus applies a guarded status transition and returns the
	// updated project. A guard miss returns ErrConflict.
	UpdateBuildStatus(ctx context.Context, projectID string, update domain.StatusUpdate) (*domain.Project, error)
	// UpdateDeployment merges a partial update into one provider's document,
	// leaving every other provider's keys untouched.
	UpdateDeployment(ctx context.Context, projectID string, update domain.DeploymentUpdate) (*domain.Project, error)

	PutEnvironment(ctx context.Context, projectID, name string, data domain.DeploymentData) error
	RemoveEnvironment(ctx context.Context, projectID, name string) error

	// SaveSplitTest replaces the active campaign; nil clears it.
	SaveSplitTest(ctx context.Context, projectID string, test *domain.SplitTest) error

	// SetPublishingVersions updates content publishing bookkeeping. Nil
	// publishing clears the in-flight version; nil published leaves it as is.
	SetPublishingVersions(ctx context.Context, projectID string, publishing *int64, published *int64) error

	// AddMetrics increments counters without overwriting siblings.
	AddMetrics(ctx context.Context, projectID string, delta domain.MetricsDelta) error
}

// BuildErrorRepository persists serialized pipeline failures for operators.
type BuildErrorRepository interface {
	InsertBuildError(ctx context.Context, record *domain.BuildError) error
	ListBuildErrorsByProject(ctx context.Context, projectID string, limit int) ([]domain.BuildError, error)
}

// BuildLogRepository handles deploy timeline persistence.
type BuildLogRepository interface {
	AppendLog(ctx context.Context, entry domain.BuildLogEntry) error
	ListLogsByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.BuildLogEntry, error)
}

// WebhookRepository stores per-project, per-provider webhook secrets.
type WebhookRepository interface {
	UpsertWebhookSecret(ctx context.Context, projectID, provider string, secret []byte) error
	GetWebhookSecret(ctx context.Context, projectID, provider string) ([]byte, error)
}
