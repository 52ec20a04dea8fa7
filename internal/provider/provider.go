// Package provider defines the pluggable capability surface for content
// sources, repository hosts and hosting/deployment targets, plus the registry
// that dispatches onto them. Providers implement only the capabilities they
// support; dispatch on an absent capability is a no-op that resolves to the
// project unchanged.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/siteforge/siteforge/internal/buildlog"
	"github.com/siteforge/siteforge/internal/domain"
)

// Provider is the marker every registered implementation satisfies.
// Capabilities are discovered by type assertion at dispatch time.
type Provider interface {
	ID() string
}

// Access is the result of an account access check.
type Access struct {
	HasAccess     bool
	HasConnection bool
}

// Deploy is a provider's raw view of one deploy attempt, as returned by its
// deploy listing API.
type Deploy struct {
	ID        string
	State     string
	Branch    string
	Context   string
	CreatedAt time.Time
}

// Production reports whether the deploy belongs to the production context.
func (d Deploy) Production() bool {
	return d.Context == "" || d.Context == "production"
}

// PreDeployOptions tunes content-source pre-deploy behavior.
type PreDeployOptions struct {
	Environment string
	SkipAssets  bool
}

// PreBuilder provisions remote resources before the first build (CMS space,
// hosting site). Implementations must clean up partially-created resources
// when returning an error is impossible; the pipeline attempts a compensating
// Destroy regardless.
type PreBuilder interface {
	PreBuild(ctx context.Context, p *domain.Project, u *domain.User, previewBranch string, log *buildlog.Logger) (*domain.Project, error)
}

// Deployer pushes the project live on this provider.
type Deployer interface {
	Deploy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error)
}

// PreDeployer prepares provider state immediately before a deploy.
type PreDeployer interface {
	PreDeploy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger, opts PreDeployOptions) (*domain.Project, error)
}

// PostDeployer runs provider side effects after a successful deploy.
type PostDeployer interface {
	PostDeploy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) error
}

// Connector wires provider webhooks back to the platform.
type Connector interface {
	Connect(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error)
}

// PostDeployConnector performs the one-time external side effect after a
// deploy first goes live. Guarded by the per-provider connected flag; must
// not fire twice.
type PostDeployConnector interface {
	PostDeployConnect(ctx context.Context, p *domain.Project, u *domain.User, environment string) (*domain.Project, error)
}

// WebhookReceiver ingests a raw provider payload. It must be safe to call
// repeatedly with the same payload and may return a DeployEvent to feed the
// deployment status state machine.
type WebhookReceiver interface {
	OnWebhook(ctx context.Context, p *domain.Project, u *domain.User, payload []byte, header http.Header) (*domain.Project, *domain.DeployEvent, error)
}

// BuildTriggerer starts a provider-side build.
type BuildTriggerer interface {
	TriggerBuild(ctx context.Context, p *domain.Project, u *domain.User, payload []byte) (*domain.Project, error)
}

// AutoBuildTriggerer starts builds in response to upstream content changes.
type AutoBuildTriggerer interface {
	TriggerAutoBuild(ctx context.Context, p *domain.Project, u *domain.User, payload []byte) (*domain.Project, error)
}

// DeploymentDataUpdater refreshes provider-specific deployment parameters.
type DeploymentDataUpdater interface {
	UpdateProjectDeploymentData(ctx context.Context, p *domain.Project, u *domain.User, params map[string]string) (*domain.Project, error)
}

// BuildProgressSetter records provider-specific build progress.
type BuildProgressSetter interface {
	SetDeploymentBuildProgress(ctx context.Context, p *domain.Project, ev *domain.DeployEvent, params map[string]string) (*domain.Project, error)
}

// AccessChecker verifies the user's provider account is reachable.
type AccessChecker interface {
	HasAccess(ctx context.Context, p *domain.Project, u *domain.User) (Access, error)
}

// Destroyer tears down provider resources for the project.
type Destroyer interface {
	Destroy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) error
}

// Redeployer re-runs a deploy, optionally forcing a rebuild.
type Redeployer interface {
	Redeploy(ctx context.Context, p *domain.Project, u *domain.User, environment string, log *buildlog.Logger, force bool) error
}

// APIKeyCreator generates and persists a scoped inbound-API credential for
// later provider-to-platform calls.
type APIKeyCreator interface {
	CreateAPIKey(ctx context.Context, p *domain.Project, u *domain.User) (*domain.Project, error)
}

// ProjectBuilder materializes the site's runnable artifact or container.
type ProjectBuilder interface {
	BuildProject(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error)
}

// ContentImporter loads starter content from a scratch directory.
type ContentImporter interface {
	ImportContent(ctx context.Context, p *domain.Project, u *domain.User, dir string, log *buildlog.Logger) (*domain.Project, error)
}

// ContentPublisher publishes pending CMS changes for an environment. The
// returned flag reports whether anything was pending.
type ContentPublisher interface {
	PublishPending(ctx context.Context, p *domain.Project, u *domain.User, environment string) (bool, error)
}

// DeployLister fetches the provider's raw deploy list for a site.
type DeployLister interface {
	ListDeploys(ctx context.Context, p *domain.Project, environment string) ([]Deploy, error)
}

// BuildHookManager manages provider build hooks for environments.
type BuildHookManager interface {
	CreateBuildHook(ctx context.Context, p *domain.Project, environment string) (string, error)
	DeleteBuildHook(ctx context.Context, p *domain.Project, hookID string) error
	TriggerBuildHook(ctx context.Context, p *domain.Project, hookID string) error
}

// TrafficSplitter starts and stops provider-side traffic splitting.
type TrafficSplitter interface {
	StartTrafficSplit(ctx context.Context, p *domain.Project, test *domain.SplitTest) (string, error)
	StopTrafficSplit(ctx context.Context, p *domain.Project, splitTestID string) error
}

// EnvironmentProvisioner creates and removes per-environment provider
// resources addressed by environment name.
type EnvironmentProvisioner interface {
	CreateEnvironment(ctx context.Context, p *domain.Project, u *domain.User, name string) (*domain.Project, error)
	RemoveEnvironment(ctx context.Context, p *domain.Project, u *domain.User, name string) error
}

// BranchManager manipulates repository branches.
type BranchManager interface {
	CreateBranch(ctx context.Context, p *domain.Project, name, from string) error
	DeleteBranch(ctx context.Context, p *domain.Project, name string) error
	ResetBranch(ctx context.Context, p *domain.Project, name, toRef string) error
	TagBranches(ctx context.Context, p *domain.Project, label string) error
	CompareBranches(ctx context.Context, p *domain.Project, base, head string) (aheadBy int, err error)
}

// RepositoryTransferrer hands the repository over to the user's account.
type RepositoryTransferrer interface {
	TransferRepository(ctx context.Context, p *domain.Project, u *domain.User) error
}

// ConfigEnsurer generates the provider configuration file when missing.
type ConfigEnsurer interface {
	EnsureConfig(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error)
}
