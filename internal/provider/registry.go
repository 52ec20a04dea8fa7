package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/siteforge/siteforge/internal/buildlog"
	"github.com/siteforge/siteforge/internal/domain"
)

// Registry maps provider identifiers to implementations and performs soft
// dispatch: invoking a capability a provider does not implement resolves to
// the project unchanged rather than erroring.
type Registry struct {
	providers map[string]Provider
	logger    *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{providers: make(map[string]Provider), logger: logger}
}

// Register adds a provider implementation under its identifier.
func (r *Registry) Register(p Provider) {
	r.providers[p.ID()] = p
}

// Get resolves a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// Target resolves the project's effective deployment target: the container
// wrapper when configured, otherwise the plain hosting target.
func (r *Registry) Target(p *domain.Project) (Provider, bool) {
	return r.Get(p.TargetProvider())
}

// HostingTarget resolves the plain hosting target, bypassing the container
// wrapper. Split tests and polling address the hosting provider directly.
func (r *Registry) HostingTarget(p *domain.Project) (Provider, bool) {
	return r.Get(p.DeploymentTarget)
}

// RepositoryHost resolves the repository provider.
func (r *Registry) RepositoryHost(p *domain.Project) (Provider, bool) {
	return r.Get(p.Repository)
}

// ContentChain returns the ordered content-source providers: the active CMS
// first, then a distinct import source when configured. Content-shaped
// capabilities run over this chain, each step receiving the previous step's
// returned project.
func (r *Registry) ContentChain(p *domain.Project) []Provider {
	chain := make([]Provider, 0, 2)
	if cms, ok := r.Get(p.ContentSource); ok {
		chain = append(chain, cms)
	}
	if p.ImportSource != "" && p.ImportSource != p.ContentSource {
		if imp, ok := r.Get(p.ImportSource); ok {
			chain = append(chain, imp)
		}
	}
	return chain
}

// PreBuild runs the preBuild capability across the content chain.
func (r *Registry) PreBuild(ctx context.Context, p *domain.Project, u *domain.User, previewBranch string, log *buildlog.Logger) (*domain.Project, error) {
	return r.reduceContent(ctx, p, func(ctx context.Context, prov Provider, project *domain.Project) (*domain.Project, error) {
		impl, ok := prov.(PreBuilder)
		if !ok {
			return project, nil
		}
		return impl.PreBuild(ctx, project, u, previewBranch, log)
	})
}

// ImportContent runs starter content import across the content chain.
func (r *Registry) ImportContent(ctx context.Context, p *domain.Project, u *domain.User, dir string, log *buildlog.Logger) (*domain.Project, error) {
	return r.reduceContent(ctx, p, func(ctx context.Context, prov Provider, project *domain.Project) (*domain.Project, error) {
		impl, ok := prov.(ContentImporter)
		if !ok {
			return project, nil
		}
		return impl.ImportContent(ctx, project, u, dir, log)
	})
}

// ContentPreDeploy runs preDeploy across the content chain.
func (r *Registry) ContentPreDeploy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger, opts PreDeployOptions) (*domain.Project, error) {
	return r.reduceContent(ctx, p, func(ctx context.Context, prov Provider, project *domain.Project) (*domain.Project, error) {
		impl, ok := prov.(PreDeployer)
		if !ok {
			return project, nil
		}
		return impl.PreDeploy(ctx, project, u, log, opts)
	})
}

// ContentDeploy runs deploy across the content chain.
func (r *Registry) ContentDeploy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error) {
	return r.reduceContent(ctx, p, func(ctx context.Context, prov Provider, project *domain.Project) (*domain.Project, error) {
		impl, ok := prov.(Deployer)
		if !ok {
			return project, nil
		}
		return impl.Deploy(ctx, project, u, log)
	})
}

// ContentConnect wires content-source webhooks across the chain.
func (r *Registry) ContentConnect(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error) {
	return r.reduceContent(ctx, p, func(ctx context.Context, prov Provider, project *domain.Project) (*domain.Project, error) {
		impl, ok := prov.(Connector)
		if !ok {
			return project, nil
		}
		return impl.Connect(ctx, project, u, log)
	})
}

// ContentPostDeployConnect performs the one-time post-deploy side effect on
// each not-yet-connected content source.
func (r *Registry) ContentPostDeployConnect(ctx context.Context, p *domain.Project, u *domain.User, environment string) (*domain.Project, error) {
	return r.reduceContent(ctx, p, func(ctx context.Context, prov Provider, project *domain.Project) (*domain.Project, error) {
		impl, ok := prov.(PostDeployConnector)
		if !ok {
			return project, nil
		}
		return impl.PostDeployConnect(ctx, project, u, environment)
	})
}

// ContentDestroy tears down content-source resources, best effort per step.
func (r *Registry) ContentDestroy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) error {
	var firstErr error
	for _, prov := range r.ContentChain(p) {
		impl, ok := prov.(Destroyer)
		if !ok {
			continue
		}
		if err := impl.Destroy(ctx, p, u, log); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) reduceContent(ctx context.Context, p *domain.Project, step func(context.Context, Provider, *domain.Project) (*domain.Project, error)) (*domain.Project, error) {
	current := p
	for _, prov := range r.ContentChain(p) {
		next, err := step(ctx, prov, current)
		if err != nil {
			return current, err
		}
		if next != nil {
			current = next
		}
	}
	return current, nil
}

// Deploy dispatches deploy on a single provider; no-op when unimplemented.
func (r *Registry) Deploy(ctx context.Context, prov Provider, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error) {
	impl, ok := prov.(Deployer)
	if !ok {
		return p, nil
	}
	return impl.Deploy(ctx, p, u, log)
}

// PreDeploy dispatches preDeploy on a single provider.
func (r *Registry) PreDeploy(ctx context.Context, prov Provider, p *domain.Project, u *domain.User, log *buildlog.Logger, opts PreDeployOptions) (*domain.Project, error) {
	impl, ok := prov.(PreDeployer)
	if !ok {
		return p, nil
	}
	return impl.PreDeploy(ctx, p, u, log, opts)
}

// PostDeploy dispatches postDeploy on a single provider.
func (r *Registry) PostDeploy(ctx context.Context, prov Provider, p *domain.Project, u *domain.User, log *buildlog.Logger) error {
	impl, ok := prov.(PostDeployer)
	if !ok {
		return nil
	}
	return impl.PostDeploy(ctx, p, u, log)
}

// BuildProject dispatches artifact materialization on the target.
func (r *Registry) BuildProject(ctx context.Context, prov Provider, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error) {
	impl, ok := prov.(ProjectBuilder)
	if !ok {
		return p, nil
	}
	return impl.BuildProject(ctx, p, u, log)
}

// CreateAPIKey dispatches credential creation on the target.
func (r *Registry) CreateAPIKey(ctx context.Context, prov Provider, p *domain.Project, u *domain.User) (*domain.Project, error) {
	impl, ok := prov.(APIKeyCreator)
	if !ok {
		return p, nil
	}
	return impl.CreateAPIKey(ctx, p, u)
}

// UpdateProjectDeploymentData dispatches a deployment parameter refresh.
func (r *Registry) UpdateProjectDeploymentData(ctx context.Context, prov Provider, p *domain.Project, u *domain.User, params map[string]string) (*domain.Project, error) {
	impl, ok := prov.(DeploymentDataUpdater)
	if !ok {
		return p, nil
	}
	return impl.UpdateProjectDeploymentData(ctx, p, u, params)
}

// Destroy dispatches teardown on a single provider.
func (r *Registry) Destroy(ctx context.Context, prov Provider, p *domain.Project, u *domain.User, log *buildlog.Logger) error {
	impl, ok := prov.(Destroyer)
	if !ok {
		return nil
	}
	return impl.Destroy(ctx, p, u, log)
}

// Redeploy dispatches a forced or plain redeploy on a single provider.
func (r *Registry) Redeploy(ctx context.Context, prov Provider, p *domain.Project, u *domain.User, environment string, log *buildlog.Logger, force bool) error {
	impl, ok := prov.(Redeployer)
	if !ok {
		return nil
	}
	return impl.Redeploy(ctx, p, u, environment, log, force)
}

// TriggerBuild dispatches an internal build trigger on the target.
func (r *Registry) TriggerBuild(ctx context.Context, prov Provider, p *domain.Project, u *domain.User, payload []byte) (*domain.Project, error) {
	impl, ok := prov.(BuildTriggerer)
	if !ok {
		return p, nil
	}
	return impl.TriggerBuild(ctx, p, u, payload)
}

// TriggerAutoBuild dispatches a content-change rebuild on the target.
func (r *Registry) TriggerAutoBuild(ctx context.Context, prov Provider, p *domain.Project, u *domain.User, payload []byte) (*domain.Project, error) {
	impl, ok := prov.(AutoBuildTriggerer)
	if !ok {
		return p, nil
	}
	return impl.TriggerAutoBuild(ctx, p, u, payload)
}

// SetBuildProgress lets the event's provider record provider-specific detail
// alongside the core progress update.
func (r *Registry) SetBuildProgress(ctx context.Context, prov Provider, p *domain.Project, ev *domain.DeployEvent, params map[string]string) (*domain.Project, error) {
	impl, ok := prov.(BuildProgressSetter)
	if !ok {
		return p, nil
	}
	return impl.SetDeploymentBuildProgress(ctx, p, ev, params)
}

// HasAccess dispatches an account reachability check. Providers without the
// capability are assumed reachable.
func (r *Registry) HasAccess(ctx context.Context, prov Provider, p *domain.Project, u *domain.User) (Access, error) {
	impl, ok := prov.(AccessChecker)
	if !ok {
		return Access{HasAccess: true, HasConnection: true}, nil
	}
	return impl.HasAccess(ctx, p, u)
}

// IsContentSource reports whether the provider participates in the project's
// content chain.
func (r *Registry) IsContentSource(p *domain.Project, providerID string) bool {
	for _, prov := range r.ContentChain(p) {
		if prov.ID() == providerID {
			return true
		}
	}
	return false
}

// OnWebhook dispatches a raw provider payload. Providers without webhook
// support swallow the payload.
func (r *Registry) OnWebhook(ctx context.Context, prov Provider, p *domain.Project, u *domain.User, payload []byte, header http.Header) (*domain.Project, *domain.DeployEvent, error) {
	impl, ok := prov.(WebhookReceiver)
	if !ok {
		return p, nil, nil
	}
	return impl.OnWebhook(ctx, p, u, payload, header)
}

// EnsureConfig dispatches configuration file generation on the target.
func (r *Registry) EnsureConfig(ctx context.Context, prov Provider, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error) {
	impl, ok := prov.(ConfigEnsurer)
	if !ok {
		return p, nil
	}
	return impl.EnsureConfig(ctx, p, u, log)
}

// TransferRepository dispatches a repository handover when configured.
func (r *Registry) TransferRepository(ctx context.Context, prov Provider, p *domain.Project, u *domain.User) error {
	impl, ok := prov.(RepositoryTransferrer)
	if !ok {
		return nil
	}
	return impl.TransferRepository(ctx, p, u)
}

// MustGet resolves a provider or returns a descriptive error. Used on paths
// where a missing registration is a configuration bug, not a soft no-op.
func (r *Registry) MustGet(id string) (Provider, error) {
	p, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", id)
	}
	return p, nil
}
