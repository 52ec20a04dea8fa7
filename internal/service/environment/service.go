// Package environment manages additional deploy environments: a repository
// branch, a CMS environment and a hosting instance created and torn down as a
// unit, with the resulting provider documents stored as a per-environment
// overlay on the project.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/provider"
	"github.com/siteforge/siteforge/internal/repository"
	"github.com/siteforge/siteforge/internal/service/poller"
	"github.com/siteforge/siteforge/internal/service/status"
)

// ErrEnvironmentExists rejects creating an environment under a taken name.
var ErrEnvironmentExists = errors.New("environment: name already in use")

// ErrNotAuthorized rejects callers that do not own the project.
var ErrNotAuthorized = errors.New("environment: not authorized")

// Service orchestrates environment lifecycle across providers.
type Service struct {
	projects repository.ProjectRepository
	users    repository.UserRepository
	registry *provider.Registry
	applier  *status.Applier
	logger   *slog.Logger
	quota    int
	fanOut   int
}

// New constructs the environment service. quota caps environments per project;
// fanOut bounds concurrent provider calls during bulk reconciliation.
func New(projects repository.ProjectRepository, users repository.UserRepository, registry *provider.Registry, applier *status.Applier, logger *slog.Logger, quota, fanOut int) *Service {
	if quota < 1 {
		quota = 1
	}
	if fanOut < 1 {
		fanOut = 1
	}
	return &Service{
		projects: projects,
		users:    users,
		registry: registry,
		applier:  applier,
		logger:   logger,
		quota:    quota,
		fanOut:   fanOut,
	}
}

// Create provisions a new environment: a repository branch cut from the
// primary branch, a CMS environment on each content source and a hosting
// instance addressed by the environment name. Provider documents produced
// along the way are persisted as the environment's overlay.
func (s *Service) Create(ctx context.Context, projectID, userID, name string) (*domain.Project, error) {
	project, user, err := s.authorize(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if name == "" || name == "production" {
		return nil, fmt.Errorf("%w: invalid environment name %q", repository.ErrInvalidArgument, name)
	}
	if _, exists := project.Environments[name]; exists {
		return nil, ErrEnvironmentExists
	}
	if len(project.Environments) >= s.quota {
		return nil, fmt.Errorf("%w: project %s already has %d environments", repository.ErrQuotaExceeded, project.ID, len(project.Environments))
	}

	if repoHost, ok := s.registry.RepositoryHost(project); ok {
		if branches, ok := repoHost.(provider.BranchManager); ok {
			if err := branches.CreateBranch(ctx, project, name, ""); err != nil {
				return nil, fmt.Errorf("create branch %s: %w", name, err)
			}
		}
	}

	project, err = s.provisionProviders(ctx, project, user, name)
	if err != nil {
		// Reverse what was created so a retry starts clean.
		s.teardown(ctx, project, user, name)
		return nil, err
	}

	overlay := project.Environments[name]
	if overlay == nil {
		overlay = domain.DeploymentData{}
	}
	if err := s.projects.PutEnvironment(ctx, project.ID, name, overlay); err != nil {
		return nil, err
	}
	s.logger.Info("environment created", "project_id", project.ID, "environment", name)
	return s.projects.GetProjectByID(ctx, project.ID)
}

func (s *Service) provisionProviders(ctx context.Context, project *domain.Project, user *domain.User, name string) (*domain.Project, error) {
	for _, prov := range s.registry.ContentChain(project) {
		impl, ok := prov.(provider.EnvironmentProvisioner)
		if !ok {
			continue
		}
		updated, err := impl.CreateEnvironment(ctx, project, user, name)
		if err != nil {
			return project, fmt.Errorf("provision %s environment: %w", prov.ID(), err)
		}
		project = updated
	}
	if host, ok := s.registry.HostingTarget(project); ok {
		if impl, ok := host.(provider.EnvironmentProvisioner); ok {
			updated, err := impl.CreateEnvironment(ctx, project, user, name)
			if err != nil {
				return project, fmt.Errorf("provision %s environment: %w", host.ID(), err)
			}
			project = updated
		}
	}
	return project, nil
}

// Remove tears the environment down in reverse creation order. Provider
// removals are best effort: a branch that fails to delete is logged and left
// behind rather than blocking the removal.
func (s *Service) Remove(ctx context.Context, projectID, userID, name string) error {
	project, user, err := s.authorize(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if _, exists := project.Environments[name]; !exists {
		return fmt.Errorf("%w: environment %s", repository.ErrNotFound, name)
	}
	s.teardown(ctx, project, user, name)
	return s.projects.RemoveEnvironment(ctx, project.ID, name)
}

func (s *Service) teardown(ctx context.Context, project *domain.Project, user *domain.User, name string) {
	if host, ok := s.registry.HostingTarget(project); ok {
		if impl, ok := host.(provider.EnvironmentProvisioner); ok {
			if err := impl.RemoveEnvironment(ctx, project, user, name); err != nil {
				s.logger.Warn("failed to remove hosting environment",
					"project_id", project.ID, "environment", name, "error", err)
			}
		}
	}
	for _, prov := range s.registry.ContentChain(project) {
		impl, ok := prov.(provider.EnvironmentProvisioner)
		if !ok {
			continue
		}
		if err := impl.RemoveEnvironment(ctx, project, user, name); err != nil {
			s.logger.Warn("failed to remove content environment",
				"project_id", project.ID, "provider", prov.ID(), "environment", name, "error", err)
		}
	}
	if repoHost, ok := s.registry.RepositoryHost(project); ok {
		if branches, ok := repoHost.(provider.BranchManager); ok {
			if err := branches.DeleteBranch(ctx, project, name); err != nil {
				s.logger.Warn("failed to delete environment branch",
					"project_id", project.ID, "environment", name, "error", err)
			}
		}
	}
}

// ReconcileAll refreshes the deploy state of every environment from the
// hosting provider, with bounded concurrency. Individual environment failures
// are collected, not fatal to siblings.
func (s *Service) ReconcileAll(ctx context.Context, projectID, userID string) error {
	project, user, err := s.authorize(ctx, projectID, userID)
	if err != nil {
		return err
	}
	host, ok := s.registry.HostingTarget(project)
	if !ok {
		return nil
	}
	lister, ok := host.(provider.DeployLister)
	if !ok {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanOut)
	for name := range project.Environments {
		g.Go(func() error {
			return s.reconcileOne(gctx, lister, host.ID(), project, user, name)
		})
	}
	return g.Wait()
}

func (s *Service) reconcileOne(ctx context.Context, lister provider.DeployLister, providerID string, project *domain.Project, user *domain.User, name string) error {
	deploys, err := lister.ListDeploys(ctx, project, name)
	if err != nil {
		return fmt.Errorf("list deploys for %s: %w", name, err)
	}
	latest := poller.SelectLatest(deploys, poller.SelectOptions{Branch: name})
	if latest == nil {
		return nil
	}
	eventName := poller.EventName(latest.State)
	if eventName == "" {
		return nil
	}
	_, err = s.applier.Apply(ctx, project, user, domain.DeployEvent{
		Source:      domain.SourceProvider,
		Name:        eventName,
		Provider:    providerID,
		DeployID:    latest.ID,
		Environment: name,
		Branch:      latest.Branch,
		ReceivedAt:  time.Now().UTC(),
	})
	return err
}

func (s *Service) authorize(ctx context.Context, projectID, userID string) (*domain.Project, *domain.User, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if project.OwnerID != user.ID {
		return nil, nil, fmt.Errorf("%w: project %s is not owned by %s", ErrNotAuthorized, project.ID, user.ID)
	}
	return project, user, nil
}
