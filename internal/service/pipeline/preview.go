package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/provider"
)

// DeployPreview is the idempotent, re-entrant path used whenever a user's
// generic build parameters change after the first deploy: it refreshes
// provider parameters, re-imports repository/content state, generates the
// target configuration if missing, and either performs an initial deploy or a
// destroy-then-forced-redeploy when a previous deployment already exists.
func (pl *Pipeline) DeployPreview(ctx context.Context, projectID, userID, environment string) (*domain.Project, error) {
	project, user, err := pl.authorize(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	scope := pl.logs.Scope(project.ID, user.ID, "pipeline")
	scope.Info(ctx, "preview redeploy requested", map[string]any{"environment": environment})

	target, err := pl.registry.MustGet(project.TargetProvider())
	if err != nil {
		return nil, err
	}

	if project, err = pl.registry.UpdateProjectDeploymentData(ctx, target, project, user, map[string]string{"environment": environment}); err != nil {
		return nil, err
	}

	scratch := filepath.Join(pl.cfg.ScratchDir, project.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			pl.logger.Warn("failed to clean scratch dir", "project_id", project.ID, "error", err)
		}
	}()
	if project, err = pl.registry.ImportContent(ctx, project, user, scratch, scope); err != nil {
		return nil, err
	}

	if project, err = pl.registry.EnsureConfig(ctx, target, project, user, scope); err != nil {
		return nil, err
	}

	dep := project.Deployment(target.ID(), environment)
	if dep == nil || dep.SiteID == "" {
		if project, err = pl.registry.ContentPreDeploy(ctx, project, user, scope, provider.PreDeployOptions{Environment: environment}); err != nil {
			return nil, err
		}
		if project, err = pl.registry.Deploy(ctx, target, project, user, scope); err != nil {
			return nil, err
		}
		scope.Info(ctx, "initial preview deploy completed", map[string]any{"environment": environment})
		return project, nil
	}

	if err = pl.registry.Destroy(ctx, target, project, user, scope); err != nil {
		return nil, err
	}
	if err = pl.registry.Redeploy(ctx, target, project, user, environment, scope, true); err != nil {
		return nil, err
	}
	scope.Info(ctx, "preview redeploy completed", map[string]any{"environment": environment})
	return project, nil
}
