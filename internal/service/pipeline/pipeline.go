// Package pipeline drives a draft project through the fixed build-and-deploy
// stage order across its configured providers.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"

	"github.com/siteforge/siteforge/internal/buildlog"
	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/provider"
	"github.com/siteforge/siteforge/internal/repository"
	"github.com/siteforge/siteforge/pkg/analytics"
	"github.com/siteforge/siteforge/pkg/config"
)

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "siteforge",
	Subsystem: "pipeline",
	Name:      "runs_total",
	Help:      "Build pipeline runs by outcome",
}, []string{"outcome"})

// Pipeline coordinates the build/deploy stage order for one project at a time.
type Pipeline struct {
	projects    repository.ProjectRepository
	users       repository.UserRepository
	buildErrors repository.BuildErrorRepository
	registry    *provider.Registry
	logs        *buildlog.Service
	analytics   *analytics.Emitter
	cfg         config.EngineConfig
	logger      *slog.Logger
}

// New constructs a Pipeline.
func New(projects repository.ProjectRepository, users repository.UserRepository, buildErrors repository.BuildErrorRepository, registry *provider.Registry, logs *buildlog.Service, emitter *analytics.Emitter, cfg config.EngineConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		projects:    projects,
		users:       users,
		buildErrors: buildErrors,
		registry:    registry,
		logs:        logs,
		analytics:   emitter,
		cfg:         cfg,
		logger:      logger,
	}
}

type outcome struct {
	project *domain.Project
	err     error
}

// resolver settles the caller-facing result exactly once.
type resolver struct {
	once sync.Once
	ch   chan outcome
}

func newResolver() *resolver {
	return &resolver{ch: make(chan outcome, 1)}
}

func (r *resolver) resolve(p *domain.Project, err error) {
	r.once.Do(func() {
		r.ch <- outcome{project: p, err: err}
	})
}

// BuildAndDeploy takes a draft project to a running deployment.
//
// For plain hosting targets the returned result settles as soon as the
// project is marked building; the rest of the pipeline continues in the
// background and later failures are observable only through the ledger and
// the build error record. For container-backed targets the result settles
// only once the site is live, because the caller needs the deployment URL
// synchronously.
func (pl *Pipeline) BuildAndDeploy(ctx context.Context, projectID, userID string) (*domain.Project, error) {
	project, user, err := pl.authorize(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if project.BuildStatus != domain.StatusDraft {
		return nil, ErrProjectAlreadyBuilt
	}
	// A revoked hosting token fails fast here instead of mid-pipeline.
	if host, ok := pl.registry.HostingTarget(project); ok {
		access, err := pl.registry.HasAccess(ctx, host, project, user)
		if err != nil {
			return nil, fmt.Errorf("check provider access: %w", err)
		}
		if !access.HasAccess {
			return nil, fmt.Errorf("%w: %s", ErrNoProviderAccess, host.ID())
		}
	}
	now := time.Now().UTC()
	project, err = pl.projects.UpdateBuildStatus(ctx, project.ID, domain.StatusUpdate{
		To:        domain.StatusBuilding,
		From:      []domain.BuildStatus{domain.StatusDraft},
		Message:   "build started",
		StartedAt: &now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrProjectAlreadyBuilt
		}
		return nil, err
	}

	res := newResolver()
	if !project.ContainerBacked() {
		res.resolve(project, nil)
	}
	go pl.run(context.WithoutCancel(ctx), project, user, res)

	out := <-res.ch
	return out.project, out.err
}

// run executes stages 3 through 12. Failures abort remaining stages, flip the
// project to build-failed and persist a serialized error record; failures
// after the caller's result settled are not surfaced to the caller.
func (pl *Pipeline) run(ctx context.Context, project *domain.Project, user *domain.User, res *resolver) {
	scope := pl.logs.Scope(project.ID, user.ID, "pipeline")
	scratch := filepath.Join(pl.cfg.ScratchDir, project.ID)
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			pl.logger.Warn("failed to clean scratch dir", "project_id", project.ID, "error", err)
		}
	}()

	fail := func(stage string, cause error) {
		pl.failBuild(ctx, project, user, stage, cause, scope)
		res.resolve(nil, cause)
	}

	// Provision CMS resources, retrying transient failures a bounded number
	// of times; on exhaustion tear down whatever was partially created.
	if err := pl.preBuild(ctx, &project, user, scope); err != nil {
		if destroyErr := pl.registry.ContentDestroy(ctx, project, user, scope); destroyErr != nil {
			scope.Warn(ctx, "content teardown after preBuild failure also failed", map[string]any{"error": destroyErr.Error()})
		}
		fail("preBuild", err)
		return
	}

	target, err := pl.registry.MustGet(project.TargetProvider())
	if err != nil {
		fail("resolveTarget", err)
		return
	}

	if project, err = pl.registry.CreateAPIKey(ctx, target, project, user); err != nil {
		fail("createAPIKey", err)
		return
	}

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		fail("importContent", err)
		return
	}
	if project, err = pl.registry.ImportContent(ctx, project, user, scratch, scope); err != nil {
		fail("importContent", err)
		return
	}

	if project, err = pl.registry.BuildProject(ctx, target, project, user, scope); err != nil {
		fail("buildProject", err)
		return
	}

	if repoHost, ok := pl.registry.RepositoryHost(project); ok {
		if project, err = pl.registry.Deploy(ctx, repoHost, project, user, scope); err != nil {
			fail("repositoryDeploy", err)
			return
		}
	}

	if project, err = pl.registry.ContentPreDeploy(ctx, project, user, scope, provider.PreDeployOptions{}); err != nil {
		fail("contentPreDeploy", err)
		return
	}
	if project, err = pl.registry.ContentDeploy(ctx, project, user, scope); err != nil {
		fail("contentDeploy", err)
		return
	}
	if project, err = pl.registry.Deploy(ctx, target, project, user, scope); err != nil {
		fail("targetDeploy", err)
		return
	}

	// The site is live; the container-backed caller is unblocked here.
	res.resolve(project, nil)
	scope.Info(ctx, "site deployed", map[string]any{"target": target.ID()})

	if err := pl.registry.PostDeploy(ctx, target, project, user, scope); err != nil {
		fail("postDeploy", err)
		return
	}

	if project, err = pl.registry.ContentConnect(ctx, project, user, scope); err != nil {
		fail("connect", err)
		return
	}

	if pl.cfg.RepositoryTransferTo != "" {
		if repoHost, ok := pl.registry.RepositoryHost(project); ok {
			if err := pl.registry.TransferRepository(ctx, repoHost, project, user); err != nil {
				fail("repositoryTransfer", err)
				return
			}
		}
	}

	pl.complete(ctx, project, user, scope)
}

func (pl *Pipeline) preBuild(ctx context.Context, project **domain.Project, user *domain.User, scope *buildlog.Logger) error {
	maxRetries := pl.cfg.PreBuildMaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := retry.WithMaxRetries(uint64(maxRetries), retry.NewFibonacci(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		updated, err := pl.registry.PreBuild(ctx, *project, user, "", scope)
		if err != nil {
			if IsTransient(err) {
				scope.Warn(ctx, "transient preBuild failure, retrying", map[string]any{"error": err.Error()})
				return retry.RetryableError(err)
			}
			return err
		}
		*project = updated
		return nil
	})
}

func (pl *Pipeline) complete(ctx context.Context, project *domain.Project, user *domain.User, scope *buildlog.Logger) {
	runsTotal.WithLabelValues("success").Inc()
	var durationMS int64
	if project.BuildStartedAt != nil {
		durationMS = time.Since(*project.BuildStartedAt).Milliseconds()
	}
	if err := pl.projects.AddMetrics(ctx, project.ID, domain.MetricsDelta{BuildDurationMS: durationMS}); err != nil {
		scope.Warn(ctx, "failed to persist build duration", map[string]any{"error": err.Error()})
	}
	if err := pl.analytics.Emit(ctx, analytics.Event{
		ProjectID: project.ID,
		UserID:    user.ID,
		Name:      "project_built",
		Properties: map[string]any{
			"target":            project.TargetProvider(),
			"build_duration_ms": durationMS,
		},
	}); err != nil {
		pl.logger.Warn("analytics emission failed", "project_id", project.ID, "error", err)
	}
	scope.Info(ctx, "build pipeline completed", map[string]any{"build_duration_ms": durationMS})
}

// failBuild terminates the pipeline: remaining stages are skipped, the ledger
// records build-failed with the causing message, and a serialized copy of the
// error is persisted for operator debugging.
func (pl *Pipeline) failBuild(ctx context.Context, project *domain.Project, user *domain.User, stage string, cause error, scope *buildlog.Logger) {
	runsTotal.WithLabelValues("failed").Inc()
	if _, err := pl.projects.UpdateBuildStatus(ctx, project.ID, domain.StatusUpdate{
		To:      domain.StatusBuildFailed,
		Message: cause.Error(),
	}); err != nil {
		pl.logger.Error("failed to mark project build-failed", "project_id", project.ID, "error", err)
	}
	serialized, _ := json.Marshal(map[string]any{
		"stage":  stage,
		"error":  cause.Error(),
		"target": project.TargetProvider(),
	})
	record := &domain.BuildError{
		ID:         uuid.NewString(),
		ProjectID:  project.ID,
		UserID:     user.ID,
		Stage:      stage,
		Message:    cause.Error(),
		Serialized: serialized,
		CreatedAt:  time.Now().UTC(),
	}
	if err := pl.buildErrors.InsertBuildError(ctx, record); err != nil {
		pl.logger.Error("failed to persist build error record", "project_id", project.ID, "error", err)
	}
	scope.Error(ctx, "build pipeline failed", map[string]any{"stage": stage, "error": cause.Error()})
	if err := pl.analytics.Emit(ctx, analytics.Event{
		ProjectID:  project.ID,
		UserID:     user.ID,
		Name:       "project_build_failed",
		Properties: map[string]any{"stage": stage},
	}); err != nil {
		pl.logger.Warn("analytics emission failed", "project_id", project.ID, "error", err)
	}
}

func (pl *Pipeline) authorize(ctx context.Context, projectID, userID string) (*domain.Project, *domain.User, error) {
	project, err := pl.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	user, err := pl.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if project.OwnerID != user.ID {
		return nil, nil, fmt.Errorf("%w: project %s is not owned by %s", ErrNotAuthorized, project.ID, user.ID)
	}
	return project, user, nil
}
