// Package poller re-derives deploy state for hosting accounts whose plan
// restricts webhook delivery and feeds it through the same state machine a
// webhook would reach.
package poller

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/provider"
	"github.com/siteforge/siteforge/internal/repository"
	"github.com/siteforge/siteforge/internal/service/status"
	"github.com/siteforge/siteforge/internal/throttle"
)

// maxReconcileDepth bounds recursion when consecutive reads keep disagreeing.
const maxReconcileDepth = 3

// Poller periodically reconciles webhook-restricted projects.
type Poller struct {
	projects repository.ProjectRepository
	users    repository.UserRepository
	registry *provider.Registry
	applier  *status.Applier
	queue    *throttle.Queue
	logger   *slog.Logger
	interval time.Duration
}

// New constructs a Poller. interval paces the outer loop; burst and workers
// bound provider fan-out so rate-limited hosting APIs are not overwhelmed.
func New(projects repository.ProjectRepository, users repository.UserRepository, registry *provider.Registry, applier *status.Applier, logger *slog.Logger, interval time.Duration, burst, workers int) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	perSecond := rate.Limit(float64(burst) / interval.Seconds())
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Poller{
		projects: projects,
		users:    users,
		registry: registry,
		applier:  applier,
		queue:    throttle.New(perSecond, burst, workers),
		logger:   logger,
		interval: interval,
	}
}

// Run drives the polling loop until the context is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.queue.Wait()
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	projects, err := p.projects.ListPollableProjects(ctx)
	if err != nil {
		p.logger.Error("failed to list pollable projects", "error", err)
		return
	}
	for i := range projects {
		project := projects[i]
		p.queue.Go(ctx, func(ctx context.Context) error {
			user, err := p.users.GetUserByID(ctx, project.OwnerID)
			if err != nil {
				p.logger.Warn("poll skipped, owner lookup failed", "project_id", project.ID, "error", err)
				return err
			}
			if err := p.Reconcile(ctx, &project, user); err != nil {
				p.logger.Warn("poll reconciliation failed", "project_id", project.ID, "error", err)
				return err
			}
			return nil
		})
	}
}

// Reconcile fetches the provider's latest deploy for the project and applies
// it as if it had arrived by webhook.
func (p *Poller) Reconcile(ctx context.Context, project *domain.Project, user *domain.User) error {
	return p.reconcile(ctx, project, user, 0)
}

func (p *Poller) reconcile(ctx context.Context, project *domain.Project, user *domain.User, depth int) error {
	// A project in hard failure is never polled back to life.
	if project.BuildStatus == domain.StatusBuildFailed {
		return nil
	}
	host, ok := p.registry.HostingTarget(project)
	if !ok {
		return nil
	}
	lister, ok := host.(provider.DeployLister)
	if !ok {
		return nil
	}

	latest, err := p.fetchLatest(ctx, lister, project)
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}

	eventName := EventName(latest.State)
	if eventName == "" {
		p.logger.Debug("ignoring unrecognized provider deploy state",
			"project_id", project.ID, "state", latest.State)
		return nil
	}

	if project.BuildStatus == domain.StatusDeploying {
		switch eventName {
		case domain.DeployStateNew, domain.DeployStateEnqueued:
			// A webhook or an earlier poll already advanced further than
			// this stale read.
			return nil
		case domain.DeployStateReady, domain.DeployStateError:
			// A single read may land in the gap between two deploys and
			// terminate the newer one prematurely; confirm with a second
			// read before accepting a terminal state.
			confirmed, err := p.fetchLatest(ctx, lister, project)
			if err != nil {
				return err
			}
			if confirmed == nil || confirmed.ID != latest.ID || EventName(confirmed.State) != eventName {
				if depth >= maxReconcileDepth {
					p.logger.Warn("poll confirmation kept diverging, giving up this cycle",
						"project_id", project.ID)
					return nil
				}
				fresh, err := p.projects.GetProjectByID(ctx, project.ID)
				if err != nil {
					return err
				}
				return p.reconcile(ctx, fresh, user, depth+1)
			}
		}
	}

	ev := domain.DeployEvent{
		Source:     domain.SourceProvider,
		Name:       eventName,
		Provider:   host.ID(),
		DeployID:   latest.ID,
		Branch:     latest.Branch,
		ReceivedAt: time.Now().UTC(),
	}
	_, err = p.applier.Apply(ctx, project, user, ev)
	return err
}

func (p *Poller) fetchLatest(ctx context.Context, lister provider.DeployLister, project *domain.Project) (*provider.Deploy, error) {
	deploys, err := lister.ListDeploys(ctx, project, "")
	if err != nil {
		return nil, err
	}
	return SelectLatest(deploys, SelectOptions{}), nil
}
