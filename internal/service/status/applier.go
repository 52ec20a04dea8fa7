package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/siteforge/siteforge/internal/buildlog"
	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/provider"
	"github.com/siteforge/siteforge/internal/repository"
	"github.com/siteforge/siteforge/pkg/analytics"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "siteforge",
	Subsystem: "status",
	Name:      "events_total",
	Help:      "Deploy events processed by the state machine",
}, []string{"source", "result"})

// Continuer re-enters the split-test orchestrator after a successful
// reconciliation so campaigns progress opportunistically.
type Continuer interface {
	ContinueSplitTestOperation(ctx context.Context, p *domain.Project, u *domain.User) error
}

// Applier feeds decisions into the ledger and executes their side effects.
type Applier struct {
	projects  repository.ProjectRepository
	registry  *provider.Registry
	logs      *buildlog.Service
	analytics *analytics.Emitter
	continuer Continuer
	logger    *slog.Logger
}

// NewApplier constructs the state machine applier. continuer may be nil until
// the split-test orchestrator is wired in.
func NewApplier(projects repository.ProjectRepository, registry *provider.Registry, logs *buildlog.Service, emitter *analytics.Emitter, logger *slog.Logger) *Applier {
	return &Applier{
		projects:  projects,
		registry:  registry,
		logs:      logs,
		analytics: emitter,
		logger:    logger,
	}
}

// SetContinuer wires the split-test re-entry point. Separate from the
// constructor because the orchestrator itself depends on the applier's ledger
// updates having run first.
func (a *Applier) SetContinuer(c Continuer) {
	a.continuer = c
}

// Apply converts one inbound event into at most one ledger update. Guards
// never throw: a rejected event is logged and the current project returned,
// so webhook endpoints can always acknowledge the provider.
func (a *Applier) Apply(ctx context.Context, p *domain.Project, u *domain.User, ev domain.DeployEvent) (*domain.Project, error) {
	scope := a.logs.Scope(p.ID, userID(u), "status")
	decision := Decide(p, ev)
	if decision.NoOp {
		a.recordNoOp(ctx, p, ev, decision, scope)
		return p, nil
	}

	updated, err := a.persist(ctx, p, ev, decision)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Another applier won the race; converge on its result.
			eventsTotal.WithLabelValues(string(ev.Source), "lost_race").Inc()
			scope.Info(ctx, "deploy event lost update race", map[string]any{"event": ev.Name})
			return a.projects.GetProjectByID(ctx, p.ID)
		}
		return p, err
	}

	eventsTotal.WithLabelValues(string(ev.Source), "applied").Inc()
	scope.Info(ctx, "deploy event applied", map[string]any{
		"event":       ev.Name,
		"provider":    ev.Provider,
		"deploy_id":   ev.DeployID,
		"environment": ev.Environment,
		"status":      string(updated.BuildStatus),
	})

	updated = a.runEffects(ctx, updated, u, ev, decision, scope)

	if a.continuer != nil {
		if err := a.continuer.ContinueSplitTestOperation(ctx, updated, u); err != nil {
			scope.Warn(ctx, "split test continuation failed", map[string]any{"error": err.Error()})
		}
	}
	return updated, nil
}

func (a *Applier) recordNoOp(ctx context.Context, p *domain.Project, ev domain.DeployEvent, decision Decision, scope *buildlog.Logger) {
	if decision.Illegal {
		eventsTotal.WithLabelValues(string(ev.Source), "illegal").Inc()
		scope.Error(ctx, "illegal deploy event", map[string]any{
			"event":  ev.Name,
			"reason": decision.Reason,
		})
		return
	}
	eventsTotal.WithLabelValues(string(ev.Source), "noop").Inc()
	a.logger.Debug("deploy event ignored",
		"project_id", p.ID, "source", string(ev.Source), "event", ev.Name, "reason", decision.Reason)
}

func (a *Applier) persist(ctx context.Context, p *domain.Project, ev domain.DeployEvent, decision Decision) (*domain.Project, error) {
	updated := p
	if decision.Progress != "" || decision.RawState != "" {
		update := domain.DeploymentUpdate{
			Provider:    eventProvider(p, ev),
			Environment: ev.Environment,
		}
		if ev.DeployID != "" {
			update.DeployID = domain.String(ev.DeployID)
		}
		if decision.Progress != "" {
			update.BuildProgress = domain.String(decision.Progress)
		}
		if decision.RawState != "" {
			update.RawState = domain.String(decision.RawState)
		}
		var err error
		updated, err = a.projects.UpdateDeployment(ctx, p.ID, update)
		if err != nil {
			return nil, err
		}
		// The event's provider may record extra detail next to the core
		// progress update; a failing hook never blocks the transition.
		if prov, ok := a.registry.Get(update.Provider); ok {
			refreshed, err := a.registry.SetBuildProgress(ctx, prov, updated, &ev, nil)
			if err != nil {
				a.logger.Warn("provider progress hook failed",
					"project_id", p.ID, "provider", update.Provider, "error", err)
			} else if refreshed != nil {
				updated = refreshed
			}
		}
	}
	if decision.Status != "" && decision.Status != updated.BuildStatus {
		var err error
		updated, err = a.projects.UpdateBuildStatus(ctx, p.ID, domain.StatusUpdate{
			To:      decision.Status,
			From:    decision.Guards,
			Message: ev.Message,
		})
		if err != nil {
			return nil, err
		}
	}
	return updated, nil
}

func (a *Applier) runEffects(ctx context.Context, p *domain.Project, u *domain.User, ev domain.DeployEvent, decision Decision, scope *buildlog.Logger) *domain.Project {
	if decision.Connect {
		p = a.postDeployConnect(ctx, p, u, ev.Environment, scope)
	}
	if decision.PromotePublishing && p.PublishingVersion != nil {
		published := *p.PublishingVersion
		if err := a.projects.SetPublishingVersions(ctx, p.ID, nil, &published); err != nil {
			scope.Warn(ctx, "failed to promote publishing version", map[string]any{"error": err.Error()})
		} else {
			p.PublishedVersion = published
			p.PublishingVersion = nil
		}
	}
	if decision.ClearPublishing && p.PublishingVersion != nil {
		if err := a.projects.SetPublishingVersions(ctx, p.ID, nil, nil); err != nil {
			scope.Warn(ctx, "failed to clear publishing version", map[string]any{"error": err.Error()})
		} else {
			p.PublishingVersion = nil
		}
	}
	if decision.CountDeploy || decision.CountFailure {
		now := time.Now().UTC()
		delta := domain.MetricsDelta{}
		if decision.CountDeploy {
			delta.Deploys = 1
			delta.DeployedAt = &now
		}
		if decision.CountFailure {
			delta.Failures = 1
		}
		if err := a.projects.AddMetrics(ctx, p.ID, delta); err != nil {
			scope.Warn(ctx, "failed to update deploy metrics", map[string]any{"error": err.Error()})
		}
	}
	if decision.AnalyticsEvent != "" {
		if err := a.analytics.Emit(ctx, analytics.Event{
			ProjectID: p.ID,
			UserID:    userID(u),
			Name:      decision.AnalyticsEvent,
			Properties: map[string]any{
				"deploy_id":   ev.DeployID,
				"environment": ev.Environment,
			},
		}); err != nil {
			a.logger.Warn("analytics emission failed", "project_id", p.ID, "error", err)
		}
	}
	return p
}

// postDeployConnect performs the one-time content-source side effect after a
// deploy first goes live. The connected flag is persisted per content source
// and per environment so duplicate live events cannot fire it twice.
func (a *Applier) postDeployConnect(ctx context.Context, p *domain.Project, u *domain.User, environment string, scope *buildlog.Logger) *domain.Project {
	pending := false
	for _, prov := range a.registry.ContentChain(p) {
		dep := p.Deployment(prov.ID(), environment)
		if dep == nil || !dep.Connected {
			pending = true
			break
		}
	}
	if !pending {
		return p
	}
	connected, err := a.registry.ContentPostDeployConnect(ctx, p, u, environment)
	if err != nil {
		scope.Warn(ctx, "post-deploy connect failed", map[string]any{"error": err.Error()})
		return p
	}
	p = connected
	for _, prov := range a.registry.ContentChain(p) {
		dep := p.Deployment(prov.ID(), environment)
		if dep != nil && dep.Connected {
			continue
		}
		updated, err := a.projects.UpdateDeployment(ctx, p.ID, domain.DeploymentUpdate{
			Provider:    prov.ID(),
			Environment: environment,
			Connected:   domain.Bool(true),
		})
		if err != nil {
			scope.Warn(ctx, "failed to persist connected flag", map[string]any{"provider": prov.ID(), "error": err.Error()})
			continue
		}
		p = updated
	}
	return p
}

func eventProvider(p *domain.Project, ev domain.DeployEvent) string {
	if ev.Provider != "" {
		return ev.Provider
	}
	return p.TargetProvider()
}

func userID(u *domain.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
