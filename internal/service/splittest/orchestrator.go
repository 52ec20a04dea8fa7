// Package splittest sequences traffic-splitting campaigns across preview
// environments. The campaign lifecycle (provisioned, starting, running,
// finishing, failed) is layered on top of each environment's own deploy state
// and advances opportunistically as deploy events land.
package splittest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/provider"
	"github.com/siteforge/siteforge/internal/repository"
	"github.com/siteforge/siteforge/internal/service/environment"
	"github.com/siteforge/siteforge/pkg/analytics"
)

// Campaign transition events.
const (
	eventStart  = "start"
	eventRun    = "run"
	eventFinish = "finish"
	eventFail   = "fail"
)

// ErrNoCampaign reports operations on a project without an active campaign.
var ErrNoCampaign = errors.New("splittest: no active campaign")

// ErrUnknownVariant reports a winner selection that names no variant.
var ErrUnknownVariant = errors.New("splittest: unknown variant")

// Orchestrator drives the campaign state machine.
type Orchestrator struct {
	projects  repository.ProjectRepository
	users     repository.UserRepository
	registry  *provider.Registry
	envs      *environment.Service
	analytics *analytics.Emitter
	logger    *slog.Logger
}

// New constructs the orchestrator.
func New(projects repository.ProjectRepository, users repository.UserRepository, registry *provider.Registry, envs *environment.Service, emitter *analytics.Emitter, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		projects:  projects,
		users:     users,
		registry:  registry,
		envs:      envs,
		analytics: emitter,
		logger:    logger,
	}
}

// machine builds the campaign transition graph seeded at the current status.
// Transition legality lives here; effects stay in the orchestrator methods.
func machine(current domain.SplitTestStatus) *fsm.FSM {
	return fsm.NewFSM(
		string(current),
		fsm.Events{
			{Name: eventStart, Src: []string{string(domain.SplitTestProvisioned)}, Dst: string(domain.SplitTestStarting)},
			{Name: eventRun, Src: []string{string(domain.SplitTestStarting)}, Dst: string(domain.SplitTestRunning)},
			{Name: eventFinish, Src: []string{string(domain.SplitTestRunning)}, Dst: string(domain.SplitTestFinishing)},
			{Name: eventFail, Src: []string{
				string(domain.SplitTestProvisioned),
				string(domain.SplitTestStarting),
				string(domain.SplitTestRunning),
				string(domain.SplitTestFinishing),
			}, Dst: string(domain.SplitTestFailed)},
		},
		fsm.Callbacks{},
	)
}

func transition(ctx context.Context, test *domain.SplitTest, event string) error {
	m := machine(test.Status)
	if err := m.Event(ctx, event); err != nil {
		return fmt.Errorf("%w: cannot %s a %s campaign", repository.ErrConflict, event, test.Status)
	}
	test.Status = domain.SplitTestStatus(m.Current())
	test.UpdatedAt = time.Now().UTC()
	return nil
}

// Provision creates or mutates the campaign's variant list. Newly referenced
// environments and their build hooks are provisioned asynchronously; variants
// dropped from the list have exactly their environment torn down. A
// provisioning failure flips the campaign to failed rather than leaving a
// half-provisioned record.
func (o *Orchestrator) Provision(ctx context.Context, projectID, userID string, variants []domain.Variant) (*domain.Project, error) {
	project, user, err := o.authorize(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if err := validateVariants(variants); err != nil {
		return nil, err
	}
	existing := project.ActiveSplitTest()
	if existing != nil && existing.Status != domain.SplitTestProvisioned && existing.Status != domain.SplitTestFailed {
		return nil, fmt.Errorf("%w: campaign is %s", repository.ErrConflict, existing.Status)
	}

	now := time.Now().UTC()
	test := &domain.SplitTest{
		Status:    domain.SplitTestProvisioned,
		Variants:  variants,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		test.CreatedAt = existing.CreatedAt
		test.AnalyticsID = existing.AnalyticsID
		test.ProviderSplitTestID = existing.ProviderSplitTestID
	}

	added, removed := environmentDiff(project, existing, variants)

	if err := o.projects.SaveSplitTest(ctx, project.ID, test); err != nil {
		return nil, err
	}

	go o.provisionEnvironments(context.WithoutCancel(ctx), project.ID, user.ID, added, removed)

	return o.projects.GetProjectByID(ctx, project.ID)
}

// environmentDiff computes which variant environments need provisioning and
// which need teardown when the campaign's variant list changes. Teardown is
// keyed on environments, not variant names: a renamed variant keeping its
// environment must not lose it.
func environmentDiff(project *domain.Project, existing *domain.SplitTest, variants []domain.Variant) (added, removed []string) {
	kept := make(map[string]bool, len(variants))
	for _, v := range variants {
		if v.Environment == "" {
			continue
		}
		kept[v.Environment] = true
		if _, ok := project.Environments[v.Environment]; !ok {
			added = append(added, v.Environment)
		}
	}
	if existing == nil {
		return added, removed
	}
	for _, old := range existing.Variants {
		if old.Environment != "" && !kept[old.Environment] {
			removed = append(removed, old.Environment)
		}
	}
	return added, removed
}

func (o *Orchestrator) provisionEnvironments(ctx context.Context, projectID, userID string, added, removed []string) {
	for _, name := range removed {
		if err := o.envs.Remove(ctx, projectID, userID, name); err != nil {
			o.logger.Warn("failed to remove dropped variant environment",
				"project_id", projectID, "environment", name, "error", err)
		}
	}
	for _, name := range added {
		if _, err := o.envs.Create(ctx, projectID, userID, name); err != nil {
			o.failCampaign(ctx, projectID, fmt.Errorf("provision environment %s: %w", name, err))
			return
		}
		if err := o.createBuildHook(ctx, projectID, name); err != nil {
			o.failCampaign(ctx, projectID, err)
			return
		}
	}
}

func (o *Orchestrator) createBuildHook(ctx context.Context, projectID, name string) error {
	project, err := o.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	host, ok := o.registry.HostingTarget(project)
	if !ok {
		return nil
	}
	hooks, ok := host.(provider.BuildHookManager)
	if !ok {
		return nil
	}
	hookID, err := hooks.CreateBuildHook(ctx, project, name)
	if err != nil {
		return fmt.Errorf("create build hook for %s: %w", name, err)
	}
	_, err = o.projects.UpdateDeployment(ctx, projectID, domain.DeploymentUpdate{
		Provider:    host.ID(),
		Environment: name,
		BuildHookID: domain.String(hookID),
	})
	return err
}

// Start publishes pending content changes on each variant's environment, or
// triggers a plain rebuild when nothing is pending, then marks the campaign
// starting. The transition to running happens later, once every variant
// reports live.
func (o *Orchestrator) Start(ctx context.Context, projectID, userID string) (*domain.Project, error) {
	project, user, err := o.authorize(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	test := project.ActiveSplitTest()
	if test == nil {
		return nil, ErrNoCampaign
	}
	if err := transition(ctx, test, eventStart); err != nil {
		return nil, err
	}

	for _, variant := range test.Variants {
		if err := o.rebuildVariant(ctx, project, user, variant); err != nil {
			return nil, fmt.Errorf("start variant %s: %w", variant.Name, err)
		}
	}

	if err := o.projects.SaveSplitTest(ctx, project.ID, test); err != nil {
		return nil, err
	}
	return o.projects.GetProjectByID(ctx, project.ID)
}

func (o *Orchestrator) rebuildVariant(ctx context.Context, project *domain.Project, user *domain.User, variant domain.Variant) error {
	published := false
	for _, prov := range o.registry.ContentChain(project) {
		publisher, ok := prov.(provider.ContentPublisher)
		if !ok {
			continue
		}
		pending, err := publisher.PublishPending(ctx, project, user, variant.Environment)
		if err != nil {
			return err
		}
		published = published || pending
	}
	if published {
		// The publish itself triggers the variant's rebuild downstream.
		return nil
	}
	host, ok := o.registry.HostingTarget(project)
	if !ok {
		return nil
	}
	if hooks, ok := host.(provider.BuildHookManager); ok {
		if dep := project.Deployment(host.ID(), variant.Environment); dep != nil && dep.BuildHookID != "" {
			return hooks.TriggerBuildHook(ctx, project, dep.BuildHookID)
		}
	}
	return o.registry.Redeploy(ctx, host, project, user, variant.Environment, nil, false)
}

// ContinueStart advances a starting campaign to running once every variant
// environment independently reports live build progress; it then injects
// analytics instrumentation and asks the hosting provider to begin splitting
// traffic. Called opportunistically after every applied deploy event.
func (o *Orchestrator) ContinueStart(ctx context.Context, project *domain.Project, user *domain.User) error {
	test := project.ActiveSplitTest()
	if test == nil || test.Status != domain.SplitTestStarting {
		return nil
	}
	host, ok := o.registry.HostingTarget(project)
	if !ok {
		return nil
	}
	if !o.allVariantsLive(project, host.ID(), test) {
		return nil
	}

	if test.AnalyticsID == "" {
		test.AnalyticsID = uuid.NewString()
		if err := o.analytics.Emit(ctx, analytics.Event{
			ProjectID: project.ID,
			UserID:    userID(user),
			Name:      "split_test_instrumented",
			Properties: map[string]any{
				"analytics_id": test.AnalyticsID,
				"variants":     len(test.Variants),
			},
		}); err != nil {
			o.logger.Warn("analytics emission failed", "project_id", project.ID, "error", err)
		}
	}

	if splitter, ok := host.(provider.TrafficSplitter); ok {
		splitID, err := splitter.StartTrafficSplit(ctx, project, test)
		if err != nil {
			return fmt.Errorf("start traffic split: %w", err)
		}
		test.ProviderSplitTestID = splitID
	}

	if err := transition(ctx, test, eventRun); err != nil {
		return err
	}
	return o.projects.SaveSplitTest(ctx, project.ID, test)
}

// allVariantsLive checks each variant's environment on the hosting provider;
// the primary-branch variant is judged by the project's own status.
func (o *Orchestrator) allVariantsLive(project *domain.Project, hostID string, test *domain.SplitTest) bool {
	for _, variant := range test.Variants {
		if variant.Environment == "" {
			if project.BuildStatus != domain.StatusLive {
				return false
			}
			continue
		}
		dep := project.Deployment(hostID, variant.Environment)
		if dep == nil || dep.BuildProgress != domain.ProgressLive {
			return false
		}
	}
	return true
}

// Finish selects the winning variant: all branches are tagged for the record,
// the primary branch is repointed at the winner's content state, and the
// primary is rebuilt (a container pull for container-backed projects, a plain
// rebuild otherwise).
func (o *Orchestrator) Finish(ctx context.Context, projectID, userID, winner string) (*domain.Project, error) {
	project, user, err := o.authorize(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	test := project.ActiveSplitTest()
	if test == nil {
		return nil, ErrNoCampaign
	}
	winning := test.Variant(winner)
	if winning == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, winner)
	}
	if err := transition(ctx, test, eventFinish); err != nil {
		return nil, err
	}
	if err := o.projects.SaveSplitTest(ctx, project.ID, test); err != nil {
		return nil, err
	}

	if repoHost, ok := o.registry.RepositoryHost(project); ok {
		if branches, ok := repoHost.(provider.BranchManager); ok {
			label := fmt.Sprintf("split-test-%s", time.Now().UTC().Format("20060102-150405"))
			if err := branches.TagBranches(ctx, project, label); err != nil {
				o.logger.Warn("failed to tag branches", "project_id", project.ID, "error", err)
			}
			if winning.Environment != "" {
				if err := branches.ResetBranch(ctx, project, "", winning.Environment); err != nil {
					return nil, fmt.Errorf("repoint primary branch: %w", err)
				}
			}
		}
	}

	if err := o.rebuildPrimary(ctx, project, user); err != nil {
		return nil, err
	}
	if err := o.Cleanup(ctx, projectID, userID); err != nil {
		o.logger.Warn("campaign cleanup after finish failed", "project_id", project.ID, "error", err)
	}
	return o.projects.GetProjectByID(ctx, project.ID)
}

func (o *Orchestrator) rebuildPrimary(ctx context.Context, project *domain.Project, user *domain.User) error {
	if project.ContainerBacked() {
		target, err := o.registry.MustGet(project.TargetProvider())
		if err != nil {
			return err
		}
		_, err = o.registry.TriggerBuild(ctx, target, project, user, nil)
		return err
	}
	host, ok := o.registry.HostingTarget(project)
	if !ok {
		return nil
	}
	return o.registry.Redeploy(ctx, host, project, user, "", nil, true)
}

// Cleanup is the idempotent campaign sweep: stop the provider traffic split,
// drop injected analytics, delete build hooks, remove variant environments and
// clear the campaign record. Safe with no active campaign and after partial
// failure; every step is best effort so later steps still run.
func (o *Orchestrator) Cleanup(ctx context.Context, projectID, userID string) error {
	project, user, err := o.authorize(ctx, projectID, userID)
	if err != nil {
		return err
	}
	test := project.ActiveSplitTest()
	if test == nil {
		return nil
	}

	host, hasHost := o.registry.HostingTarget(project)
	if hasHost && test.ProviderSplitTestID != "" {
		if splitter, ok := host.(provider.TrafficSplitter); ok {
			if err := splitter.StopTrafficSplit(ctx, project, test.ProviderSplitTestID); err != nil {
				o.logger.Warn("failed to stop traffic split", "project_id", project.ID, "error", err)
			}
		}
	}

	if test.AnalyticsID != "" {
		if err := o.analytics.Emit(ctx, analytics.Event{
			ProjectID:  project.ID,
			UserID:     userID,
			Name:       "split_test_instrumentation_removed",
			Properties: map[string]any{"analytics_id": test.AnalyticsID},
		}); err != nil {
			o.logger.Warn("analytics emission failed", "project_id", project.ID, "error", err)
		}
	}

	for _, variant := range test.Variants {
		if variant.Environment == "" {
			continue
		}
		if hasHost {
			if hooks, ok := host.(provider.BuildHookManager); ok {
				if dep := project.Deployment(host.ID(), variant.Environment); dep != nil && dep.BuildHookID != "" {
					if err := hooks.DeleteBuildHook(ctx, project, dep.BuildHookID); err != nil {
						o.logger.Warn("failed to delete build hook",
							"project_id", project.ID, "environment", variant.Environment, "error", err)
					}
				}
			}
		}
		if err := o.envs.Remove(ctx, project.ID, user.ID, variant.Environment); err != nil && !errors.Is(err, repository.ErrNotFound) {
			o.logger.Warn("failed to remove variant environment",
				"project_id", project.ID, "environment", variant.Environment, "error", err)
		}
	}

	return o.projects.SaveSplitTest(ctx, project.ID, nil)
}

// ContinueSplitTestOperation is the single re-entry point invoked after every
// applied deploy event so campaigns progress without a dedicated poller.
func (o *Orchestrator) ContinueSplitTestOperation(ctx context.Context, p *domain.Project, u *domain.User) error {
	test := p.ActiveSplitTest()
	if test == nil {
		return nil
	}
	switch test.Status {
	case domain.SplitTestStarting:
		return o.ContinueStart(ctx, p, u)
	default:
		return nil
	}
}

func (o *Orchestrator) failCampaign(ctx context.Context, projectID string, cause error) {
	o.logger.Error("split test provisioning failed", "project_id", projectID, "error", cause)
	project, err := o.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return
	}
	test := project.ActiveSplitTest()
	if test == nil {
		return
	}
	if err := transition(ctx, test, eventFail); err != nil {
		return
	}
	if err := o.projects.SaveSplitTest(ctx, projectID, test); err != nil {
		o.logger.Error("failed to persist failed campaign", "project_id", projectID, "error", err)
	}
}

func validateVariants(variants []domain.Variant) error {
	if len(variants) < 2 {
		return fmt.Errorf("%w: a campaign needs at least two variants", repository.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(variants))
	total := 0
	for _, v := range variants {
		if v.Name == "" {
			return fmt.Errorf("%w: variant name is required", repository.ErrInvalidArgument)
		}
		if seen[v.Name] {
			return fmt.Errorf("%w: duplicate variant %s", repository.ErrInvalidArgument, v.Name)
		}
		seen[v.Name] = true
		if v.Split < 0 || v.Split > 100 {
			return fmt.Errorf("%w: variant %s split %d out of range", repository.ErrInvalidArgument, v.Name, v.Split)
		}
		total += v.Split
	}
	if total != 100 {
		return fmt.Errorf("%w: variant splits sum to %d, want 100", repository.ErrInvalidArgument, total)
	}
	return nil
}

func (o *Orchestrator) authorize(ctx context.Context, projectID, userID string) (*domain.Project, *domain.User, error) {
	project, err := o.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	user, err := o.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if project.OwnerID != user.ID {
		return nil, nil, fmt.Errorf("%w: project %s is not owned by %s", environment.ErrNotAuthorized, project.ID, user.ID)
	}
	return project, user, nil
}

func userID(u *domain.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
