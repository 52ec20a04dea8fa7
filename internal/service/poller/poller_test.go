package poller

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/siteforge/siteforge/internal/buildlog"
	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/provider"
	"github.com/siteforge/siteforge/internal/repository"
	"github.com/siteforge/siteforge/internal/service/status"
)

type fakeProjectRepo struct {
	project     *domain.Project
	statusCalls int
	getCalls    int
}

func (f *fakeProjectRepo) CreateProject(ctx context.Context, p *domain.Project) error { return nil }

func (f *fakeProjectRepo) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	f.getCalls++
	if f.project == nil || f.project.ID != id {
		return nil, repository.ErrNotFound
	}
	return f.project, nil
}

func (f *fakeProjectRepo) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	return nil, nil
}

func (f *fakeProjectRepo) ListPollableProjects(ctx context.Context) ([]domain.Project, error) {
	if f.project == nil {
		return nil, nil
	}
	return []domain.Project{*f.project}, nil
}

func (f *fakeProjectRepo) UpdateBuildStatus(ctx context.Context, id string, update domain.StatusUpdate) (*domain.Project, error) {
	f.statusCalls++
	if len(update.From) > 0 {
		matched := false
		for _, from := range update.From {
			if f.project.BuildStatus == from {
				matched = true
				break
			}
		}
		if !matched {
			return nil, repository.ErrConflict
		}
	}
	f.project.BuildStatus = update.To
	f.project.BuildMessage = update.Message
	return f.project, nil
}

func (f *fakeProjectRepo) UpdateDeployment(ctx context.Context, id string, update domain.DeploymentUpdate) (*domain.Project, error) {
	var data domain.DeploymentData
	if update.Environment != "" {
		if f.project.Environments == nil {
			f.project.Environments = make(map[string]domain.DeploymentData)
		}
		if f.project.Environments[update.Environment] == nil {
			f.project.Environments[update.Environment] = make(domain.DeploymentData)
		}
		data = f.project.Environments[update.Environment]
	} else {
		if f.project.DeploymentData == nil {
			f.project.DeploymentData = make(domain.DeploymentData)
		}
		data = f.project.DeploymentData
	}
	doc := data[update.Provider]
	if doc == nil {
		doc = &domain.ProviderDeployment{}
		data[update.Provider] = doc
	}
	update.ApplyTo(doc)
	return f.project, nil
}

func (f *fakeProjectRepo) PutEnvironment(ctx context.Context, id, name string, data domain.DeploymentData) error {
	return nil
}

func (f *fakeProjectRepo) RemoveEnvironment(ctx context.Context, id, name string) error { return nil }

func (f *fakeProjectRepo) SaveSplitTest(ctx context.Context, id string, test *domain.SplitTest) error {
	return nil
}

func (f *fakeProjectRepo) SetPublishingVersions(ctx context.Context, id string, publishing, published *int64) error {
	return nil
}

func (f *fakeProjectRepo) AddMetrics(ctx context.Context, id string, delta domain.MetricsDelta) error {
	return nil
}

type fakeUserRepo struct{}

func (fakeUserRepo) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return &domain.User{ID: id}, nil
}

type fakeLogRepo struct{}

func (fakeLogRepo) AppendLog(ctx context.Context, entry domain.BuildLogEntry) error { return nil }

func (fakeLogRepo) ListLogsByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.BuildLogEntry, error) {
	return nil, nil
}

// fakeHost answers each ListDeploys call with the next scripted listing,
// repeating the last one once the script runs out.
type fakeHost struct {
	listings  [][]provider.Deploy
	listCalls int
}

func (f *fakeHost) ID() string { return "hostly" }

func (f *fakeHost) ListDeploys(ctx context.Context, p *domain.Project, environment string) ([]provider.Deploy, error) {
	idx := f.listCalls
	f.listCalls++
	if idx >= len(f.listings) {
		idx = len(f.listings) - 1
	}
	if idx < 0 {
		return nil, nil
	}
	return f.listings[idx], nil
}

func newPollerFixture(project *domain.Project, host *fakeHost) (*Poller, *fakeProjectRepo) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := &fakeProjectRepo{project: project}
	registry := provider.NewRegistry(log)
	registry.Register(host)
	logs := buildlog.New(fakeLogRepo{}, nil, log)
	applier := status.NewApplier(repo, registry, logs, nil, log)
	p := New(repo, fakeUserRepo{}, registry, applier, log, time.Second, 1, 1)
	return p, repo
}

func pollableProject(buildStatus domain.BuildStatus) *domain.Project {
	return &domain.Project{
		ID:               "proj-1",
		OwnerID:          "user-1",
		DeploymentTarget: "hostly",
		BuildStatus:      buildStatus,
		DeploymentData: domain.DeploymentData{
			"hostly": {SiteID: "site-1", DeployID: "dep-a", BuildProgress: domain.ProgressBuilding},
		},
		WebhooksRestricted: true,
	}
}

func TestReconcileNeverTouchesBuildFailedProjects(t *testing.T) {
	host := &fakeHost{}
	p, _ := newPollerFixture(pollableProject(domain.StatusBuildFailed), host)

	project := pollableProject(domain.StatusBuildFailed)
	if err := p.Reconcile(context.Background(), project, &domain.User{ID: "user-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host.listCalls != 0 {
		t.Fatalf("build-failed project must not be polled, got %d list calls", host.listCalls)
	}
}

func TestReconcileSkipsStaleQueuedWhileDeploying(t *testing.T) {
	host := &fakeHost{listings: [][]provider.Deploy{
		{deployAt("dep-b", "enqueued", "master", "production", time.Minute)},
	}}
	project := pollableProject(domain.StatusDeploying)
	p, repo := newPollerFixture(project, host)

	if err := p.Reconcile(context.Background(), project, &domain.User{ID: "user-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.statusCalls != 0 {
		t.Fatalf("stale queued read must not touch the ledger, got %d status updates", repo.statusCalls)
	}
	if got := project.DeploymentData["hostly"].DeployID; got != "dep-a" {
		t.Fatalf("deploy id must not change on a stale read, got %q", got)
	}
}

func TestReconcileConfirmsTerminalStateWithSecondRead(t *testing.T) {
	ready := deployAt("dep-a", "ready", "master", "production", time.Minute)
	host := &fakeHost{listings: [][]provider.Deploy{{ready}, {ready}}}
	project := pollableProject(domain.StatusDeploying)
	p, _ := newPollerFixture(project, host)

	if err := p.Reconcile(context.Background(), project, &domain.User{ID: "user-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host.listCalls != 2 {
		t.Fatalf("terminal state needs a confirming read, got %d list calls", host.listCalls)
	}
	if project.BuildStatus != domain.StatusLive {
		t.Fatalf("confirmed ready must take the project live, got %q", project.BuildStatus)
	}
}

func TestReconcileRetriesWhenConfirmationDisagrees(t *testing.T) {
	host := &fakeHost{listings: [][]provider.Deploy{
		{deployAt("dep-a", "ready", "master", "production", 2*time.Minute)},
		{deployAt("dep-b", "building", "master", "production", time.Minute)},
		{deployAt("dep-b", "building", "master", "production", time.Minute)},
	}}
	project := pollableProject(domain.StatusDeploying)
	p, _ := newPollerFixture(project, host)

	if err := p.Reconcile(context.Background(), project, &domain.User{ID: "user-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if project.BuildStatus != domain.StatusDeploying {
		t.Fatalf("unconfirmed ready must not finalize the deploy, got %q", project.BuildStatus)
	}
	if got := project.DeploymentData["hostly"].DeployID; got != "dep-b" {
		t.Fatalf("retry should track the newer deploy, got %q", got)
	}
}

func TestReconcileGivesUpWhenReadsKeepDiverging(t *testing.T) {
	ready := deployAt("dep-a", "ready", "master", "production", 2*time.Minute)
	building := deployAt("dep-b", "building", "master", "production", time.Minute)
	// Only the in-progress deploy is ever selected once both are present, so
	// alternate listings that each contain a single deploy.
	host := &fakeHost{listings: [][]provider.Deploy{
		{ready}, {building},
		{ready}, {building},
		{ready}, {building},
		{ready}, {building},
	}}
	project := pollableProject(domain.StatusDeploying)
	p, _ := newPollerFixture(project, host)

	if err := p.Reconcile(context.Background(), project, &domain.User{ID: "user-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host.listCalls != 8 {
		t.Fatalf("expected 4 read pairs before giving up, got %d list calls", host.listCalls)
	}
	if project.BuildStatus != domain.StatusDeploying {
		t.Fatalf("diverging reads must leave the project untouched, got %q", project.BuildStatus)
	}
}
