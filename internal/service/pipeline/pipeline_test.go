package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/siteforge/siteforge/internal/buildlog"
	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/provider"
	"github.com/siteforge/siteforge/internal/repository"
	"github.com/siteforge/siteforge/pkg/config"
)

type fakeProjectRepo struct {
	mu          sync.Mutex
	project     *domain.Project
	metricsDone chan struct{}
}

func (f *fakeProjectRepo) CreateProject(ctx context.Context, p *domain.Project) error { return nil }

func (f *fakeProjectRepo) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.project == nil || f.project.ID != id {
		return nil, repository.ErrNotFound
	}
	return f.project, nil
}

func (f *fakeProjectRepo) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	return nil, nil
}

func (f *fakeProjectRepo) ListPollableProjects(ctx context.Context) ([]domain.Project, error) {
	return nil, nil
}

func (f *fakeProjectRepo) UpdateBuildStatus(ctx context.Context, id string, update domain.StatusUpdate) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	if update.StartedAt != nil {
		f.project.BuildStartedAt = update.StartedAt
	}
	return f.project, nil
}

func (f *fakeProjectRepo) UpdateDeployment(ctx context.Context, id string, update domain.DeploymentUpdate) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.project.DeploymentData == nil {
		f.project.DeploymentData = make(domain.DeploymentData)
	}
	doc := f.project.DeploymentData[update.Provider]
	if doc == nil {
		doc = &domain.ProviderDeployment{}
		f.project.DeploymentData[update.Provider] = doc
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
	if f.metricsDone != nil && delta.BuildDurationMS >= 0 && delta.Deploys == 0 {
		close(f.metricsDone)
		f.metricsDone = nil
	}
	return nil
}

func (f *fakeProjectRepo) status() domain.BuildStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.project.BuildStatus
}

type fakeUserRepo struct{}

func (fakeUserRepo) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return &domain.User{ID: id}, nil
}

type fakeErrorRepo struct {
	mu      sync.Mutex
	records []domain.BuildError
}

func (f *fakeErrorRepo) InsertBuildError(ctx context.Context, record *domain.BuildError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *record)
	return nil
}

func (f *fakeErrorRepo) ListBuildErrorsByProject(ctx context.Context, projectID string, limit int) ([]domain.BuildError, error) {
	return nil, nil
}

func (f *fakeErrorRepo) last() *domain.BuildError {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return nil
	}
	return &f.records[len(f.records)-1]
}

type fakeLogRepo struct{}

func (fakeLogRepo) AppendLog(ctx context.Context, entry domain.BuildLogEntry) error { return nil }

func (fakeLogRepo) ListLogsByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.BuildLogEntry, error) {
	return nil, nil
}

// fakeTarget is a hosting/container target whose Deploy can be held open to
// observe the caller-facing resolution timing.
type fakeTarget struct {
	id           string
	release      chan struct{}
	url          string
	accessDenied bool

	mu          sync.Mutex
	deployCalls int
	ops         []string
}

func (f *fakeTarget) ID() string { return f.id }

func (f *fakeTarget) HasAccess(ctx context.Context, p *domain.Project, u *domain.User) (provider.Access, error) {
	return provider.Access{HasAccess: !f.accessDenied, HasConnection: !f.accessDenied}, nil
}

func (f *fakeTarget) Destroy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) error {
	f.mu.Lock()
	f.ops = append(f.ops, "destroy")
	f.mu.Unlock()
	return nil
}

func (f *fakeTarget) Redeploy(ctx context.Context, p *domain.Project, u *domain.User, environment string, log *buildlog.Logger, force bool) error {
	f.mu.Lock()
	if force {
		f.ops = append(f.ops, "redeploy-forced")
	} else {
		f.ops = append(f.ops, "redeploy")
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeTarget) Deploy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.deployCalls++
	f.mu.Unlock()
	if f.url != "" {
		if p.DeploymentData == nil {
			p.DeploymentData = make(domain.DeploymentData)
		}
		if p.DeploymentData[f.id] == nil {
			p.DeploymentData[f.id] = &domain.ProviderDeployment{}
		}
		p.DeploymentData[f.id].URL = f.url
	}
	return p, nil
}

type fakeCMS struct {
	prebuildErrs []error

	mu            sync.Mutex
	prebuildCalls int
	destroyCalls  int
}

func (f *fakeCMS) ID() string { return "cms" }

func (f *fakeCMS) PreBuild(ctx context.Context, p *domain.Project, u *domain.User, previewBranch string, log *buildlog.Logger) (*domain.Project, error) {
	f.mu.Lock()
	idx := f.prebuildCalls
	f.prebuildCalls++
	f.mu.Unlock()
	if idx < len(f.prebuildErrs) && f.prebuildErrs[idx] != nil {
		return nil, f.prebuildErrs[idx]
	}
	return p, nil
}

func (f *fakeCMS) Destroy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) error {
	f.mu.Lock()
	f.destroyCalls++
	f.mu.Unlock()
	return nil
}

func newTestPipeline(t *testing.T, project *domain.Project, providers ...provider.Provider) (*Pipeline, *fakeProjectRepo, *fakeErrorRepo) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := &fakeProjectRepo{project: project, metricsDone: make(chan struct{})}
	errRepo := &fakeErrorRepo{}
	registry := provider.NewRegistry(log)
	for _, p := range providers {
		registry.Register(p)
	}
	logs := buildlog.New(fakeLogRepo{}, nil, log)
	cfg := config.EngineConfig{ScratchDir: t.TempDir(), PreBuildMaxRetries: 2}
	return New(repo, fakeUserRepo{}, errRepo, registry, logs, nil, cfg, log), repo, errRepo
}

func draftProject() *domain.Project {
	return &domain.Project{
		ID:               "proj-1",
		OwnerID:          "user-1",
		Name:             "My Site",
		DeploymentTarget: "hostly",
		BuildStatus:      domain.StatusDraft,
	}
}

func TestBuildAndDeployRejectsNonDraftProjects(t *testing.T) {
	project := draftProject()
	project.BuildStatus = domain.StatusLive
	pl, _, _ := newTestPipeline(t, project, &fakeTarget{id: "hostly"})

	_, err := pl.BuildAndDeploy(context.Background(), "proj-1", "user-1")
	if !errors.Is(err, ErrProjectAlreadyBuilt) {
		t.Fatalf("expected ErrProjectAlreadyBuilt, got %v", err)
	}
}

func TestBuildAndDeployRejectsNonOwners(t *testing.T) {
	pl, _, _ := newTestPipeline(t, draftProject(), &fakeTarget{id: "hostly"})

	_, err := pl.BuildAndDeploy(context.Background(), "proj-1", "someone-else")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestBuildAndDeployRejectsRevokedProviderAccess(t *testing.T) {
	pl, repo, _ := newTestPipeline(t, draftProject(), &fakeTarget{id: "hostly", accessDenied: true})

	_, err := pl.BuildAndDeploy(context.Background(), "proj-1", "user-1")
	if !errors.Is(err, ErrNoProviderAccess) {
		t.Fatalf("expected ErrNoProviderAccess, got %v", err)
	}
	if got := repo.status(); got != domain.StatusDraft {
		t.Fatalf("project must stay draft when the hosting account is unreachable, got %q", got)
	}
}

func TestBuildAndDeployResolvesEarlyForHostingTargets(t *testing.T) {
	release := make(chan struct{})
	target := &fakeTarget{id: "hostly", release: release}
	pl, repo, _ := newTestPipeline(t, draftProject(), target)

	// The target deploy is held open; a plain hosting project must still
	// resolve as soon as the status flips to building.
	done := make(chan struct{})
	var got *domain.Project
	var err error
	go func() {
		got, err = pl.BuildAndDeploy(context.Background(), "proj-1", "user-1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("caller still blocked while deploy is pending")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.BuildStatus != domain.StatusBuilding {
		t.Fatalf("expected building at resolution time, got %q", got.BuildStatus)
	}

	close(release)
	select {
	case <-repo.metricsDone:
	case <-time.After(2 * time.Second):
		t.Fatal("background pipeline never completed")
	}
	target.mu.Lock()
	calls := target.deployCalls
	target.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one target deploy, got %d", calls)
	}
}

func TestBuildAndDeployWaitsForURLWhenContainerBacked(t *testing.T) {
	project := draftProject()
	project.Container = "container"
	target := &fakeTarget{id: "container", url: "https://proj-1.run.siteforge.test"}
	pl, _, _ := newTestPipeline(t, project, target)

	got, err := pl.BuildAndDeploy(context.Background(), "proj-1", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dep := got.Deployment("container", "")
	if dep == nil || dep.URL == "" {
		t.Fatal("container-backed build must return the deployment URL")
	}
}

func TestBuildAndDeployFailsBuildOnPreBuildError(t *testing.T) {
	project := draftProject()
	project.Container = "container"
	project.ContentSource = "cms"
	cause := errors.New("space creation rejected")
	cms := &fakeCMS{prebuildErrs: []error{cause, cause, cause}}
	pl, repo, errRepo := newTestPipeline(t, project, &fakeTarget{id: "container"}, cms)

	_, err := pl.BuildAndDeploy(context.Background(), "proj-1", "user-1")
	if !errors.Is(err, cause) {
		t.Fatalf("expected prebuild cause, got %v", err)
	}
	if got := repo.status(); got != domain.StatusBuildFailed {
		t.Fatalf("expected build-failed, got %q", got)
	}
	record := errRepo.last()
	if record == nil || record.Stage != "preBuild" {
		t.Fatalf("expected a persisted preBuild error record, got %+v", record)
	}
	cms.mu.Lock()
	destroys := cms.destroyCalls
	prebuilds := cms.prebuildCalls
	cms.mu.Unlock()
	if destroys != 1 {
		t.Fatalf("expected compensating content teardown, got %d destroy calls", destroys)
	}
	// A permanent error must not be retried.
	if prebuilds != 1 {
		t.Fatalf("expected a single prebuild attempt, got %d", prebuilds)
	}
}

func TestBuildAndDeployRetriesTransientPreBuildFailures(t *testing.T) {
	project := draftProject()
	project.Container = "container"
	project.ContentSource = "cms"
	cms := &fakeCMS{prebuildErrs: []error{&Transient{Err: errors.New("cms briefly unavailable")}}}
	pl, _, _ := newTestPipeline(t, project, &fakeTarget{id: "container"}, cms)

	_, err := pl.BuildAndDeploy(context.Background(), "proj-1", "user-1")
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	cms.mu.Lock()
	prebuilds := cms.prebuildCalls
	cms.mu.Unlock()
	if prebuilds != 2 {
		t.Fatalf("expected one retry after the transient failure, got %d attempts", prebuilds)
	}
}

func TestDeployPreviewPerformsInitialDeploy(t *testing.T) {
	project := draftProject()
	project.BuildStatus = domain.StatusLive
	target := &fakeTarget{id: "hostly"}
	pl, _, _ := newTestPipeline(t, project, target)

	_, err := pl.DeployPreview(context.Background(), "proj-1", "user-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.deployCalls != 1 {
		t.Fatalf("expected an initial deploy, got %d", target.deployCalls)
	}
	if len(target.ops) != 0 {
		t.Fatalf("initial deploy must not destroy or redeploy, got %v", target.ops)
	}
}

func TestDeployPreviewReplacesExistingDeployment(t *testing.T) {
	project := draftProject()
	project.BuildStatus = domain.StatusLive
	project.DeploymentData = domain.DeploymentData{
		"hostly": {SiteID: "site-1", DeployID: "dep-a"},
	}
	target := &fakeTarget{id: "hostly"}
	pl, _, _ := newTestPipeline(t, project, target)

	_, err := pl.DeployPreview(context.Background(), "proj-1", "user-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.deployCalls != 0 {
		t.Fatalf("existing deployment must not take the initial deploy path, got %d deploys", target.deployCalls)
	}
	want := []string{"destroy", "redeploy-forced"}
	if len(target.ops) != 2 || target.ops[0] != want[0] || target.ops[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, target.ops)
	}
}
