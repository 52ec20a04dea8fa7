package environment

import (
	"context"
	"errors"
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
	project *domain.Project
}

func (f *fakeProjectRepo) CreateProject(ctx context.Context, p *domain.Project) error { return nil }

func (f *fakeProjectRepo) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
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
	f.project.BuildStatus = update.To
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
	if f.project.Environments == nil {
		f.project.Environments = make(map[string]domain.DeploymentData)
	}
	f.project.Environments[name] = data
	return nil
}

func (f *fakeProjectRepo) RemoveEnvironment(ctx context.Context, id, name string) error {
	delete(f.project.Environments, name)
	return nil
}

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

type fakeHost struct {
	createErr error
	creates   []string
	removes   []string
	listings  []provider.Deploy
}

func (f *fakeHost) ID() string { return "hostly" }

func (f *fakeHost) CreateEnvironment(ctx context.Context, p *domain.Project, u *domain.User, name string) (*domain.Project, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates = append(f.creates, name)
	if p.Environments == nil {
		p.Environments = make(map[string]domain.DeploymentData)
	}
	p.Environments[name] = domain.DeploymentData{
		f.ID(): {SiteID: "site-" + name, Branch: name},
	}
	return p, nil
}

func (f *fakeHost) RemoveEnvironment(ctx context.Context, p *domain.Project, u *domain.User, name string) error {
	f.removes = append(f.removes, name)
	return nil
}

func (f *fakeHost) ListDeploys(ctx context.Context, p *domain.Project, environment string) ([]provider.Deploy, error) {
	return f.listings, nil
}

type fakeRepoHost struct {
	created   []string
	deleted   []string
	deleteErr error
}

func (f *fakeRepoHost) ID() string { return "github" }

func (f *fakeRepoHost) CreateBranch(ctx context.Context, p *domain.Project, name, from string) error {
	f.created = append(f.created, name)
	return nil
}

func (f *fakeRepoHost) DeleteBranch(ctx context.Context, p *domain.Project, name string) error {
	f.deleted = append(f.deleted, name)
	return f.deleteErr
}

func (f *fakeRepoHost) ResetBranch(ctx context.Context, p *domain.Project, name, toRef string) error {
	return nil
}

func (f *fakeRepoHost) TagBranches(ctx context.Context, p *domain.Project, label string) error {
	return nil
}

func (f *fakeRepoHost) CompareBranches(ctx context.Context, p *domain.Project, base, head string) (int, error) {
	return 0, nil
}

func environmentProject() *domain.Project {
	return &domain.Project{
		ID:               "proj-1",
		OwnerID:          "user-1",
		Repository:       "github",
		DeploymentTarget: "hostly",
		BuildStatus:      domain.StatusLive,
	}
}

func newTestService(project *domain.Project, quota int, providers ...provider.Provider) (*Service, *fakeProjectRepo) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := &fakeProjectRepo{project: project}
	registry := provider.NewRegistry(log)
	for _, p := range providers {
		registry.Register(p)
	}
	logs := buildlog.New(fakeLogRepo{}, nil, log)
	applier := status.NewApplier(repo, registry, logs, nil, log)
	return New(repo, fakeUserRepo{}, registry, applier, log, quota, 2), repo
}

func TestCreateRejectsReservedNames(t *testing.T) {
	svc, _ := newTestService(environmentProject(), 5, &fakeHost{}, &fakeRepoHost{})

	for _, name := range []string{"", "production"} {
		_, err := svc.Create(context.Background(), "proj-1", "user-1", name)
		if !errors.Is(err, repository.ErrInvalidArgument) {
			t.Fatalf("name %q: expected ErrInvalidArgument, got %v", name, err)
		}
	}
}

func TestCreateRejectsTakenName(t *testing.T) {
	project := environmentProject()
	project.Environments = map[string]domain.DeploymentData{"env-1": {}}
	svc, _ := newTestService(project, 5, &fakeHost{}, &fakeRepoHost{})

	_, err := svc.Create(context.Background(), "proj-1", "user-1", "env-1")
	if !errors.Is(err, ErrEnvironmentExists) {
		t.Fatalf("expected ErrEnvironmentExists, got %v", err)
	}
}

func TestCreateEnforcesQuota(t *testing.T) {
	project := environmentProject()
	project.Environments = map[string]domain.DeploymentData{"env-1": {}, "env-2": {}}
	svc, _ := newTestService(project, 2, &fakeHost{}, &fakeRepoHost{})

	_, err := svc.Create(context.Background(), "proj-1", "user-1", "env-3")
	if !errors.Is(err, repository.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestCreateProvisionsBranchAndOverlay(t *testing.T) {
	host := &fakeHost{}
	branches := &fakeRepoHost{}
	svc, repo := newTestService(environmentProject(), 5, host, branches)

	got, err := svc.Create(context.Background(), "proj-1", "user-1", "env-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(branches.created) != 1 || branches.created[0] != "env-1" {
		t.Fatalf("expected branch env-1 created, got %v", branches.created)
	}
	overlay := repo.project.Environments["env-1"]
	if overlay == nil || overlay["hostly"] == nil || overlay["hostly"].SiteID != "site-env-1" {
		t.Fatalf("expected persisted hosting overlay, got %+v", overlay)
	}
	if got.Deployment("hostly", "env-1") == nil {
		t.Fatal("returned project must resolve the environment document")
	}
}

func TestCreateTearsDownOnProviderFailure(t *testing.T) {
	host := &fakeHost{createErr: errors.New("hosting rejected site")}
	branches := &fakeRepoHost{}
	svc, repo := newTestService(environmentProject(), 5, host, branches)

	_, err := svc.Create(context.Background(), "proj-1", "user-1", "env-1")
	if err == nil {
		t.Fatal("expected provisioning error")
	}
	if len(branches.deleted) != 1 || branches.deleted[0] != "env-1" {
		t.Fatalf("expected compensating branch delete, got %v", branches.deleted)
	}
	if _, exists := repo.project.Environments["env-1"]; exists {
		t.Fatal("failed environment must not be persisted")
	}
}

func TestRemoveUnknownEnvironment(t *testing.T) {
	svc, _ := newTestService(environmentProject(), 5, &fakeHost{}, &fakeRepoHost{})

	err := svc.Remove(context.Background(), "proj-1", "user-1", "ghost")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveSurvivesBranchDeleteFailure(t *testing.T) {
	project := environmentProject()
	project.Environments = map[string]domain.DeploymentData{"env-1": {}}
	host := &fakeHost{}
	branches := &fakeRepoHost{deleteErr: errors.New("branch is protected")}
	svc, repo := newTestService(project, 5, host, branches)

	if err := svc.Remove(context.Background(), "proj-1", "user-1", "env-1"); err != nil {
		t.Fatalf("branch delete failure must not block removal, got %v", err)
	}
	if len(host.removes) != 1 || host.removes[0] != "env-1" {
		t.Fatalf("expected hosting environment removal, got %v", host.removes)
	}
	if _, exists := repo.project.Environments["env-1"]; exists {
		t.Fatal("environment overlay must be gone after removal")
	}
}

func TestReconcileAllAppliesEnvironmentEvents(t *testing.T) {
	project := environmentProject()
	project.Environments = map[string]domain.DeploymentData{
		"env-1": {"hostly": {SiteID: "site-env-1", Branch: "env-1"}},
	}
	host := &fakeHost{listings: []provider.Deploy{{
		ID:        "dep-e1",
		State:     "building",
		Branch:    "env-1",
		Context:   "branch-deploy",
		CreatedAt: time.Now(),
	}}}
	svc, repo := newTestService(project, 5, host, &fakeRepoHost{})

	if err := svc.ReconcileAll(context.Background(), "proj-1", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc := repo.project.Environments["env-1"]["hostly"]
	if doc.BuildProgress != domain.ProgressBuilding || doc.DeployID != "dep-e1" {
		t.Fatalf("expected environment progress update, got %+v", doc)
	}
	if repo.project.BuildStatus != domain.StatusLive {
		t.Fatalf("environment reconciliation must not move project status, got %q", repo.project.BuildStatus)
	}
}
