// Package github implements the repository-host capability surface on the
// GitHub API: repository creation and push, branch lifecycle for preview
// environments, split-test branch bookkeeping and repository handover.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"

	"github.com/siteforge/siteforge/internal/buildlog"
	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/repository"
)

// ProviderID is the identifier projects use to select this adapter.
const ProviderID = "github"

// Client is the GitHub-backed repository provider.
type Client struct {
	gh         *gh.Client
	owner      string
	transferTo string
	projects   repository.ProjectRepository
	logger     *slog.Logger
}

// New constructs the adapter. owner is the account repositories are created
// under; transferTo, when set, is the account repositories are handed over to
// at the end of the pipeline.
func New(ctx context.Context, token, owner, transferTo string, projects repository.ProjectRepository, logger *slog.Logger) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Client{
		gh:         gh.NewClient(oauth2.NewClient(ctx, src)),
		owner:      owner,
		transferTo: transferTo,
		projects:   projects,
		logger:     logger,
	}
}

func (c *Client) ID() string { return ProviderID }

// Deploy ensures the project's repository exists and kicks a repository
// dispatch so downstream CI picks up the new content. The repository name and
// URL are recorded in this provider's deployment document.
func (c *Client) Deploy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error) {
	name := c.repoName(p)
	repo, resp, err := c.gh.Repositories.Get(ctx, c.owner, name)
	if err != nil {
		if resp == nil || resp.StatusCode != http.StatusNotFound {
			return nil, fmt.Errorf("github: get repository %s: %w", name, err)
		}
		repo, _, err = c.gh.Repositories.Create(ctx, "", &gh.Repository{
			Name:     gh.String(name),
			Private:  gh.Bool(true),
			AutoInit: gh.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("github: create repository %s: %w", name, err)
		}
		log.Info(ctx, "repository created", map[string]any{"repo": name})
	}

	if _, _, err := c.gh.Repositories.Dispatch(ctx, c.owner, name, gh.DispatchRequestOptions{
		EventType: "siteforge-deploy",
	}); err != nil {
		c.logger.Warn("repository dispatch failed", "project_id", p.ID, "repo", name, "error", err)
	}

	return c.projects.UpdateDeployment(ctx, p.ID, domain.DeploymentUpdate{
		Provider: ProviderID,
		SiteID:   gh.String(name),
		URL:      gh.String(repo.GetHTMLURL()),
		Branch:   gh.String(repo.GetDefaultBranch()),
	})
}

// CreateBranch cuts a new branch from the named base, or from the repository
// default branch when from is empty.
func (c *Client) CreateBranch(ctx context.Context, p *domain.Project, name, from string) error {
	repo := c.repoName(p)
	if from == "" {
		var err error
		if from, err = c.defaultBranch(ctx, repo); err != nil {
			return err
		}
	}
	base, _, err := c.gh.Git.GetRef(ctx, c.owner, repo, "refs/heads/"+from)
	if err != nil {
		return fmt.Errorf("github: resolve base branch %s: %w", from, err)
	}
	_, _, err = c.gh.Git.CreateRef(ctx, c.owner, repo, &gh.Reference{
		Ref:    gh.String("refs/heads/" + name),
		Object: &gh.GitObject{SHA: base.Object.SHA},
	})
	if err != nil {
		return fmt.Errorf("github: create branch %s: %w", name, err)
	}
	return nil
}

// DeleteBranch removes the branch ref.
func (c *Client) DeleteBranch(ctx context.Context, p *domain.Project, name string) error {
	if _, err := c.gh.Git.DeleteRef(ctx, c.owner, c.repoName(p), "refs/heads/"+name); err != nil {
		return fmt.Errorf("github: delete branch %s: %w", name, err)
	}
	return nil
}

// ResetBranch force-moves the named branch (the default branch when name is
// empty) to the head of toRef.
func (c *Client) ResetBranch(ctx context.Context, p *domain.Project, name, toRef string) error {
	repo := c.repoName(p)
	if name == "" {
		var err error
		if name, err = c.defaultBranch(ctx, repo); err != nil {
			return err
		}
	}
	head, _, err := c.gh.Git.GetRef(ctx, c.owner, repo, "refs/heads/"+toRef)
	if err != nil {
		return fmt.Errorf("github: resolve %s: %w", toRef, err)
	}
	_, _, err = c.gh.Git.UpdateRef(ctx, c.owner, repo, &gh.Reference{
		Ref:    gh.String("refs/heads/" + name),
		Object: &gh.GitObject{SHA: head.Object.SHA},
	}, true)
	if err != nil {
		return fmt.Errorf("github: reset branch %s to %s: %w", name, toRef, err)
	}
	return nil
}

// TagBranches snapshots every branch head under a label so split-test state
// survives the primary branch being repointed.
func (c *Client) TagBranches(ctx context.Context, p *domain.Project, label string) error {
	repo := c.repoName(p)
	branches, _, err := c.gh.Repositories.ListBranches(ctx, c.owner, repo, &gh.BranchListOptions{})
	if err != nil {
		return fmt.Errorf("github: list branches: %w", err)
	}
	for _, branch := range branches {
		tag := fmt.Sprintf("refs/tags/%s-%s", label, branch.GetName())
		if _, _, err := c.gh.Git.CreateRef(ctx, c.owner, repo, &gh.Reference{
			Ref:    gh.String(tag),
			Object: &gh.GitObject{SHA: gh.String(branch.GetCommit().GetSHA())},
		}); err != nil {
			return fmt.Errorf("github: tag branch %s: %w", branch.GetName(), err)
		}
	}
	return nil
}

// CompareBranches reports how many commits head is ahead of base.
func (c *Client) CompareBranches(ctx context.Context, p *domain.Project, base, head string) (int, error) {
	cmp, _, err := c.gh.Repositories.CompareCommits(ctx, c.owner, c.repoName(p), base, head, &gh.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("github: compare %s...%s: %w", base, head, err)
	}
	return cmp.GetAheadBy(), nil
}

// TransferRepository hands the repository over to the configured destination
// account.
func (c *Client) TransferRepository(ctx context.Context, p *domain.Project, u *domain.User) error {
	if c.transferTo == "" {
		return nil
	}
	_, _, err := c.gh.Repositories.Transfer(ctx, c.owner, c.repoName(p), gh.TransferRequest{NewOwner: c.transferTo})
	if err != nil {
		// GitHub answers 202 on success; the client surfaces it as
		// AcceptedError rather than a failure.
		if _, accepted := err.(*gh.AcceptedError); accepted {
			return nil
		}
		return fmt.Errorf("github: transfer repository: %w", err)
	}
	return nil
}

// OnWebhook converts a push to the default branch into an internal build
// trigger; pushes to other branches are recorded but produce no event.
func (c *Client) OnWebhook(ctx context.Context, p *domain.Project, u *domain.User, payload []byte, header http.Header) (*domain.Project, *domain.DeployEvent, error) {
	event, err := gh.ParseWebHook(header.Get("X-Github-Event"), payload)
	if err != nil {
		return p, nil, fmt.Errorf("github: parse webhook: %w", err)
	}
	push, ok := event.(*gh.PushEvent)
	if !ok {
		return p, nil, nil
	}
	branch := strings.TrimPrefix(push.GetRef(), "refs/heads/")
	dep := p.Deployment(ProviderID, "")
	if dep == nil || dep.Branch == "" || dep.Branch != branch {
		c.logger.Debug("ignoring push to non-primary branch", "project_id", p.ID, "branch", branch)
		return p, nil, nil
	}
	return p, &domain.DeployEvent{
		Source:     domain.SourceTrigger,
		Name:       domain.TriggerBuildEvent,
		Provider:   ProviderID,
		Branch:     branch,
		Message:    push.GetHeadCommit().GetMessage(),
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) defaultBranch(ctx context.Context, repo string) (string, error) {
	r, _, err := c.gh.Repositories.Get(ctx, c.owner, repo)
	if err != nil {
		return "", fmt.Errorf("github: get repository %s: %w", repo, err)
	}
	if r.GetDefaultBranch() == "" {
		return "main", nil
	}
	return r.GetDefaultBranch(), nil
}

// repoName prefers the recorded repository, falling back to a slug of the
// project name for first-time deploys.
func (c *Client) repoName(p *domain.Project) string {
	if dep := p.Deployment(ProviderID, ""); dep != nil && dep.SiteID != "" {
		return dep.SiteID
	}
	return Slug(p.Name)
}

// Slug normalizes a project name into a repository-safe identifier.
func Slug(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
