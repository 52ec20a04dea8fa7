// Package hostly implements the hosting/deployment target against the Hostly
// HTTP API: site and deploy lifecycle, deploy listings for the poller, build
// hooks, per-environment site instances and traffic splitting.
package hostly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/siteforge/siteforge/internal/buildlog"
	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/provider"
	"github.com/siteforge/siteforge/internal/repository"
)

// ProviderID is the identifier projects use to select this adapter.
const ProviderID = "hostly"

// Client is the Hostly-backed hosting provider.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	projects  repository.ProjectRepository
	logger    *slog.Logger
}

// New constructs the adapter. timeout applies per API call.
func New(baseURL, authToken string, projects repository.ProjectRepository, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
		projects:  projects,
		logger:    logger,
	}
}

func (c *Client) ID() string { return ProviderID }

type site struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	AdminURL string `json:"admin_url"`
}

type deploy struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	Branch       string    `json:"branch"`
	Context      string    `json:"context"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

// Deploy creates the site on first use and schedules a deploy, recording the
// site identity and the new deploy id with queued progress.
func (c *Client) Deploy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error) {
	dep := p.Deployment(ProviderID, "")
	siteID := ""
	if dep != nil {
		siteID = dep.SiteID
	}
	if siteID == "" {
		var created site
		if err := c.call(ctx, http.MethodPost, "/v1/sites", map[string]string{"name": p.Name}, &created); err != nil {
			return nil, fmt.Errorf("hostly: create site: %w", err)
		}
		siteID = created.ID
		log.Info(ctx, "hosting site created", map[string]any{"site_id": created.ID, "url": created.URL})
		updated, err := c.projects.UpdateDeployment(ctx, p.ID, domain.DeploymentUpdate{
			Provider: ProviderID,
			SiteID:   domain.String(created.ID),
			URL:      domain.String(created.URL),
			AdminURL: domain.String(created.AdminURL),
		})
		if err != nil {
			return nil, err
		}
		p = updated
	}

	var scheduled deploy
	if err := c.call(ctx, http.MethodPost, "/v1/sites/"+siteID+"/deploys", nil, &scheduled); err != nil {
		return nil, fmt.Errorf("hostly: schedule deploy: %w", err)
	}
	log.Info(ctx, "deploy scheduled", map[string]any{"deploy_id": scheduled.ID})
	return c.projects.UpdateDeployment(ctx, p.ID, domain.DeploymentUpdate{
		Provider:      ProviderID,
		DeployID:      domain.String(scheduled.ID),
		BuildProgress: domain.String(domain.ProgressQueued),
		RawState:      domain.String(scheduled.State),
	})
}

// ListDeploys fetches the site's raw deploy list, optionally scoped to an
// environment's branch.
func (c *Client) ListDeploys(ctx context.Context, p *domain.Project, environment string) ([]provider.Deploy, error) {
	dep := c.deployment(p, environment)
	if dep == nil || dep.SiteID == "" {
		return nil, nil
	}
	path := "/v1/sites/" + dep.SiteID + "/deploys"
	if environment != "" {
		path += "?branch=" + url.QueryEscape(environment)
	}
	var raw []deploy
	if err := c.call(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("hostly: list deploys: %w", err)
	}
	out := make([]provider.Deploy, 0, len(raw))
	for _, d := range raw {
		out = append(out, provider.Deploy{
			ID:        d.ID,
			State:     d.State,
			Branch:    d.Branch,
			Context:   d.Context,
			CreatedAt: d.CreatedAt,
		})
	}
	return out, nil
}

// HasAccess verifies the account token still reaches the API.
func (c *Client) HasAccess(ctx context.Context, p *domain.Project, u *domain.User) (provider.Access, error) {
	err := c.call(ctx, http.MethodGet, "/v1/account", nil, nil)
	if err != nil {
		var httpErr *StatusError
		if errors.As(err, &httpErr) && (httpErr.Code == http.StatusUnauthorized || httpErr.Code == http.StatusForbidden) {
			return provider.Access{}, nil
		}
		return provider.Access{}, err
	}
	return provider.Access{HasAccess: true, HasConnection: true}, nil
}

// CreateBuildHook registers a hook that rebuilds the named environment.
func (c *Client) CreateBuildHook(ctx context.Context, p *domain.Project, environment string) (string, error) {
	dep := p.Deployment(ProviderID, "")
	if dep == nil || dep.SiteID == "" {
		return "", fmt.Errorf("hostly: %w: no site for project %s", repository.ErrNotFound, p.ID)
	}
	var hook struct {
		ID string `json:"id"`
	}
	body := map[string]string{"branch": environment}
	if err := c.call(ctx, http.MethodPost, "/v1/sites/"+dep.SiteID+"/build-hooks", body, &hook); err != nil {
		return "", fmt.Errorf("hostly: create build hook: %w", err)
	}
	return hook.ID, nil
}

// DeleteBuildHook removes a hook; an already-deleted hook is not an error.
func (c *Client) DeleteBuildHook(ctx context.Context, p *domain.Project, hookID string) error {
	err := c.call(ctx, http.MethodDelete, "/v1/build-hooks/"+hookID, nil, nil)
	if err != nil {
		var httpErr *StatusError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("hostly: delete build hook: %w", err)
	}
	return nil
}

// TriggerBuildHook fires the hook, starting a fresh build of its branch.
func (c *Client) TriggerBuildHook(ctx context.Context, p *domain.Project, hookID string) error {
	if err := c.call(ctx, http.MethodPost, "/v1/build-hooks/"+hookID+"/trigger", nil, nil); err != nil {
		return fmt.Errorf("hostly: trigger build hook: %w", err)
	}
	return nil
}

// StartTrafficSplit begins routing traffic across the campaign's variants.
func (c *Client) StartTrafficSplit(ctx context.Context, p *domain.Project, test *domain.SplitTest) (string, error) {
	dep := p.Deployment(ProviderID, "")
	if dep == nil || dep.SiteID == "" {
		return "", fmt.Errorf("hostly: %w: no site for project %s", repository.ErrNotFound, p.ID)
	}
	type wire struct {
		Branch  string `json:"branch"`
		Percent int    `json:"percent"`
	}
	variants := make([]wire, 0, len(test.Variants))
	for _, v := range test.Variants {
		branch := v.Environment
		if branch == "" {
			branch = dep.Branch
		}
		variants = append(variants, wire{Branch: branch, Percent: v.Split})
	}
	var split struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/sites/"+dep.SiteID+"/split-tests", map[string]any{"variants": variants}, &split); err != nil {
		return "", fmt.Errorf("hostly: start traffic split: %w", err)
	}
	return split.ID, nil
}

// StopTrafficSplit ends the split; an unknown split id is treated as stopped.
func (c *Client) StopTrafficSplit(ctx context.Context, p *domain.Project, splitTestID string) error {
	err := c.call(ctx, http.MethodDelete, "/v1/split-tests/"+splitTestID, nil, nil)
	if err != nil {
		var httpErr *StatusError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("hostly: stop traffic split: %w", err)
	}
	return nil
}

// CreateEnvironment provisions a per-environment site instance addressed by
// the environment name and records its document in the environment overlay.
func (c *Client) CreateEnvironment(ctx context.Context, p *domain.Project, u *domain.User, name string) (*domain.Project, error) {
	var created site
	body := map[string]string{"name": p.Name + "-" + name, "branch": name}
	if err := c.call(ctx, http.MethodPost, "/v1/sites", body, &created); err != nil {
		return nil, fmt.Errorf("hostly: create environment site: %w", err)
	}
	return c.projects.UpdateDeployment(ctx, p.ID, domain.DeploymentUpdate{
		Provider:    ProviderID,
		Environment: name,
		SiteID:      domain.String(created.ID),
		URL:         domain.String(created.URL),
		AdminURL:    domain.String(created.AdminURL),
		Branch:      domain.String(name),
	})
}

// RemoveEnvironment deletes the environment's site instance.
func (c *Client) RemoveEnvironment(ctx context.Context, p *domain.Project, u *domain.User, name string) error {
	dep := p.Deployment(ProviderID, name)
	if dep == nil || dep.SiteID == "" {
		return nil
	}
	err := c.call(ctx, http.MethodDelete, "/v1/sites/"+dep.SiteID, nil, nil)
	if err != nil {
		var httpErr *StatusError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("hostly: remove environment site: %w", err)
	}
	return nil
}

// Destroy deletes the primary site.
func (c *Client) Destroy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) error {
	dep := p.Deployment(ProviderID, "")
	if dep == nil || dep.SiteID == "" {
		return nil
	}
	err := c.call(ctx, http.MethodDelete, "/v1/sites/"+dep.SiteID, nil, nil)
	if err != nil {
		var httpErr *StatusError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("hostly: destroy site: %w", err)
	}
	return nil
}

// Redeploy schedules a new deploy of the environment's branch, optionally
// clearing the build cache.
func (c *Client) Redeploy(ctx context.Context, p *domain.Project, u *domain.User, environment string, log *buildlog.Logger, force bool) error {
	dep := c.deployment(p, environment)
	if dep == nil || dep.SiteID == "" {
		return fmt.Errorf("hostly: %w: no site for project %s", repository.ErrNotFound, p.ID)
	}
	body := map[string]bool{"clear_cache": force}
	var scheduled deploy
	if err := c.call(ctx, http.MethodPost, "/v1/sites/"+dep.SiteID+"/deploys", body, &scheduled); err != nil {
		return fmt.Errorf("hostly: redeploy: %w", err)
	}
	_, err := c.projects.UpdateDeployment(ctx, p.ID, domain.DeploymentUpdate{
		Provider:      ProviderID,
		Environment:   environment,
		DeployID:      domain.String(scheduled.ID),
		BuildProgress: domain.String(domain.ProgressQueued),
		RawState:      domain.String(scheduled.State),
	})
	return err
}

// OnWebhook converts a deploy notification into a state machine event. The
// payload shape matches the deploy listing; unrecognized states produce no
// event so the endpoint can still acknowledge the provider.
func (c *Client) OnWebhook(ctx context.Context, p *domain.Project, u *domain.User, payload []byte, header http.Header) (*domain.Project, *domain.DeployEvent, error) {
	var body deploy
	if err := json.Unmarshal(payload, &body); err != nil {
		return p, nil, fmt.Errorf("hostly: decode webhook: %w", err)
	}
	name := normalizeState(body.State)
	if name == "" {
		c.logger.Debug("ignoring webhook with unknown state", "project_id", p.ID, "state", body.State)
		return p, nil, nil
	}
	environment := ""
	if body.Context != "" && body.Context != "production" {
		environment = body.Branch
	}
	return p, &domain.DeployEvent{
		Source:      domain.SourceProvider,
		Name:        name,
		Provider:    ProviderID,
		DeployID:    body.ID,
		Environment: environment,
		Branch:      body.Branch,
		Message:     body.ErrorMessage,
		Payload:     payload,
		ReceivedAt:  time.Now().UTC(),
	}, nil
}

// deployment resolves the environment's document, falling back to the primary
// site for the production deploy listing.
func (c *Client) deployment(p *domain.Project, environment string) *domain.ProviderDeployment {
	if environment != "" {
		if dep := p.Deployment(ProviderID, environment); dep != nil {
			return dep
		}
	}
	return p.Deployment(ProviderID, "")
}

func normalizeState(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new":
		return domain.DeployStateNew
	case "enqueued", "pending":
		return domain.DeployStateEnqueued
	case "uploading", "building", "processing":
		return domain.DeployStateBuilding
	case "ready", "current":
		return domain.DeployStateReady
	case "error", "failed":
		return domain.DeployStateError
	}
	return ""
}

// StatusError carries a non-2xx API response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hostly responded %d: %s", e.Code, e.Body)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
