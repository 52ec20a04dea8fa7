// Package container implements the container-backed deployment target. Builds
// and deploys run on a separate runner service reached over HTTP; the runner
// reports progress back to the engine with the scoped API key minted here.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/siteforge/siteforge/internal/buildlog"
	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/repository"
	"github.com/siteforge/siteforge/pkg/apikey"
)

// ProviderID is the identifier projects use to select this adapter.
const ProviderID = "container"

// Client drives the external container runner.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	issuer    *apikey.Issuer
	projects  repository.ProjectRepository
	logger    *slog.Logger
}

// New constructs the adapter. timeout applies per runner call.
func New(baseURL, authToken string, issuer *apikey.Issuer, projects repository.ProjectRepository, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
		issuer:    issuer,
		projects:  projects,
		logger:    logger,
	}
}

func (c *Client) ID() string { return ProviderID }

// CreateAPIKey mints the credential the runner uses for progress callbacks.
// Only the hash is stored; the key itself travels to the runner with the next
// build request.
func (c *Client) CreateAPIKey(ctx context.Context, p *domain.Project, u *domain.User) (*domain.Project, error) {
	token, hash, err := c.issuer.Issue(p.ID, ProviderID)
	if err != nil {
		return nil, fmt.Errorf("container: issue api key: %w", err)
	}
	updated, err := c.projects.UpdateDeployment(ctx, p.ID, domain.DeploymentUpdate{
		Provider:   ProviderID,
		APIKeyHash: domain.String(hash),
		Extra:      map[string]string{"callback_key": token},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type buildRequest struct {
	ProjectID   string `json:"project_id"`
	Repository  string `json:"repository,omitempty"`
	CallbackKey string `json:"callback_key,omitempty"`
}

type buildResponse struct {
	BuildID string `json:"build_id"`
	Image   string `json:"image,omitempty"`
}

// BuildProject asks the runner to materialize the site's container image.
func (c *Client) BuildProject(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error) {
	dep := p.Deployment(ProviderID, "")
	req := buildRequest{ProjectID: p.ID}
	if dep != nil {
		req.CallbackKey = dep.Extra["callback_key"]
	}
	if repo := p.Deployment(p.Repository, ""); repo != nil {
		req.Repository = repo.URL
	}
	var resp buildResponse
	if err := c.call(ctx, http.MethodPost, "/v1/builds", req, &resp); err != nil {
		return nil, fmt.Errorf("container: build: %w", err)
	}
	log.Info(ctx, "container build scheduled", map[string]any{"build_id": resp.BuildID})
	return c.projects.UpdateDeployment(ctx, p.ID, domain.DeploymentUpdate{
		Provider: ProviderID,
		Extra:    map[string]string{"build_id": resp.BuildID, "image": resp.Image},
	})
}

type deployRequest struct {
	ProjectID   string `json:"project_id"`
	BuildID     string `json:"build_id,omitempty"`
	Environment string `json:"environment,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

type deployResponse struct {
	DeploymentID string `json:"deployment_id"`
	URL          string `json:"url"`
}

// Deploy starts the container and records the resulting deployment URL. The
// runner keeps reporting build progress asynchronously, so only the identity
// fields are written here.
func (c *Client) Deploy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) (*domain.Project, error) {
	dep := p.Deployment(ProviderID, "")
	req := deployRequest{ProjectID: p.ID}
	if dep != nil {
		req.BuildID = dep.Extra["build_id"]
	}
	var resp deployResponse
	if err := c.call(ctx, http.MethodPost, "/v1/deployments", req, &resp); err != nil {
		return nil, fmt.Errorf("container: deploy: %w", err)
	}
	log.Info(ctx, "container deployed", map[string]any{"deployment_id": resp.DeploymentID, "url": resp.URL})
	return c.projects.UpdateDeployment(ctx, p.ID, domain.DeploymentUpdate{
		Provider: ProviderID,
		DeployID: domain.String(resp.DeploymentID),
		URL:      domain.String(resp.URL),
	})
}

// Destroy tears the container down. A runner that no longer knows the
// deployment is treated as already destroyed.
func (c *Client) Destroy(ctx context.Context, p *domain.Project, u *domain.User, log *buildlog.Logger) error {
	dep := p.Deployment(ProviderID, "")
	if dep == nil || dep.DeployID == "" {
		return nil
	}
	err := c.call(ctx, http.MethodDelete, "/v1/deployments/"+dep.DeployID, nil, nil)
	if err != nil {
		var httpErr *StatusError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("container: destroy: %w", err)
	}
	return nil
}

// Redeploy restarts the container, optionally forcing an image rebuild.
func (c *Client) Redeploy(ctx context.Context, p *domain.Project, u *domain.User, environment string, log *buildlog.Logger, force bool) error {
	req := deployRequest{ProjectID: p.ID, Environment: environment, Force: force}
	var resp deployResponse
	if err := c.call(ctx, http.MethodPost, "/v1/redeployments", req, &resp); err != nil {
		return fmt.Errorf("container: redeploy: %w", err)
	}
	if _, err := c.projects.UpdateDeployment(ctx, p.ID, domain.DeploymentUpdate{
		Provider:    ProviderID,
		Environment: environment,
		DeployID:    domain.String(resp.DeploymentID),
		URL:         domain.String(resp.URL),
	}); err != nil {
		return err
	}
	return nil
}

// TriggerBuild re-runs the build for the current primary content state. Used
// to refresh the container after a split-test winner is promoted.
func (c *Client) TriggerBuild(ctx context.Context, p *domain.Project, u *domain.User, payload []byte) (*domain.Project, error) {
	dep := p.Deployment(ProviderID, "")
	req := buildRequest{ProjectID: p.ID}
	if dep != nil {
		req.CallbackKey = dep.Extra["callback_key"]
	}
	var resp buildResponse
	if err := c.call(ctx, http.MethodPost, "/v1/builds", req, &resp); err != nil {
		return nil, fmt.Errorf("container: trigger build: %w", err)
	}
	return c.projects.UpdateDeployment(ctx, p.ID, domain.DeploymentUpdate{
		Provider: ProviderID,
		Extra:    map[string]string{"build_id": resp.BuildID},
	})
}

// TriggerAutoBuild refreshes the container after an upstream content change.
// The runner picks up the current content state, so the payload only travels
// through for provenance.
func (c *Client) TriggerAutoBuild(ctx context.Context, p *domain.Project, u *domain.User, payload []byte) (*domain.Project, error) {
	return c.TriggerBuild(ctx, p, u, payload)
}

// SetDeploymentBuildProgress keeps the runner's last reported message next to
// the document so operators can see where a stuck build got to.
func (c *Client) SetDeploymentBuildProgress(ctx context.Context, p *domain.Project, ev *domain.DeployEvent, params map[string]string) (*domain.Project, error) {
	if ev == nil || ev.Source != domain.SourceContainer {
		return p, nil
	}
	extra := map[string]string{"last_progress_at": time.Now().UTC().Format(time.RFC3339)}
	if ev.Message != "" {
		extra["last_progress_message"] = ev.Message
	}
	for k, v := range params {
		extra[k] = v
	}
	return c.projects.UpdateDeployment(ctx, p.ID, domain.DeploymentUpdate{
		Provider:    ProviderID,
		Environment: ev.Environment,
		Extra:       extra,
	})
}

// StatusError carries a non-2xx runner response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("runner responded %d: %s", e.Code, e.Body)
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
