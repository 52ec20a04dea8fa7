package httpx

import (
	"errors"
	"net/http"
	"strings"

	"github.com/siteforge/siteforge/internal/provider/container"
	"github.com/siteforge/siteforge/pkg/apikey"
)

// User identity arrives from the platform gateway, which terminates end-user
// authentication upstream of the engine. Ownership checks still run in every
// service, so a forged header cannot reach another owner's project.
const userHeader = "X-User-ID"

func userFromRequest(req *http.Request) string {
	return strings.TrimSpace(req.Header.Get(userHeader))
}

// requireUser rejects requests without a forwarded user identity.
func (r *Router) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if userFromRequest(req) == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, req)
	}
}

// verifyProjectKey authenticates a provider callback: the bearer token must be
// the scoped API key minted for the project during the pipeline, and its hash
// must match the one stored in the container's deployment document.
func (r *Router) verifyProjectKey(req *http.Request, projectID string) error {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		return err
	}
	claims, err := r.issuer.Parse(token)
	if err != nil {
		return err
	}
	if claims.ProjectID != projectID {
		return errors.New("api key is scoped to a different project")
	}
	project, err := r.projects.GetProjectByID(req.Context(), projectID)
	if err != nil {
		return err
	}
	dep := project.Deployment(container.ProviderID, "")
	if dep == nil || dep.APIKeyHash == "" {
		return errors.New("project has no provisioned api key")
	}
	if !apikey.Matches(dep.APIKeyHash, token) {
		return errors.New("api key does not match stored credential")
	}
	return nil
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
