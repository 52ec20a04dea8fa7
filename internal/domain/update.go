package domain

import "time"

// StatusUpdate is a guarded build status transition. When From is non-empty
// the update applies only while the current status is one of the listed
// values; a guard miss surfaces as repository.ErrConflict.
type StatusUpdate struct {
	To        BuildStatus
	From      []BuildStatus
	Message   string
	StartedAt *time.Time
}

// DeploymentUpdate mutates a single provider's deployment document, optionally
// inside an environment overlay. Nil pointer fields are left untouched so
// concurrent writers never clobber sibling fields.
type DeploymentUpdate struct {
	Provider    string
	Environment string

	SiteID        *string
	DeployID      *string
	Branch        *string
	URL           *string
	AdminURL      *string
	BuildHookID   *string
	SplitTestID   *string
	BuildProgress *string
	RawState      *string
	Connected     *bool
	APIKeyHash    *string
	Extra         map[string]string
}

// ApplyTo merges the update into the deployment document in place.
func (u DeploymentUpdate) ApplyTo(d *ProviderDeployment) {
	if u.SiteID != nil {
		d.SiteID = *u.SiteID
	}
	if u.DeployID != nil {
		d.DeployID = *u.DeployID
	}
	if u.Branch != nil {
		d.Branch = *u.Branch
	}
	if u.URL != nil {
		d.URL = *u.URL
	}
	if u.AdminURL != nil {
		d.AdminURL = *u.AdminURL
	}
	if u.BuildHookID != nil {
		d.BuildHookID = *u.BuildHookID
	}
	if u.SplitTestID != nil {
		d.SplitTestID = *u.SplitTestID
	}
	if u.BuildProgress != nil {
		d.BuildProgress = *u.BuildProgress
	}
	if u.RawState != nil {
		d.RawState = *u.RawState
	}
	if u.Connected != nil {
		d.Connected = *u.Connected
	}
	if u.APIKeyHash != nil {
		d.APIKeyHash = *u.APIKeyHash
	}
	for k, v := range u.Extra {
		if d.Extra == nil {
			d.Extra = make(map[string]string)
		}
		d.Extra[k] = v
	}
}

// String returns a pointer to s, for building partial updates.
func String(s string) *string { return &s }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
