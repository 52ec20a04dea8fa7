package domain

import "time"

// BuildStatus tracks the deployment lifecycle of a project.
type BuildStatus string

// Lifecycle states. Transitions are enforced by the repository's guarded
// update operations, never by direct field writes.
const (
	StatusDraft       BuildStatus = "draft"
	StatusBuilding    BuildStatus = "building"
	StatusDeploying   BuildStatus = "deploying"
	StatusLive        BuildStatus = "live"
	StatusFailing     BuildStatus = "failing"
	StatusBuildFailed BuildStatus = "build-failed"
)

// Build progress sub-states within deploying. The first three are reserved;
// pull, ssgbuild and publish are reported by the container runtime mid-build.
const (
	ProgressQueued   = "queued"
	ProgressBuilding = "building"
	ProgressPull     = "pull"
	ProgressSSGBuild = "ssgbuild"
	ProgressPublish  = "publish"
	ProgressLive     = "live"
)

// ReservedProgress reports whether the value may only be produced by the
// provider state mapping, never by a container progress ping.
func ReservedProgress(value string) bool {
	switch value {
	case ProgressQueued, ProgressBuilding, ProgressLive:
		return true
	}
	return false
}

// ProviderDeployment is the provider-owned document stored per provider id.
// Each provider reads and writes only its own entry.
type ProviderDeployment struct {
	SiteID        string            `json:"site_id,omitempty"`
	DeployID      string            `json:"deploy_id,omitempty"`
	Branch        string            `json:"branch,omitempty"`
	URL           string            `json:"url,omitempty"`
	AdminURL      string            `json:"admin_url,omitempty"`
	BuildHookID   string            `json:"build_hook_id,omitempty"`
	SplitTestID   string            `json:"split_test_id,omitempty"`
	BuildProgress string            `json:"build_progress,omitempty"`
	RawState      string            `json:"raw_state,omitempty"`
	Connected     bool              `json:"connected,omitempty"`
	APIKeyHash    string            `json:"api_key_hash,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Clone returns a deep copy.
func (d *ProviderDeployment) Clone() *ProviderDeployment {
	if d == nil {
		return nil
	}
	out := *d
	if d.Extra != nil {
		out.Extra = make(map[string]string, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// DeploymentData maps provider id to its deployment document.
type DeploymentData map[string]*ProviderDeployment

// Clone returns a deep copy.
func (d DeploymentData) Clone() DeploymentData {
	if d == nil {
		return nil
	}
	out := make(DeploymentData, len(d))
	for k, v := range d {
		out[k] = v.Clone()
	}
	return out
}

// Metrics accumulates deploy counters and durations. Updated incrementally,
// never overwritten wholesale.
type Metrics struct {
	DeployCount     int64      `json:"deploy_count"`
	FailureCount    int64      `json:"failure_count"`
	BuildDurationMS int64      `json:"build_duration_ms"`
	LastDeployAt    *time.Time `json:"last_deploy_at,omitempty"`
}

// MetricsDelta is an incremental metrics update.
type MetricsDelta struct {
	Deploys         int64
	Failures        int64
	BuildDurationMS int64
	DeployedAt      *time.Time
}

// Project is the central aggregate: configuration plus the deployment ledger.
type Project struct {
	ID      string
	OwnerID string
	Name    string

	// Configured provider identifiers.
	ContentSource    string
	ImportSource     string
	Repository       string
	DeploymentTarget string
	Container        string

	BuildStatus    BuildStatus
	BuildMessage   string
	BuildStartedAt *time.Time

	DeploymentData DeploymentData
	Environments   map[string]DeploymentData
	SplitTests     []SplitTest
	Metrics        Metrics

	// Content publishing bookkeeping: PublishingVersion is the in-flight
	// version, promoted to PublishedVersion when the deploy goes live.
	PublishingVersion *int64
	PublishedVersion  int64

	// WebhooksRestricted marks hosting accounts whose plan blocks webhook
	// delivery; those projects are reconciled by the poller instead.
	WebhooksRestricted bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TargetProvider returns the effective deployment target: the container
// wrapper when configured, otherwise the plain hosting target.
func (p *Project) TargetProvider() string {
	if p.Container != "" {
		return p.Container
	}
	return p.DeploymentTarget
}

// ContainerBacked reports whether deploys run through a long-lived container.
func (p *Project) ContainerBacked() bool {
	return p.Container != ""
}

// Deployment resolves the provider document for the given environment name,
// falling back to the primary deployment data when the environment has no
// overlay entry. An empty environment addresses the primary branch.
func (p *Project) Deployment(provider, environment string) *ProviderDeployment {
	if environment != "" {
		if overlay, ok := p.Environments[environment]; ok {
			if d, ok := overlay[provider]; ok {
				return d
			}
		}
		return nil
	}
	if p.DeploymentData == nil {
		return nil
	}
	return p.DeploymentData[provider]
}

// ActiveSplitTest returns the current campaign, or nil when none exists.
func (p *Project) ActiveSplitTest() *SplitTest {
	if len(p.SplitTests) == 0 {
		return nil
	}
	return &p.SplitTests[0]
}

// User identifies a project owner.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}
