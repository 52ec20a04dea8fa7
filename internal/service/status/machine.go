// Package status reconciles inbound deploy events against the ledger. The
// transition logic is a pure function over (project, event) so ordering and
// idempotence guards are unit-testable without any I/O; Applier persists the
// decision and runs its side effects.
package status

import (
	"fmt"

	"github.com/siteforge/siteforge/internal/domain"
)

// Reasons a decision resolves to a no-op.
const (
	ReasonTerminal  = "project is in terminal build failure"
	ReasonDuplicate = "duplicate event for current deploy"
	ReasonStale     = "event regresses past current progress"
	ReasonDeploying = "build trigger rejected while deploying"
	ReasonNotYet    = "custom progress only accepted while deploying"
	ReasonUnknown   = "unknown event name for source"
	ReasonReserved  = "custom progress collides with reserved value"
)

// Decision is the outcome of feeding one event through the state machine.
type Decision struct {
	// NoOp means the ledger must not change. Illegal additionally marks the
	// event as operator-visible misbehavior; it is logged, never thrown.
	NoOp    bool
	Illegal bool
	Reason  string

	// Status is the project-level transition; empty means status unchanged.
	// Guards carries the statuses the transition is valid from, enforced
	// atomically by the ledger so concurrent appliers converge.
	Status domain.BuildStatus
	Guards []domain.BuildStatus

	// Progress/RawState update the provider document for the event's
	// provider and environment.
	Progress string
	RawState string

	// Side effects, executed by the applier only after persistence succeeds.
	Connect           bool
	PromotePublishing bool
	ClearPublishing   bool
	CountDeploy       bool
	CountFailure      bool
	AnalyticsEvent    string
}

// Decide converts an inbound deploy event into at most one ledger update.
func Decide(p *domain.Project, ev domain.DeployEvent) Decision {
	// A project in hard failure never silently resumes via late events.
	if p.BuildStatus == domain.StatusBuildFailed {
		return Decision{NoOp: true, Reason: ReasonTerminal}
	}
	switch ev.Source {
	case domain.SourceProvider:
		return decideProvider(p, ev)
	case domain.SourceTrigger:
		return decideTrigger(p, ev)
	case domain.SourceContainer:
		return decideContainer(p, ev)
	default:
		return Decision{NoOp: true, Illegal: true, Reason: fmt.Sprintf("unknown event source %q", ev.Source)}
	}
}

func decideProvider(p *domain.Project, ev domain.DeployEvent) Decision {
	var (
		status   domain.BuildStatus
		progress string
	)
	switch ev.Name {
	case domain.DeployStateNew, domain.DeployStateEnqueued:
		status, progress = domain.StatusDeploying, domain.ProgressQueued
	case domain.DeployStateBuilding:
		status, progress = domain.StatusDeploying, domain.ProgressBuilding
	case domain.DeployStateReady:
		status, progress = domain.StatusLive, domain.ProgressLive
	case domain.DeployStateError:
		status = domain.StatusFailing
	default:
		return Decision{NoOp: true, Illegal: true, Reason: ReasonUnknown}
	}

	dep := p.Deployment(ev.Provider, ev.Environment)
	if dep != nil && dep.DeployID == ev.DeployID && ev.DeployID != "" {
		// Duplicate webhook deliveries and poll/webhook races must not
		// re-emit analytics or re-run one-time side effects.
		if (progress != "" && dep.BuildProgress == progress) || (dep.RawState != "" && dep.RawState == ev.Name) {
			return Decision{NoOp: true, Reason: ReasonDuplicate}
		}
		// A stale earlier-stage event never regresses a finished deploy.
		if dep.BuildProgress == domain.ProgressLive && status == domain.StatusDeploying {
			return Decision{NoOp: true, Reason: ReasonStale}
		}
	}
	// An earlier-stage event for a deploy the ledger has never tracked must
	// not pull a live project back to deploying.
	if dep == nil && status == domain.StatusDeploying && p.BuildStatus == domain.StatusLive && ev.Environment == "" {
		return Decision{NoOp: true, Reason: ReasonStale}
	}

	d := Decision{Progress: progress, RawState: ev.Name}
	if status == domain.StatusLive {
		// Content connect is tracked per environment, so a variant going
		// live still runs its own one-time connect.
		d.Connect = true
	}
	if ev.Environment != "" {
		// Environment deploys never touch project-level state: no status
		// transition, and none of the publishing/metrics bookkeeping that
		// is coupled to one.
		return d
	}
	d.Status = status
	d.Guards = []domain.BuildStatus{p.BuildStatus}
	switch status {
	case domain.StatusLive:
		d.PromotePublishing = true
		d.CountDeploy = true
		d.AnalyticsEvent = "deploy_live"
	case domain.StatusFailing:
		d.ClearPublishing = true
		d.CountFailure = true
		d.AnalyticsEvent = "deploy_failing"
	}
	return d
}

func decideTrigger(p *domain.Project, ev domain.DeployEvent) Decision {
	if ev.Name != domain.TriggerBuildEvent {
		return Decision{NoOp: true, Illegal: true, Reason: ReasonUnknown}
	}
	// Only accepted when not already deploying, to avoid clobbering an
	// in-flight deploy.
	switch p.BuildStatus {
	case domain.StatusBuilding, domain.StatusLive, domain.StatusFailing:
	default:
		return Decision{NoOp: true, Reason: ReasonDeploying}
	}
	return Decision{
		Status:   domain.StatusDeploying,
		Guards:   []domain.BuildStatus{domain.StatusBuilding, domain.StatusLive, domain.StatusFailing},
		Progress: domain.ProgressQueued,
		RawState: domain.DeployStateNew,
	}
}

func decideContainer(p *domain.Project, ev domain.DeployEvent) Decision {
	if domain.ReservedProgress(ev.Name) {
		return Decision{NoOp: true, Illegal: true, Reason: ReasonReserved}
	}
	switch ev.Name {
	case domain.ProgressPull, domain.ProgressSSGBuild, domain.ProgressPublish:
	default:
		return Decision{NoOp: true, Illegal: true, Reason: ReasonUnknown}
	}
	if p.BuildStatus != domain.StatusDeploying {
		return Decision{NoOp: true, Reason: ReasonNotYet}
	}
	dep := p.Deployment(ev.Provider, ev.Environment)
	if dep != nil && dep.BuildProgress == ev.Name {
		return Decision{NoOp: true, Reason: ReasonDuplicate}
	}
	return Decision{Progress: ev.Name, RawState: ev.Name}
}
