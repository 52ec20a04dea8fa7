package poller

import (
	"sort"
	"strings"

	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/provider"
)

// SelectOptions tunes which deploy SelectLatest considers authoritative.
type SelectOptions struct {
	// Branch restricts selection to deploys for the named branch. When empty
	// only production deploys are considered.
	Branch string

	// MostRecentlyScheduled stops the scan at the newest queued deploy instead
	// of continuing past it in search of one already in progress.
	MostRecentlyScheduled bool
}

// SelectLatest picks the deploy that best represents the project's current
// provider-side state from an unordered listing.
//
// Precedence, over deploys ordered newest first:
//  1. a deploy currently uploading or building wins outright,
//  2. otherwise the newest queued (new/enqueued) deploy wins,
//  3. otherwise the newest errored deploy,
//  4. otherwise the newest ready deploy.
//
// Returns nil when nothing qualifies.
func SelectLatest(deploys []provider.Deploy, opts SelectOptions) *provider.Deploy {
	eligible := make([]provider.Deploy, 0, len(deploys))
	for _, d := range deploys {
		if opts.Branch != "" {
			if !strings.EqualFold(d.Branch, opts.Branch) {
				continue
			}
		} else if !d.Production() {
			continue
		}
		eligible = append(eligible, d)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.After(eligible[j].CreatedAt)
	})

	var inProgress, queued, errored, ready *provider.Deploy
	for i := range eligible {
		d := &eligible[i]
		switch EventName(d.State) {
		case domain.DeployStateBuilding:
			if inProgress == nil {
				inProgress = d
			}
		case domain.DeployStateNew, domain.DeployStateEnqueued:
			if queued == nil {
				queued = d
			}
			if opts.MostRecentlyScheduled {
				// An in-progress deploy older than this one is superseded.
				if inProgress != nil {
					return inProgress
				}
				return queued
			}
		case domain.DeployStateError:
			if errored == nil {
				errored = d
			}
		case domain.DeployStateReady:
			if ready == nil {
				ready = d
			}
		}
	}

	switch {
	case inProgress != nil:
		return inProgress
	case queued != nil:
		return queued
	case errored != nil:
		return errored
	case ready != nil:
		return ready
	}
	return nil
}

// EventName maps a provider's raw deploy state onto the canonical event
// vocabulary. Matching is case-insensitive; unknown states map to "".
func EventName(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "uploading", "building", "processing":
		return domain.DeployStateBuilding
	case "new":
		return domain.DeployStateNew
	case "enqueued", "queued", "pending":
		return domain.DeployStateEnqueued
	case "ready", "current", "live":
		return domain.DeployStateReady
	case "error", "failed":
		return domain.DeployStateError
	}
	return ""
}
