package poller

import (
	"testing"
	"time"

	"github.com/siteforge/siteforge/internal/provider"
)

func deployAt(id, state, branch, context string, age time.Duration) provider.Deploy {
	return provider.Deploy{
		ID:        id,
		State:     state,
		Branch:    branch,
		Context:   context,
		CreatedAt: time.Now().Add(-age),
	}
}

func TestSelectLatestPrefersInProgress(t *testing.T) {
	deploys := []provider.Deploy{
		deployAt("d-ready", "ready", "master", "production", time.Minute),
		deployAt("d-building", "building", "master", "production", 2*time.Minute),
		deployAt("d-error", "error", "master", "production", 3*time.Minute),
	}
	got := SelectLatest(deploys, SelectOptions{})
	if got == nil || got.ID != "d-building" {
		t.Fatalf("expected in-progress deploy, got %+v", got)
	}
}

func TestSelectLatestQueuedBeatsTerminal(t *testing.T) {
	deploys := []provider.Deploy{
		deployAt("d-ready", "ready", "master", "production", time.Minute),
		deployAt("d-queued", "enqueued", "master", "production", 2*time.Minute),
	}
	got := SelectLatest(deploys, SelectOptions{})
	if got == nil || got.ID != "d-queued" {
		t.Fatalf("expected queued deploy, got %+v", got)
	}
}

func TestSelectLatestErrorBeatsReady(t *testing.T) {
	deploys := []provider.Deploy{
		deployAt("d-ready", "ready", "master", "production", time.Minute),
		deployAt("d-error", "failed", "master", "production", 2*time.Minute),
	}
	got := SelectLatest(deploys, SelectOptions{})
	if got == nil || got.ID != "d-error" {
		t.Fatalf("expected errored deploy, got %+v", got)
	}
}

func TestSelectLatestPicksNewestWithinClass(t *testing.T) {
	deploys := []provider.Deploy{
		deployAt("d-old", "ready", "master", "production", time.Hour),
		deployAt("d-new", "ready", "master", "production", time.Minute),
	}
	got := SelectLatest(deploys, SelectOptions{})
	if got == nil || got.ID != "d-new" {
		t.Fatalf("expected newest ready deploy, got %+v", got)
	}
}

func TestSelectLatestIgnoresNonProduction(t *testing.T) {
	deploys := []provider.Deploy{
		deployAt("d-preview", "building", "feature-x", "deploy-preview", time.Minute),
		deployAt("d-prod", "ready", "master", "production", 2*time.Minute),
	}
	got := SelectLatest(deploys, SelectOptions{})
	if got == nil || got.ID != "d-prod" {
		t.Fatalf("expected production deploy only, got %+v", got)
	}
}

func TestSelectLatestBranchFilterOverridesContext(t *testing.T) {
	deploys := []provider.Deploy{
		deployAt("d-env", "building", "env-1", "branch-deploy", time.Minute),
		deployAt("d-prod", "ready", "master", "production", 2*time.Minute),
	}
	got := SelectLatest(deploys, SelectOptions{Branch: "ENV-1"})
	if got == nil || got.ID != "d-env" {
		t.Fatalf("expected branch-filtered deploy, got %+v", got)
	}
}

func TestSelectLatestMostRecentlyScheduledStopsAtQueued(t *testing.T) {
	deploys := []provider.Deploy{
		deployAt("d-queued", "new", "master", "production", time.Minute),
		deployAt("d-building", "building", "master", "production", time.Hour),
	}
	// Default mode keeps scanning and finds the older in-progress deploy.
	got := SelectLatest(deploys, SelectOptions{})
	if got == nil || got.ID != "d-building" {
		t.Fatalf("default mode should find the in-progress deploy, got %+v", got)
	}
	// Scheduled mode stops at the newest queued entry.
	got = SelectLatest(deploys, SelectOptions{MostRecentlyScheduled: true})
	if got == nil || got.ID != "d-queued" {
		t.Fatalf("scheduled mode should stop at the queued deploy, got %+v", got)
	}
}

func TestSelectLatestEmptyListing(t *testing.T) {
	if got := SelectLatest(nil, SelectOptions{}); got != nil {
		t.Fatalf("expected nil for empty listing, got %+v", got)
	}
}

func TestEventNameNormalization(t *testing.T) {
	cases := map[string]string{
		"Uploading":  "building",
		"processing": "building",
		"NEW":        "new",
		"pending":    "enqueued",
		"current":    "ready",
		"Failed":     "error",
		"weird":      "",
		"":           "",
	}
	for raw, want := range cases {
		if got := EventName(raw); got != want {
			t.Fatalf("EventName(%q) = %q, want %q", raw, got, want)
		}
	}
}
