package domain

import (
	"encoding/json"
	"time"
)

// EventSource identifies the channel a deploy event arrived through.
type EventSource string

const (
	// SourceProvider marks events delivered by a hosting provider webhook
	// or derived from a provider poll.
	SourceProvider EventSource = "provider"
	// SourceTrigger marks internally-originated build triggers.
	SourceTrigger EventSource = "trigger"
	// SourceContainer marks progress pings from the container runtime.
	SourceContainer EventSource = "container"
)

// Provider deploy state vocabulary.
const (
	DeployStateNew      = "new"
	DeployStateEnqueued = "enqueued"
	DeployStateBuilding = "building"
	DeployStateReady    = "ready"
	DeployStateError    = "error"
)

// TriggerBuildEvent is the single event name accepted from SourceTrigger.
const TriggerBuildEvent = "build"

// DeployEvent is an ephemeral record fed into the deployment status state
// machine. It is never persisted.
type DeployEvent struct {
	Source      EventSource
	Name        string
	Provider    string
	DeployID    string
	Environment string
	Branch      string
	Message     string
	Payload     json.RawMessage
	ReceivedAt  time.Time
}

// BuildError is a serialized operator-visible failure record.
type BuildError struct {
	ID         string
	ProjectID  string
	UserID     string
	Stage      string
	Message    string
	Serialized json.RawMessage
	CreatedAt  time.Time
}

// BuildLogEntry is one line of a project's deploy timeline.
type BuildLogEntry struct {
	ID        int64
	ProjectID string
	UserID    string
	Source    string
	Level     string
	Message   string
	Metadata  json.RawMessage
	CreatedAt time.Time
}
