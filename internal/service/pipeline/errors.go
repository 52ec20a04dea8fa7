package pipeline

import (
	"errors"

	"github.com/siteforge/siteforge/internal/repository"
)

// ErrProjectAlreadyBuilt rejects build attempts on projects past draft.
var ErrProjectAlreadyBuilt = repository.ErrAlreadyBuilt

// ErrNotAuthorized rejects callers that do not own the project.
var ErrNotAuthorized = errors.New("pipeline: not authorized")

// ErrNoProviderAccess rejects builds when the hosting account is unreachable,
// for example after a revoked token.
var ErrNoProviderAccess = errors.New("pipeline: no provider access")

// Transient marks a provider error as retryable by pipeline stages.
type Transient struct {
	Err error
}

func (t *Transient) Error() string { return t.Err.Error() }

func (t *Transient) Unwrap() error { return t.Err }

// IsTransient reports whether the error chain carries a Transient marker.
func IsTransient(err error) bool {
	var t *Transient
	return errors.As(err, &t)
}
