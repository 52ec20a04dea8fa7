package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates a caller-supplied value failed validation.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrConflict indicates a guarded update lost against the current state.
var ErrConflict = errors.New("repository: conflict")

// ErrQuotaExceeded indicates an account limit was hit.
var ErrQuotaExceeded = errors.New("repository: quota exceeded")

// ErrAlreadyBuilt indicates the project left draft and cannot be built again.
var ErrAlreadyBuilt = errors.New("repository: project has already been built")
