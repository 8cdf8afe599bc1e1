package domain

import "errors"

var (
	ErrValidation              = errors.New("validation failed")
	ErrPermissionDenied        = errors.New("identity is not allowed to view this unit")
	ErrAlreadyExpired          = errors.New("unit has expired")
	ErrNotFound                = errors.New("not found")
	ErrConflictRetryable       = errors.New("concurrent update lost, retry")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
)
